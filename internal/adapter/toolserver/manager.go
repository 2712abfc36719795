package toolserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"llmflow/internal/domain"
)

// Client identity sent in the MCP handshake.
const (
	clientName    = "llmflow"
	clientVersion = "1.0.0"
)

// mcpClient abstracts the MCP client interface for testability.
type mcpClient interface {
	Initialize(ctx context.Context, request mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, request mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	ListResources(ctx context.Context, request mcp.ListResourcesRequest) (*mcp.ListResourcesResult, error)
	Close() error
}

// clientFactory starts the subprocess for cfg and returns its client.
type clientFactory func(cfg domain.ToolServerConfig) (mcpClient, error)

func stdioFactory(cfg domain.ToolServerConfig) (mcpClient, error) {
	c, err := mcpclient.NewStdioMCPClient(cfg.Command, envSlice(cfg.Env), cfg.Args...)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Manager implements domain.ToolServerClient over MCP stdio subprocesses.
// One Manager belongs to one workflow run; DisconnectAll stops everything
// it started.
type Manager struct {
	logger    *slog.Logger
	newClient clientFactory

	mu      sync.Mutex
	configs map[string]domain.ToolServerConfig
	conns   map[string]mcpClient
}

// NewManager creates a manager that launches servers as stdio subprocesses.
func NewManager(logger *slog.Logger) *Manager {
	return newManagerWithFactory(stdioFactory, logger)
}

// newManagerWithFactory creates a Manager with a custom client factory (for testing).
func newManagerWithFactory(factory clientFactory, logger *slog.Logger) *Manager {
	return &Manager{
		logger:    logger,
		newClient: factory,
		configs:   make(map[string]domain.ToolServerConfig),
		conns:     make(map[string]mcpClient),
	}
}

// Register implements domain.ToolServerClient.
func (m *Manager) Register(name string, cfg domain.ToolServerConfig) {
	if cfg.Name == "" {
		cfg.Name = name
	}
	m.mu.Lock()
	m.configs[name] = cfg
	m.mu.Unlock()
}

// Connect implements domain.ToolServerClient. Connecting an already
// connected server is a no-op.
func (m *Manager) Connect(ctx context.Context, name string) error {
	m.mu.Lock()
	if _, ok := m.conns[name]; ok {
		m.mu.Unlock()
		return nil
	}
	cfg, ok := m.configs[name]
	m.mu.Unlock()
	if !ok {
		return domain.NewSubSystemError("toolserver", "Manager.Connect", domain.ErrNotFound, name)
	}

	c, err := m.newClient(cfg)
	if err != nil {
		return domain.NewSubSystemError("toolserver", "Manager.Connect", domain.ErrToolConnection,
			fmt.Sprintf("%s: start %s: %v", name, cfg.Command, err))
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    clientName,
		Version: clientVersion,
	}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		c.Close()
		return domain.NewSubSystemError("toolserver", "Manager.Connect", domain.ErrToolConnection,
			fmt.Sprintf("%s: initialize: %v", name, err))
	}

	m.mu.Lock()
	if _, ok := m.conns[name]; ok {
		// Lost a race with a concurrent Connect; keep the first client.
		m.mu.Unlock()
		c.Close()
		return nil
	}
	m.conns[name] = c
	m.mu.Unlock()

	m.logger.Info("tool server connected", "server", name, "command", cfg.Command)
	return nil
}

// IsConnected implements domain.ToolServerClient.
func (m *Manager) IsConnected(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.conns[name]
	return ok
}

// connected returns the clients for names, or for every connected server
// when names is empty, in name order. Unconnected names are skipped.
func (m *Manager) connected(names []string) []namedClient {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(names) == 0 {
		for n := range m.conns {
			names = append(names, n)
		}
		sort.Strings(names)
	}
	out := make([]namedClient, 0, len(names))
	for _, n := range names {
		if c, ok := m.conns[n]; ok {
			out = append(out, namedClient{name: n, client: c})
		}
	}
	return out
}

type namedClient struct {
	name   string
	client mcpClient
}

// ListTools implements domain.ToolServerClient. A server whose listing
// fails is skipped; the call fails only when every server failed.
func (m *Manager) ListTools(ctx context.Context, names ...string) ([]domain.ToolInfo, error) {
	var (
		tools []domain.ToolInfo
		errs  []string
	)
	targets := m.connected(names)
	for _, nc := range targets {
		result, err := nc.client.ListTools(ctx, mcp.ListToolsRequest{})
		if err != nil {
			m.logger.Warn("tool listing failed, skipping", "server", nc.name, "error", err)
			errs = append(errs, fmt.Sprintf("%s: %v", nc.name, err))
			continue
		}
		for _, t := range result.Tools {
			tools = append(tools, domain.ToolInfo{Server: nc.name, Name: t.Name, Description: t.Description})
		}
	}
	if len(errs) > 0 && len(errs) == len(targets) {
		return nil, fmt.Errorf("%w: %s", domain.ErrToolConnection, strings.Join(errs, "; "))
	}
	return tools, nil
}

// ListResources implements domain.ToolServerClient.
func (m *Manager) ListResources(ctx context.Context, names ...string) ([]domain.ResourceInfo, error) {
	var (
		resources []domain.ResourceInfo
		errs      []string
	)
	targets := m.connected(names)
	for _, nc := range targets {
		result, err := nc.client.ListResources(ctx, mcp.ListResourcesRequest{})
		if err != nil {
			m.logger.Warn("resource listing failed, skipping", "server", nc.name, "error", err)
			errs = append(errs, fmt.Sprintf("%s: %v", nc.name, err))
			continue
		}
		for _, r := range result.Resources {
			resources = append(resources, domain.ResourceInfo{
				Server:      nc.name,
				URI:         r.URI,
				Name:        r.Name,
				Description: r.Description,
			})
		}
	}
	if len(errs) > 0 && len(errs) == len(targets) {
		return nil, fmt.Errorf("%w: %s", domain.ErrToolConnection, strings.Join(errs, "; "))
	}
	return resources, nil
}

// DisconnectAll implements domain.ToolServerClient. Every started server is
// closed even when some closes fail; the failures are joined.
func (m *Manager) DisconnectAll() error {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]mcpClient)
	m.mu.Unlock()

	var errs []error
	for name, c := range conns {
		if err := c.Close(); err != nil {
			m.logger.Warn("tool server close error", "server", name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		m.logger.Debug("tool server disconnected", "server", name)
	}
	return errors.Join(errs...)
}

// envSlice converts a map of env vars to sorted KEY=VALUE pairs.
func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	result := make([]string, 0, len(env))
	for k, v := range env {
		result = append(result, k+"="+v)
	}
	sort.Strings(result)
	return result
}

// Compile-time interface check.
var _ domain.ToolServerClient = (*Manager)(nil)
