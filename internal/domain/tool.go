package domain

import "context"

// ToolServerConfig is the canonical launch description of a tool server.
// Every source syntax in a workflow document is normalized to this shape.
type ToolServerConfig struct {
	Name    string            `json:"name" yaml:"name"`
	Command string            `json:"command" yaml:"command"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// ToolInfo describes one callable tool exposed by a connected server.
type ToolInfo struct {
	Server      string `json:"server"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// ResourceInfo describes one resource exposed by a connected server.
type ResourceInfo struct {
	Server      string `json:"server"`
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

// ToolServerClient manages tool-server subprocesses for one workflow run.
type ToolServerClient interface {
	// Register records a server configuration without starting it.
	Register(name string, cfg ToolServerConfig)
	// Connect starts the named server and performs the protocol handshake.
	Connect(ctx context.Context, name string) error
	// IsConnected reports whether the named server is running.
	IsConnected(name string) bool
	// ListTools lists tools of the named connected servers, or of all
	// connected servers when names is empty.
	ListTools(ctx context.Context, names ...string) ([]ToolInfo, error)
	// ListResources is ListTools for resources.
	ListResources(ctx context.Context, names ...string) ([]ResourceInfo, error)
	// DisconnectAll stops every started server. Safe to call repeatedly.
	DisconnectAll() error
}
