package workflow

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"llmflow/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// writeDoc writes content to dir/name, creating parent directories.
func writeDoc(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(strings.TrimLeft(content, "\n")), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestCompiler(t *testing.T) *Compiler {
	t.Helper()
	c, err := NewCompiler(testLogger())
	if err != nil {
		t.Fatalf("NewCompiler: %v", err)
	}
	return c
}

// stubModel answers Generate calls from a function and records requests.
type stubModel struct {
	mu       sync.Mutex
	requests []domain.GenerateRequest
	generate func(ctx context.Context, req domain.GenerateRequest) (string, error)
}

func replyWith(text string) *stubModel {
	return &stubModel{generate: func(context.Context, domain.GenerateRequest) (string, error) { return text, nil }}
}

func (m *stubModel) Generate(ctx context.Context, req domain.GenerateRequest) (string, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()
	return m.generate(ctx, req)
}

func (m *stubModel) Embed(context.Context, string, []string) ([][]float32, error) { return nil, nil }

func (m *stubModel) ListModels(context.Context) ([]domain.ModelInfo, error) { return nil, nil }

func (m *stubModel) calls() []domain.GenerateRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.GenerateRequest(nil), m.requests...)
}

// recordingFrontEnd answers input requests from a queue and records events.
type recordingFrontEnd struct {
	mu     sync.Mutex
	inputs []string
	err    error
	events []domain.UIEvent
	asked  []string
}

func (f *recordingFrontEnd) RequestInput(_ context.Context, prompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.asked = append(f.asked, prompt)
	if f.err != nil {
		return "", f.err
	}
	if len(f.inputs) == 0 {
		return "", nil
	}
	in := f.inputs[0]
	f.inputs = f.inputs[1:]
	return in, nil
}

func (f *recordingFrontEnd) Emit(ev domain.UIEvent) {
	f.mu.Lock()
	f.events = append(f.events, ev)
	f.mu.Unlock()
}

func (f *recordingFrontEnd) Close() error { return nil }

func (f *recordingFrontEnd) types() []domain.UIEventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.UIEventType, len(f.events))
	for i, ev := range f.events {
		out[i] = ev.Type
	}
	return out
}

// recordingBus records published event types synchronously.
type recordingBus struct {
	mu    sync.Mutex
	types []domain.EventType
}

func (b *recordingBus) Publish(_ context.Context, ev domain.Event) {
	b.mu.Lock()
	b.types = append(b.types, ev.Type)
	b.mu.Unlock()
}

func (b *recordingBus) Subscribe(domain.EventType, domain.EventHandler) func() { return func() {} }
func (b *recordingBus) SubscribeAll(domain.EventHandler) func()                { return func() {} }
func (b *recordingBus) Close()                                                 {}

func (b *recordingBus) has(t domain.EventType) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, got := range b.types {
		if got == t {
			return true
		}
	}
	return false
}

// fakeTools is an in-memory tool-server client.
type fakeTools struct {
	mu           sync.Mutex
	registered   map[string]domain.ToolServerConfig
	connected    map[string]bool
	failConnect  map[string]bool
	disconnected int
}

func newFakeTools(failing ...string) *fakeTools {
	f := &fakeTools{
		registered:  make(map[string]domain.ToolServerConfig),
		connected:   make(map[string]bool),
		failConnect: make(map[string]bool),
	}
	for _, n := range failing {
		f.failConnect[n] = true
	}
	return f
}

func (f *fakeTools) Register(name string, cfg domain.ToolServerConfig) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered[name] = cfg
}

func (f *fakeTools) Connect(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failConnect[name] {
		return domain.NewDomainError("fakeTools.Connect", domain.ErrToolConnection, name)
	}
	f.connected[name] = true
	return nil
}

func (f *fakeTools) IsConnected(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected[name]
}

func (f *fakeTools) ListTools(_ context.Context, names ...string) ([]domain.ToolInfo, error) {
	var out []domain.ToolInfo
	for _, n := range names {
		out = append(out, domain.ToolInfo{Server: n, Name: "read_file", Description: "Read a file"})
	}
	return out, nil
}

func (f *fakeTools) ListResources(context.Context, ...string) ([]domain.ResourceInfo, error) {
	return nil, nil
}

func (f *fakeTools) DisconnectAll() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected++
	f.connected = make(map[string]bool)
	return nil
}

// fakeRetrieval returns fixed chunks for every query.
type fakeRetrieval struct {
	chunks  []domain.Chunk
	err     error
	queries []string
	configs []domain.RetrievalConfig
}

func (f *fakeRetrieval) Retriever(_ context.Context, cfg domain.RetrievalConfig) (domain.Retriever, error) {
	f.configs = append(f.configs, cfg)
	if f.err != nil {
		return nil, f.err
	}
	return f, nil
}

func (f *fakeRetrieval) Initialize(context.Context, domain.RetrievalConfig) error { return nil }

func (f *fakeRetrieval) Search(_ context.Context, query string) ([]domain.Chunk, error) {
	f.queries = append(f.queries, query)
	return f.chunks, nil
}

func (f *fakeRetrieval) FormatContext(chunks []domain.Chunk) string {
	var b strings.Builder
	b.WriteString("Relevant context:")
	for _, c := range chunks {
		b.WriteString("\n" + c.Text)
	}
	return b.String()
}
