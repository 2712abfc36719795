package integration

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"llmflow/internal/adapter/llm"
	"llmflow/internal/infra/config"
)

// Config holds integration test configuration from environment
type Config struct {
	OllamaURL      string
	Model          string
	EmbeddingModel string
	TestTimeout    time.Duration
	SkipSlow       bool
}

// LoadConfig loads integration test configuration from environment
func LoadConfig() *Config {
	cfg := &Config{
		OllamaURL:      os.Getenv("LLMFLOW_IT_OLLAMA_URL"),
		Model:          os.Getenv("LLMFLOW_IT_MODEL"),
		EmbeddingModel: os.Getenv("LLMFLOW_IT_EMBEDDING_MODEL"),
		TestTimeout:    3 * time.Minute,
		SkipSlow:       os.Getenv("SKIP_SLOW_TESTS") == "1",
	}
	if cfg.Model == "" {
		cfg.Model = "llama3.2"
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = "nomic-embed-text"
	}
	return cfg
}

// NewClient returns a client for the configured backend, skipping the test
// when the backend is not set or not answering.
func NewClient(t *testing.T, cfg *Config) *llm.OllamaClient {
	t.Helper()
	if cfg.OllamaURL == "" {
		t.Skip("Skipping integration test: LLMFLOW_IT_OLLAMA_URL not set")
	}
	client := llm.NewOllamaClient(config.BackendConfig{BaseURL: cfg.OllamaURL}, Logger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if !client.IsHealthy(ctx) {
		t.Skipf("Skipping integration test: no backend at %s", cfg.OllamaURL)
	}
	return client
}

// SkipIfShort skips integration tests in short mode
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
}

// SkipIfSlow skips tests that need several model round trips.
func SkipIfSlow(t *testing.T, cfg *Config) {
	t.Helper()
	if cfg.SkipSlow {
		t.Skip("Skipping slow integration test")
	}
}

// NewTestContext creates a context with timeout for integration tests
func NewTestContext(t *testing.T, timeout time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// Logger discards output unless LLMFLOW_IT_VERBOSE=1.
func Logger() *slog.Logger {
	if os.Getenv("LLMFLOW_IT_VERBOSE") == "1" {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
