package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the application configuration for llmflow.
type Config struct {
	Backend       BackendConfig       `yaml:"backend"`
	Engine        EngineConfig        `yaml:"engine"`
	Retrieval     RetrievalConfig     `yaml:"retrieval"`
	Orchestration OrchestrationConfig `yaml:"orchestration"`
	Server        ServerConfig        `yaml:"server"`
	Logger        LoggerConfig        `yaml:"logger"`
	Tracer        TracerConfig        `yaml:"tracer"`
	Includes      []string            `yaml:"includes,omitempty"`
}

// BackendConfig holds settings for the model backend.
type BackendConfig struct {
	BaseURL        string               `yaml:"base_url"`
	APIKey         string               `yaml:"api_key,omitempty"`
	DefaultModel   string               `yaml:"default_model"`
	EmbeddingModel string               `yaml:"embedding_model"`
	ConnTimeout    time.Duration        `yaml:"conn_timeout"`
	RespTimeout    time.Duration        `yaml:"resp_timeout"`
	Pool           PoolConfig           `yaml:"pool"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// PoolConfig holds HTTP connection pool settings for the backend client.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// CircuitBreakerConfig holds circuit breaker settings for model generation.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// EngineConfig holds workflow execution settings.
type EngineConfig struct {
	CallTimeout    time.Duration `yaml:"call_timeout"`
	MaxTransitions int           `yaml:"max_transitions"` // 0 disables the guard
}

// RetrievalConfig holds defaults applied to every retrieval declaration.
type RetrievalConfig struct {
	ChunkSize      int    `yaml:"chunk_size"`
	ChunkOverlap   int    `yaml:"chunk_overlap"`
	TopK           int    `yaml:"top_k"`
	StorageFormat  string `yaml:"storage_format"`
	QueryCacheSize int    `yaml:"query_cache_size"`
}

// OrchestrationConfig holds orchestration defaults.
type OrchestrationConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout"` // 0 means no timeout
}

// ServerConfig holds settings for the event-stream HTTP server.
type ServerConfig struct {
	Addr              string `yaml:"addr"`
	RequestsPerMinute int    `yaml:"requests_per_minute"`
	Burst             int    `yaml:"burst"`
	RunsDir           string `yaml:"runs_dir"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
}

// defaultDataDir returns the persistent data directory under $HOME/.llmflow.
// Falls back to "./.llmflow" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".llmflow"
	}
	return filepath.Join(home, ".llmflow")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Backend: BackendConfig{
			BaseURL:        "http://localhost:11434",
			DefaultModel:   "llama3.2",
			EmbeddingModel: "nomic-embed-text",
			ConnTimeout:    10 * time.Second,
			RespTimeout:    5 * time.Minute,
			Pool: PoolConfig{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
			CircuitBreaker: CircuitBreakerConfig{
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Engine: EngineConfig{
			CallTimeout: 5 * time.Minute,
		},
		Retrieval: RetrievalConfig{
			ChunkSize:      1000,
			ChunkOverlap:   200,
			TopK:           3,
			StorageFormat:  "json",
			QueryCacheSize: 256,
		},
		Server: ServerConfig{
			Addr:              "127.0.0.1:8080",
			RequestsPerMinute: 120,
			Burst:             20,
			RunsDir:           filepath.Join(defaultDataDir(), "runs"),
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Exporter: "noop",
		},
	}
}

// Load reads the config file at path over the defaults. A missing file is
// not an error. Environment overrides and secret decryption are applied
// before validation.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return finish(cfg)
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if len(cfg.Includes) > 0 {
		inc := &includer{visited: map[string]bool{absPath: true}}
		if err := inc.apply(cfg, filepath.Dir(absPath), 0); err != nil {
			return nil, err
		}
		// The main file takes precedence over everything it includes.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config (second pass): %w", err)
		}
		cfg.Includes = nil
	}

	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("LLMFLOW_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides overlays LLMFLOW_* environment variables onto cfg.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LLMFLOW_BACKEND_URL"); v != "" {
		cfg.Backend.BaseURL = v
	}
	if v := os.Getenv("LLMFLOW_BACKEND_API_KEY"); v != "" {
		cfg.Backend.APIKey = v
	}
	if v := os.Getenv("LLMFLOW_DEFAULT_MODEL"); v != "" {
		cfg.Backend.DefaultModel = v
	}
	if v := os.Getenv("LLMFLOW_EMBEDDING_MODEL"); v != "" {
		cfg.Backend.EmbeddingModel = v
	}
	if v := os.Getenv("LLMFLOW_CIRCUIT_BREAKER"); v == "true" {
		cfg.Backend.CircuitBreaker.Enabled = true
	}
	if v := os.Getenv("LLMFLOW_CALL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Engine.CallTimeout = d
		}
	}
	if v := os.Getenv("LLMFLOW_MAX_TRANSITIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Engine.MaxTransitions = n
		}
	}
	if v := os.Getenv("LLMFLOW_RAG_STORAGE_FORMAT"); v != "" {
		cfg.Retrieval.StorageFormat = v
	}
	if v := os.Getenv("LLMFLOW_RAG_TOP_K"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Retrieval.TopK = n
		}
	}
	if v := os.Getenv("LLMFLOW_ORCHESTRATION_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			cfg.Orchestration.DefaultTimeout = d
		}
	}
	if v := os.Getenv("LLMFLOW_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("LLMFLOW_RUNS_DIR"); v != "" {
		cfg.Server.RunsDir = v
	}
	if v := os.Getenv("LLMFLOW_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("LLMFLOW_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("LLMFLOW_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("LLMFLOW_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
