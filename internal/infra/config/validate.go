package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateBackend(cfg, ve)
	validateEngine(cfg, ve)
	validateRetrieval(cfg, ve)
	validateServer(cfg, ve)
	validateObservability(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateBackend(cfg *Config, ve *ValidationError) {
	b := cfg.Backend
	if b.BaseURL == "" {
		ve.Add("backend.base_url must not be empty")
	} else if u, err := url.Parse(b.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		ve.Add("backend.base_url %q is not an absolute URL", b.BaseURL)
	}
	if b.DefaultModel == "" {
		ve.Add("backend.default_model must not be empty")
	}
	if b.EmbeddingModel == "" {
		ve.Add("backend.embedding_model must not be empty")
	}
	if b.ConnTimeout < 0 || b.RespTimeout < 0 {
		ve.Add("backend timeouts must be >= 0")
	}
	if b.CircuitBreaker.Enabled && b.CircuitBreaker.MaxFailures == 0 {
		ve.Add("backend.circuit_breaker.max_failures must be > 0 when the breaker is enabled")
	}
}

func validateEngine(cfg *Config, ve *ValidationError) {
	if cfg.Engine.CallTimeout <= 0 {
		ve.Add("engine.call_timeout must be > 0")
	}
	if cfg.Engine.MaxTransitions < 0 {
		ve.Add("engine.max_transitions must be >= 0")
	}
	if cfg.Orchestration.DefaultTimeout < 0 {
		ve.Add("orchestration.default_timeout must be >= 0")
	}
}

var validStorageFormats = map[string]bool{
	"json":   true,
	"pack":   true,
	"sqlite": true,
}

func validateRetrieval(cfg *Config, ve *ValidationError) {
	r := cfg.Retrieval
	if r.ChunkSize <= 0 {
		ve.Add("retrieval.chunk_size must be > 0")
	}
	if r.ChunkOverlap < 0 || r.ChunkOverlap >= r.ChunkSize {
		ve.Add("retrieval.chunk_overlap must be >= 0 and < chunk_size")
	}
	if r.TopK <= 0 {
		ve.Add("retrieval.top_k must be > 0")
	}
	if !validStorageFormats[r.StorageFormat] {
		ve.Add("retrieval.storage_format %q is not one of json, pack, sqlite", r.StorageFormat)
	}
	if r.QueryCacheSize < 0 {
		ve.Add("retrieval.query_cache_size must be >= 0")
	}
}

func validateServer(cfg *Config, ve *ValidationError) {
	s := cfg.Server
	if _, _, err := net.SplitHostPort(s.Addr); err != nil {
		ve.Add("server.addr %q: %v", s.Addr, err)
	}
	if s.RequestsPerMinute <= 0 {
		ve.Add("server.requests_per_minute must be > 0")
	}
	if s.Burst <= 0 {
		ve.Add("server.burst must be > 0")
	}
	if s.RunsDir == "" {
		ve.Add("server.runs_dir must not be empty")
	}
}

func validateObservability(cfg *Config, ve *ValidationError) {
	switch strings.ToLower(cfg.Logger.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		ve.Add("logger.level %q is not one of debug, info, warn, error", cfg.Logger.Level)
	}
	switch strings.ToLower(cfg.Logger.Format) {
	case "text", "json":
	default:
		ve.Add("logger.format %q is not one of text, json", cfg.Logger.Format)
	}
	switch cfg.Tracer.Exporter {
	case "", "noop", "stdout":
	default:
		ve.Add("tracer.exporter %q is not one of noop, stdout", cfg.Tracer.Exporter)
	}
}
