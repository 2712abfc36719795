package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"golang.org/x/sync/singleflight"

	"llmflow/internal/domain"
)

// Manager implements domain.RetrievalProvider. It keeps one initialized
// Retriever per distinct configuration, so states and workflows that share a
// document directory share its index. Concurrent first requests for the
// same configuration initialize it once.
type Manager struct {
	embedders EmbedderFactory
	defaults  domain.RetrievalConfig
	logger    *slog.Logger

	mu         sync.Mutex
	retrievers map[string]*Retriever
	group      singleflight.Group
}

// NewManager creates a retrieval manager.
func NewManager(embedders EmbedderFactory, defaults domain.RetrievalConfig, logger *slog.Logger) *Manager {
	return &Manager{
		embedders:  embedders,
		defaults:   defaults,
		logger:     logger,
		retrievers: make(map[string]*Retriever),
	}
}

// Retriever implements domain.RetrievalProvider.
func (m *Manager) Retriever(ctx context.Context, cfg domain.RetrievalConfig) (domain.Retriever, error) {
	cfg = withDefaults(cfg, m.defaults)
	if abs, err := filepath.Abs(cfg.Directory); err == nil {
		cfg.Directory = abs
	}
	key := configKey(cfg)

	m.mu.Lock()
	r, ok := m.retrievers[key]
	m.mu.Unlock()
	if ok {
		return r, nil
	}

	v, err, _ := m.group.Do(key, func() (any, error) {
		r := NewRetriever(m.embedders, m.defaults, m.logger)
		if err := r.Initialize(ctx, cfg); err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.retrievers[key] = r
		m.mu.Unlock()
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Retriever), nil
}

// Len returns the number of initialized retrievers.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.retrievers)
}

func configKey(cfg domain.RetrievalConfig) string {
	return fmt.Sprintf("%s|%d|%d|%d|%s|%s",
		cfg.Directory, cfg.ChunkSize, cfg.ChunkOverlap, cfg.TopK, cfg.EmbeddingModel, cfg.StorageFormat)
}

// Compile-time interface check.
var _ domain.RetrievalProvider = (*Manager)(nil)
