package retrieval

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"llmflow/internal/domain"
	"llmflow/internal/infra/tracer"
)

// EmbedderFactory returns the embedding provider for a model name.
type EmbedderFactory func(model string) domain.EmbeddingProvider

// Retriever is a domain.Retriever over one document directory. Chunks are
// held in memory after Initialize; searches are brute-force cosine.
type Retriever struct {
	embedders EmbedderFactory
	defaults  domain.RetrievalConfig
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.RWMutex
	cfg      domain.RetrievalConfig
	embedder domain.EmbeddingProvider
	chunks   []domain.Chunk
	ready    bool
}

// NewRetriever creates an uninitialized retriever. Zero fields of the
// config later passed to Initialize are taken from defaults.
func NewRetriever(embedders EmbedderFactory, defaults domain.RetrievalConfig, logger *slog.Logger) *Retriever {
	return &Retriever{
		embedders: embedders,
		defaults:  defaults,
		logger:    logger,
		now:       time.Now,
	}
}

// Initialize implements domain.Retriever. The cache colocated with the
// sources is reused when it was built under the same chunking config and no
// source is newer; otherwise the directory is re-indexed. A cache found in
// another format or in the legacy layout is rewritten in the configured one.
func (r *Retriever) Initialize(ctx context.Context, cfg domain.RetrievalConfig) (err error) {
	cfg = withDefaults(cfg, r.defaults)

	ctx, span := tracer.StartSpan(ctx, "retrieval.initialize",
		tracer.StringAttr("retrieval.directory", cfg.Directory),
		tracer.StringAttr("retrieval.format", cfg.StorageFormat),
	)
	defer func() { tracer.End(span, err) }()

	info, err := os.Stat(cfg.Directory)
	if err != nil {
		return fmt.Errorf("%w: source directory: %v", domain.ErrRetrieval, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", domain.ErrRetrieval, cfg.Directory)
	}

	store, err := storeFor(cfg.StorageFormat)
	if err != nil {
		return err
	}
	files, err := listSources(cfg.Directory)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrRetrieval, err)
	}

	embedder := r.embedders(cfg.EmbeddingModel)
	want := cacheConfig{ChunkSize: cfg.ChunkSize, ChunkOverlap: cfg.ChunkOverlap, EmbeddingModel: cfg.EmbeddingModel}

	cf, foundFormat, err := loadAnyCache(cfg.Directory, cfg.StorageFormat)
	if err != nil {
		r.logger.Warn("retrieval cache unreadable, rebuilding", "directory", cfg.Directory, "error", err)
		cf = nil
	}

	if cf != nil && cf.Version == 0 {
		cf.Config = fillLegacyConfig(cf.Config, want)
	}

	switch {
	case cf == nil || cf.Config != want || newestModTime(files).After(cf.CreatedAt):
		if cf, err = r.build(ctx, embedder, files, want); err != nil {
			return err
		}
		if err := store.Save(cachePath(cfg.Directory, cfg.StorageFormat), cf); err != nil {
			return err
		}
		r.logger.Info("retrieval index built",
			"directory", cfg.Directory, "files", len(files), "chunks", len(cf.Chunks), "format", store.Format())
	case foundFormat != store.Format() || cf.Version != cacheVersion:
		cf.Version = cacheVersion
		if err := store.Save(cachePath(cfg.Directory, cfg.StorageFormat), cf); err != nil {
			return err
		}
		r.logger.Info("retrieval cache migrated",
			"directory", cfg.Directory, "from", foundFormat, "to", store.Format(), "chunks", len(cf.Chunks))
	default:
		r.logger.Debug("retrieval cache reused", "directory", cfg.Directory, "chunks", len(cf.Chunks))
	}

	r.mu.Lock()
	r.cfg = cfg
	r.embedder = embedder
	r.chunks = cf.Chunks
	r.ready = true
	r.mu.Unlock()
	return nil
}

// loadAnyCache looks for a cache in the preferred format first, then in the
// others. It returns the format it was found in, or a nil cache when none
// exists.
func loadAnyCache(dir, preferred string) (*cacheFile, string, error) {
	order := []string{preferred}
	for _, f := range allFormats {
		if f != preferred {
			order = append(order, f)
		}
	}
	for _, format := range order {
		store, err := storeFor(format)
		if err != nil {
			return nil, "", err
		}
		cf, err := store.Load(cachePath(dir, format))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, format, err
		}
		return cf, store.Format(), nil
	}
	return nil, "", nil
}

func (r *Retriever) build(ctx context.Context, embedder domain.EmbeddingProvider, files []sourceFile, cc cacheConfig) (*cacheFile, error) {
	var chunks []domain.Chunk
	for _, f := range files {
		text, err := readDocument(f.Path)
		if err != nil {
			return nil, fmt.Errorf("%w: read %s: %v", domain.ErrRetrieval, f.Rel, err)
		}
		for _, piece := range chunkText(text, cc.ChunkSize, cc.ChunkOverlap) {
			chunks = append(chunks, domain.Chunk{Text: piece, Source: f.Rel})
		}
	}

	if len(chunks) > 0 {
		texts := make([]string, len(chunks))
		for i, c := range chunks {
			texts[i] = c.Text
		}
		vecs, err := embedder.Embed(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrRetrieval, err)
		}
		if len(vecs) != len(chunks) {
			return nil, fmt.Errorf("%w: %w: got %d vectors for %d chunks",
				domain.ErrRetrieval, domain.ErrEmbeddingFailed, len(vecs), len(chunks))
		}
		for i := range chunks {
			chunks[i].Vector = vecs[i]
		}
	}

	return &cacheFile{
		Version:   cacheVersion,
		Config:    cc,
		CreatedAt: r.now().UTC(),
		Chunks:    chunks,
	}, nil
}

// Search implements domain.Retriever.
func (r *Retriever) Search(ctx context.Context, query string) ([]domain.Chunk, error) {
	r.mu.RLock()
	ready, embedder, chunks, k := r.ready, r.embedder, r.chunks, r.cfg.TopK
	r.mu.RUnlock()
	if !ready {
		return nil, fmt.Errorf("%w: retriever not initialized", domain.ErrRetrieval)
	}
	if len(chunks) == 0 {
		return nil, nil
	}

	vecs, err := embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("%w: embed query: %w", domain.ErrRetrieval, err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("%w: embed query: got %d vectors", domain.ErrRetrieval, len(vecs))
	}
	return topK(chunks, vecs[0], k), nil
}

// FormatContext implements domain.Retriever.
func (r *Retriever) FormatContext(chunks []domain.Chunk) string {
	return formatContext(chunks)
}

// Len returns the number of indexed chunks.
func (r *Retriever) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.chunks)
}

// fillLegacyConfig adopts the current value for every field a legacy cache
// did not record.
func fillLegacyConfig(got, want cacheConfig) cacheConfig {
	if got.ChunkSize == 0 {
		got.ChunkSize = want.ChunkSize
	}
	if got.ChunkOverlap == 0 {
		got.ChunkOverlap = want.ChunkOverlap
	}
	if got.EmbeddingModel == "" {
		got.EmbeddingModel = want.EmbeddingModel
	}
	return got
}

func withDefaults(cfg, defaults domain.RetrievalConfig) domain.RetrievalConfig {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaults.ChunkSize
	}
	if cfg.ChunkOverlap <= 0 && defaults.ChunkOverlap < cfg.ChunkSize {
		cfg.ChunkOverlap = defaults.ChunkOverlap
	}
	if cfg.TopK <= 0 {
		cfg.TopK = defaults.TopK
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = defaults.EmbeddingModel
	}
	if cfg.StorageFormat == "" {
		cfg.StorageFormat = defaults.StorageFormat
	}
	if cfg.StorageFormat == "" {
		cfg.StorageFormat = domain.StorageJSON
	}
	return cfg
}

// Compile-time interface check.
var _ domain.Retriever = (*Retriever)(nil)
