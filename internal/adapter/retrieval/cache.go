package retrieval

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"llmflow/internal/domain"
)

// cacheVersion is the current cache layout version. Files without a
// version are legacy caches and are migrated on load.
const cacheVersion = 2

// Cache file names, colocated with the source documents.
const (
	cacheFileJSON   = ".llmflow_rag.json"
	cacheFilePack   = ".llmflow_rag.pack"
	cacheFileSQLite = ".llmflow_rag.db"
)

// cacheConfig is the part of the retrieval configuration that determines
// chunk contents. A cache built under a different cacheConfig is stale.
type cacheConfig struct {
	ChunkSize      int    `json:"chunk_size"`
	ChunkOverlap   int    `json:"chunk_overlap"`
	EmbeddingModel string `json:"embedding_model"`
}

// cacheFile is the persisted chunk cache: chunks, the config they were
// built under, and the build time.
type cacheFile struct {
	Version   int            `json:"version"`
	Config    cacheConfig    `json:"config"`
	CreatedAt time.Time      `json:"created_at"`
	Chunks    []domain.Chunk `json:"chunks"`
}

// cacheStore reads and writes a cacheFile in one storage format.
type cacheStore interface {
	Format() string
	Load(path string) (*cacheFile, error)
	Save(path string, cf *cacheFile) error
}

// storeFor returns the store for a storage format.
func storeFor(format string) (cacheStore, error) {
	switch format {
	case "", domain.StorageJSON:
		return jsonStore{}, nil
	case domain.StoragePack:
		return packStore{}, nil
	case domain.StorageSQLite:
		return sqliteStore{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", domain.ErrCacheFormat, format)
	}
}

// cachePath returns the cache file path for format under dir.
func cachePath(dir, format string) string {
	switch format {
	case domain.StoragePack:
		return filepath.Join(dir, cacheFilePack)
	case domain.StorageSQLite:
		return filepath.Join(dir, cacheFileSQLite)
	default:
		return filepath.Join(dir, cacheFileJSON)
	}
}

// allFormats is the lookup order when the configured format has no cache.
var allFormats = []string{domain.StorageJSON, domain.StoragePack, domain.StorageSQLite}

// writeAtomic writes data to path via a temp file and rename.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("%w: create temp file: %v", domain.ErrCacheStore, err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("%w: write temp file: %v", domain.ErrCacheStore, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: close temp file: %v", domain.ErrCacheStore, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: rename: %v", domain.ErrCacheStore, err)
	}
	return nil
}
