package retrieval

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"time"

	"llmflow/internal/domain"
)

// jsonStore persists the cache as indented JSON.
type jsonStore struct{}

func (jsonStore) Format() string { return domain.StorageJSON }

// Load reads a JSON cache. Unversioned files are decoded with the legacy
// layout and returned converted with Version 0; the caller rewrites them.
func (jsonStore) Load(path string) (*cacheFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return decodeJSONCache(data)
}

func (jsonStore) Save(path string, cf *cacheFile) error {
	data, err := json.MarshalIndent(cf, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal: %v", domain.ErrCacheStore, err)
	}
	return writeAtomic(path, data)
}

func decodeJSONCache(data []byte) (*cacheFile, error) {
	var probe struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCacheFormat, err)
	}
	if probe.Version == 0 {
		return decodeLegacy(data)
	}
	if probe.Version > cacheVersion {
		return nil, fmt.Errorf("%w: version %d is newer than %d", domain.ErrCacheFormat, probe.Version, cacheVersion)
	}

	var cf cacheFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCacheFormat, err)
	}
	return &cf, nil
}

// legacyCache is the first cache layout: no version field, chunk fields
// named content/file/embedding and a float unix timestamp.
type legacyCache struct {
	Chunks []struct {
		Content   string    `json:"content"`
		File      string    `json:"file"`
		Embedding []float32 `json:"embedding"`
	} `json:"chunks"`
	Config struct {
		ChunkSize      int    `json:"chunk_size"`
		ChunkOverlap   int    `json:"chunk_overlap"`
		EmbeddingModel string `json:"embedding_model"`
	} `json:"config"`
	Timestamp float64 `json:"timestamp"`
}

func decodeLegacy(data []byte) (*cacheFile, error) {
	var lc legacyCache
	if err := json.Unmarshal(data, &lc); err != nil {
		return nil, fmt.Errorf("%w: legacy: %v", domain.ErrCacheFormat, err)
	}

	sec, frac := math.Modf(lc.Timestamp)
	cf := &cacheFile{
		Config: cacheConfig{
			ChunkSize:      lc.Config.ChunkSize,
			ChunkOverlap:   lc.Config.ChunkOverlap,
			EmbeddingModel: lc.Config.EmbeddingModel,
		},
		CreatedAt: time.Unix(int64(sec), int64(frac*1e9)).UTC(),
		Chunks:    make([]domain.Chunk, 0, len(lc.Chunks)),
	}
	for _, c := range lc.Chunks {
		cf.Chunks = append(cf.Chunks, domain.Chunk{Text: c.Content, Source: c.File, Vector: c.Embedding})
	}
	return cf, nil
}
