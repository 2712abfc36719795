package domain

import "context"

// Retrieval cache storage formats.
const (
	StorageJSON   = "json"
	StoragePack   = "pack"
	StorageSQLite = "sqlite"
)

// RetrievalConfig configures one retrieval service over a document directory.
type RetrievalConfig struct {
	Directory      string `json:"directory" yaml:"directory"`
	ChunkSize      int    `json:"chunk_size,omitempty" yaml:"chunk_size,omitempty"`
	ChunkOverlap   int    `json:"chunk_overlap,omitempty" yaml:"chunk_overlap,omitempty"`
	TopK           int    `json:"top_k,omitempty" yaml:"top_k,omitempty"`
	EmbeddingModel string `json:"embedding_model,omitempty" yaml:"embedding_model,omitempty"`
	StorageFormat  string `json:"storage_format,omitempty" yaml:"storage_format,omitempty"`
}

// Chunk is a unit of retrievable text with its embedding.
type Chunk struct {
	Text   string    `json:"text"`
	Source string    `json:"source"`
	Vector []float32 `json:"vector"`
	Score  float64   `json:"-"`
}

// Retriever is an initialized retrieval service.
type Retriever interface {
	// Initialize loads or builds the chunk cache for cfg.
	Initialize(ctx context.Context, cfg RetrievalConfig) error
	// Search returns the most relevant chunks for query, best first.
	Search(ctx context.Context, query string) ([]Chunk, error)
	// FormatContext renders chunks as a prompt context block.
	FormatContext(chunks []Chunk) string
}

// RetrievalProvider hands out initialized retrievers, one per configuration.
type RetrievalProvider interface {
	Retriever(ctx context.Context, cfg RetrievalConfig) (Retriever, error)
}
