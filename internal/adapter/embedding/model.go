package embedding

import (
	"context"
	"errors"
	"fmt"

	"llmflow/internal/domain"
)

// defaultBatchSize bounds the number of texts sent in one embed request.
const defaultBatchSize = 32

// ModelEmbedder adapts a domain.ModelClient and a model name into a
// domain.EmbeddingProvider. Large inputs are split into batches.
type ModelEmbedder struct {
	client    domain.ModelClient
	model     string
	batchSize int
}

// NewModelEmbedder creates an embedder that calls client with model.
// A batchSize <= 0 uses the default.
func NewModelEmbedder(client domain.ModelClient, model string, batchSize int) *ModelEmbedder {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &ModelEmbedder{client: client, model: model, batchSize: batchSize}
}

// Embed implements domain.EmbeddingProvider.
func (e *ModelEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.batchSize {
		end := min(start+e.batchSize, len(texts))
		vecs, err := e.client.Embed(ctx, e.model, texts[start:end])
		if err != nil {
			if errors.Is(err, domain.ErrEmbeddingFailed) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %s: %w", domain.ErrEmbeddingFailed, e.model, err)
		}
		if len(vecs) != end-start {
			return nil, fmt.Errorf("%w: %s: got %d vectors for %d inputs",
				domain.ErrEmbeddingFailed, e.model, len(vecs), end-start)
		}
		out = append(out, vecs...)
	}
	return out, nil
}

// Name implements domain.EmbeddingProvider.
func (e *ModelEmbedder) Name() string { return e.model }

// Compile-time interface check.
var _ domain.EmbeddingProvider = (*ModelEmbedder)(nil)
