package domain_test

import (
	"context"

	"llmflow/internal/domain"
)

// Compile-time interface checks.
var (
	_ domain.EmbeddingProvider = (*stubEmbedder)(nil)
	_ domain.ModelClient       = (*stubModel)(nil)
)

type stubEmbedder struct{}

func (s *stubEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = make([]float32, 3)
	}
	return out, nil
}

func (s *stubEmbedder) Name() string { return "stub" }

type stubModel struct{}

func (s *stubModel) Generate(_ context.Context, req domain.GenerateRequest) (string, error) {
	return req.Prompt, nil
}

func (s *stubModel) Embed(_ context.Context, _ string, texts []string) ([][]float32, error) {
	return (&stubEmbedder{}).Embed(context.Background(), texts)
}

func (s *stubModel) ListModels(context.Context) ([]domain.ModelInfo, error) {
	return []domain.ModelInfo{{Name: "stub", Size: 1}}, nil
}
