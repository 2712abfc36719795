package retrieval

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"llmflow/internal/domain"
)

// cosineSimilarity computes dot(a,b) / (||a|| * ||b||).
// Returns 0 for zero-length vectors, length mismatch, or NaN/Inf results.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}

	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	result := dot / denom
	if math.IsNaN(result) || math.IsInf(result, 0) {
		return 0
	}
	return result
}

// topK scores every chunk against query and returns the k best, highest
// score first. Ties keep index order.
func topK(chunks []domain.Chunk, query []float32, k int) []domain.Chunk {
	if k <= 0 || len(chunks) == 0 {
		return nil
	}
	scored := make([]domain.Chunk, len(chunks))
	for i, c := range chunks {
		c.Score = cosineSimilarity(query, c.Vector)
		scored[i] = c
	}
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})
	return scored[:min(k, len(scored))]
}

// formatContext renders chunks as a numbered context block naming each
// chunk's source document.
func formatContext(chunks []domain.Chunk) string {
	if len(chunks) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Relevant context:\n")
	for i, c := range chunks {
		fmt.Fprintf(&b, "\n[%d] (source: %s)\n%s\n", i+1, c.Source, c.Text)
	}
	return b.String()
}
