// Package embed provides the embedding-model abstraction TextIndex and
// ChunkyIndex consume (spec.md §6: "EmbeddingModel. embed(text) → float[].
// May fail or time out."). The core never implements model internals
// (spec.md §1 Non-goals); this package only adapts external embedders to
// a uniform interface, caches their output, and provides a dependency-free
// deterministic embedder for tests and offline operation.
package embed

import (
	"context"
	"math"
)

// StaticDimensions is the default dimension for the built-in static embedder.
const StaticDimensions = 256

// Embedder generates vector embeddings for text.
type Embedder interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding dimension.
	Dimensions() int

	// ModelName returns the model identifier.
	ModelName() string

	// Available reports whether the embedder is ready to serve requests.
	Available(ctx context.Context) bool

	// Close releases resources.
	Close() error
}

// normalizeVector normalizes a vector to unit length.
func normalizeVector(v []float32) []float32 {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}

	magnitude := math.Sqrt(sumSquares)
	if magnitude == 0 {
		return v
	}

	normalized := make([]float32, len(v))
	for i, val := range v {
		normalized[i] = float32(float64(val) / magnitude)
	}
	return normalized
}
