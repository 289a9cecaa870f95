// Package embed turns chunk text into unit-length float32 vectors. The
// production path talks to an Ollama-compatible endpoint; tests use the
// deterministic static embedder.
package embed

import (
	"context"
	"math"
)

// Embedder is the contract the ingest pipeline and the search engine use.
type Embedder interface {
	// EmbedBatch embeds texts in order. Every returned vector is unit
	// length with the embedder's fixed dimension.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions reports the fixed output dimension.
	Dimensions() int

	// ModelID identifies the underlying model, used for cache keys and
	// chunk attribution.
	ModelID() string

	// Unload releases device memory held by the model. Safe to call when
	// nothing is loaded.
	Unload(ctx context.Context) error

	Close() error
}

// DefaultBatchSize is how many texts go to the endpoint per request.
const DefaultBatchSize = 32

func normalizeVector(v []float32) []float32 {
	var sum float64
	for _, val := range v {
		sum += float64(val) * float64(val)
	}
	if sum == 0 {
		return v
	}
	inv := float32(1.0 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
	return v
}
