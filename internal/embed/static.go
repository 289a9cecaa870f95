package embed

import (
	"context"
	"hash/fnv"
	"regexp"
	"strings"
	"sync"

	"github.com/DanielDeBrem/RAG-ai3-chunk-embed-sub000/internal/apperr"
)

// StaticDimensions is the output dimension of the static embedder.
const StaticDimensions = 128

var staticTokenRegex = regexp.MustCompile(`[a-zA-Z0-9]+`)

// StaticEmbedder generates hash-based embeddings with no model behind
// them. Deterministic and fast, so identical text always embeds to the
// same vector. Used in tests and for offline development.
type StaticEmbedder struct {
	mu     sync.RWMutex
	closed bool
	dims   int
}

var _ Embedder = (*StaticEmbedder)(nil)

// NewStaticEmbedder creates a static embedder with StaticDimensions.
func NewStaticEmbedder() *StaticEmbedder {
	return &StaticEmbedder{dims: StaticDimensions}
}

// NewStaticEmbedderWithDims creates a static embedder with a custom
// dimension, useful when tests need small vectors.
func NewStaticEmbedderWithDims(dims int) *StaticEmbedder {
	return &StaticEmbedder{dims: dims}
}

func (e *StaticEmbedder) Dimensions() int { return e.dims }
func (e *StaticEmbedder) ModelID() string { return "static-hash-v1" }

// EmbedBatch embeds every text independently.
func (e *StaticEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return nil, apperr.New(apperr.ErrCodeInternal, "embedder is closed", nil)
	}

	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = e.embedOne(text)
	}
	return out, nil
}

func (e *StaticEmbedder) embedOne(text string) []float32 {
	vector := make([]float32, e.dims)
	trimmed := strings.TrimSpace(strings.ToLower(text))
	if trimmed == "" {
		return vector
	}

	tokens := staticTokenRegex.FindAllString(trimmed, -1)
	for _, token := range tokens {
		vector[hashToIndex(token, e.dims)] += 1.0
		// Character trigrams give partial matches some signal.
		runes := []rune(token)
		for j := 0; j+3 <= len(runes); j++ {
			vector[hashToIndex(string(runes[j:j+3]), e.dims)] += 0.3
		}
	}
	return normalizeVector(vector)
}

func hashToIndex(s string, dims int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return int(h.Sum32() % uint32(dims))
}

// Unload is a no-op; there is no device memory to release.
func (e *StaticEmbedder) Unload(ctx context.Context) error { return nil }

func (e *StaticEmbedder) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return nil
}
