package embed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CachingEmbedder wraps an Embedder with an LRU over single-text calls.
// Search queries repeat often; chunk batches bypass the cache because they
// rarely do.
type CachingEmbedder struct {
	inner Embedder
	cache *lru.Cache[string, []float32]
}

var _ Embedder = (*CachingEmbedder)(nil)

// NewCachingEmbedder wraps inner with a cache of size entries.
func NewCachingEmbedder(inner Embedder, size int) (*CachingEmbedder, error) {
	if size <= 0 {
		size = 256
	}
	cache, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, err
	}
	return &CachingEmbedder{inner: inner, cache: cache}, nil
}

func (e *CachingEmbedder) key(text string) string {
	sum := sha256.Sum256([]byte(e.inner.ModelID() + "\x00" + text))
	return hex.EncodeToString(sum[:])
}

// EmbedBatch serves single-text batches from the cache when possible.
func (e *CachingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) != 1 {
		return e.inner.EmbedBatch(ctx, texts)
	}

	k := e.key(texts[0])
	if v, ok := e.cache.Get(k); ok {
		return [][]float32{v}, nil
	}
	vectors, err := e.inner.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vectors) == 1 {
		e.cache.Add(k, vectors[0])
	}
	return vectors, nil
}

func (e *CachingEmbedder) Dimensions() int                  { return e.inner.Dimensions() }
func (e *CachingEmbedder) ModelID() string                  { return e.inner.ModelID() }
func (e *CachingEmbedder) Unload(ctx context.Context) error { return e.inner.Unload(ctx) }
func (e *CachingEmbedder) Close() error                     { return e.inner.Close() }
