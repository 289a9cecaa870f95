package embed

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func vectorNorm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

func TestStaticEmbedderDeterministic(t *testing.T) {
	e := NewStaticEmbedder()
	ctx := context.Background()

	a, err := e.EmbedBatch(ctx, []string{"hello world"})
	require.NoError(t, err)
	b, err := e.EmbedBatch(ctx, []string{"hello world"})
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := e.EmbedBatch(ctx, []string{"different text entirely"})
	require.NoError(t, err)
	assert.NotEqual(t, a[0], c[0])
}

func TestStaticEmbedderUnitLength(t *testing.T) {
	e := NewStaticEmbedder()
	vecs, err := e.EmbedBatch(context.Background(), []string{"some text", "other text"})
	require.NoError(t, err)
	for _, v := range vecs {
		assert.Len(t, v, StaticDimensions)
		assert.InDelta(t, 1.0, vectorNorm(v), 1e-5)
	}
}

func TestStaticEmbedderEmptyText(t *testing.T) {
	e := NewStaticEmbedder()
	vecs, err := e.EmbedBatch(context.Background(), []string{"   "})
	require.NoError(t, err)
	assert.InDelta(t, 0.0, vectorNorm(vecs[0]), 1e-9)
}

func TestStaticEmbedderClosed(t *testing.T) {
	e := NewStaticEmbedder()
	require.NoError(t, e.Close())
	_, err := e.EmbedBatch(context.Background(), []string{"x"})
	require.Error(t, err)
}

func TestHTTPEmbedderBatching(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		resp := embedResponse{Embeddings: make([][]float32, len(req.Input))}
		for i := range req.Input {
			resp.Embeddings[i] = []float32{1, 2, 3}
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	e := NewHTTPEmbedder(HTTPConfig{Endpoint: srv.URL, Model: "test-model", Dimensions: 3, BatchSize: 2})
	defer e.Close()

	vecs, err := e.EmbedBatch(context.Background(), []string{"a", "b", "c", "d", "e"})
	require.NoError(t, err)
	require.Len(t, vecs, 5)
	assert.Equal(t, int32(3), requests.Load())
	for _, v := range vecs {
		assert.InDelta(t, 1.0, vectorNorm(v), 1e-5)
	}
}

func TestHTTPEmbedderOOMFallsBackToCPU(t *testing.T) {
	var sawCPURequest atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		if req.Options != nil {
			if gpus, ok := req.Options["num_gpu"]; ok && gpus == float64(0) {
				sawCPURequest.Store(true)
				resp := embedResponse{Embeddings: make([][]float32, len(req.Input))}
				for i := range req.Input {
					resp.Embeddings[i] = []float32{1, 0}
				}
				json.NewEncoder(w).Encode(resp)
				return
			}
		}
		json.NewEncoder(w).Encode(embedResponse{Error: "CUDA out of memory"})
	}))
	defer srv.Close()

	e := NewHTTPEmbedder(HTTPConfig{Endpoint: srv.URL, Model: "test-model", Dimensions: 2, BatchSize: 4})
	defer e.Close()

	vecs, err := e.EmbedBatch(context.Background(), []string{"a", "b", "c", "d"})
	require.NoError(t, err)
	require.Len(t, vecs, 4)
	assert.True(t, sawCPURequest.Load())
	// Subsequent batches stay on the CPU path.
	assert.True(t, e.isCPUOnly())
}

func TestHTTPEmbedderDimensionCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(embedResponse{Embeddings: [][]float32{{1, 2}}})
	}))
	defer srv.Close()

	e := NewHTTPEmbedder(HTTPConfig{Endpoint: srv.URL, Model: "m", Dimensions: 4})
	defer e.Close()

	_, err := e.EmbedBatch(context.Background(), []string{"a"})
	require.Error(t, err)
}

func TestHTTPEmbedderUnreachable(t *testing.T) {
	e := NewHTTPEmbedder(HTTPConfig{Endpoint: "http://127.0.0.1:1", Model: "m", Dimensions: 2})
	defer e.Close()

	_, err := e.EmbedBatch(context.Background(), []string{"a"})
	require.Error(t, err)
}

func TestHTTPEmbedderAcquiresDevice(t *testing.T) {
	var held atomic.Bool
	var released atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, held.Load())
		json.NewEncoder(w).Encode(embedResponse{Embeddings: [][]float32{{1, 0}}})
	}))
	defer srv.Close()

	e := NewHTTPEmbedder(HTTPConfig{
		Endpoint:   srv.URL,
		Model:      "m",
		Dimensions: 2,
		Acquire: func(ctx context.Context) (func(), error) {
			held.Store(true)
			return func() {
				held.Store(false)
				released.Add(1)
			}, nil
		},
	})
	defer e.Close()

	_, err := e.EmbedBatch(context.Background(), []string{"a"})
	require.NoError(t, err)
	assert.False(t, held.Load())
	assert.Equal(t, int32(1), released.Load())
}

func TestHTTPEmbedderAcquireFailureSkipsRequest(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		json.NewEncoder(w).Encode(embedResponse{Embeddings: [][]float32{{1, 0}}})
	}))
	defer srv.Close()

	e := NewHTTPEmbedder(HTTPConfig{
		Endpoint:   srv.URL,
		Model:      "m",
		Dimensions: 2,
		Acquire: func(ctx context.Context) (func(), error) {
			return nil, errors.New("device busy")
		},
	})
	defer e.Close()

	_, err := e.EmbedBatch(context.Background(), []string{"a"})
	require.Error(t, err)
	assert.Equal(t, int32(0), requests.Load())
}

func TestCachingEmbedderHitsCache(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		resp := embedResponse{Embeddings: make([][]float32, len(req.Input))}
		for i := range req.Input {
			resp.Embeddings[i] = []float32{0, 1}
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	inner := NewHTTPEmbedder(HTTPConfig{Endpoint: srv.URL, Model: "m", Dimensions: 2})
	e, err := NewCachingEmbedder(inner, 16)
	require.NoError(t, err)
	defer e.Close()

	ctx := context.Background()
	_, err = e.EmbedBatch(ctx, []string{"repeated query"})
	require.NoError(t, err)
	_, err = e.EmbedBatch(ctx, []string{"repeated query"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
}
