package enrich

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatHeader(t *testing.T) {
	doc := DocInfo{Filename: "report.pdf", DocumentType: "default"}

	with := FormatHeader(doc, "Discusses Q3 revenue.", "The revenue grew.")
	assert.Equal(t,
		"[Document: report.pdf]\n[Type: default]\n[Context: Discusses Q3 revenue.]\n\nThe revenue grew.",
		with)

	without := FormatHeader(doc, "", "The revenue grew.")
	assert.Equal(t,
		"[Document: report.pdf]\n[Type: default]\n\nThe revenue grew.",
		without)
	assert.NotContains(t, without, "[Context:")
}

func TestEnrichAllDisabledPassesRawThrough(t *testing.T) {
	e := New(Config{Enabled: false})
	raws := []string{"chunk one", "chunk two"}
	out, err := e.EnrichAll(context.Background(),
		DocInfo{Filename: "f.txt", DocumentType: "default"}, raws, nil)
	require.NoError(t, err)
	assert.Equal(t, raws, out)
}

func TestEnrichAllCallsEndpointPool(t *testing.T) {
	var calls atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var req generateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Contains(t, req.Prompt, "f.txt")
		json.NewEncoder(w).Encode(generateResponse{Response: "Situates the chunk."})
	})
	srv1 := httptest.NewServer(handler)
	defer srv1.Close()
	srv2 := httptest.NewServer(handler)
	defer srv2.Close()

	e := New(Config{
		Enabled:   true,
		Model:     "test-llm",
		Endpoints: []string{srv1.URL, srv2.URL},
		Workers:   2,
	})

	var progressCalls atomic.Int32
	out, err := e.EnrichAll(context.Background(),
		DocInfo{Filename: "f.txt", DocumentType: "default"},
		[]string{"one", "two", "three", "four"},
		func(done, total int) { progressCalls.Add(1) })
	require.NoError(t, err)
	require.Len(t, out, 4)
	assert.Equal(t, int32(4), calls.Load())
	assert.Equal(t, int32(4), progressCalls.Load())

	// Input order preserved.
	assert.True(t, strings.HasSuffix(out[0], "\n\none"))
	assert.True(t, strings.HasSuffix(out[3], "\n\nfour"))
	for _, text := range out {
		assert.Contains(t, text, "[Context: Situates the chunk.]")
	}
}

func TestEnrichAcquiresDeviceSlot(t *testing.T) {
	var acquired, released atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Greater(t, acquired.Load(), released.Load())
		json.NewEncoder(w).Encode(generateResponse{Response: "ctx"})
	}))
	defer srv.Close()

	e := New(Config{
		Enabled:   true,
		Model:     "test-llm",
		Endpoints: []string{srv.URL},
		Workers:   1,
		Acquire: func(ctx context.Context) (func(), error) {
			acquired.Add(1)
			return func() { released.Add(1) }, nil
		},
	})

	out, err := e.EnrichAll(context.Background(),
		DocInfo{Filename: "f.txt", DocumentType: "default"},
		[]string{"one", "two", "three"}, nil)
	require.NoError(t, err)
	require.Len(t, out, 3)
	// One acquire per generation call, all released by the end.
	assert.Equal(t, int32(3), acquired.Load())
	assert.Equal(t, acquired.Load(), released.Load())
}

func TestEnrichAllFallsBackOnFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(generateResponse{Error: "model crashed"})
	}))
	defer srv.Close()

	e := New(Config{
		Enabled:   true,
		Model:     "test-llm",
		Endpoints: []string{srv.URL},
		Workers:   1,
	})

	out, err := e.EnrichAll(context.Background(),
		DocInfo{Filename: "f.txt", DocumentType: "default"},
		[]string{"only chunk"}, nil)
	require.NoError(t, err)
	require.Len(t, out, 1)
	// Chunk survives without the context line.
	assert.NotContains(t, out[0], "[Context:")
	assert.True(t, strings.HasSuffix(out[0], "\n\nonly chunk"))
	// Initial call plus two retries.
	assert.Equal(t, int32(3), calls.Load())
}

func TestEnrichDiskCache(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(generateResponse{Response: "Cached context."})
	}))
	defer srv.Close()

	cfg := Config{
		Enabled:   true,
		Model:     "test-llm",
		Endpoints: []string{srv.URL},
		Workers:   1,
		CacheDir:  t.TempDir(),
	}
	doc := DocInfo{Filename: "f.txt", DocumentType: "default"}

	e := New(cfg)
	_, err := e.EnrichAll(context.Background(), doc, []string{"same chunk"}, nil)
	require.NoError(t, err)

	// A fresh enricher with the same cache dir reuses the stored context.
	e2 := New(cfg)
	out, err := e2.EnrichAll(context.Background(), doc, []string{"same chunk"}, nil)
	require.NoError(t, err)
	assert.Contains(t, out[0], "[Context: Cached context.]")
	assert.Equal(t, int32(1), calls.Load())
}

func TestSanitizeContext(t *testing.T) {
	assert.Equal(t, "a b c", sanitizeContext("  a\n b \t c "))
	long := strings.Repeat("xy ", 400)
	assert.LessOrEqual(t, len(sanitizeContext(long)), maxContextChars)
}
