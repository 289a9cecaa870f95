package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DanielDeBrem/RAG-ai3-chunk-embed-sub000/internal/chunk"
	"github.com/DanielDeBrem/RAG-ai3-chunk-embed-sub000/internal/embed"
	"github.com/DanielDeBrem/RAG-ai3-chunk-embed-sub000/internal/ingest"
	"github.com/DanielDeBrem/RAG-ai3-chunk-embed-sub000/internal/jobs"
	"github.com/DanielDeBrem/RAG-ai3-chunk-embed-sub000/internal/search"
	"github.com/DanielDeBrem/RAG-ai3-chunk-embed-sub000/internal/store"
)

type testEnv struct {
	server *Server
	store  *store.Store
	worker *jobs.Worker
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "meta.db"), filepath.Join(dir, "idx"), 8, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	emb := embed.NewStaticEmbedderWithDims(32)
	registry := chunk.NewRegistry()
	pipeline := ingest.NewPipeline(registry, nil, emb, st,
		ingest.Config{EmbeddingVersion: "v1"}, slog.Default())
	engine := search.NewEngine(st, emb, nil, search.DefaultConfig(), slog.Default())
	worker := jobs.NewWorker(st, pipeline, emb, jobs.Config{EmbeddingVersion: "v1"}, slog.Default())

	srv := NewServer(Deps{
		Store:            st,
		Pipeline:         pipeline,
		Engine:           engine,
		Registry:         registry,
		Logger:           slog.Default(),
		EmbeddingModel:   "static-hash-v1",
		EmbeddingVersion: "v1",
	})
	return &testEnv{server: srv, store: st, worker: worker}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestIngestAndSearchHappyPath(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/ingest", gin.H{
		"tenant_id":  "acme",
		"project_id": "p1",
		"filename":   "d1.txt",
		"text":       "The quick brown fox jumps over the lazy dog. It was a bright cold day in April.",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.GreaterOrEqual(t, body["chunks_added"].(float64), float64(1))
	assert.Equal(t, "acme:p1:d1.txt", body["doc_id"])

	rec = env.do(t, http.MethodPost, "/search", gin.H{
		"tenant_id":  "acme",
		"project_id": "p1",
		"query":      "lazy dog",
		"top_k":      3,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body = decode(t, rec)
	chunks := body["chunks"].([]any)
	require.NotEmpty(t, chunks)
	top := chunks[0].(map[string]any)
	assert.Contains(t, top["text"].(string), "lazy dog")
}

func TestIngestIdempotentSecondCall(t *testing.T) {
	env := newTestEnv(t)
	req := gin.H{
		"tenant_id": "t", "project_id": "p", "filename": "a.txt",
		"text": "Stable content for dedup.",
	}
	rec := env.do(t, http.MethodPost, "/ingest", req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/ingest", req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), decode(t, rec)["chunks_added"])
}

func TestIngestMissingFields(t *testing.T) {
	env := newTestEnv(t)
	cases := []gin.H{
		{"project_id": "p", "filename": "f", "text": "x"},
		{"tenant_id": "t", "filename": "f", "text": "x"},
		{"tenant_id": "t", "project_id": "p", "text": "x"},
		{"tenant_id": "t", "project_id": "p", "filename": "f"},
	}
	for _, body := range cases {
		rec := env.do(t, http.MethodPost, "/ingest", body)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
	}
}

func TestIngestIdentifierTooLong(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/ingest", gin.H{
		"tenant_id":  strings.Repeat("x", 300),
		"project_id": "p", "filename": "f", "text": "x",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestSearchMissingPartition(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/search", gin.H{
		"tenant_id": "ghost", "project_id": "none", "query": "anything",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSearchQuestionAlias(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/ingest", gin.H{
		"tenant_id": "t", "project_id": "p", "filename": "f.txt",
		"text": "Facts about migratory birds and their routes.",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/search", gin.H{
		"tenant_id": "t", "project_id": "p", "question": "migratory birds",
	})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestSearchEmptyQuery(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/search", gin.H{
		"tenant_id": "t", "project_id": "p",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestBatchUpsertRunsThroughWorker(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rec := env.do(t, http.MethodPost, "/docs/upsert/batch", gin.H{
		"async_mode": true,
		"docs": []gin.H{
			{"tenant_id": "t", "project_id": "p", "filename": "a.txt", "text": "Document alpha."},
			{"tenant_id": "t", "project_id": "p", "filename": "b.txt", "text": "Document beta."},
		},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	body := decode(t, rec)
	jobID := body["job_id"].(string)
	assert.Equal(t, float64(2), body["accepted"])

	ran, err := env.worker.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, ran)

	rec = env.do(t, http.MethodGet, "/jobs/"+jobID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "completed", decode(t, rec)["status"])
}

func TestDeleteDocThenSearch(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/ingest", gin.H{
		"tenant_id": "t", "project_id": "p", "filename": "gone.txt",
		"text": "Unique disappearing content phrase.",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	docID := decode(t, rec)["doc_id"].(string)

	rec = env.do(t, http.MethodDelete, "/docs/"+docID+"?tenant_id=t&namespace=p", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, true, body["deleted"])
	assert.Equal(t, float64(1), body["chunks_deleted"])
	assert.NotEmpty(t, body["job_id"])

	rec = env.do(t, http.MethodPost, "/search", gin.H{
		"tenant_id": "t", "project_id": "p", "query": "disappearing content",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode(t, rec)["chunks"])
}

func TestDeleteUnknownDoc(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodDelete, "/docs/none?tenant_id=t&namespace=p", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRebuildEndpointEnqueues(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/index/rebuild", gin.H{
		"tenant_id": "t", "namespace": "p",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	jobID := decode(t, rec)["job_id"].(string)

	rec = env.do(t, http.MethodGet, "/jobs/"+jobID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pending", decode(t, rec)["status"])
}

func TestJobNotFound(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/jobs/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJobStats(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/jobs/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	_, ok := decode(t, rec)["jobs"]
	assert.True(t, ok)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["ok"])
	info := body["build_info"].(map[string]any)
	assert.Equal(t, "static-hash-v1", info["embedding_model"])
	assert.Equal(t, "v1", info["embedding_version"])
}

func TestStrategyEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/strategies/list", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode(t, rec)["strategies"].([]any)
	assert.Len(t, list, 9)

	rec = env.do(t, http.MethodPost, "/strategies/detect", gin.H{
		"text": "Plain prose with nothing special about it at all.",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "default", decode(t, rec)["detected"])

	rec = env.do(t, http.MethodPost, "/strategies/test", gin.H{
		"text":     "One short paragraph.",
		"strategy": "default",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "default", body["strategy"])
	assert.Equal(t, float64(1), body["chunk_count"])
}

func TestStrategyTestUnknownStrategy(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/strategies/test", gin.H{
		"text": "x", "strategy": "nope",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}
