package search

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DanielDeBrem/RAG-ai3-chunk-embed-sub000/internal/embed"
	"github.com/DanielDeBrem/RAG-ai3-chunk-embed-sub000/internal/rerank"
	"github.com/DanielDeBrem/RAG-ai3-chunk-embed-sub000/internal/store"
)

func TestFuseRRFBothLists(t *testing.T) {
	dense := []string{"a", "b", "c"}
	sparse := []string{"b", "a", "d"}

	out := FuseRRF(dense, sparse, 0.7, 0.3, 60)
	require.Len(t, out, 4)

	scores := map[string]float64{}
	for _, c := range out {
		scores[c.ChunkID] = c.Score
	}
	assert.InDelta(t, 0.7/61+0.3/62, scores["a"], 1e-9)
	assert.InDelta(t, 0.7/62+0.3/61, scores["b"], 1e-9)
	assert.InDelta(t, 0.7/63, scores["c"], 1e-9)
	assert.InDelta(t, 0.3/63, scores["d"], 1e-9)

	// a beats b because the dense weight dominates.
	assert.Equal(t, "a", out[0].ChunkID)
	assert.Equal(t, "b", out[1].ChunkID)
}

func TestFuseRRFTieBreaksByChunkID(t *testing.T) {
	out := FuseRRF([]string{"z"}, []string{"a"}, 0.5, 0.5, 60)
	require.Len(t, out, 2)
	assert.Equal(t, out[0].Score, out[1].Score)
	assert.Equal(t, "a", out[0].ChunkID)
}

func TestFuseRRFZeroWeightReproducesSingleSource(t *testing.T) {
	dense := []string{"c3", "a1", "b2"}
	out := FuseRRF(dense, []string{"x", "y"}, 0.7, 0, 60)

	// Dense candidates keep dense order; zero-weight sparse-only ones sink
	// to the bottom.
	var head []string
	for _, c := range out {
		if c.Score > 0 {
			head = append(head, c.ChunkID)
		}
	}
	assert.Equal(t, dense, head)
}

type engineFixture struct {
	store  *store.Store
	engine *Engine
	emb    embed.Embedder
	p      store.Partition
}

func newEngineFixture(t *testing.T, cfg Config) *engineFixture {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "meta.db"), filepath.Join(dir, "idx"), 8, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	emb := embed.NewStaticEmbedderWithDims(64)
	return &engineFixture{
		store:  st,
		engine: NewEngine(st, emb, rerank.NoOp{}, cfg, slog.Default()),
		emb:    emb,
		p:      store.Partition{TenantID: "t1", Namespace: "proj", DocumentType: "default", EmbeddingVersion: "v1"},
	}
}

func (f *engineFixture) upsert(t *testing.T, docID string, texts []string) {
	t.Helper()
	ctx := context.Background()
	vecs, err := f.emb.EmbedBatch(ctx, texts)
	require.NoError(t, err)

	chunks := make([]store.Chunk, len(texts))
	for i, text := range texts {
		chunks[i] = store.Chunk{
			RawText:   text,
			EmbedText: text,
			ChunkHash: store.HashText(text),
			Ordinal:   i,
			Vector:    vecs[i],
		}
	}
	doc := store.Document{
		DocID: docID, TenantID: f.p.TenantID, Namespace: f.p.Namespace,
		Filename: docID + ".txt", DocumentType: f.p.DocumentType,
		DocHash: store.HashText(texts[0]), EmbeddingVersion: f.p.EmbeddingVersion,
	}
	_, err = f.store.Upsert(ctx, doc, chunks)
	require.NoError(t, err)
}

func TestSearchFindsRelevantChunk(t *testing.T) {
	f := newEngineFixture(t, DefaultConfig())
	f.upsert(t, "doc1", []string{
		"the quick brown fox jumps over the lazy dog",
		"completely unrelated sentence about databases",
	})
	f.upsert(t, "doc2", []string{
		"another text about cooking pasta with tomatoes",
	})

	hits, err := f.engine.Search(context.Background(), Request{
		Partition: f.p,
		Query:     "quick brown fox",
		TopK:      2,
	})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "doc1#c0000", hits[0].ChunkID)
	assert.Equal(t, "doc1", hits[0].DocID)
	assert.Contains(t, hits[0].Text, "quick brown fox")
}

func TestSearchEmptyQuery(t *testing.T) {
	f := newEngineFixture(t, DefaultConfig())
	_, err := f.engine.Search(context.Background(), Request{Partition: f.p, Query: "   "})
	require.Error(t, err)
}

func TestSearchMissingPartition(t *testing.T) {
	f := newEngineFixture(t, DefaultConfig())
	_, err := f.engine.Search(context.Background(), Request{Partition: f.p, Query: "anything"})
	require.Error(t, err)
}

func TestSearchExcludesDeletedDocuments(t *testing.T) {
	f := newEngineFixture(t, DefaultConfig())
	f.upsert(t, "doc1", []string{"findable special content"})
	f.upsert(t, "doc2", []string{"other content entirely different"})

	ctx := context.Background()
	_, err := f.store.Delete(ctx, "t1", "proj", "doc1")
	require.NoError(t, err)

	hits, err := f.engine.Search(ctx, Request{Partition: f.p, Query: "findable special content", TopK: 5})
	require.NoError(t, err)
	for _, h := range hits {
		assert.NotEqual(t, "doc1", h.DocID)
	}
}

func TestSearchDeterministic(t *testing.T) {
	f := newEngineFixture(t, DefaultConfig())
	f.upsert(t, "doc1", []string{"alpha beta gamma", "delta epsilon zeta", "eta theta iota"})

	req := Request{Partition: f.p, Query: "alpha delta eta", TopK: 3}
	first, err := f.engine.Search(context.Background(), req)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := f.engine.Search(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestSearchTopKCapped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxTopK = 3
	f := newEngineFixture(t, cfg)
	texts := make([]string, 6)
	for i := range texts {
		texts[i] = "shared term with filler " + string(rune('a'+i))
	}
	f.upsert(t, "doc1", texts)

	hits, err := f.engine.Search(context.Background(), Request{Partition: f.p, Query: "shared term", TopK: 100})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(hits), 3)
}

func TestSearchRerankReordersHead(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Documents []string `json:"documents"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		// Score passages mentioning pasta highest regardless of fusion.
		scores := make([]float64, len(req.Documents))
		for i, d := range req.Documents {
			if len(d) > 0 && d[0] == 'p' {
				scores[i] = 10
			} else {
				scores[i] = float64(i)
			}
		}
		json.NewEncoder(w).Encode(map[string]any{"scores": scores})
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.RerankEnabled = true
	f := newEngineFixture(t, cfg)
	f.engine = NewEngine(f.store, f.emb,
		rerank.NewHTTPReranker(rerank.Config{Endpoint: srv.URL, Model: "ce"}),
		cfg, slog.Default())

	f.upsert(t, "doc1", []string{
		"pasta is the winner according to the cross encoder",
		"some other chunk about boats",
	})

	hits, err := f.engine.Search(context.Background(), Request{Partition: f.p, Query: "boats", TopK: 2})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Contains(t, hits[0].Text, "pasta")
}

func TestSearchRerankSkippedOnTightBudget(t *testing.T) {
	var called bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		json.NewEncoder(w).Encode(map[string]any{"scores": []float64{}})
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.RerankEnabled = true
	cfg.RerankTimeout = time.Second
	f := newEngineFixture(t, cfg)
	f.engine = NewEngine(f.store, f.emb,
		rerank.NewHTTPReranker(rerank.Config{Endpoint: srv.URL, Model: "ce"}),
		cfg, slog.Default())
	f.upsert(t, "doc1", []string{"some content to find"})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := f.engine.Search(ctx, Request{Partition: f.p, Query: "content", TopK: 1})
	require.NoError(t, err)
	assert.False(t, called)
}
