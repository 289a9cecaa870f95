// Package search implements hybrid retrieval: dense and BM25 candidates
// fused with weighted RRF, optionally reranked by a cross-encoder.
package search

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/DanielDeBrem/RAG-ai3-chunk-embed-sub000/internal/apperr"
	"github.com/DanielDeBrem/RAG-ai3-chunk-embed-sub000/internal/embed"
	"github.com/DanielDeBrem/RAG-ai3-chunk-embed-sub000/internal/rerank"
	"github.com/DanielDeBrem/RAG-ai3-chunk-embed-sub000/internal/store"
)

// Config holds the retrieval tunables.
type Config struct {
	DenseWeight   float64
	SparseWeight  float64
	RRFConstant   int
	DefaultTopK   int
	MaxTopK       int
	RerankEnabled bool
	RerankTimeout time.Duration
}

// DefaultConfig returns the standard hybrid weights.
func DefaultConfig() Config {
	return Config{
		DenseWeight:   0.7,
		SparseWeight:  0.3,
		RRFConstant:   DefaultRRFConstant,
		DefaultTopK:   5,
		MaxTopK:       50,
		RerankEnabled: false,
		RerankTimeout: rerank.DefaultTimeout,
	}
}

// Request is one search call.
type Request struct {
	Partition store.Partition
	Query     string
	TopK      int
	// Rerank overrides the engine default when non-nil.
	Rerank *bool
}

// Hit is one search result.
type Hit struct {
	DocID    string         `json:"doc_id"`
	ChunkID  string         `json:"chunk_id"`
	Text     string         `json:"text"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Engine wires the stores, the query embedder and the reranker together.
type Engine struct {
	store    *store.Store
	embedder embed.Embedder
	reranker rerank.Reranker
	cfg      Config
	log      *slog.Logger
}

func NewEngine(st *store.Store, embedder embed.Embedder, reranker rerank.Reranker, cfg Config, logger *slog.Logger) *Engine {
	if reranker == nil {
		reranker = rerank.NoOp{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RRFConstant <= 0 {
		cfg.RRFConstant = DefaultRRFConstant
	}
	if cfg.DefaultTopK <= 0 {
		cfg.DefaultTopK = 5
	}
	if cfg.MaxTopK <= 0 {
		cfg.MaxTopK = 50
	}
	if cfg.RerankTimeout <= 0 {
		cfg.RerankTimeout = rerank.DefaultTimeout
	}
	return &Engine{store: st, embedder: embedder, reranker: reranker, cfg: cfg, log: logger}
}

// Search runs one hybrid query against a partition.
func (e *Engine) Search(ctx context.Context, req Request) ([]Hit, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, apperr.New(apperr.ErrCodeQueryEmpty, "query must not be empty", nil)
	}

	topK := req.TopK
	if topK <= 0 {
		topK = e.cfg.DefaultTopK
	}
	if topK > e.cfg.MaxTopK {
		topK = e.cfg.MaxTopK
	}

	// Candidate depth: wide enough that fusion and delete-filtering still
	// leave topK results.
	kd := topK * 4
	if kd < 50 {
		kd = 50
	}

	start := time.Now()

	qv, err := e.embedder.EmbedBatch(ctx, []string{query})
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrCodeEmbeddingFailed, err)
	}

	denseHits, err := e.store.DenseSearch(ctx, req.Partition, qv[0], kd)
	if err != nil {
		return nil, err
	}

	// Resolve dense hits to live chunks; deleted ones drop out here.
	faissIDs := make([]int64, len(denseHits))
	for i, h := range denseHits {
		faissIDs[i] = h.FaissID
	}
	byFaiss, err := e.store.ChunksByFaissIDs(ctx, req.Partition, faissIDs)
	if err != nil {
		return nil, err
	}

	chunks := make(map[string]store.Chunk, len(byFaiss))
	denseOrder := make([]string, 0, len(denseHits))
	for _, h := range denseHits {
		c, ok := byFaiss[h.FaissID]
		if !ok {
			continue
		}
		denseOrder = append(denseOrder, c.ChunkID)
		chunks[c.ChunkID] = c
	}

	sparseHits, err := e.store.SparseSearch(ctx, req.Partition, query, kd)
	if err != nil {
		return nil, err
	}
	sparseOrder := make([]string, 0, len(sparseHits))
	for _, h := range sparseHits {
		sparseOrder = append(sparseOrder, h.ChunkID)
	}

	fused := FuseRRF(denseOrder, sparseOrder, e.cfg.DenseWeight, e.cfg.SparseWeight, e.cfg.RRFConstant)

	// Hydrate candidates the dense pass did not already fetch.
	var missing []string
	for _, c := range fused {
		if _, ok := chunks[c.ChunkID]; !ok {
			missing = append(missing, c.ChunkID)
		}
	}
	if len(missing) > 0 {
		byID, err := e.store.ChunksByIDs(ctx, req.Partition, missing)
		if err != nil {
			return nil, err
		}
		for id, c := range byID {
			chunks[id] = c
		}
	}

	// Drop candidates that vanished between index read and hydration.
	live := fused[:0]
	for _, c := range fused {
		if _, ok := chunks[c.ChunkID]; ok {
			live = append(live, c)
		}
	}
	fused = live

	doRerank := e.cfg.RerankEnabled
	if req.Rerank != nil {
		doRerank = *req.Rerank
	}
	fused = e.maybeRerank(ctx, query, fused, chunks, topK, doRerank)

	if len(fused) > topK {
		fused = fused[:topK]
	}

	hits := make([]Hit, len(fused))
	for i, c := range fused {
		chunk := chunks[c.ChunkID]
		hits[i] = Hit{
			DocID:    chunk.DocID,
			ChunkID:  c.ChunkID,
			Text:     chunk.RawText,
			Score:    c.Score,
			Metadata: chunk.Metadata,
		}
	}

	e.log.Info("search_completed", "partition", req.Partition.Key(),
		"top_k", topK, "hits", len(hits), "duration_ms", time.Since(start).Milliseconds())
	return hits, nil
}

// maybeRerank rescores the top candidates with the cross-encoder when
// enabled and when the remaining request budget can absorb a full rerank
// round trip. Any rerank failure degrades to the fused order.
func (e *Engine) maybeRerank(ctx context.Context, query string, fused []Candidate, chunks map[string]store.Chunk, topK int, enabled bool) []Candidate {
	if !enabled || len(fused) == 0 {
		return fused
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < e.cfg.RerankTimeout {
		e.log.Debug("rerank_skipped_budget", "remaining_ms", time.Until(deadline).Milliseconds())
		return fused
	}

	n := topK * 4
	if n > 50 {
		n = 50
	}
	if n > len(fused) {
		n = len(fused)
	}

	head := fused[:n]
	passages := make([]string, n)
	for i, c := range head {
		passages[i] = chunks[c.ChunkID].RawText
	}

	scores, err := e.reranker.Rerank(ctx, query, passages)
	if err != nil {
		e.log.Warn("rerank_failed", "error", err)
		return fused
	}

	reranked := make([]Candidate, n)
	for i, c := range head {
		reranked[i] = Candidate{ChunkID: c.ChunkID, Score: scores[i]}
	}
	sort.Slice(reranked, func(i, j int) bool {
		if reranked[i].Score != reranked[j].Score {
			return reranked[i].Score > reranked[j].Score
		}
		return reranked[i].ChunkID < reranked[j].ChunkID
	})

	return append(reranked, fused[n:]...)
}
