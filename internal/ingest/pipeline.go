// Package ingest runs the document pipeline: chunk, enrich, embed, store.
// It backs both the synchronous ingest endpoint and the async worker.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/DanielDeBrem/RAG-ai3-chunk-embed-sub000/internal/apperr"
	"github.com/DanielDeBrem/RAG-ai3-chunk-embed-sub000/internal/chunk"
	"github.com/DanielDeBrem/RAG-ai3-chunk-embed-sub000/internal/embed"
	"github.com/DanielDeBrem/RAG-ai3-chunk-embed-sub000/internal/enrich"
	"github.com/DanielDeBrem/RAG-ai3-chunk-embed-sub000/internal/store"
)

// Config holds pipeline-wide settings.
type Config struct {
	EmbeddingVersion string
	EmbedBatchSize   int
}

// Request is one document to ingest.
type Request struct {
	TenantID     string
	Namespace    string
	DocID        string // derived from tenant:namespace:filename when empty
	Filename     string
	MimeType     string
	DocumentType string
	Text         string
	Strategy     string // fixed strategy override; empty means auto-detect
	Overlap      *int
	Metadata     map[string]any
}

// Result reports what one ingest did.
type Result struct {
	DocID        string
	DocumentType string
	Strategy     string
	Status       string
	ChunksAdded  int
}

// Progress receives stage updates while a document moves through the
// pipeline. Either argument may be zero when a stage has no count.
type Progress func(stage string, done, total int)

// Pipeline turns raw text into stored, searchable chunks.
type Pipeline struct {
	registry *chunk.Registry
	enricher *enrich.Enricher
	embedder embed.Embedder
	store    *store.Store
	cfg      Config
	log      *slog.Logger
}

func NewPipeline(registry *chunk.Registry, enricher *enrich.Enricher, embedder embed.Embedder, st *store.Store, cfg Config, logger *slog.Logger) *Pipeline {
	if cfg.EmbedBatchSize <= 0 {
		cfg.EmbedBatchSize = embed.DefaultBatchSize
	}
	if cfg.EmbeddingVersion == "" {
		cfg.EmbeddingVersion = "v1"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		registry: registry,
		enricher: enricher,
		embedder: embedder,
		store:    st,
		cfg:      cfg,
		log:      logger,
	}
}

// Ingest runs one document through the full pipeline. progress may be nil.
func (p *Pipeline) Ingest(ctx context.Context, req Request, progress Progress) (Result, error) {
	if err := validate(req); err != nil {
		return Result{}, err
	}
	if progress == nil {
		progress = func(string, int, int) {}
	}

	docID := req.DocID
	if docID == "" {
		docID = fmt.Sprintf("%s:%s:%s", req.TenantID, req.Namespace, req.Filename)
	}
	docType := req.DocumentType
	if docType == "" {
		docType = store.DefaultDocumentType
	}
	docHash := store.HashText(req.Text)

	res := Result{DocID: docID, DocumentType: docType}

	// Identical content short-circuits before any chunking or embedding.
	existing, err := p.store.GetDocument(ctx, req.TenantID, req.Namespace, docID)
	if err == nil && existing.DocHash == docHash {
		res.Status = store.UpsertSkipped
		res.Strategy = existing.ChunkStrategy
		return res, nil
	}
	if err != nil && apperr.GetCode(err) != apperr.ErrCodeNotFound {
		return Result{}, err
	}

	progress("chunking", 0, 0)
	split, err := p.registry.Split(req.Text, req.Strategy, req.Overlap, chunk.Meta{
		Filename:     req.Filename,
		MimeType:     req.MimeType,
		DocumentType: req.DocumentType,
	})
	if err != nil {
		return Result{}, err
	}
	res.Strategy = split.Strategy
	if len(split.Chunks) == 0 {
		res.Status = store.UpsertSkipped
		p.log.Info("ingest_empty_document", "doc_id", docID)
		return res, nil
	}

	vectors, embedTexts, err := p.enrichAndEmbed(ctx, enrich.DocInfo{
		Filename:     req.Filename,
		DocumentType: docType,
	}, split.Chunks, progress)
	if err != nil {
		return Result{}, err
	}

	progress("storing", 0, 0)
	doc := store.Document{
		DocID:            docID,
		TenantID:         req.TenantID,
		Namespace:        req.Namespace,
		Filename:         req.Filename,
		MimeType:         req.MimeType,
		DocumentType:     docType,
		DocHash:          docHash,
		EmbeddingVersion: p.cfg.EmbeddingVersion,
		ChunkStrategy:    split.Strategy,
		Metadata:         req.Metadata,
	}
	chunks := make([]store.Chunk, len(split.Chunks))
	for i, raw := range split.Chunks {
		chunks[i] = store.Chunk{
			RawText:          raw,
			EmbedText:        embedTexts[i],
			ChunkHash:        store.HashText(raw),
			EmbeddingModelID: p.embedder.ModelID(),
			Ordinal:          i,
			Vector:           vectors[i],
		}
	}

	up, err := p.store.Upsert(ctx, doc, chunks)
	if err != nil {
		return Result{}, err
	}
	res.Status = up.Status
	res.ChunksAdded = up.ChunksAdded

	p.log.Info("ingest_completed", "doc_id", docID, "strategy", split.Strategy,
		"status", up.Status, "chunks_added", up.ChunksAdded)
	return res, nil
}

// enrichAndEmbed stages the two backend-bound phases: batch i is embedded
// while batch i+1 is being enriched, with at most two enriched batches
// buffered ahead of the embedder.
func (p *Pipeline) enrichAndEmbed(ctx context.Context, doc enrich.DocInfo, raws []string, progress Progress) ([][]float32, []string, error) {
	type batch struct {
		start int
		texts []string
	}

	total := len(raws)
	vectors := make([][]float32, total)
	embedTexts := make([]string, total)

	enriched := make(chan batch, 2)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(enriched)
		done := 0
		for start := 0; start < total; start += p.cfg.EmbedBatchSize {
			end := start + p.cfg.EmbedBatchSize
			if end > total {
				end = total
			}
			texts, err := p.enrichBatch(gctx, doc, raws[start:end])
			if err != nil {
				return err
			}
			done += end - start
			progress(fmt.Sprintf("enriching %d/%d", done, total), done, total)
			select {
			case enriched <- batch{start: start, texts: texts}:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	g.Go(func() error {
		embedded := 0
		for b := range enriched {
			vecs, err := p.embedder.EmbedBatch(gctx, b.texts)
			if err != nil {
				return apperr.Wrap(apperr.ErrCodeEmbeddingFailed, err)
			}
			copy(embedTexts[b.start:], b.texts)
			copy(vectors[b.start:], vecs)
			embedded += len(b.texts)
			progress("embedding", embedded, total)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return vectors, embedTexts, nil
}

func (p *Pipeline) enrichBatch(ctx context.Context, doc enrich.DocInfo, raws []string) ([]string, error) {
	if p.enricher == nil {
		return raws, nil
	}
	return p.enricher.EnrichAll(ctx, doc, raws, nil)
}

func validate(req Request) error {
	switch {
	case strings.TrimSpace(req.TenantID) == "":
		return apperr.Validation("tenant_id is required")
	case strings.TrimSpace(req.Namespace) == "":
		return apperr.Validation("project_id is required")
	case strings.TrimSpace(req.Filename) == "":
		return apperr.Validation("filename is required")
	case req.Text == "":
		return apperr.Validation("text is required")
	}
	return nil
}
