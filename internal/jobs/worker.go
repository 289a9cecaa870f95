// Package jobs runs the durable queue: a single worker claims pending jobs
// from the store and executes ingest, rebuild and delete work.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/DanielDeBrem/RAG-ai3-chunk-embed-sub000/internal/apperr"
	"github.com/DanielDeBrem/RAG-ai3-chunk-embed-sub000/internal/embed"
	"github.com/DanielDeBrem/RAG-ai3-chunk-embed-sub000/internal/ingest"
	"github.com/DanielDeBrem/RAG-ai3-chunk-embed-sub000/internal/store"
)

// Defaults for the worker loop.
const (
	DefaultPollInterval   = 2 * time.Second
	DefaultStaleAfter     = 10 * time.Minute
	DefaultMaxRetries     = 3
	DefaultIngestDeadline = 2 * time.Hour
)

// DocPayload is one document inside an ingest job.
type DocPayload struct {
	TenantID      string         `json:"tenant_id"`
	ProjectID     string         `json:"project_id"`
	DocID         string         `json:"doc_id,omitempty"`
	Filename      string         `json:"filename"`
	MimeType      string         `json:"mime_type,omitempty"`
	DocumentType  string         `json:"document_type,omitempty"`
	Text          string         `json:"text"`
	ChunkStrategy string         `json:"chunk_strategy,omitempty"`
	ChunkOverlap  *int           `json:"chunk_overlap,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// IngestPayload is the body of an ingest job.
type IngestPayload struct {
	Docs []DocPayload `json:"docs"`
}

// RebuildPayload is the body of a rebuild job.
type RebuildPayload struct {
	TenantID         string `json:"tenant_id"`
	Namespace        string `json:"namespace"`
	DocumentType     string `json:"document_type,omitempty"`
	EmbeddingVersion string `json:"embedding_version,omitempty"`
	Reembed          bool   `json:"reembed,omitempty"`
}

// DeletePayload is the body of a delete job.
type DeletePayload struct {
	TenantID  string `json:"tenant_id"`
	Namespace string `json:"namespace"`
	DocID     string `json:"doc_id"`
}

// Config tunes the worker loop.
type Config struct {
	PollInterval     time.Duration
	StaleAfter       time.Duration
	MaxRetries       int
	IngestDeadline   time.Duration
	LockDir          string
	EmbeddingVersion string
}

// Worker drains the job queue. Run exactly one worker process per queue;
// the claim guard tolerates more, but throughput and device ownership
// assume a single drainer.
type Worker struct {
	store    *store.Store
	pipeline *ingest.Pipeline
	embedder embed.Embedder
	cfg      Config
	log      *slog.Logger
}

func NewWorker(st *store.Store, pipeline *ingest.Pipeline, embedder embed.Embedder, cfg Config, logger *slog.Logger) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.IngestDeadline <= 0 {
		cfg.IngestDeadline = DefaultIngestDeadline
	}
	if cfg.EmbeddingVersion == "" {
		cfg.EmbeddingVersion = "v1"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{store: st, pipeline: pipeline, embedder: embedder, cfg: cfg, log: logger}
}

// Run polls until the context is cancelled. Jobs left running by a dead
// worker are swept back to pending at startup, then the dense indices are
// reconciled against their on-disk state.
func (w *Worker) Run(ctx context.Context) error {
	requeued, failed, err := w.store.SweepStaleJobs(ctx, w.cfg.StaleAfter, w.cfg.MaxRetries)
	if err != nil {
		return err
	}
	if requeued > 0 || failed > 0 {
		w.log.Info("stale_jobs_swept", "requeued", requeued, "failed", failed)
	}

	dirty, err := w.store.Reconcile(ctx)
	if err != nil {
		return err
	}
	for _, p := range dirty {
		if _, err := w.enqueueRebuild(ctx, p); err != nil {
			w.log.Warn("rebuild_enqueue_failed", "partition", p.Key(), "error", err)
		}
	}

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		// Drain everything that is already pending before sleeping.
		for {
			job, err := w.store.ClaimNextJob(ctx)
			if err != nil {
				w.log.Error("claim_failed", "error", err)
				break
			}
			if job == nil {
				break
			}
			w.runJob(ctx, job)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce claims and executes at most one job; used by tests and by the
// drain loop above.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(ctx)
	if err != nil || job == nil {
		return false, err
	}
	w.runJob(ctx, job)
	return true, nil
}

func (w *Worker) runJob(ctx context.Context, job *store.Job) {
	w.log.Info("job_started", "job_id", job.JobID, "type", job.Type)

	defer func() {
		if r := recover(); r != nil {
			w.log.Error("job_panicked", "job_id", job.JobID, "panic", r)
			_ = w.store.FailJob(ctx, job.JobID, fmt.Sprintf("panic: %v", r))
		}
	}()

	var err error
	switch job.Type {
	case store.JobTypeIngest:
		err = w.handleIngest(ctx, job)
	case store.JobTypeRebuild:
		err = w.handleRebuild(ctx, job)
	case store.JobTypeDelete:
		err = w.handleDelete(ctx, job)
	default:
		err = apperr.Validation("unknown job type: " + job.Type)
	}

	if err != nil {
		w.log.Error("job_failed", "job_id", job.JobID, "type", job.Type, "error", err)
		_ = w.store.FailJob(ctx, job.JobID, err.Error())
		return
	}
	_ = w.store.CompleteJob(ctx, job.JobID)
	w.log.Info("job_completed", "job_id", job.JobID, "type", job.Type)
}

func (w *Worker) handleIngest(ctx context.Context, job *store.Job) error {
	var payload IngestPayload
	if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
		return apperr.Validation("malformed ingest payload: " + err.Error())
	}
	if len(payload.Docs) == 0 {
		return apperr.Validation("ingest payload has no docs")
	}

	ctx, cancel := context.WithTimeout(ctx, w.cfg.IngestDeadline)
	defer cancel()

	total := len(payload.Docs)
	for i, doc := range payload.Docs {
		docBase := i * 100 / total
		progress := func(stage string, done, n int) {
			_ = w.store.UpdateJobProgress(ctx, job.JobID, docBase, stage)
		}

		req := ingest.Request{
			TenantID:     doc.TenantID,
			Namespace:    doc.ProjectID,
			DocID:        doc.DocID,
			Filename:     doc.Filename,
			MimeType:     doc.MimeType,
			DocumentType: doc.DocumentType,
			Text:         doc.Text,
			Strategy:     doc.ChunkStrategy,
			Overlap:      doc.ChunkOverlap,
			Metadata:     doc.Metadata,
		}

		unlock, err := w.lockPartition(w.partitionFor(doc))
		if err != nil {
			return err
		}
		_, err = w.pipeline.Ingest(ctx, req, progress)
		unlock()
		if err != nil {
			return fmt.Errorf("doc %d/%d (%s): %w", i+1, total, doc.Filename, err)
		}
		_ = w.store.UpdateJobProgress(ctx, job.JobID, (i+1)*100/total, "storing")
	}
	return nil
}

func (w *Worker) handleRebuild(ctx context.Context, job *store.Job) error {
	var payload RebuildPayload
	if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
		return apperr.Validation("malformed rebuild payload: " + err.Error())
	}
	p := store.Partition{
		TenantID:         payload.TenantID,
		Namespace:        payload.Namespace,
		DocumentType:     payload.DocumentType,
		EmbeddingVersion: payload.EmbeddingVersion,
	}
	if p.DocumentType == "" {
		p.DocumentType = store.DefaultDocumentType
	}
	if p.EmbeddingVersion == "" {
		p.EmbeddingVersion = w.cfg.EmbeddingVersion
	}

	unlock, err := w.lockPartition(p)
	if err != nil {
		return err
	}
	defer unlock()

	_ = w.store.UpdateJobProgress(ctx, job.JobID, 10, "rebuilding")

	var embedFn func(context.Context, []string) ([][]float32, error)
	if payload.Reembed {
		embedFn = w.embedder.EmbedBatch
	}
	return w.store.Rebuild(ctx, p, embedFn)
}

func (w *Worker) handleDelete(ctx context.Context, job *store.Job) error {
	var payload DeletePayload
	if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
		return apperr.Validation("malformed delete payload: " + err.Error())
	}

	_ = w.store.UpdateJobProgress(ctx, job.JobID, 10, "deleting")
	parts, err := w.store.Delete(ctx, payload.TenantID, payload.Namespace, payload.DocID)
	if err != nil {
		return err
	}

	for _, p := range parts {
		unlock, err := w.lockPartition(p)
		if err != nil {
			return err
		}
		err = w.store.Rebuild(ctx, p, nil)
		unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) enqueueRebuild(ctx context.Context, p store.Partition) (*store.Job, error) {
	payload, err := json.Marshal(RebuildPayload{
		TenantID:         p.TenantID,
		Namespace:        p.Namespace,
		DocumentType:     p.DocumentType,
		EmbeddingVersion: p.EmbeddingVersion,
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrCodeInternal, err)
	}
	return w.store.EnqueueJob(ctx, store.JobTypeRebuild, string(payload))
}

func (w *Worker) partitionFor(doc DocPayload) store.Partition {
	docType := doc.DocumentType
	if docType == "" {
		docType = store.DefaultDocumentType
	}
	return store.Partition{
		TenantID:         doc.TenantID,
		Namespace:        doc.ProjectID,
		DocumentType:     docType,
		EmbeddingVersion: w.cfg.EmbeddingVersion,
	}
}

// lockPartition serializes index mutations within one partition across
// processes. With an unset LockDir the worker relies on queue ordering
// alone.
func (w *Worker) lockPartition(p store.Partition) (func(), error) {
	if w.cfg.LockDir == "" {
		return func() {}, nil
	}
	if err := os.MkdirAll(w.cfg.LockDir, 0o755); err != nil {
		return nil, apperr.Storage("create lock dir", err)
	}
	fl := flock.New(filepath.Join(w.cfg.LockDir, p.Key()+".lock"))
	if err := fl.Lock(); err != nil {
		return nil, apperr.Storage("acquire partition lock", err)
	}
	return func() { _ = fl.Unlock() }, nil
}
