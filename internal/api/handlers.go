package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/DanielDeBrem/RAG-ai3-chunk-embed-sub000/internal/apperr"
	"github.com/DanielDeBrem/RAG-ai3-chunk-embed-sub000/internal/chunk"
	"github.com/DanielDeBrem/RAG-ai3-chunk-embed-sub000/internal/ingest"
	"github.com/DanielDeBrem/RAG-ai3-chunk-embed-sub000/internal/jobs"
	"github.com/DanielDeBrem/RAG-ai3-chunk-embed-sub000/internal/search"
	"github.com/DanielDeBrem/RAG-ai3-chunk-embed-sub000/internal/store"
	"github.com/DanielDeBrem/RAG-ai3-chunk-embed-sub000/pkg/version"
)

const maxIdentifierLen = 256

type ingestRequest struct {
	TenantID      string         `json:"tenant_id"`
	ProjectID     string         `json:"project_id"`
	Filename      string         `json:"filename"`
	Text          string         `json:"text"`
	UserID        string         `json:"user_id,omitempty"`
	MimeType      string         `json:"mime_type,omitempty"`
	DocumentType  string         `json:"document_type,omitempty"`
	ChunkStrategy string         `json:"chunk_strategy,omitempty"`
	ChunkOverlap  *int           `json:"chunk_overlap,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

func (s *Server) handleIngest(c *gin.Context) {
	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, apperr.Validation("malformed request body: "+err.Error()))
		return
	}
	if err := requireIdentifiers(map[string]string{
		"tenant_id":  req.TenantID,
		"project_id": req.ProjectID,
		"filename":   req.Filename,
	}); err != nil {
		s.fail(c, err)
		return
	}
	if req.Text == "" {
		s.fail(c, apperr.Validation("text is required"))
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.deps.IngestTimeout)
	defer cancel()

	res, err := s.deps.Pipeline.Ingest(ctx, ingest.Request{
		TenantID:     req.TenantID,
		Namespace:    req.ProjectID,
		Filename:     req.Filename,
		MimeType:     req.MimeType,
		DocumentType: req.DocumentType,
		Text:         req.Text,
		Strategy:     req.ChunkStrategy,
		Overlap:      req.ChunkOverlap,
		Metadata:     req.Metadata,
	}, nil)
	if err != nil {
		s.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"project_id":    req.ProjectID,
		"document_type": res.DocumentType,
		"doc_id":        res.DocID,
		"chunks_added":  res.ChunksAdded,
	})
}

type searchRequest struct {
	TenantID     string `json:"tenant_id"`
	ProjectID    string `json:"project_id"`
	Query        string `json:"query,omitempty"`
	Question     string `json:"question,omitempty"`
	UserID       string `json:"user_id,omitempty"`
	DocumentType string `json:"document_type,omitempty"`
	TopK         int    `json:"top_k,omitempty"`
	Rerank       *bool  `json:"rerank,omitempty"`
}

func (s *Server) handleSearch(c *gin.Context) {
	var req searchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, apperr.Validation("malformed request body: "+err.Error()))
		return
	}
	if err := requireIdentifiers(map[string]string{
		"tenant_id":  req.TenantID,
		"project_id": req.ProjectID,
	}); err != nil {
		s.fail(c, err)
		return
	}
	query := req.Query
	if query == "" {
		query = req.Question
	}

	docType := req.DocumentType
	if docType == "" {
		docType = store.DefaultDocumentType
	}
	part := store.Partition{
		TenantID:         req.TenantID,
		Namespace:        req.ProjectID,
		DocumentType:     docType,
		EmbeddingVersion: s.deps.EmbeddingVersion,
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.deps.SearchTimeout)
	defer cancel()

	hits, err := s.deps.Engine.Search(ctx, search.Request{
		Partition: part,
		Query:     query,
		TopK:      req.TopK,
		Rerank:    req.Rerank,
	})
	if err != nil {
		if apperr.GetCode(err) == apperr.ErrCodeCorruptIndex {
			s.enqueueRebuild(c.Request.Context(), part)
		}
		s.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"chunks": hits})
}

type batchUpsertRequest struct {
	AsyncMode bool              `json:"async_mode"`
	Docs      []jobs.DocPayload `json:"docs"`
}

func (s *Server) handleBatchUpsert(c *gin.Context) {
	var req batchUpsertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, apperr.Validation("malformed request body: "+err.Error()))
		return
	}
	if len(req.Docs) == 0 {
		s.fail(c, apperr.Validation("docs must not be empty"))
		return
	}
	for i, doc := range req.Docs {
		if err := requireIdentifiers(map[string]string{
			"tenant_id":  doc.TenantID,
			"project_id": doc.ProjectID,
			"filename":   doc.Filename,
		}); err != nil {
			s.fail(c, apperr.Validation("doc "+strconv.Itoa(i)+": "+err.Error()))
			return
		}
	}

	payload, err := json.Marshal(jobs.IngestPayload{Docs: req.Docs})
	if err != nil {
		s.fail(c, apperr.Wrap(apperr.ErrCodeInternal, err))
		return
	}
	job, err := s.deps.Store.EnqueueJob(c.Request.Context(), store.JobTypeIngest, string(payload))
	if err != nil {
		s.fail(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"accepted": len(req.Docs),
		"job_id":   job.JobID,
	})
}

func (s *Server) handleDeleteDoc(c *gin.Context) {
	docID := c.Param("doc_id")
	tenantID := c.Query("tenant_id")
	namespace := c.Query("namespace")
	if err := requireIdentifiers(map[string]string{
		"tenant_id": tenantID,
		"namespace": namespace,
	}); err != nil {
		s.fail(c, err)
		return
	}

	ctx := c.Request.Context()
	count, err := s.deps.Store.CountLiveChunks(ctx, tenantID, namespace, docID)
	if err != nil {
		s.fail(c, err)
		return
	}
	parts, err := s.deps.Store.Delete(ctx, tenantID, namespace, docID)
	if err != nil {
		s.fail(c, err)
		return
	}

	var jobID string
	for _, p := range parts {
		if job := s.enqueueRebuild(ctx, p); job != nil {
			jobID = job.JobID
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"deleted":        true,
		"chunks_deleted": count,
		"job_id":         jobID,
	})
}

type rebuildRequest struct {
	TenantID     string `json:"tenant_id"`
	Namespace    string `json:"namespace"`
	DocumentType string `json:"document_type,omitempty"`
	Reembed      bool   `json:"reembed,omitempty"`
}

func (s *Server) handleRebuild(c *gin.Context) {
	var req rebuildRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, apperr.Validation("malformed request body: "+err.Error()))
		return
	}
	if err := requireIdentifiers(map[string]string{
		"tenant_id": req.TenantID,
		"namespace": req.Namespace,
	}); err != nil {
		s.fail(c, err)
		return
	}

	payload, err := json.Marshal(jobs.RebuildPayload{
		TenantID:         req.TenantID,
		Namespace:        req.Namespace,
		DocumentType:     req.DocumentType,
		EmbeddingVersion: s.deps.EmbeddingVersion,
		Reembed:          req.Reembed,
	})
	if err != nil {
		s.fail(c, apperr.Wrap(apperr.ErrCodeInternal, err))
		return
	}
	job, err := s.deps.Store.EnqueueJob(c.Request.Context(), store.JobTypeRebuild, string(payload))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": job.JobID})
}

func (s *Server) handleGetJob(c *gin.Context) {
	job, err := s.deps.Store.GetJob(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		s.fail(c, err)
		return
	}

	resp := gin.H{
		"job_id":     job.JobID,
		"type":       job.Type,
		"status":     job.Status,
		"progress":   job.Progress,
		"created_at": job.CreatedAt,
		"updated_at": job.UpdatedAt,
	}
	if job.Stage != "" {
		resp["stage"] = job.Stage
	}
	if job.Error != "" {
		resp["error"] = job.Error
	}
	if job.CompletedAt != nil {
		resp["completed_at"] = job.CompletedAt
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleJobStats(c *gin.Context) {
	stats, err := s.deps.Store.JobStats(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": stats})
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx := c.Request.Context()

	dbOK := s.deps.Store.Ping(ctx) == nil
	indexOK := true
	if _, err := s.deps.Store.ListIndexMeta(ctx); err != nil {
		indexOK = false
	}
	jobsOK := true
	if _, err := s.deps.Store.JobStats(ctx); err != nil {
		jobsOK = false
	}

	status := http.StatusOK
	ok := dbOK && indexOK && jobsOK
	if !ok {
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, gin.H{
		"ok":             ok,
		"db_ok":          dbOK,
		"index_store_ok": indexOK,
		"jobqueue_ok":    jobsOK,
		"build_info": gin.H{
			"version":           version.Version,
			"embedding_model":   s.deps.EmbeddingModel,
			"embedding_version": s.deps.EmbeddingVersion,
		},
	})
}

func (s *Server) handleStrategyList(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"strategies": s.deps.Registry.List()})
}

type strategySampleRequest struct {
	Text         string `json:"text"`
	Filename     string `json:"filename,omitempty"`
	MimeType     string `json:"mime_type,omitempty"`
	DocumentType string `json:"document_type,omitempty"`
	Strategy     string `json:"strategy,omitempty"`
	ChunkOverlap *int   `json:"chunk_overlap,omitempty"`
}

func (r strategySampleRequest) meta() chunk.Meta {
	return chunk.Meta{
		Filename:     r.Filename,
		MimeType:     r.MimeType,
		DocumentType: r.DocumentType,
	}
}

func (s *Server) handleStrategyDetect(c *gin.Context) {
	var req strategySampleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, apperr.Validation("malformed request body: "+err.Error()))
		return
	}
	if req.Text == "" {
		s.fail(c, apperr.Validation("text is required"))
		return
	}

	detected := s.deps.Registry.Detect(req.Text, req.meta())
	c.JSON(http.StatusOK, gin.H{
		"detected": detected.Name(),
		"scores":   s.deps.Registry.Scores(req.Text, req.meta()),
	})
}

func (s *Server) handleStrategyTest(c *gin.Context) {
	var req strategySampleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, apperr.Validation("malformed request body: "+err.Error()))
		return
	}
	if req.Text == "" {
		s.fail(c, apperr.Validation("text is required"))
		return
	}

	res, err := s.deps.Registry.Split(req.Text, req.Strategy, req.ChunkOverlap, req.meta())
	if err != nil {
		s.fail(c, err)
		return
	}

	sizes := make([]int, len(res.Chunks))
	for i, ch := range res.Chunks {
		sizes[i] = len(ch)
	}
	c.JSON(http.StatusOK, gin.H{
		"strategy":    res.Strategy,
		"chunk_count": len(res.Chunks),
		"chunk_sizes": sizes,
	})
}

func (s *Server) handleDevices(c *gin.Context) {
	if s.deps.Orchestrator == nil {
		c.JSON(http.StatusOK, gin.H{"devices": []any{}})
		return
	}
	stats, err := s.deps.Orchestrator.Snapshot(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"devices": stats})
}

func (s *Server) handleDeviceUnload(c *gin.Context) {
	if s.deps.Orchestrator == nil {
		c.JSON(http.StatusOK, gin.H{"unloaded": false})
		return
	}
	if err := s.deps.Orchestrator.UnloadAll(c.Request.Context()); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"unloaded": true})
}

func (s *Server) enqueueRebuild(ctx context.Context, p store.Partition) *store.Job {
	payload, err := json.Marshal(jobs.RebuildPayload{
		TenantID:         p.TenantID,
		Namespace:        p.Namespace,
		DocumentType:     p.DocumentType,
		EmbeddingVersion: p.EmbeddingVersion,
	})
	if err != nil {
		return nil
	}
	job, err := s.deps.Store.EnqueueJob(ctx, store.JobTypeRebuild, string(payload))
	if err != nil {
		s.log.Warn("rebuild_enqueue_failed", "partition", p.Key(), "error", err)
		return nil
	}
	return job
}

// fail writes the structured error with its mapped HTTP status.
func (s *Server) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= 500 {
		s.log.Error("request_failed", "path", c.Request.URL.Path, "error", err)
	}
	body := gin.H{"error": err.Error()}
	if code := apperr.GetCode(err); code != "" {
		body["code"] = code
	}
	c.AbortWithStatusJSON(status, body)
}

func statusFor(err error) int {
	switch apperr.GetCode(err) {
	case apperr.ErrCodeNotFound:
		return http.StatusNotFound
	case apperr.ErrCodeCorruptIndex:
		return http.StatusServiceUnavailable
	}
	switch apperr.GetCategory(err) {
	case apperr.CategoryValidation:
		return http.StatusUnprocessableEntity
	case apperr.CategoryBackend:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func requireIdentifiers(fields map[string]string) error {
	for name, value := range fields {
		if strings.TrimSpace(value) == "" {
			return apperr.Validation(name + " is required")
		}
		if len(value) > maxIdentifierLen {
			return apperr.New(apperr.ErrCodeFieldTooLong,
				name+" exceeds 256 characters", nil)
		}
	}
	return nil
}
