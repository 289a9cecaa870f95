package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/DanielDeBrem/RAG-ai3-chunk-embed-sub000/internal/apperr"
)

const (
	// DefaultBatchTimeout bounds one embedding request.
	DefaultBatchTimeout = 30 * time.Second

	// DefaultIdleUnload releases the model after this much inactivity.
	DefaultIdleUnload = 5 * time.Minute
)

// HTTPConfig configures an HTTPEmbedder.
type HTTPConfig struct {
	Endpoint     string
	Model        string
	Dimensions   int
	BatchSize    int
	BatchTimeout time.Duration
	IdleUnload   time.Duration
	Logger       *slog.Logger

	// Acquire, when set, reserves the embedding device before each batch
	// request. The returned release func is called when the batch is done.
	Acquire func(ctx context.Context) (func(), error)
}

// HTTPEmbedder calls an Ollama-compatible /api/embed endpoint. On an
// out-of-memory response it halves the batch and retries once; if memory
// pressure persists it pins the model to CPU for the rest of the process.
type HTTPEmbedder struct {
	client    *http.Client
	transport *http.Transport
	cfg       HTTPConfig
	log       *slog.Logger

	mu        sync.Mutex
	closed    bool
	cpuOnly   bool
	lastCall  time.Time
	idleTimer *time.Timer
}

var _ Embedder = (*HTTPEmbedder)(nil)

// NewHTTPEmbedder creates the embedder. No health check is made; the first
// EmbedBatch surfaces connectivity problems.
func NewHTTPEmbedder(cfg HTTPConfig) *HTTPEmbedder {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = DefaultBatchTimeout
	}
	if cfg.IdleUnload <= 0 {
		cfg.IdleUnload = DefaultIdleUnload
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	transport := &http.Transport{
		MaxIdleConns:        4,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     30 * time.Second,
	}
	// No client-level timeout; per-request contexts carry the deadline so
	// the batch timeout stays adjustable per call.
	e := &HTTPEmbedder{
		client:    &http.Client{Transport: transport},
		transport: transport,
		cfg:       cfg,
		log:       cfg.Logger,
	}
	e.idleTimer = time.AfterFunc(cfg.IdleUnload, e.idleUnload)
	return e
}

// Dimensions returns the configured vector dimension.
func (e *HTTPEmbedder) Dimensions() int { return e.cfg.Dimensions }

// ModelID returns the model name.
func (e *HTTPEmbedder) ModelID() string { return e.cfg.Model }

type embedRequest struct {
	Model     string         `json:"model"`
	Input     []string       `json:"input"`
	Options   map[string]any `json:"options,omitempty"`
	KeepAlive any            `json:"keep_alive,omitempty"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Error      string      `json:"error,omitempty"`
}

// EmbedBatch embeds texts in request-sized batches, preserving order.
func (e *HTTPEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, apperr.New(apperr.ErrCodeInternal, "embedder is closed", nil)
	}
	e.lastCall = time.Now()
	e.idleTimer.Reset(e.cfg.IdleUnload)
	e.mu.Unlock()

	if e.cfg.Acquire != nil {
		release, err := e.cfg.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		defer release()
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.cfg.BatchSize {
		end := start + e.cfg.BatchSize
		if end > len(texts) {
			end = len(texts)
		}
		vectors, err := e.embedWithRecovery(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vectors...)
	}
	return out, nil
}

// embedWithRecovery runs one batch with the OOM ladder: full batch, then
// half batches, then CPU-pinned retry.
func (e *HTTPEmbedder) embedWithRecovery(ctx context.Context, batch []string) ([][]float32, error) {
	vectors, err := e.doEmbed(ctx, batch, e.isCPUOnly())
	if err == nil {
		return vectors, nil
	}
	if !isOOM(err) {
		return nil, err
	}

	e.log.Warn("embed_oom_halving_batch", "batch_size", len(batch))
	if len(batch) > 1 {
		mid := len(batch) / 2
		first, ferr := e.doEmbed(ctx, batch[:mid], e.isCPUOnly())
		if ferr == nil {
			second, serr := e.doEmbed(ctx, batch[mid:], e.isCPUOnly())
			if serr == nil {
				return append(first, second...), nil
			}
			if !isOOM(serr) {
				return nil, serr
			}
		} else if !isOOM(ferr) {
			return nil, ferr
		}
	}

	// Device memory is exhausted; fall back to CPU for this and all
	// subsequent batches.
	e.log.Warn("embed_cpu_fallback", "model", e.cfg.Model)
	e.mu.Lock()
	e.cpuOnly = true
	e.mu.Unlock()
	return e.doEmbed(ctx, batch, true)
}

func (e *HTTPEmbedder) isCPUOnly() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cpuOnly
}

func (e *HTTPEmbedder) doEmbed(ctx context.Context, texts []string, cpu bool) ([][]float32, error) {
	req := embedRequest{Model: e.cfg.Model, Input: texts}
	if cpu {
		req.Options = map[string]any{"num_gpu": 0}
	}

	resp, err := e.post(ctx, req, e.cfg.BatchTimeout)
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		if strings.Contains(strings.ToLower(resp.Error), "out of memory") ||
			strings.Contains(strings.ToLower(resp.Error), "cuda") {
			return nil, apperr.New(apperr.ErrCodeBackendOOM, resp.Error, nil)
		}
		return nil, apperr.New(apperr.ErrCodeEmbeddingFailed, resp.Error, nil)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, apperr.New(apperr.ErrCodeEmbeddingFailed,
			fmt.Sprintf("expected %d embeddings, got %d", len(texts), len(resp.Embeddings)), nil)
	}

	for i, v := range resp.Embeddings {
		if e.cfg.Dimensions > 0 && len(v) != e.cfg.Dimensions {
			return nil, apperr.New(apperr.ErrCodeDimensionMism,
				fmt.Sprintf("embedding %d has dimension %d, want %d", i, len(v), e.cfg.Dimensions), nil)
		}
		resp.Embeddings[i] = normalizeVector(v)
	}
	return resp.Embeddings, nil
}

func (e *HTTPEmbedder) post(ctx context.Context, payload embedRequest, timeout time.Duration) (*embedResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrCodeInternal, err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost,
		strings.TrimRight(e.cfg.Endpoint, "/")+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrCodeInternal, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		if reqCtx.Err() == context.DeadlineExceeded {
			return nil, apperr.New(apperr.ErrCodeBackendTimeout, "embedding request timed out", err)
		}
		return nil, apperr.New(apperr.ErrCodeBackendUnavailable, "embedding endpoint unreachable", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, apperr.New(apperr.ErrCodeBackendUnavailable, "read embedding response", err)
	}

	var parsed embedResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, apperr.New(apperr.ErrCodeEmbeddingFailed,
			fmt.Sprintf("invalid embedding response (status %d)", resp.StatusCode), err)
	}
	if resp.StatusCode != http.StatusOK && parsed.Error == "" {
		parsed.Error = fmt.Sprintf("unexpected status %d", resp.StatusCode)
	}
	return &parsed, nil
}

// Unload asks the endpoint to release the model immediately.
func (e *HTTPEmbedder) Unload(ctx context.Context) error {
	_, err := e.post(ctx, embedRequest{
		Model:     e.cfg.Model,
		Input:     []string{},
		KeepAlive: 0,
	}, 10*time.Second)
	if err != nil {
		return err
	}
	e.log.Info("embed_model_unloaded", "model", e.cfg.Model)
	return nil
}

func (e *HTTPEmbedder) idleUnload() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	idle := time.Since(e.lastCall)
	e.mu.Unlock()

	if idle < e.cfg.IdleUnload {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Unload(ctx); err != nil {
		e.log.Debug("idle_unload_failed", "error", err)
	}
}

// Close stops the idle timer and drops pooled connections.
func (e *HTTPEmbedder) Close() error {
	e.mu.Lock()
	e.closed = true
	e.idleTimer.Stop()
	e.mu.Unlock()
	e.transport.CloseIdleConnections()
	return nil
}

func isOOM(err error) bool {
	return apperr.GetCode(err) == apperr.ErrCodeBackendOOM
}
