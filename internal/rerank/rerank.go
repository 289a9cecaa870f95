// Package rerank rescores retrieval candidates with a cross-encoder served
// over HTTP. Reranking is strictly best-effort: the search engine skips it
// whenever the time budget or the backend does not allow it.
package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/DanielDeBrem/RAG-ai3-chunk-embed-sub000/internal/apperr"
)

const (
	// DefaultTimeout bounds one rerank round trip.
	DefaultTimeout = 5 * time.Second

	// DefaultBatchSize is how many passages are scored per request.
	DefaultBatchSize = 32
)

// Reranker scores query/passage pairs. Higher is more relevant.
type Reranker interface {
	Rerank(ctx context.Context, query string, passages []string) ([]float64, error)
	Unload(ctx context.Context) error
	Close() error
}

// NoOp keeps candidate order untouched; used when reranking is disabled.
type NoOp struct{}

func (NoOp) Rerank(ctx context.Context, query string, passages []string) ([]float64, error) {
	scores := make([]float64, len(passages))
	for i := range scores {
		scores[i] = float64(len(passages) - i)
	}
	return scores, nil
}

func (NoOp) Unload(ctx context.Context) error { return nil }
func (NoOp) Close() error                     { return nil }

// Config configures the HTTP reranker.
type Config struct {
	Endpoint  string
	Model     string
	BatchSize int
	Timeout   time.Duration
	Logger    *slog.Logger

	// Acquire, when set, reserves the rerank device for the duration of a
	// call. The returned release func is called when scoring finishes.
	Acquire func(ctx context.Context) (func(), error)
}

// HTTPReranker calls a cross-encoder service. The model is lazy-loaded by
// the service on first call; Unload asks it to release the model.
type HTTPReranker struct {
	cfg    Config
	client *http.Client
	log    *slog.Logger
}

var _ Reranker = (*HTTPReranker)(nil)

func NewHTTPReranker(cfg Config) *HTTPReranker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &HTTPReranker{cfg: cfg, client: &http.Client{}, log: cfg.Logger}
}

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

type rerankResponse struct {
	Scores []float64 `json:"scores"`
	Error  string    `json:"error,omitempty"`
}

// Rerank scores all passages against the query, batching as needed.
func (r *HTTPReranker) Rerank(ctx context.Context, query string, passages []string) ([]float64, error) {
	if r.cfg.Acquire != nil {
		release, err := r.cfg.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		defer release()
	}

	out := make([]float64, 0, len(passages))
	for start := 0; start < len(passages); start += r.cfg.BatchSize {
		end := start + r.cfg.BatchSize
		if end > len(passages) {
			end = len(passages)
		}
		scores, err := r.rerankBatch(ctx, query, passages[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, scores...)
	}
	return out, nil
}

func (r *HTTPReranker) rerankBatch(ctx context.Context, query string, passages []string) ([]float64, error) {
	payload, err := json.Marshal(rerankRequest{
		Model:     r.cfg.Model,
		Query:     query,
		Documents: passages,
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrCodeInternal, err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost,
		strings.TrimRight(r.cfg.Endpoint, "/")+"/rerank", bytes.NewReader(payload))
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrCodeInternal, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		if reqCtx.Err() == context.DeadlineExceeded {
			return nil, apperr.New(apperr.ErrCodeBackendTimeout, "rerank timed out", err)
		}
		return nil, apperr.New(apperr.ErrCodeBackendUnavailable, "rerank endpoint unreachable", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, apperr.New(apperr.ErrCodeBackendUnavailable, "read rerank response", err)
	}

	var parsed rerankResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, apperr.New(apperr.ErrCodeBackendUnavailable,
			fmt.Sprintf("invalid rerank response (status %d)", resp.StatusCode), err)
	}
	if parsed.Error != "" {
		return nil, apperr.New(apperr.ErrCodeBackendUnavailable, parsed.Error, nil)
	}
	if len(parsed.Scores) != len(passages) {
		return nil, apperr.New(apperr.ErrCodeBackendUnavailable,
			fmt.Sprintf("expected %d scores, got %d", len(passages), len(parsed.Scores)), nil)
	}
	return parsed.Scores, nil
}

// Unload asks the service to release the cross-encoder.
func (r *HTTPReranker) Unload(ctx context.Context) error {
	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost,
		strings.TrimRight(r.cfg.Endpoint, "/")+"/unload", nil)
	if err != nil {
		return apperr.Wrap(apperr.ErrCodeInternal, err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return apperr.New(apperr.ErrCodeBackendUnavailable, "rerank unload failed", err)
	}
	resp.Body.Close()
	r.log.Info("rerank_model_unloaded", "model", r.cfg.Model)
	return nil
}

func (r *HTTPReranker) Close() error {
	r.client.CloseIdleConnections()
	return nil
}
