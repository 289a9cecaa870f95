// Package enrich prepends LLM-generated context to chunks before they are
// embedded. A pool of Ollama-compatible endpoints is addressed round-robin
// with at most one in-flight request per endpoint worker; failures degrade
// to the plain header so no chunk is ever dropped.
package enrich

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/DanielDeBrem/RAG-ai3-chunk-embed-sub000/internal/apperr"
)

const (
	// DefaultTimeout bounds one enrichment call.
	DefaultTimeout = 60 * time.Second

	// maxRetries is how many times a failed call is retried before the
	// chunk falls back to the context-free header.
	maxRetries = 2

	retryBaseDelay = 500 * time.Millisecond

	// maxContextChars truncates runaway model output.
	maxContextChars = 600
)

// Config configures an Enricher.
type Config struct {
	Enabled   bool
	Model     string
	Endpoints []string
	Workers   int
	Timeout   time.Duration
	CacheDir  string
	Logger    *slog.Logger

	// Acquire, when set, reserves an LLM device slot before each
	// generation call. The returned release func is called afterwards.
	Acquire func(ctx context.Context) (func(), error)
}

// DocInfo is what the header carries about the owning document.
type DocInfo struct {
	Filename     string
	DocumentType string
}

// Enricher generates embed_text for chunks. When disabled (or when no
// endpoints are configured) embed_text equals raw_text.
type Enricher struct {
	cfg    Config
	client *http.Client
	log    *slog.Logger
	next   atomic.Uint64
}

// New creates an Enricher. Workers defaults to the endpoint count.
func New(cfg Config) *Enricher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Workers <= 0 {
		cfg.Workers = len(cfg.Endpoints)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Enricher{
		cfg:    cfg,
		client: &http.Client{},
		log:    cfg.Logger,
	}
}

// Enabled reports whether enrichment will actually call a model.
func (e *Enricher) Enabled() bool {
	return e.cfg.Enabled && len(e.cfg.Endpoints) > 0
}

// EnrichAll produces the embed_text for every chunk, in input order. When
// disabled the raw texts pass through unchanged. Otherwise chunks fan out
// over the endpoint pool with at most Workers in flight; a chunk whose
// enrichment keeps failing gets the header without a [Context:] line.
// Progress, when non-nil, is called as chunks finish.
func (e *Enricher) EnrichAll(ctx context.Context, doc DocInfo, raws []string, progress func(done, total int)) ([]string, error) {
	out := make([]string, len(raws))

	if !e.Enabled() {
		copy(out, raws)
		if progress != nil {
			progress(len(raws), len(raws))
		}
		return out, nil
	}

	var done atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)

	for i, raw := range raws {
		i, raw := i, raw
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			ctxLine, err := e.contextFor(gctx, doc, raw)
			if err != nil {
				e.log.Warn("enrich_fallback", "error", err)
				ctxLine = ""
			}
			out[i] = FormatHeader(doc, ctxLine, raw)
			if progress != nil {
				progress(int(done.Add(1)), len(raws))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// FormatHeader builds the embed_text layout:
//
//	[Document: <filename>]
//	[Type: <document_type>]
//	[Context: <llm text>]
//
//	<raw chunk>
//
// The [Context:] line is omitted when contextText is empty.
func FormatHeader(doc DocInfo, contextText, raw string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[Document: %s]\n", doc.Filename)
	fmt.Fprintf(&b, "[Type: %s]\n", doc.DocumentType)
	if contextText != "" {
		fmt.Fprintf(&b, "[Context: %s]\n", contextText)
	}
	b.WriteString("\n")
	b.WriteString(raw)
	return b.String()
}

// contextFor returns the LLM context line for one chunk, consulting the
// disk cache first.
func (e *Enricher) contextFor(ctx context.Context, doc DocInfo, raw string) (string, error) {
	key := e.cacheKey(raw)
	if cached, ok := e.cacheGet(key); ok {
		return cached, nil
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := retryBaseDelay << uint(attempt-1)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
			}
		}
		text, err := e.generate(ctx, doc, raw)
		if err == nil {
			e.cachePut(key, text)
			return text, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}
	return "", lastErr
}

func (e *Enricher) cacheKey(raw string) string {
	chunkHash := sha256.Sum256([]byte(strings.Join(strings.Fields(raw), " ")))
	sum := sha256.Sum256([]byte(hex.EncodeToString(chunkHash[:]) + "\x00" + e.cfg.Model))
	return hex.EncodeToString(sum[:])
}

func (e *Enricher) cacheGet(key string) (string, bool) {
	if e.cfg.CacheDir == "" {
		return "", false
	}
	raw, err := os.ReadFile(filepath.Join(e.cfg.CacheDir, key+".txt"))
	if err != nil {
		return "", false
	}
	return string(raw), true
}

func (e *Enricher) cachePut(key, text string) {
	if e.cfg.CacheDir == "" {
		return
	}
	if err := os.MkdirAll(e.cfg.CacheDir, 0o755); err != nil {
		return
	}
	_ = os.WriteFile(filepath.Join(e.cfg.CacheDir, key+".txt"), []byte(text), 0o644)
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
	Error    string `json:"error,omitempty"`
}

const promptTemplate = `Document: %s (type: %s)

Chunk:
%s

Write one or two sentences situating this chunk within the document so it can be retrieved on its own. Answer with only the context, no preamble.`

// generate runs one enrichment call against the next endpoint in the pool.
func (e *Enricher) generate(ctx context.Context, doc DocInfo, raw string) (string, error) {
	if e.cfg.Acquire != nil {
		release, err := e.cfg.Acquire(ctx)
		if err != nil {
			return "", err
		}
		defer release()
	}

	endpoint := e.cfg.Endpoints[e.next.Add(1)%uint64(len(e.cfg.Endpoints))]

	payload, err := json.Marshal(generateRequest{
		Model:  e.cfg.Model,
		Prompt: fmt.Sprintf(promptTemplate, doc.Filename, doc.DocumentType, raw),
		Stream: false,
	})
	if err != nil {
		return "", apperr.Wrap(apperr.ErrCodeInternal, err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost,
		strings.TrimRight(endpoint, "/")+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return "", apperr.Wrap(apperr.ErrCodeInternal, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		if reqCtx.Err() == context.DeadlineExceeded {
			return "", apperr.New(apperr.ErrCodeBackendTimeout, "enrichment timed out", err)
		}
		return "", apperr.New(apperr.ErrCodeBackendUnavailable, "enrichment endpoint unreachable", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", apperr.New(apperr.ErrCodeBackendUnavailable, "read enrichment response", err)
	}

	var parsed generateResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", apperr.New(apperr.ErrCodeBackendUnavailable,
			fmt.Sprintf("invalid enrichment response (status %d)", resp.StatusCode), err)
	}
	if parsed.Error != "" {
		return "", apperr.New(apperr.ErrCodeBackendUnavailable, parsed.Error, nil)
	}
	if resp.StatusCode != http.StatusOK {
		return "", apperr.New(apperr.ErrCodeBackendUnavailable,
			fmt.Sprintf("unexpected status %d", resp.StatusCode), nil)
	}

	text := sanitizeContext(parsed.Response)
	if text == "" {
		return "", apperr.New(apperr.ErrCodeBackendUnavailable, "empty enrichment response", nil)
	}
	return text, nil
}

// sanitizeContext flattens the model output to a single bounded line.
func sanitizeContext(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > maxContextChars {
		cut := maxContextChars
		for cut > 0 && (s[cut]&0xC0) == 0x80 {
			cut--
		}
		s = s[:cut]
	}
	return strings.TrimSpace(s)
}
