// Package api exposes the ingestion and search backend over JSON HTTP.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/DanielDeBrem/RAG-ai3-chunk-embed-sub000/internal/chunk"
	"github.com/DanielDeBrem/RAG-ai3-chunk-embed-sub000/internal/device"
	"github.com/DanielDeBrem/RAG-ai3-chunk-embed-sub000/internal/ingest"
	"github.com/DanielDeBrem/RAG-ai3-chunk-embed-sub000/internal/search"
	"github.com/DanielDeBrem/RAG-ai3-chunk-embed-sub000/internal/store"
	"github.com/DanielDeBrem/RAG-ai3-chunk-embed-sub000/pkg/version"
)

// Deps carries everything the HTTP layer needs.
type Deps struct {
	Store        *store.Store
	Pipeline     *ingest.Pipeline
	Engine       *search.Engine
	Registry     *chunk.Registry
	Orchestrator *device.Orchestrator
	Logger       *slog.Logger

	IngestTimeout    time.Duration
	SearchTimeout    time.Duration
	EmbeddingModel   string
	EmbeddingVersion string
}

// Server is the JSON API front of the backend.
type Server struct {
	deps   Deps
	log    *slog.Logger
	router *gin.Engine
}

func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.IngestTimeout <= 0 {
		deps.IngestTimeout = 2 * time.Hour
	}
	if deps.SearchTimeout <= 0 {
		deps.SearchTimeout = 10 * time.Second
	}
	if deps.EmbeddingVersion == "" {
		deps.EmbeddingVersion = "v1"
	}

	s := &Server{deps: deps, log: deps.Logger}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.POST("/ingest", s.handleIngest)
	r.POST("/search", s.handleSearch)
	r.POST("/docs/upsert/batch", s.handleBatchUpsert)
	r.DELETE("/docs/:doc_id", s.handleDeleteDoc)
	r.POST("/index/rebuild", s.handleRebuild)
	r.GET("/jobs/stats", s.handleJobStats)
	r.GET("/jobs/:job_id", s.handleGetJob)
	r.GET("/health", s.handleHealth)
	r.GET("/strategies/list", s.handleStrategyList)
	r.POST("/strategies/detect", s.handleStrategyDetect)
	r.POST("/strategies/test", s.handleStrategyTest)
	r.GET("/devices", s.handleDevices)
	r.POST("/devices/unload", s.handleDeviceUnload)

	s.router = r
	return s
}

// Handler returns the routable handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until the context is cancelled, then drains in-flight
// requests.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http_listening", "addr", addr, "version", version.Version)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Info("http_request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	}
}
