package cmd

import (
	"context"
	"log/slog"

	"github.com/DanielDeBrem/RAG-ai3-chunk-embed-sub000/internal/chunk"
	"github.com/DanielDeBrem/RAG-ai3-chunk-embed-sub000/internal/config"
	"github.com/DanielDeBrem/RAG-ai3-chunk-embed-sub000/internal/device"
	"github.com/DanielDeBrem/RAG-ai3-chunk-embed-sub000/internal/embed"
	"github.com/DanielDeBrem/RAG-ai3-chunk-embed-sub000/internal/enrich"
	"github.com/DanielDeBrem/RAG-ai3-chunk-embed-sub000/internal/ingest"
	"github.com/DanielDeBrem/RAG-ai3-chunk-embed-sub000/internal/rerank"
	"github.com/DanielDeBrem/RAG-ai3-chunk-embed-sub000/internal/search"
	"github.com/DanielDeBrem/RAG-ai3-chunk-embed-sub000/internal/store"
)

// components is the assembled service graph shared by serve and worker.
type components struct {
	store        *store.Store
	registry     *chunk.Registry
	embedder     embed.Embedder
	enricher     *enrich.Enricher
	reranker     rerank.Reranker
	pipeline     *ingest.Pipeline
	engine       *search.Engine
	orchestrator *device.Orchestrator
}

func buildComponents(cfg *config.Config, logger *slog.Logger) (*components, error) {
	st, err := store.Open(cfg.Database.URL, cfg.Index.Dir, cfg.Index.CacheSize, logger)
	if err != nil {
		return nil, err
	}

	orch := device.NewOrchestrator(device.Config{
		GPUCount:  cfg.Devices.Count,
		Endpoints: enrichEndpoints(cfg),
		Telemetry: device.NewSMITelemetry(),
		Logger:    logger,
	})

	embedEndpoint := cfg.Embedding.Endpoint
	if e := orch.EmbedEndpoint(); e != "" {
		embedEndpoint = e
	}
	httpEmbedder := embed.NewHTTPEmbedder(embed.HTTPConfig{
		Endpoint:     embedEndpoint,
		Model:        cfg.Embedding.Model,
		Dimensions:   cfg.Embedding.Dimensions,
		BatchSize:    cfg.Embedding.BatchSize,
		BatchTimeout: cfg.Embedding.BatchTimeout,
		IdleUnload:   cfg.Embedding.IdleUnload,
		Logger:       logger,
		Acquire:      acquireTask(orch, device.TaskEmbed),
	})
	orch.RegisterUnloader(device.TaskEmbed, httpEmbedder)

	embedder, err := embed.NewCachingEmbedder(httpEmbedder, cfg.Embedding.QueryCacheTexts)
	if err != nil {
		st.Close()
		return nil, err
	}

	enrichCfg := enrich.Config{
		Enabled:   cfg.Enrich.Enabled,
		Model:     cfg.Enrich.Model,
		Endpoints: cfg.Enrich.Endpoints,
		Workers:   cfg.Enrich.Workers,
		Timeout:   cfg.Enrich.Timeout,
		CacheDir:  cfg.Enrich.CacheDir,
		Logger:    logger,
		Acquire:   acquireTask(orch, device.TaskLLM),
	}
	if len(enrichCfg.Endpoints) == 0 {
		enrichCfg.Endpoints = orch.LLMEndpoints()
	}
	if w := orch.Workers(); enrichCfg.Workers <= 0 || enrichCfg.Workers > w {
		enrichCfg.Workers = w
	}
	enricher := enrich.New(enrichCfg)

	var reranker rerank.Reranker = rerank.NoOp{}
	if cfg.Rerank.Enabled {
		rerankEndpoint := cfg.Rerank.Endpoint
		if e := orch.RerankEndpoint(); e != "" {
			rerankEndpoint = e
		}
		httpReranker := rerank.NewHTTPReranker(rerank.Config{
			Endpoint:  rerankEndpoint,
			Model:     cfg.Rerank.Model,
			BatchSize: cfg.Rerank.BatchSize,
			Timeout:   cfg.Rerank.Timeout,
			Logger:    logger,
			Acquire:   acquireTask(orch, device.TaskRerank),
		})
		orch.RegisterUnloader(device.TaskRerank, httpReranker)
		reranker = httpReranker
	}

	registry := chunk.NewRegistry()
	pipeline := ingest.NewPipeline(registry, enricher, embedder, st, ingest.Config{
		EmbeddingVersion: cfg.Index.EmbeddingVersion,
		EmbedBatchSize:   cfg.Embedding.BatchSize,
	}, logger)

	engine := search.NewEngine(st, embedder, reranker, search.Config{
		DenseWeight:   cfg.Search.DenseWeight,
		SparseWeight:  cfg.Search.SparseWeight,
		RRFConstant:   cfg.Search.RRFConstant,
		DefaultTopK:   cfg.Search.DefaultTopK,
		MaxTopK:       cfg.Search.MaxTopK,
		RerankEnabled: cfg.Rerank.Enabled,
		RerankTimeout: cfg.Rerank.Timeout,
	}, logger)

	return &components{
		store:        st,
		registry:     registry,
		embedder:     embedder,
		enricher:     enricher,
		reranker:     reranker,
		pipeline:     pipeline,
		engine:       engine,
		orchestrator: orch,
	}, nil
}

func (c *components) Close() {
	_ = c.embedder.Close()
	_ = c.reranker.Close()
	_ = c.store.Close()
}

// acquireTask binds a device task to the orchestrator so backend clients
// serialize GPU access without importing the device package.
func acquireTask(orch *device.Orchestrator, task device.Task) func(ctx context.Context) (func(), error) {
	return func(ctx context.Context) (func(), error) {
		return orch.Acquire(ctx, task)
	}
}

// enrichEndpoints maps configured LLM URLs onto device indices for the
// orchestrator's static assignment.
func enrichEndpoints(cfg *config.Config) []string {
	urls := []string{cfg.Embedding.Endpoint, cfg.Rerank.Endpoint}
	urls = append(urls, cfg.Enrich.Endpoints...)
	return urls
}
