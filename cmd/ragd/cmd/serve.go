package cmd

import (
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/DanielDeBrem/RAG-ai3-chunk-embed-sub000/internal/api"
)

func newServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		Long: `Serve the JSON API: ingest, search, batch upserts, job status,
chunk strategy introspection and health. Pair with 'ragd worker' to
drain the async job queue.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			defer teardownLogging()

			if addr != "" {
				cfg.Server.Addr = addr
			}

			comps, err := buildComponents(cfg, slog.Default())
			if err != nil {
				return err
			}
			defer comps.Close()

			srv := api.NewServer(api.Deps{
				Store:            comps.store,
				Pipeline:         comps.pipeline,
				Engine:           comps.engine,
				Registry:         comps.registry,
				Orchestrator:     comps.orchestrator,
				Logger:           slog.Default(),
				IngestTimeout:    cfg.Server.IngestTimeout,
				SearchTimeout:    cfg.Server.SearchTimeout,
				EmbeddingModel:   cfg.Embedding.Model,
				EmbeddingVersion: cfg.Index.EmbeddingVersion,
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return srv.Run(ctx, cfg.Server.Addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides config)")
	return cmd
}
