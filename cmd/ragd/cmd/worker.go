package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/DanielDeBrem/RAG-ai3-chunk-embed-sub000/internal/jobs"
)

func newWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the job queue worker",
		Long: `Drain the durable job queue: async ingests, index rebuilds and
deletes. On startup the worker sweeps jobs stranded by a previous crash
and reconciles dense indices with their on-disk state. Run exactly one
worker per database.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			defer teardownLogging()

			comps, err := buildComponents(cfg, slog.Default())
			if err != nil {
				return err
			}
			defer comps.Close()

			worker := jobs.NewWorker(comps.store, comps.pipeline, comps.embedder, jobs.Config{
				PollInterval:     cfg.Jobs.PollInterval,
				StaleAfter:       cfg.Jobs.StaleAfter,
				MaxRetries:       cfg.Jobs.MaxRetries,
				IngestDeadline:   cfg.Jobs.IngestDeadline,
				LockDir:          cfg.Jobs.LockDir,
				EmbeddingVersion: cfg.Index.EmbeddingVersion,
			}, slog.Default())

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			slog.Info("worker_stopped")
			return nil
		},
	}
	return cmd
}
