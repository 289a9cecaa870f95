// Package cmd provides the CLI commands for the ragd service.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/DanielDeBrem/RAG-ai3-chunk-embed-sub000/internal/config"
	"github.com/DanielDeBrem/RAG-ai3-chunk-embed-sub000/internal/logging"
	"github.com/DanielDeBrem/RAG-ai3-chunk-embed-sub000/pkg/version"
)

var (
	configPath string
	debugMode  bool

	loggingCleanup func()
)

// NewRootCmd creates the root command for the ragd CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ragd",
		Short: "Multi-tenant RAG ingestion and search backend",
		Long: `ragd ingests documents into per-tenant hybrid indices and serves
similarity plus keyword search with optional cross-encoder reranking.

Run 'ragd serve' for the HTTP API and 'ragd worker' for the job queue
drainer. Both read the same configuration file and environment.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("ragd version {{.Version}}\n")

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
	cmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newWorkerCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	root := NewRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}
	return nil
}

// loadConfig reads configuration and installs the process logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	level := cfg.Logging.Level
	if debugMode {
		level = "debug"
	}
	logCfg := logging.DefaultConfig()
	logCfg.Level = level
	logCfg.FilePath = cfg.Logging.File

	cleanup, err := logging.SetupDefault(logCfg)
	if err != nil {
		return nil, fmt.Errorf("setup logging: %w", err)
	}
	loggingCleanup = cleanup

	slog.Info("config_loaded", "path", configPath, "version", version.Version)
	return cfg, nil
}

func teardownLogging() {
	if loggingCleanup != nil {
		loggingCleanup()
	}
}
