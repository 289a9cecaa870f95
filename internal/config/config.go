// Package config loads service configuration from a YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Index     IndexConfig     `yaml:"index"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Enrich    EnrichConfig    `yaml:"enrich"`
	Rerank    RerankConfig    `yaml:"rerank"`
	Search    SearchConfig    `yaml:"search"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Devices   DevicesConfig   `yaml:"devices"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr          string        `yaml:"addr"`
	IngestTimeout time.Duration `yaml:"ingest_timeout"`
	SearchTimeout time.Duration `yaml:"search_timeout"`
}

// DatabaseConfig configures the metadata store.
type DatabaseConfig struct {
	// URL is the connection string. Default is a local SQLite file.
	URL string `yaml:"url"`
}

// IndexConfig configures dense index persistence.
type IndexConfig struct {
	// Dir is the directory holding dense index files.
	Dir string `yaml:"dir"`
	// EmbeddingVersion is the tag stored on new indices.
	EmbeddingVersion string `yaml:"embedding_version"`
	// CacheSize bounds the open index handle cache (entries).
	CacheSize int `yaml:"cache_size"`
}

// EmbeddingConfig configures the embedding backend.
type EmbeddingConfig struct {
	Endpoint     string        `yaml:"endpoint"`
	Model        string        `yaml:"model"`
	Dimensions   int           `yaml:"dimensions"`
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	IdleUnload   time.Duration `yaml:"idle_unload"`
	// QueryCacheTexts bounds the LRU cache of query embeddings.
	QueryCacheTexts int `yaml:"query_cache_texts"`
}

// EnrichConfig configures LLM contextual enrichment.
type EnrichConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Model     string        `yaml:"model"`
	Endpoints []string      `yaml:"endpoints"`
	Workers   int           `yaml:"workers"`
	Timeout   time.Duration `yaml:"timeout"`
	CacheDir  string        `yaml:"cache_dir"`
}

// RerankConfig configures the cross-encoder reranker.
type RerankConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Endpoint  string        `yaml:"endpoint"`
	Model     string        `yaml:"model"`
	BatchSize int           `yaml:"batch_size"`
	Timeout   time.Duration `yaml:"timeout"`
}

// SearchConfig configures hybrid retrieval.
type SearchConfig struct {
	// DenseWeight is the RRF weight for dense similarity (default 0.7).
	DenseWeight float64 `yaml:"dense_weight"`
	// SparseWeight is the RRF weight for BM25 matching (default 0.3).
	SparseWeight float64 `yaml:"sparse_weight"`
	// RRFConstant is the RRF smoothing parameter k (default 60).
	RRFConstant int `yaml:"rrf_constant"`
	// DefaultTopK is the result count when the request omits top_k.
	DefaultTopK int `yaml:"default_top_k"`
	// MaxTopK caps top_k.
	MaxTopK int `yaml:"max_top_k"`
}

// JobsConfig configures the durable queue worker.
type JobsConfig struct {
	PollInterval   time.Duration `yaml:"poll_interval"`
	StaleAfter     time.Duration `yaml:"stale_after"`
	MaxRetries     int           `yaml:"max_retries"`
	IngestDeadline time.Duration `yaml:"ingest_deadline"`
	// LockDir holds per-partition advisory lock files.
	LockDir string `yaml:"lock_dir"`
}

// DevicesConfig configures compute device partitioning.
type DevicesConfig struct {
	// Count is the number of accelerator devices available (G).
	Count int `yaml:"count"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Default returns the configuration defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:          ":8080",
			IngestTimeout: 2 * time.Hour,
			SearchTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			URL: "./data/rag.db",
		},
		Index: IndexConfig{
			Dir:              "./data/indices",
			EmbeddingVersion: "v1",
			CacheSize:        32,
		},
		Embedding: EmbeddingConfig{
			Endpoint:        "http://localhost:11434",
			Model:           "bge-m3",
			Dimensions:      1024,
			BatchSize:       32,
			BatchTimeout:    30 * time.Second,
			IdleUnload:      5 * time.Minute,
			QueryCacheTexts: 512,
		},
		Enrich: EnrichConfig{
			Enabled:  false,
			Model:    "llama3.1:8b",
			Workers:  4,
			Timeout:  60 * time.Second,
			CacheDir: "./data/enrich-cache",
		},
		Rerank: RerankConfig{
			Enabled:   false,
			Endpoint:  "http://localhost:11434",
			Model:     "bge-reranker-v2-m3",
			BatchSize: 32,
			Timeout:   5 * time.Second,
		},
		Search: SearchConfig{
			DenseWeight:  0.7,
			SparseWeight: 0.3,
			RRFConstant:  60,
			DefaultTopK:  5,
			MaxTopK:      50,
		},
		Jobs: JobsConfig{
			PollInterval:   2 * time.Second,
			StaleAfter:     10 * time.Minute,
			MaxRetries:     3,
			IngestDeadline: 2 * time.Hour,
			LockDir:        "./data/locks",
		},
		Devices: DevicesConfig{
			Count: 0,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the optional YAML file at path, then applies
// environment overrides. An empty path skips the file entirely.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides config values from recognized environment variables.
func (c *Config) applyEnv() {
	setString(&c.Database.URL, "DATABASE_URL")
	setString(&c.Index.Dir, "INDEX_DIR")
	setString(&c.Index.EmbeddingVersion, "EMBEDDING_VERSION")
	setString(&c.Embedding.Endpoint, "EMBED_ENDPOINT")
	setString(&c.Embedding.Model, "EMBED_MODEL")
	setBool(&c.Enrich.Enabled, "ENRICH_ENABLED")
	setInt(&c.Enrich.Workers, "ENRICH_WORKERS")
	setString(&c.Enrich.Model, "ENRICH_MODEL")
	setString(&c.Enrich.CacheDir, "ENRICH_CACHE_DIR")
	if v := os.Getenv("ENRICH_MODEL_ENDPOINTS"); v != "" {
		var endpoints []string
		for _, e := range strings.Split(v, ",") {
			if e = strings.TrimSpace(e); e != "" {
				endpoints = append(endpoints, e)
			}
		}
		c.Enrich.Endpoints = endpoints
	}
	setBool(&c.Rerank.Enabled, "RERANK_ENABLED")
	setString(&c.Rerank.Endpoint, "RERANK_ENDPOINT")
	setFloat(&c.Search.DenseWeight, "HYBRID_DENSE_WEIGHT")
	setFloat(&c.Search.SparseWeight, "HYBRID_SPARSE_WEIGHT")
	setDuration(&c.Server.IngestTimeout, "INGEST_TIMEOUT")
	setDuration(&c.Server.SearchTimeout, "SEARCH_TIMEOUT")
	setInt(&c.Devices.Count, "GPU_COUNT")
	setString(&c.Server.Addr, "HTTP_ADDR")
	setString(&c.Logging.Level, "LOG_LEVEL")
	setString(&c.Logging.File, "LOG_FILE")
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Search.DenseWeight < 0 || c.Search.SparseWeight < 0 {
		return fmt.Errorf("hybrid weights must be non-negative (dense=%v sparse=%v)",
			c.Search.DenseWeight, c.Search.SparseWeight)
	}
	if c.Search.DenseWeight == 0 && c.Search.SparseWeight == 0 {
		return fmt.Errorf("at least one hybrid weight must be positive")
	}
	if c.Embedding.Dimensions <= 0 {
		return fmt.Errorf("embedding dimensions must be positive, got %d", c.Embedding.Dimensions)
	}
	if c.Embedding.BatchSize <= 0 {
		return fmt.Errorf("embedding batch size must be positive, got %d", c.Embedding.BatchSize)
	}
	if c.Search.DefaultTopK <= 0 || c.Search.MaxTopK < c.Search.DefaultTopK {
		return fmt.Errorf("invalid top_k bounds (default=%d max=%d)",
			c.Search.DefaultTopK, c.Search.MaxTopK)
	}
	if c.Enrich.Enabled && len(c.Enrich.Endpoints) == 0 {
		return fmt.Errorf("enrichment enabled but no model endpoints configured")
	}
	if c.Jobs.MaxRetries < 0 {
		return fmt.Errorf("jobs max_retries must be non-negative, got %d", c.Jobs.MaxRetries)
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = strings.EqualFold(v, "true") || v == "1"
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
			return
		}
		// Bare numbers are treated as seconds
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Second
		}
	}
}
