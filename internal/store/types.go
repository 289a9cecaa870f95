// Package store provides the persistence layer: document and chunk metadata
// in SQLite, dense vector indices on disk, and in-memory BM25 sparse state.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Partition is the unit of indexing and isolation.
type Partition struct {
	TenantID         string
	Namespace        string
	DocumentType     string
	EmbeddingVersion string
}

// Key returns the canonical string form used for index file names and locks.
// Path separators are stripped to prevent traversal.
func (p Partition) Key() string {
	sanitize := func(s string) string {
		s = strings.ReplaceAll(s, "/", "_")
		s = strings.ReplaceAll(s, "\\", "_")
		return s
	}
	return fmt.Sprintf("%s_%s_%s_%s",
		sanitize(p.TenantID), sanitize(p.Namespace),
		sanitize(p.DocumentType), sanitize(p.EmbeddingVersion))
}

// DefaultDocumentType is used when a request does not specify a type.
const DefaultDocumentType = "default"

// Document is a tracked document within a tenant/namespace.
type Document struct {
	DocID            string
	TenantID         string
	Namespace        string
	Filename         string
	MimeType         string
	DocumentType     string
	DocHash          string
	EmbeddingVersion string
	ChunkStrategy    string
	Metadata         map[string]any
	CreatedAt        time.Time
	UpdatedAt        time.Time
	DeletedAt        *time.Time
}

// Chunk is a retrievable unit of a document.
type Chunk struct {
	ChunkID          string
	DocID            string
	TenantID         string
	Namespace        string
	DocumentType     string
	RawText          string
	EmbedText        string
	ChunkHash        string
	EmbeddingModelID string
	EmbeddingVersion string
	FaissID          *int64
	Ordinal          int
	Metadata         map[string]any
	Vector           []float32
	CreatedAt        time.Time
	DeletedAt        *time.Time
}

// IndexMeta tracks one on-disk dense index file.
type IndexMeta struct {
	ID               int64
	TenantID         string
	Namespace        string
	DocumentType     string
	EmbeddingVersion string
	Dimension        int
	NTotal           int
	Dirty            bool
	FilePath         string
	UpdatedAt        time.Time
}

// Partition returns the partition key of this index.
func (m *IndexMeta) Partition() Partition {
	return Partition{
		TenantID:         m.TenantID,
		Namespace:        m.Namespace,
		DocumentType:     m.DocumentType,
		EmbeddingVersion: m.EmbeddingVersion,
	}
}

// Job states.
const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
)

// Job types.
const (
	JobTypeIngest  = "ingest"
	JobTypeRebuild = "rebuild"
	JobTypeDelete  = "delete"
)

// Job is one row in the durable queue.
type Job struct {
	JobID       string
	Type        string
	Status      string
	Payload     string
	Progress    int
	Stage       string
	Error       string
	Retries     int
	CreatedAt   time.Time
	UpdatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// ChunkIDFor builds the chunk identifier for an ordinal within a document.
func ChunkIDFor(docID string, ordinal int) string {
	return fmt.Sprintf("%s#c%04d", docID, ordinal)
}

// HashText returns the SHA-256 hex digest of whitespace-normalized text.
// Both doc_hash and chunk_hash use this normalization so that formatting
// churn does not defeat dedup.
func HashText(text string) string {
	normalized := strings.Join(strings.Fields(text), " ")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// DenseResult is a single dense index search result.
type DenseResult struct {
	FaissID int64
	// Score is the inner product with the query; equals cosine similarity
	// because all stored vectors are unit length.
	Score float32
}

// SparseResult is a single BM25 search result.
type SparseResult struct {
	ChunkID string
	Score   float64
}

// ErrDimensionMismatch indicates vector dimension mismatch.
type ErrDimensionMismatch struct {
	Expected int
	Got      int
}

func (e ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Got)
}
