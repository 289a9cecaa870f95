package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	_ "modernc.org/sqlite"

	"github.com/DanielDeBrem/RAG-ai3-chunk-embed-sub000/internal/apperr"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS docs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	doc_id TEXT NOT NULL,
	tenant_id TEXT NOT NULL,
	namespace TEXT NOT NULL,
	filename TEXT NOT NULL DEFAULT '',
	mime_type TEXT NOT NULL DEFAULT '',
	document_type TEXT NOT NULL DEFAULT 'default',
	doc_hash TEXT NOT NULL,
	embedding_version TEXT NOT NULL,
	chunk_strategy TEXT NOT NULL DEFAULT '',
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	deleted_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_docs_lookup ON docs(tenant_id, namespace, doc_id);
CREATE INDEX IF NOT EXISTS idx_docs_deleted ON docs(deleted_at);

CREATE TABLE IF NOT EXISTS chunks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	chunk_id TEXT NOT NULL,
	doc_id TEXT NOT NULL,
	tenant_id TEXT NOT NULL,
	namespace TEXT NOT NULL,
	document_type TEXT NOT NULL DEFAULT 'default',
	raw_text TEXT NOT NULL,
	embed_text TEXT NOT NULL,
	chunk_hash TEXT NOT NULL,
	embedding_model_id TEXT NOT NULL DEFAULT '',
	embedding_version TEXT NOT NULL,
	faiss_id INTEGER,
	ordinal INTEGER NOT NULL,
	metadata TEXT NOT NULL DEFAULT '{}',
	vector BLOB,
	created_at TIMESTAMP NOT NULL,
	deleted_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_chunks_partition
	ON chunks(tenant_id, namespace, document_type, embedding_version);
CREATE INDEX IF NOT EXISTS idx_chunks_doc ON chunks(tenant_id, namespace, doc_id);
CREATE INDEX IF NOT EXISTS idx_chunks_hash ON chunks(chunk_hash);
CREATE INDEX IF NOT EXISTS idx_chunks_faiss
	ON chunks(tenant_id, namespace, document_type, embedding_version, faiss_id);

CREATE TABLE IF NOT EXISTS indices (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	tenant_id TEXT NOT NULL,
	namespace TEXT NOT NULL,
	document_type TEXT NOT NULL DEFAULT 'default',
	embedding_version TEXT NOT NULL,
	dimension INTEGER NOT NULL,
	ntotal INTEGER NOT NULL DEFAULT 0,
	dirty INTEGER NOT NULL DEFAULT 0,
	file_path TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	UNIQUE(tenant_id, namespace, document_type, embedding_version)
);

CREATE TABLE IF NOT EXISTS jobs (
	job_id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	payload TEXT NOT NULL DEFAULT '{}',
	progress INTEGER NOT NULL DEFAULT 0,
	stage TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	retries INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	started_at TIMESTAMP,
	completed_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status, created_at);
`

// Store is the metadata layer: SQLite for documents, chunks, index rows and
// the job queue, plus the on-disk dense indexes and in-memory sparse state
// it keeps consistent with them. SQLite runs with a single-writer pool so
// transactions never contend inside the process.
type Store struct {
	db       *sql.DB
	indexDir string
	log      *slog.Logger

	sparse *SparseCache

	denseMu sync.Mutex
	dense   *lru.Cache[string, *DenseIndex]
}

// Open opens (creating if needed) the metadata database and index directory.
// databaseURL is a SQLite path or ":memory:".
func Open(databaseURL, indexDir string, cacheSize int, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cacheSize <= 0 {
		cacheSize = 32
	}
	if err := os.MkdirAll(indexDir, 0o755); err != nil {
		return nil, apperr.Storage("create index dir", err)
	}

	dsn := databaseURL
	if dsn != ":memory:" {
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, apperr.Storage("create database dir", err)
			}
		}
	}
	dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)", dsn)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, apperr.Storage("open database", err)
	}
	// modernc.org/sqlite serializes writers poorly across connections;
	// a single connection avoids SQLITE_BUSY entirely.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, apperr.Storage("create schema", err)
	}

	cache, err := lru.New[string, *DenseIndex](cacheSize)
	if err != nil {
		db.Close()
		return nil, apperr.Wrap(apperr.ErrCodeInternal, err)
	}

	return &Store{
		db:       db,
		indexDir: indexDir,
		log:      logger,
		sparse:   NewSparseCache(),
		dense:    cache,
	}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the database connection.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// IndexDir returns the directory holding dense index files.
func (s *Store) IndexDir() string { return s.indexDir }

// IndexPath returns the dense index file path for a partition.
func (s *Store) IndexPath(p Partition) string {
	return filepath.Join(s.indexDir, p.Key()+".idx")
}

const docColumns = `doc_id, tenant_id, namespace, filename, mime_type,
	document_type, doc_hash, embedding_version, chunk_strategy, metadata,
	created_at, updated_at, deleted_at`

func scanDocument(row interface{ Scan(...any) error }) (*Document, error) {
	var d Document
	var meta string
	var deleted sql.NullTime
	err := row.Scan(&d.DocID, &d.TenantID, &d.Namespace, &d.Filename,
		&d.MimeType, &d.DocumentType, &d.DocHash, &d.EmbeddingVersion,
		&d.ChunkStrategy, &meta, &d.CreatedAt, &d.UpdatedAt, &deleted)
	if err != nil {
		return nil, err
	}
	if deleted.Valid {
		t := deleted.Time
		d.DeletedAt = &t
	}
	if meta != "" {
		_ = json.Unmarshal([]byte(meta), &d.Metadata)
	}
	return &d, nil
}

// GetDocument returns the live document with the given id, or NotFound.
func (s *Store) GetDocument(ctx context.Context, tenantID, namespace, docID string) (*Document, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+docColumns+` FROM docs
		WHERE tenant_id = ? AND namespace = ? AND doc_id = ? AND deleted_at IS NULL
		ORDER BY id DESC LIMIT 1`, tenantID, namespace, docID)
	doc, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("document not found: " + docID)
	}
	if err != nil {
		return nil, apperr.Storage("query document", err)
	}
	return doc, nil
}

const chunkColumns = `chunk_id, doc_id, tenant_id, namespace, document_type,
	raw_text, embed_text, chunk_hash, embedding_model_id, embedding_version,
	faiss_id, ordinal, metadata, vector, created_at, deleted_at`

func scanChunk(row interface{ Scan(...any) error }) (*Chunk, error) {
	var c Chunk
	var meta string
	var faissID sql.NullInt64
	var vector []byte
	var deleted sql.NullTime
	err := row.Scan(&c.ChunkID, &c.DocID, &c.TenantID, &c.Namespace,
		&c.DocumentType, &c.RawText, &c.EmbedText, &c.ChunkHash,
		&c.EmbeddingModelID, &c.EmbeddingVersion, &faissID, &c.Ordinal,
		&meta, &vector, &c.CreatedAt, &deleted)
	if err != nil {
		return nil, err
	}
	if faissID.Valid {
		v := faissID.Int64
		c.FaissID = &v
	}
	if deleted.Valid {
		t := deleted.Time
		c.DeletedAt = &t
	}
	if meta != "" {
		_ = json.Unmarshal([]byte(meta), &c.Metadata)
	}
	c.Vector = decodeVector(vector)
	return &c, nil
}

func collectChunks(rows *sql.Rows) ([]Chunk, error) {
	defer rows.Close()
	var out []Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, apperr.Storage("scan chunk", err)
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Storage("iterate chunks", err)
	}
	return out, nil
}

// CountLiveChunks returns how many live chunks a document currently has.
func (s *Store) CountLiveChunks(ctx context.Context, tenantID, namespace, docID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks
		WHERE tenant_id = ? AND namespace = ? AND doc_id = ? AND deleted_at IS NULL`,
		tenantID, namespace, docID).Scan(&n)
	if err != nil {
		return 0, apperr.Storage("count chunks", err)
	}
	return n, nil
}

// LiveChunks returns all non-deleted chunks of a partition whose owning
// document is also live, ordered by chunk_id.
func (s *Store) LiveChunks(ctx context.Context, p Partition) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+chunkColumns+` FROM chunks c
		WHERE c.tenant_id = ? AND c.namespace = ? AND c.document_type = ?
		AND c.embedding_version = ? AND c.deleted_at IS NULL
		AND EXISTS (SELECT 1 FROM docs d WHERE d.tenant_id = c.tenant_id
			AND d.namespace = c.namespace AND d.doc_id = c.doc_id
			AND d.deleted_at IS NULL)
		ORDER BY c.chunk_id`,
		p.TenantID, p.Namespace, p.DocumentType, p.EmbeddingVersion)
	if err != nil {
		return nil, apperr.Storage("query live chunks", err)
	}
	return collectChunks(rows)
}

// ChunksByFaissIDs resolves dense search hits back to live chunks. Hits
// whose chunk or document was soft-deleted since the index was written are
// silently dropped.
func (s *Store) ChunksByFaissIDs(ctx context.Context, p Partition, ids []int64) (map[int64]Chunk, error) {
	out := make(map[int64]Chunk, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := []any{p.TenantID, p.Namespace, p.DocumentType, p.EmbeddingVersion}
	for _, id := range ids {
		args = append(args, id)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+chunkColumns+` FROM chunks c
		WHERE c.tenant_id = ? AND c.namespace = ? AND c.document_type = ?
		AND c.embedding_version = ? AND c.deleted_at IS NULL
		AND EXISTS (SELECT 1 FROM docs d WHERE d.tenant_id = c.tenant_id
			AND d.namespace = c.namespace AND d.doc_id = c.doc_id
			AND d.deleted_at IS NULL)
		AND c.faiss_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, apperr.Storage("query chunks by faiss id", err)
	}
	chunks, err := collectChunks(rows)
	if err != nil {
		return nil, err
	}
	for _, c := range chunks {
		if c.FaissID != nil {
			out[*c.FaissID] = c
		}
	}
	return out, nil
}

// ChunksByIDs resolves sparse search hits back to live chunks.
func (s *Store) ChunksByIDs(ctx context.Context, p Partition, chunkIDs []string) (map[string]Chunk, error) {
	out := make(map[string]Chunk, len(chunkIDs))
	if len(chunkIDs) == 0 {
		return out, nil
	}

	placeholders := strings.Repeat("?,", len(chunkIDs))
	placeholders = placeholders[:len(placeholders)-1]
	args := []any{p.TenantID, p.Namespace, p.DocumentType, p.EmbeddingVersion}
	for _, id := range chunkIDs {
		args = append(args, id)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+chunkColumns+` FROM chunks c
		WHERE c.tenant_id = ? AND c.namespace = ? AND c.document_type = ?
		AND c.embedding_version = ? AND c.deleted_at IS NULL
		AND EXISTS (SELECT 1 FROM docs d WHERE d.tenant_id = c.tenant_id
			AND d.namespace = c.namespace AND d.doc_id = c.doc_id
			AND d.deleted_at IS NULL)
		AND c.chunk_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, apperr.Storage("query chunks by id", err)
	}
	chunks, err := collectChunks(rows)
	if err != nil {
		return nil, err
	}
	for _, c := range chunks {
		out[c.ChunkID] = c
	}
	return out, nil
}

// GetIndexMeta returns the indices row for a partition, or NotFound.
func (s *Store) GetIndexMeta(ctx context.Context, p Partition) (*IndexMeta, error) {
	var m IndexMeta
	var dirty int
	err := s.db.QueryRowContext(ctx, `SELECT id, tenant_id, namespace,
		document_type, embedding_version, dimension, ntotal, dirty, file_path,
		updated_at FROM indices
		WHERE tenant_id = ? AND namespace = ? AND document_type = ?
		AND embedding_version = ?`,
		p.TenantID, p.Namespace, p.DocumentType, p.EmbeddingVersion).
		Scan(&m.ID, &m.TenantID, &m.Namespace, &m.DocumentType,
			&m.EmbeddingVersion, &m.Dimension, &m.NTotal, &dirty,
			&m.FilePath, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("index not found for partition " + p.Key())
	}
	if err != nil {
		return nil, apperr.Storage("query index meta", err)
	}
	m.Dirty = dirty != 0
	return &m, nil
}

// ListIndexMeta returns all indices rows.
func (s *Store) ListIndexMeta(ctx context.Context) ([]IndexMeta, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, tenant_id, namespace,
		document_type, embedding_version, dimension, ntotal, dirty, file_path,
		updated_at FROM indices ORDER BY id`)
	if err != nil {
		return nil, apperr.Storage("query indices", err)
	}
	defer rows.Close()

	var out []IndexMeta
	for rows.Next() {
		var m IndexMeta
		var dirty int
		if err := rows.Scan(&m.ID, &m.TenantID, &m.Namespace, &m.DocumentType,
			&m.EmbeddingVersion, &m.Dimension, &m.NTotal, &dirty, &m.FilePath,
			&m.UpdatedAt); err != nil {
			return nil, apperr.Storage("scan index meta", err)
		}
		m.Dirty = dirty != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

// DenseSearch searches the partition's dense index. It loads the index from
// the on-disk file (verifying the sidecar) through an LRU of open indexes.
// A corrupt file marks the partition dirty and surfaces a fatal error.
func (s *Store) DenseSearch(ctx context.Context, p Partition, query []float32, k int) ([]DenseResult, error) {
	idx, err := s.denseIndex(ctx, p)
	if err != nil {
		return nil, err
	}
	results, err := idx.Search(query, k)
	if err != nil {
		var dim ErrDimensionMismatch
		if errors.As(err, &dim) {
			return nil, apperr.New(apperr.ErrCodeDimensionMism, err.Error(), nil)
		}
		return nil, err
	}
	return results, nil
}

// SparseSearch runs BM25 over the partition's live chunks, rebuilding the
// in-memory index if a write invalidated it.
func (s *Store) SparseSearch(ctx context.Context, p Partition, query string, k int) ([]SparseResult, error) {
	idx, err := s.sparse.Get(p, func() ([]SparseDoc, error) {
		chunks, err := s.LiveChunks(ctx, p)
		if err != nil {
			return nil, err
		}
		docs := make([]SparseDoc, len(chunks))
		for i, c := range chunks {
			docs[i] = SparseDoc{ChunkID: c.ChunkID, Text: c.RawText}
		}
		return docs, nil
	})
	if err != nil {
		return nil, err
	}
	return idx.Search(query, k), nil
}

func (s *Store) denseIndex(ctx context.Context, p Partition) (*DenseIndex, error) {
	key := p.Key()
	s.denseMu.Lock()
	defer s.denseMu.Unlock()

	if idx, ok := s.dense.Get(key); ok {
		return idx, nil
	}

	meta, err := s.GetIndexMeta(ctx, p)
	if err != nil {
		return nil, err
	}
	idx, err := LoadDenseIndex(meta.FilePath)
	if err != nil {
		var corrupt ErrCorruptIndex
		if errors.As(err, &corrupt) {
			s.log.Error("dense_index_corrupt", "partition", key, "path", meta.FilePath)
			if markErr := s.MarkIndexDirty(ctx, p); markErr != nil {
				s.log.Error("mark_dirty_failed", "partition", key, "error", markErr)
			}
			return nil, apperr.New(apperr.ErrCodeCorruptIndex, err.Error(), err)
		}
		if os.IsNotExist(err) {
			return nil, apperr.NotFound("index file missing for partition " + key)
		}
		return nil, apperr.Storage("load dense index", err)
	}

	s.dense.Add(key, idx)
	return idx, nil
}

// MarkIndexDirty flags the partition's index for rebuild.
func (s *Store) MarkIndexDirty(ctx context.Context, p Partition) error {
	_, err := s.db.ExecContext(ctx, `UPDATE indices SET dirty = 1, updated_at = ?
		WHERE tenant_id = ? AND namespace = ? AND document_type = ?
		AND embedding_version = ?`,
		nowUTC(), p.TenantID, p.Namespace, p.DocumentType, p.EmbeddingVersion)
	if err != nil {
		return apperr.Storage("mark index dirty", err)
	}
	return nil
}

// InvalidatePartition drops cached dense and sparse state after a write.
func (s *Store) InvalidatePartition(p Partition) {
	key := p.Key()
	s.denseMu.Lock()
	s.dense.Remove(key)
	s.denseMu.Unlock()
	s.sparse.Invalidate(p)
}

func nowUTC() time.Time { return time.Now().UTC() }

// encodeVector serializes a float32 vector as little-endian bytes.
func encodeVector(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v
}

func marshalMeta(m map[string]any) string {
	if len(m) == 0 {
		return "{}"
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(raw)
}
