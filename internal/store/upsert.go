package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"time"

	"github.com/DanielDeBrem/RAG-ai3-chunk-embed-sub000/internal/apperr"
)

// Upsert statuses.
const (
	UpsertCreated = "created"
	UpsertUpdated = "updated"
	UpsertSkipped = "skipped"
)

// UpsertResult reports what an Upsert did.
type UpsertResult struct {
	Status      string
	ChunksAdded int
}

// Upsert stores a document and its embedded chunks idempotently.
//
// Within one transaction: if a live document with the same id has the same
// doc_hash the call is a no-op (skipped). Otherwise the old generation is
// soft-deleted, the new document and chunks are inserted, vectors are
// appended to the dense index with sequential faiss_ids, and the index file
// is swapped atomically before the transaction commits. A crash between the
// swap and the commit leaves extra rows in the index file that no live
// chunk references, which is harmless and cleaned up by the next rebuild.
func (s *Store) Upsert(ctx context.Context, doc Document, chunks []Chunk) (UpsertResult, error) {
	if doc.DocumentType == "" {
		doc.DocumentType = DefaultDocumentType
	}
	p := Partition{
		TenantID:         doc.TenantID,
		Namespace:        doc.Namespace,
		DocumentType:     doc.DocumentType,
		EmbeddingVersion: doc.EmbeddingVersion,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return UpsertResult{}, apperr.Storage("begin upsert tx", err)
	}
	defer tx.Rollback()

	var existingHash string
	err = tx.QueryRowContext(ctx, `SELECT doc_hash FROM docs
		WHERE tenant_id = ? AND namespace = ? AND doc_id = ?
		AND deleted_at IS NULL ORDER BY id DESC LIMIT 1`,
		doc.TenantID, doc.Namespace, doc.DocID).Scan(&existingHash)
	exists := err == nil
	if err != nil && err != sql.ErrNoRows {
		return UpsertResult{}, apperr.Storage("query existing document", err)
	}

	if exists && existingHash == doc.DocHash {
		return UpsertResult{Status: UpsertSkipped, ChunksAdded: 0}, nil
	}

	now := nowUTC()
	status := UpsertCreated
	if exists {
		status = UpsertUpdated
		if err := softDeleteDocTx(ctx, tx, doc.TenantID, doc.Namespace, doc.DocID, now); err != nil {
			return UpsertResult{}, err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE indices SET dirty = 1, updated_at = ?
			WHERE tenant_id = ? AND namespace = ? AND document_type = ?
			AND embedding_version = ?`,
			now, p.TenantID, p.Namespace, p.DocumentType, p.EmbeddingVersion); err != nil {
			return UpsertResult{}, apperr.Storage("mark index dirty", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO docs (doc_id, tenant_id,
		namespace, filename, mime_type, document_type, doc_hash,
		embedding_version, chunk_strategy, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.DocID, doc.TenantID, doc.Namespace, doc.Filename, doc.MimeType,
		doc.DocumentType, doc.DocHash, doc.EmbeddingVersion, doc.ChunkStrategy,
		marshalMeta(doc.Metadata), now, now); err != nil {
		return UpsertResult{}, apperr.Storage("insert document", err)
	}

	// chunk_hash is unique per (tenant, namespace): content already stored
	// by any live chunk is skipped, and the batch dedups against itself.
	// Ordinals are reassigned so surviving chunks stay contiguous.
	chunks, err = dedupChunksTx(ctx, tx, doc.TenantID, doc.Namespace, chunks)
	if err != nil {
		return UpsertResult{}, err
	}
	if len(chunks) == 0 {
		if err := tx.Commit(); err != nil {
			return UpsertResult{}, apperr.Wrap(apperr.ErrCodeTxFailed, err)
		}
		s.sparse.Invalidate(p)
		s.log.Info("document_upserted", "doc_id", doc.DocID,
			"partition", p.Key(), "status", status, "chunks", 0)
		return UpsertResult{Status: status, ChunksAdded: 0}, nil
	}

	// Load (or create) the partition's dense index and append the new
	// vectors. The index in the cache is never mutated in place; a fresh
	// copy replaces it only after commit.
	idx, dim, err := s.indexForAppend(ctx, tx, p, chunks)
	if err != nil {
		return UpsertResult{}, err
	}

	vectors := make([][]float32, len(chunks))
	for i, c := range chunks {
		if len(c.Vector) != dim {
			return UpsertResult{}, apperr.New(apperr.ErrCodeDimensionMism,
				ErrDimensionMismatch{Expected: dim, Got: len(c.Vector)}.Error(), nil)
		}
		vectors[i] = c.Vector
	}
	startID, err := idx.Append(vectors)
	if err != nil {
		return UpsertResult{}, apperr.Wrap(apperr.ErrCodeIndexWrite, err)
	}

	insertChunk, err := tx.PrepareContext(ctx, `INSERT INTO chunks (chunk_id,
		doc_id, tenant_id, namespace, document_type, raw_text, embed_text,
		chunk_hash, embedding_model_id, embedding_version, faiss_id, ordinal,
		metadata, vector, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return UpsertResult{}, apperr.Storage("prepare chunk insert", err)
	}
	defer insertChunk.Close()

	for i, c := range chunks {
		faissID := startID + int64(i)
		if _, err := insertChunk.ExecContext(ctx,
			ChunkIDFor(doc.DocID, c.Ordinal), doc.DocID, doc.TenantID,
			doc.Namespace, doc.DocumentType, c.RawText, c.EmbedText,
			c.ChunkHash, c.EmbeddingModelID, doc.EmbeddingVersion, faissID,
			c.Ordinal, marshalMeta(c.Metadata), encodeVector(c.Vector),
			now); err != nil {
			return UpsertResult{}, apperr.Storage("insert chunk", err)
		}
	}

	path := s.IndexPath(p)
	if _, err := tx.ExecContext(ctx, `INSERT INTO indices (tenant_id,
		namespace, document_type, embedding_version, dimension, ntotal,
		dirty, file_path, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(tenant_id, namespace, document_type, embedding_version)
		DO UPDATE SET ntotal = excluded.ntotal, dimension = excluded.dimension,
			dirty = 0, file_path = excluded.file_path,
			updated_at = excluded.updated_at`,
		p.TenantID, p.Namespace, p.DocumentType, p.EmbeddingVersion,
		dim, idx.NTotal(), path, now); err != nil {
		return UpsertResult{}, apperr.Storage("upsert index row", err)
	}

	// Swap the index file before commit so that committed faiss_ids always
	// resolve against an index that contains them.
	if err := idx.WriteAtomic(path); err != nil {
		return UpsertResult{}, apperr.Wrap(apperr.ErrCodeIndexWrite, err)
	}

	if err := tx.Commit(); err != nil {
		return UpsertResult{}, apperr.Wrap(apperr.ErrCodeTxFailed, err)
	}

	s.denseMu.Lock()
	s.dense.Add(p.Key(), idx)
	s.denseMu.Unlock()
	s.sparse.Invalidate(p)

	s.log.Info("document_upserted", "doc_id", doc.DocID, "partition", p.Key(),
		"status", status, "chunks", len(chunks))
	return UpsertResult{Status: status, ChunksAdded: len(chunks)}, nil
}

// dedupChunksTx drops chunks whose chunk_hash already exists among live
// chunks of the tenant/namespace pair (the current doc's prior generation
// is already soft-deleted at this point) and dedups the batch against
// itself. Survivors get fresh contiguous ordinals.
func dedupChunksTx(ctx context.Context, tx *sql.Tx, tenantID, namespace string, chunks []Chunk) ([]Chunk, error) {
	rows, err := tx.QueryContext(ctx, `SELECT chunk_hash FROM chunks
		WHERE tenant_id = ? AND namespace = ? AND deleted_at IS NULL`,
		tenantID, namespace)
	if err != nil {
		return nil, apperr.Storage("query chunk hashes", err)
	}
	defer rows.Close()

	seen := make(map[string]struct{})
	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			return nil, apperr.Storage("scan chunk hash", err)
		}
		seen[hash] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Storage("iterate chunk hashes", err)
	}

	kept := make([]Chunk, 0, len(chunks))
	for _, c := range chunks {
		if _, dup := seen[c.ChunkHash]; dup {
			continue
		}
		seen[c.ChunkHash] = struct{}{}
		c.Ordinal = len(kept)
		kept = append(kept, c)
	}
	return kept, nil
}

// indexForAppend returns a private copy of the partition's dense index
// ready to receive new rows, plus the partition dimension.
func (s *Store) indexForAppend(ctx context.Context, tx *sql.Tx, p Partition, chunks []Chunk) (*DenseIndex, int, error) {
	var dim int
	var filePath string
	err := tx.QueryRowContext(ctx, `SELECT dimension, file_path FROM indices
		WHERE tenant_id = ? AND namespace = ? AND document_type = ?
		AND embedding_version = ?`,
		p.TenantID, p.Namespace, p.DocumentType, p.EmbeddingVersion).
		Scan(&dim, &filePath)
	if err == sql.ErrNoRows {
		if len(chunks) == 0 || len(chunks[0].Vector) == 0 {
			return nil, 0, apperr.Validation("cannot create index without vectors")
		}
		dim = len(chunks[0].Vector)
		return NewDenseIndex(dim), dim, nil
	}
	if err != nil {
		return nil, 0, apperr.Storage("query index row", err)
	}

	idx, err := LoadDenseIndex(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			// Row exists but the file is gone; start over at the recorded
			// dimension. Orphaned faiss_ids get fixed by the next rebuild.
			return NewDenseIndex(dim), dim, nil
		}
		var corrupt ErrCorruptIndex
		if errors.As(err, &corrupt) {
			return nil, 0, apperr.New(apperr.ErrCodeCorruptIndex, err.Error(), err)
		}
		return nil, 0, apperr.Storage("load dense index", err)
	}
	// Copy so concurrent searches on the cached index are unaffected if the
	// transaction aborts.
	clone := NewDenseIndex(idx.Dimension())
	clone.vectors = append(clone.vectors, idx.vectors...)
	return clone, idx.Dimension(), nil
}

func softDeleteDocTx(ctx context.Context, tx *sql.Tx, tenantID, namespace, docID string, now time.Time) error {
	if _, err := tx.ExecContext(ctx, `UPDATE docs SET deleted_at = ?
		WHERE tenant_id = ? AND namespace = ? AND doc_id = ?
		AND deleted_at IS NULL`, now, tenantID, namespace, docID); err != nil {
		return apperr.Storage("soft delete document", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE chunks SET deleted_at = ?
		WHERE tenant_id = ? AND namespace = ? AND doc_id = ?
		AND deleted_at IS NULL`, now, tenantID, namespace, docID); err != nil {
		return apperr.Storage("soft delete chunks", err)
	}
	return nil
}

// Delete soft-deletes a document and its chunks and marks the affected
// partitions dirty. It returns the partitions so the caller can enqueue
// rebuild jobs. NotFound if no live document matches.
func (s *Store) Delete(ctx context.Context, tenantID, namespace, docID string) ([]Partition, error) {
	doc, err := s.GetDocument(ctx, tenantID, namespace, docID)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperr.Storage("begin delete tx", err)
	}
	defer tx.Rollback()

	now := nowUTC()
	if err := softDeleteDocTx(ctx, tx, tenantID, namespace, docID, now); err != nil {
		return nil, err
	}

	p := Partition{
		TenantID:         tenantID,
		Namespace:        namespace,
		DocumentType:     doc.DocumentType,
		EmbeddingVersion: doc.EmbeddingVersion,
	}
	if _, err := tx.ExecContext(ctx, `UPDATE indices SET dirty = 1, updated_at = ?
		WHERE tenant_id = ? AND namespace = ? AND document_type = ?
		AND embedding_version = ?`,
		now, p.TenantID, p.Namespace, p.DocumentType, p.EmbeddingVersion); err != nil {
		return nil, apperr.Storage("mark index dirty", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, apperr.Wrap(apperr.ErrCodeTxFailed, err)
	}

	s.sparse.Invalidate(p)
	s.log.Info("document_deleted", "doc_id", docID, "partition", p.Key())
	return []Partition{p}, nil
}

// Rebuild rebuilds a partition's dense index from its live chunks. When
// embed is nil, stored vectors are reused; otherwise embed is called on the
// chunks' embed_text and the fresh vectors replace stored ones. Searches
// keep serving the prior index file until the atomic swap.
func (s *Store) Rebuild(ctx context.Context, p Partition, embed func(ctx context.Context, texts []string) ([][]float32, error)) error {
	chunks, err := s.LiveChunks(ctx, p)
	if err != nil {
		return err
	}

	var vectors [][]float32
	if embed != nil {
		texts := make([]string, len(chunks))
		for i, c := range chunks {
			texts[i] = c.EmbedText
		}
		vectors, err = embed(ctx, texts)
		if err != nil {
			return apperr.Wrap(apperr.ErrCodeEmbeddingFailed, err)
		}
		if len(vectors) != len(chunks) {
			return apperr.New(apperr.ErrCodeEmbeddingFailed,
				"embedder returned wrong vector count", nil)
		}
	} else {
		vectors = make([][]float32, len(chunks))
		for i, c := range chunks {
			if len(c.Vector) == 0 {
				return apperr.New(apperr.ErrCodeEmbeddingFailed,
					"chunk "+c.ChunkID+" has no stored vector; rebuild with reembed", nil)
			}
			vectors[i] = c.Vector
		}
	}

	dim := 0
	if len(vectors) > 0 {
		dim = len(vectors[0])
	} else if meta, err := s.GetIndexMeta(ctx, p); err == nil {
		dim = meta.Dimension
	}
	if dim == 0 {
		return apperr.NotFound("nothing to rebuild for partition " + p.Key())
	}

	idx := NewDenseIndex(dim)
	if _, err := idx.Append(vectors); err != nil {
		return apperr.Wrap(apperr.ErrCodeIndexWrite, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Storage("begin rebuild tx", err)
	}
	defer tx.Rollback()

	now := nowUTC()
	for i, c := range chunks {
		var blob []byte
		if embed != nil {
			blob = encodeVector(vectors[i])
		} else {
			blob = encodeVector(c.Vector)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE chunks SET faiss_id = ?, vector = ?
			WHERE chunk_id = ? AND tenant_id = ? AND namespace = ?
			AND embedding_version = ? AND deleted_at IS NULL`,
			int64(i), blob, c.ChunkID, p.TenantID, p.Namespace,
			p.EmbeddingVersion); err != nil {
			return apperr.Storage("update chunk faiss_id", err)
		}
	}

	path := s.IndexPath(p)
	if _, err := tx.ExecContext(ctx, `INSERT INTO indices (tenant_id,
		namespace, document_type, embedding_version, dimension, ntotal,
		dirty, file_path, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(tenant_id, namespace, document_type, embedding_version)
		DO UPDATE SET ntotal = excluded.ntotal, dimension = excluded.dimension,
			dirty = 0, file_path = excluded.file_path,
			updated_at = excluded.updated_at`,
		p.TenantID, p.Namespace, p.DocumentType, p.EmbeddingVersion,
		dim, idx.NTotal(), path, now); err != nil {
		return apperr.Storage("upsert index row", err)
	}

	if err := idx.WriteAtomic(path); err != nil {
		return apperr.Wrap(apperr.ErrCodeIndexWrite, err)
	}

	if err := tx.Commit(); err != nil {
		return apperr.Wrap(apperr.ErrCodeTxFailed, err)
	}

	s.denseMu.Lock()
	s.dense.Add(p.Key(), idx)
	s.denseMu.Unlock()
	s.sparse.Invalidate(p)

	s.log.Info("index_rebuilt", "partition", p.Key(), "ntotal", idx.NTotal(),
		"reembedded", embed != nil)
	return nil
}

// Reconcile verifies every indices row against its on-disk file at startup.
// Missing or corrupt files mark the partition dirty; the returned list is
// what the caller should enqueue rebuild jobs for (dirty rows included).
func (s *Store) Reconcile(ctx context.Context) ([]Partition, error) {
	metas, err := s.ListIndexMeta(ctx)
	if err != nil {
		return nil, err
	}

	var needRebuild []Partition
	for _, m := range metas {
		p := m.Partition()
		if m.Dirty {
			needRebuild = append(needRebuild, p)
			continue
		}

		dim, ntotal, _, err := ReadSidecar(m.FilePath)
		if err != nil {
			s.log.Warn("index_sidecar_unreadable", "partition", p.Key(), "error", err)
			if err := s.MarkIndexDirty(ctx, p); err != nil {
				return nil, err
			}
			needRebuild = append(needRebuild, p)
			continue
		}

		// The on-disk index is the source of truth after a crash between
		// file swap and DB commit; adopt its row count.
		if dim != m.Dimension || ntotal != m.NTotal {
			s.log.Warn("index_meta_drift", "partition", p.Key(),
				"db_ntotal", m.NTotal, "file_ntotal", ntotal)
			if _, err := s.db.ExecContext(ctx, `UPDATE indices SET ntotal = ?,
				dimension = ?, updated_at = ? WHERE id = ?`,
				ntotal, dim, nowUTC(), m.ID); err != nil {
				return nil, apperr.Storage("reconcile index row", err)
			}
		}

		if _, err := LoadDenseIndex(m.FilePath); err != nil {
			var corrupt ErrCorruptIndex
			if errors.As(err, &corrupt) || os.IsNotExist(err) {
				s.log.Error("index_unusable_at_startup", "partition", p.Key(), "error", err)
				if err := s.MarkIndexDirty(ctx, p); err != nil {
					return nil, err
				}
				needRebuild = append(needRebuild, p)
				continue
			}
			return nil, apperr.Storage("reconcile index", err)
		}
	}
	return needRebuild, nil
}
