package store

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func removeIndexFiles(path string) error {
	if err := os.Remove(path); err != nil {
		return err
	}
	return os.Remove(path + ".meta")
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "meta.db"), filepath.Join(dir, "indices"), 8, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testPartition() Partition {
	return Partition{TenantID: "t1", Namespace: "proj", DocumentType: "default", EmbeddingVersion: "v1"}
}

func testDoc(docID, text string) Document {
	return Document{
		DocID:            docID,
		TenantID:         "t1",
		Namespace:        "proj",
		Filename:         docID + ".txt",
		DocumentType:     "default",
		DocHash:          HashText(text),
		EmbeddingVersion: "v1",
		ChunkStrategy:    "default",
	}
}

func testChunks(texts []string, vecs [][]float32) []Chunk {
	chunks := make([]Chunk, len(texts))
	for i := range texts {
		chunks[i] = Chunk{
			RawText:   texts[i],
			EmbedText: texts[i],
			ChunkHash: HashText(texts[i]),
			Ordinal:   i,
			Vector:    vecs[i],
		}
	}
	return chunks
}

func TestUpsertDedupesChunkHashes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := testPartition()

	res, err := s.Upsert(ctx, testDoc("doc1", "first"), testChunks(
		[]string{"shared paragraph", "only in doc1"},
		[][]float32{{1, 0, 0}, {0, 1, 0}}))
	require.NoError(t, err)
	assert.Equal(t, 2, res.ChunksAdded)

	// A second document repeating content keeps only its novel chunk.
	res, err = s.Upsert(ctx, testDoc("doc2", "second"), testChunks(
		[]string{"shared paragraph", "only in doc2"},
		[][]float32{{1, 0, 0}, {0, 0, 1}}))
	require.NoError(t, err)
	assert.Equal(t, 1, res.ChunksAdded)

	chunks, err := s.LiveChunks(ctx, p)
	require.NoError(t, err)
	require.Len(t, chunks, 3)

	byHash := map[string]int{}
	for _, c := range chunks {
		byHash[c.ChunkHash]++
	}
	assert.Equal(t, 1, byHash[HashText("shared paragraph")])

	// The survivor was re-ordinalized to stay contiguous.
	doc2Chunk, err := s.ChunksByIDs(ctx, p, []string{"doc2#c0000"})
	require.NoError(t, err)
	require.Len(t, doc2Chunk, 1)
	assert.Equal(t, "only in doc2", doc2Chunk["doc2#c0000"].RawText)
}

func TestUpsertDedupesWithinBatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := testPartition()

	res, err := s.Upsert(ctx, testDoc("doc1", "text"), testChunks(
		[]string{"repeated", "repeated", "distinct"},
		[][]float32{{1, 0}, {1, 0}, {0, 1}}))
	require.NoError(t, err)
	assert.Equal(t, 2, res.ChunksAdded)

	chunks, err := s.LiveChunks(ctx, p)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, "doc1#c0000", chunks[0].ChunkID)
	assert.Equal(t, "doc1#c0001", chunks[1].ChunkID)
}

func TestUpsertAllChunksDuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Upsert(ctx, testDoc("doc1", "one"), testChunks(
		[]string{"same content"}, [][]float32{{1, 0}}))
	require.NoError(t, err)

	res, err := s.Upsert(ctx, testDoc("doc2", "two"), testChunks(
		[]string{"same content"}, [][]float32{{1, 0}}))
	require.NoError(t, err)
	assert.Equal(t, 0, res.ChunksAdded)
	assert.Equal(t, UpsertCreated, res.Status)

	doc, err := s.GetDocument(ctx, "t1", "proj", "doc2")
	require.NoError(t, err)
	assert.Equal(t, "doc2", doc.DocID)
}

func TestUpsertCreatesAndSkips(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := testPartition()

	doc := testDoc("doc1", "hello world content")
	chunks := testChunks(
		[]string{"hello world", "more content"},
		[][]float32{{1, 0, 0}, {0, 1, 0}},
	)

	res, err := s.Upsert(ctx, doc, chunks)
	require.NoError(t, err)
	assert.Equal(t, UpsertCreated, res.Status)
	assert.Equal(t, 2, res.ChunksAdded)

	// Same hash is a no-op.
	res, err = s.Upsert(ctx, doc, chunks)
	require.NoError(t, err)
	assert.Equal(t, UpsertSkipped, res.Status)
	assert.Equal(t, 0, res.ChunksAdded)

	got, err := s.GetDocument(ctx, "t1", "proj", "doc1")
	require.NoError(t, err)
	assert.Equal(t, "doc1", got.DocID)

	live, err := s.LiveChunks(ctx, p)
	require.NoError(t, err)
	require.Len(t, live, 2)
	assert.Equal(t, "doc1#c0000", live[0].ChunkID)
	require.NotNil(t, live[0].FaissID)
	assert.Equal(t, int64(0), *live[0].FaissID)

	meta, err := s.GetIndexMeta(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, 2, meta.NTotal)
	assert.False(t, meta.Dirty)
}

func TestUpsertReplacesChangedDocument(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := testPartition()

	_, err := s.Upsert(ctx, testDoc("doc1", "version one"),
		testChunks([]string{"version one"}, [][]float32{{1, 0}}))
	require.NoError(t, err)

	res, err := s.Upsert(ctx, testDoc("doc1", "version two"),
		testChunks([]string{"version two"}, [][]float32{{0, 1}}))
	require.NoError(t, err)
	assert.Equal(t, UpsertUpdated, res.Status)

	live, err := s.LiveChunks(ctx, p)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "version two", live[0].RawText)

	// Old generation rows stay in the table, soft-deleted.
	var total int
	err = s.db.QueryRow(`SELECT COUNT(*) FROM chunks WHERE doc_id = 'doc1'`).Scan(&total)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
}

func TestDeleteHidesDocumentFromSearch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := testPartition()

	_, err := s.Upsert(ctx, testDoc("doc1", "findable text"),
		testChunks([]string{"findable text"}, [][]float32{{1, 0}}))
	require.NoError(t, err)

	parts, err := s.Delete(ctx, "t1", "proj", "doc1")
	require.NoError(t, err)
	require.Len(t, parts, 1)
	assert.Equal(t, p.Key(), parts[0].Key())

	_, err = s.GetDocument(ctx, "t1", "proj", "doc1")
	require.Error(t, err)

	// Dense hits no longer hydrate.
	hits, err := s.DenseSearch(ctx, p, []float32{1, 0}, 5)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	resolved, err := s.ChunksByFaissIDs(ctx, p, []int64{hits[0].FaissID})
	require.NoError(t, err)
	assert.Empty(t, resolved)

	// Sparse index was invalidated and rebuilt without the chunk.
	sparse, err := s.SparseSearch(ctx, p, "findable", 5)
	require.NoError(t, err)
	assert.Empty(t, sparse)

	meta, err := s.GetIndexMeta(ctx, p)
	require.NoError(t, err)
	assert.True(t, meta.Dirty)

	_, err = s.Delete(ctx, "t1", "proj", "doc1")
	require.Error(t, err)
}

func TestRebuildCompactsIndex(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := testPartition()

	_, err := s.Upsert(ctx, testDoc("doc1", "alpha"),
		testChunks([]string{"alpha"}, [][]float32{{1, 0}}))
	require.NoError(t, err)
	_, err = s.Upsert(ctx, testDoc("doc2", "beta"),
		testChunks([]string{"beta"}, [][]float32{{0, 1}}))
	require.NoError(t, err)

	_, err = s.Delete(ctx, "t1", "proj", "doc1")
	require.NoError(t, err)

	require.NoError(t, s.Rebuild(ctx, p, nil))

	meta, err := s.GetIndexMeta(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, 1, meta.NTotal)
	assert.False(t, meta.Dirty)

	live, err := s.LiveChunks(ctx, p)
	require.NoError(t, err)
	require.Len(t, live, 1)
	require.NotNil(t, live[0].FaissID)
	assert.Equal(t, int64(0), *live[0].FaissID)

	hits, err := s.DenseSearch(ctx, p, []float32{0, 1}, 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	resolved, err := s.ChunksByFaissIDs(ctx, p, []int64{hits[0].FaissID})
	require.NoError(t, err)
	assert.Equal(t, "beta", resolved[hits[0].FaissID].RawText)
}

func TestRebuildWithReembed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := testPartition()

	_, err := s.Upsert(ctx, testDoc("doc1", "alpha"),
		testChunks([]string{"alpha"}, [][]float32{{1, 0}}))
	require.NoError(t, err)

	called := false
	embed := func(ctx context.Context, texts []string) ([][]float32, error) {
		called = true
		out := make([][]float32, len(texts))
		for i := range texts {
			out[i] = []float32{0.5, 0.5}
		}
		return out, nil
	}
	require.NoError(t, s.Rebuild(ctx, p, embed))
	assert.True(t, called)

	live, err := s.LiveChunks(ctx, p)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Len(t, live[0].Vector, 2)
}

func TestTenantIsolation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	docA := testDoc("doc1", "tenant a content")
	_, err := s.Upsert(ctx, docA, testChunks([]string{"tenant a content"}, [][]float32{{1, 0}}))
	require.NoError(t, err)

	docB := docA
	docB.TenantID = "t2"
	docB.DocHash = HashText("tenant b content")
	_, err = s.Upsert(ctx, docB, testChunks([]string{"tenant b content"}, [][]float32{{0, 1}}))
	require.NoError(t, err)

	pB := Partition{TenantID: "t2", Namespace: "proj", DocumentType: "default", EmbeddingVersion: "v1"}
	live, err := s.LiveChunks(ctx, pB)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "tenant b content", live[0].RawText)

	sparse, err := s.SparseSearch(ctx, pB, "tenant", 10)
	require.NoError(t, err)
	require.Len(t, sparse, 1)
	assert.Equal(t, "doc1#c0000", sparse[0].ChunkID)
}

func TestJobLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job, err := s.EnqueueJob(ctx, JobTypeIngest, `{"doc_id":"d1"}`)
	require.NoError(t, err)
	assert.Equal(t, JobStatusPending, job.Status)

	claimed, err := s.ClaimNextJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, job.JobID, claimed.JobID)
	assert.Equal(t, JobStatusRunning, claimed.Status)

	// Queue is now empty.
	next, err := s.ClaimNextJob(ctx)
	require.NoError(t, err)
	assert.Nil(t, next)

	require.NoError(t, s.UpdateJobProgress(ctx, job.JobID, 40, "embedding"))
	got, err := s.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, 40, got.Progress)
	assert.Equal(t, "embedding", got.Stage)

	require.NoError(t, s.CompleteJob(ctx, job.JobID))
	got, err = s.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	require.NotNil(t, got.CompletedAt)
}

func TestJobClaimOrderIsFIFO(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.EnqueueJob(ctx, JobTypeIngest, "{}")
	require.NoError(t, err)
	// Force distinct created_at ordering.
	_, err = s.db.Exec(`UPDATE jobs SET created_at = ? WHERE job_id = ?`,
		nowUTC().Add(-time.Minute), first.JobID)
	require.NoError(t, err)

	_, err = s.EnqueueJob(ctx, JobTypeRebuild, "{}")
	require.NoError(t, err)

	claimed, err := s.ClaimNextJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, first.JobID, claimed.JobID)
}

func TestSweepStaleJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	stale, err := s.EnqueueJob(ctx, JobTypeIngest, "{}")
	require.NoError(t, err)
	exhausted, err := s.EnqueueJob(ctx, JobTypeIngest, "{}")
	require.NoError(t, err)

	old := nowUTC().Add(-time.Hour)
	_, err = s.db.Exec(`UPDATE jobs SET status = 'running', updated_at = ? WHERE job_id = ?`,
		old, stale.JobID)
	require.NoError(t, err)
	_, err = s.db.Exec(`UPDATE jobs SET status = 'running', updated_at = ?, retries = 3 WHERE job_id = ?`,
		old, exhausted.JobID)
	require.NoError(t, err)

	requeued, failed, err := s.SweepStaleJobs(ctx, 10*time.Minute, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)
	assert.Equal(t, 1, failed)

	got, err := s.GetJob(ctx, stale.JobID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusPending, got.Status)
	assert.Equal(t, 1, got.Retries)

	got, err = s.GetJob(ctx, exhausted.JobID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, got.Status)
}

func TestJobStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.EnqueueJob(ctx, JobTypeIngest, "{}")
	require.NoError(t, err)
	job, err := s.EnqueueJob(ctx, JobTypeDelete, "{}")
	require.NoError(t, err)
	require.NoError(t, s.FailJob(ctx, job.JobID, "boom"))

	stats, err := s.JobStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats[JobStatusPending])
	assert.Equal(t, 1, stats[JobStatusFailed])
	assert.Equal(t, 0, stats[JobStatusRunning])
}

func TestReconcileMarksMissingFileDirty(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := testPartition()

	_, err := s.Upsert(ctx, testDoc("doc1", "alpha"),
		testChunks([]string{"alpha"}, [][]float32{{1, 0}}))
	require.NoError(t, err)

	require.NoError(t, removeIndexFiles(s.IndexPath(p)))

	need, err := s.Reconcile(ctx)
	require.NoError(t, err)
	require.Len(t, need, 1)
	assert.Equal(t, p.Key(), need[0].Key())

	meta, err := s.GetIndexMeta(ctx, p)
	require.NoError(t, err)
	assert.True(t, meta.Dirty)
}

func TestDenseSearchMissingPartition(t *testing.T) {
	s := newTestStore(t)
	_, err := s.DenseSearch(context.Background(),
		Partition{TenantID: "nope", Namespace: "x", DocumentType: "default", EmbeddingVersion: "v1"},
		[]float32{1, 0}, 5)
	require.Error(t, err)
}
