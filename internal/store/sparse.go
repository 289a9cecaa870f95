package store

import (
	"math"
	"sort"
	"sync"
)

// BM25 parameters, Okapi defaults.
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// SparseIndex is an in-memory BM25 index over the live chunks of one
// partition. It is rebuilt lazily from the metadata store after any write
// invalidates it, so it never needs its own persistence.
type SparseIndex struct {
	chunkIDs []string         // sorted ascending, position = internal doc id
	lengths  []int            // token count per doc
	termFreq []map[string]int // term -> count per doc
	docFreq  map[string]int   // term -> number of docs containing it
	avgLen   float64
}

// BuildSparseIndex indexes the given chunks. Input order does not matter;
// internal ids are assigned by sorted chunk_id so scoring is deterministic.
type SparseDoc struct {
	ChunkID string
	Text    string
}

func BuildSparseIndex(docs []SparseDoc) *SparseIndex {
	sorted := make([]SparseDoc, len(docs))
	copy(sorted, docs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ChunkID < sorted[j].ChunkID })

	idx := &SparseIndex{
		chunkIDs: make([]string, len(sorted)),
		lengths:  make([]int, len(sorted)),
		termFreq: make([]map[string]int, len(sorted)),
		docFreq:  make(map[string]int),
	}

	total := 0
	for i, doc := range sorted {
		tokens := Tokenize(doc.Text)
		tf := make(map[string]int, len(tokens))
		for _, tok := range tokens {
			tf[tok]++
		}
		idx.chunkIDs[i] = doc.ChunkID
		idx.lengths[i] = len(tokens)
		idx.termFreq[i] = tf
		for term := range tf {
			idx.docFreq[term]++
		}
		total += len(tokens)
	}
	if len(sorted) > 0 {
		idx.avgLen = float64(total) / float64(len(sorted))
	}
	return idx
}

// Size returns the number of indexed chunks.
func (s *SparseIndex) Size() int { return len(s.chunkIDs) }

// Search runs BM25 over the query tokens and returns up to k results with
// positive scores, sorted by descending score then ascending chunk_id.
func (s *SparseIndex) Search(query string, k int) []SparseResult {
	n := len(s.chunkIDs)
	if n == 0 || k <= 0 {
		return []SparseResult{}
	}

	tokens := Tokenize(query)
	if len(tokens) == 0 {
		return []SparseResult{}
	}

	scores := make([]float64, n)
	for _, term := range tokens {
		df, ok := s.docFreq[term]
		if !ok {
			continue
		}
		idf := math.Log(1 + (float64(n)-float64(df)+0.5)/(float64(df)+0.5))
		for i := 0; i < n; i++ {
			tf := float64(s.termFreq[i][term])
			if tf == 0 {
				continue
			}
			norm := 1 - bm25B + bm25B*float64(s.lengths[i])/s.avgLen
			scores[i] += idf * tf * (bm25K1 + 1) / (tf + bm25K1*norm)
		}
	}

	results := make([]SparseResult, 0, n)
	for i, sc := range scores {
		if sc > 0 {
			results = append(results, SparseResult{ChunkID: s.chunkIDs[i], Score: sc})
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ChunkID < results[j].ChunkID
	})

	if k < len(results) {
		results = results[:k]
	}
	return results
}

// SparseCache holds lazily built sparse indexes keyed by partition. Writers
// call Invalidate after mutating a partition; readers call Get with a loader
// that fetches live chunk text from the metadata store.
type SparseCache struct {
	mu      sync.Mutex
	entries map[string]*sparseEntry
}

type sparseEntry struct {
	mu    sync.RWMutex
	index *SparseIndex // nil when invalidated
}

func NewSparseCache() *SparseCache {
	return &SparseCache{entries: make(map[string]*sparseEntry)}
}

func (c *SparseCache) entry(key string) *sparseEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		e = &sparseEntry{}
		c.entries[key] = e
	}
	return e
}

// Get returns the partition's sparse index, building it with load if the
// cached copy was invalidated. Concurrent readers share the built index.
func (c *SparseCache) Get(p Partition, load func() ([]SparseDoc, error)) (*SparseIndex, error) {
	e := c.entry(p.Key())

	e.mu.RLock()
	if e.index != nil {
		idx := e.index
		e.mu.RUnlock()
		return idx, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.index != nil {
		return e.index, nil
	}
	docs, err := load()
	if err != nil {
		return nil, err
	}
	e.index = BuildSparseIndex(docs)
	return e.index, nil
}

// Invalidate drops the cached index for a partition so the next Get rebuilds.
func (c *SparseCache) Invalidate(p Partition) {
	e := c.entry(p.Key())
	e.mu.Lock()
	e.index = nil
	e.mu.Unlock()
}
