package search

import "sort"

// DefaultRRFConstant is the k in 1/(k+rank).
const DefaultRRFConstant = 60

// Candidate is one fused retrieval candidate.
type Candidate struct {
	ChunkID string
	Score   float64
}

// FuseRRF merges two ranked chunk-id lists with weighted reciprocal rank
// fusion. A candidate present in only one list contributes only that list's
// term. Output is sorted by descending score with ties broken by ascending
// chunk_id, which makes fusion fully deterministic for fixed inputs.
func FuseRRF(dense, sparse []string, denseWeight, sparseWeight float64, k int) []Candidate {
	if k <= 0 {
		k = DefaultRRFConstant
	}

	scores := make(map[string]float64, len(dense)+len(sparse))
	for rank, id := range dense {
		scores[id] += denseWeight / float64(k+rank+1)
	}
	for rank, id := range sparse {
		scores[id] += sparseWeight / float64(k+rank+1)
	}

	out := make([]Candidate, 0, len(scores))
	for id, score := range scores {
		out = append(out, Candidate{ChunkID: id, Score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ChunkID < out[j].ChunkID
	})
	return out
}
