package embedindex

import (
	"context"
	"math"
	"sync"
)

// LocalIndex is an in-process cosine-similarity scan over a map of
// id -> vector. Its scoring core is ported near-verbatim from the
// teacher's internal/embeddings.CosineSimilarity / TopK (selection sort
// over a small candidate set), generalized here from float32 raw slices
// to an id-keyed map so entries can be upserted and deleted individually.
type LocalIndex struct {
	mu        sync.RWMutex
	vectors   map[string][]float32
	dimension int
}

// NewLocalIndex returns an empty in-process index.
func NewLocalIndex() *LocalIndex {
	return &LocalIndex{vectors: make(map[string][]float32)}
}

func (idx *LocalIndex) Dimension() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.dimension
}

func (idx *LocalIndex) Upsert(_ context.Context, id string, vector []float32) error {
	if len(vector) == 0 {
		return nil
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.dimension == 0 {
		idx.dimension = len(vector)
	}
	cp := make([]float32, len(vector))
	copy(cp, vector)
	idx.vectors[id] = cp
	return nil
}

func (idx *LocalIndex) Delete(_ context.Context, id string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.vectors, id)
	return nil
}

// Search returns the k nearest neighbours to query by cosine similarity,
// using the same selection-sort top-k approach as the teacher (adequate
// for the scan sizes a single-user memory store produces).
func (idx *LocalIndex) Search(_ context.Context, query []float32, k int) ([]Hit, error) {
	if k <= 0 {
		return nil, nil
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	type scored struct {
		id    string
		score float32
	}
	scores := make([]scored, 0, len(idx.vectors))
	for id, v := range idx.vectors {
		scores = append(scores, scored{id: id, score: cosineSimilarity(query, v)})
	}

	for i := 0; i < k && i < len(scores); i++ {
		maxIdx := i
		for j := i + 1; j < len(scores); j++ {
			if scores[j].score > scores[maxIdx].score {
				maxIdx = j
			}
		}
		scores[i], scores[maxIdx] = scores[maxIdx], scores[i]
	}

	limit := k
	if limit > len(scores) {
		limit = len(scores)
	}
	hits := make([]Hit, limit)
	for i := 0; i < limit; i++ {
		hits[i] = Hit{ID: scores[i].id, Score: scores[i].score}
	}
	return hits, nil
}

func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float32
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (float32(math.Sqrt(float64(normA))) * float32(math.Sqrt(float64(normB))))
}
