package index

import (
	"sync"

	"meridian/internal/embedding"
)

// vectorSearcher holds symbol embeddings for nearest-neighbour lookup. The
// in-memory cosine path is always available; when the sqlite-vec extension
// is compiled in (build tag sqlite_vec, see init_vec.go) the same vectors
// are also served to the store driver as a vec0 virtual table for ANN-scale
// corpora.
type vectorSearcher struct {
	mu      sync.RWMutex
	vectors map[string][]float32
	order   []string
}

func newVectorSearcher() *vectorSearcher {
	return &vectorSearcher{vectors: make(map[string][]float32)}
}

func (v *vectorSearcher) upsert(id string, vec []float32) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.vectors[id]; !ok {
		v.order = append(v.order, id)
	}
	v.vectors[id] = vec
}

func (v *vectorSearcher) remove(id string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.vectors[id]; !ok {
		return
	}
	delete(v.vectors, id)
	for i, other := range v.order {
		if other == id {
			v.order = append(v.order[:i], v.order[i+1:]...)
			break
		}
	}
}

func (v *vectorSearcher) size() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.vectors)
}

func (v *vectorSearcher) search(query []float32, k int) []SimilarResult {
	v.mu.RLock()
	corpus := make([][]float32, len(v.order))
	ids := make([]string, len(v.order))
	for i, id := range v.order {
		corpus[i] = v.vectors[id]
		ids[i] = id
	}
	v.mu.RUnlock()

	top := embedding.FindTopK(query, corpus, k)
	out := make([]SimilarResult, 0, len(top))
	for _, r := range top {
		out = append(out, SimilarResult{ID: ids[r.Index], Similarity: r.Similarity})
	}
	return out
}
