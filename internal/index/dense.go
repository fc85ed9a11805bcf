package index

import (
	"container/heap"
	"math"
	"sync"
)

// Dense is an in-memory vector index over chunk embeddings. Vectors are
// normalized on insert so scoring reduces to a dot product.
type Dense struct {
	mu      sync.RWMutex
	ids     []string
	vectors [][]float32
}

// NewDense creates an empty dense index.
func NewDense() *Dense {
	return &Dense{}
}

// Add inserts a chunk embedding. A zero vector is stored as-is and will
// never score above zero.
func (d *Dense) Add(chunkID string, vec []float32) {
	normalized := normalize(vec)
	d.mu.Lock()
	d.ids = append(d.ids, chunkID)
	d.vectors = append(d.vectors, normalized)
	d.mu.Unlock()
}

// Size returns the number of indexed vectors.
func (d *Dense) Size() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.ids)
}

// Clear drops all indexed vectors.
func (d *Dense) Clear() {
	d.mu.Lock()
	d.ids = nil
	d.vectors = nil
	d.mu.Unlock()
}

// Search returns the topK most similar chunks to the query vector,
// ordered by descending cosine similarity.
func (d *Dense) Search(query []float32, topK int) []Scored {
	if topK <= 0 {
		return nil
	}
	q := normalize(query)

	d.mu.RLock()
	defer d.mu.RUnlock()

	h := &scoredHeap{}
	heap.Init(h)
	for i, vec := range d.vectors {
		if len(vec) != len(q) {
			continue
		}
		score := dot(q, vec)
		if h.Len() < topK {
			heap.Push(h, Scored{ID: d.ids[i], Score: score})
		} else if score > (*h)[0].Score {
			(*h)[0] = Scored{ID: d.ids[i], Score: score}
			heap.Fix(h, 0)
		}
	}

	results := make([]Scored, h.Len())
	for i := len(results) - 1; i >= 0; i-- {
		results[i] = heap.Pop(h).(Scored)
	}
	return results
}

// Scored pairs a chunk ID with a relevance score.
type Scored struct {
	ID    string
	Score float64
}

// scoredHeap is a min-heap so the lowest score sits at the root and can
// be evicted when a better candidate arrives.
type scoredHeap []Scored

func (h scoredHeap) Len() int            { return len(h) }
func (h scoredHeap) Less(i, j int) bool  { return h[i].Score < h[j].Score }
func (h scoredHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *scoredHeap) Push(x interface{}) { *h = append(*h, x.(Scored)) }
func (h *scoredHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

func normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		out := make([]float32, len(vec))
		copy(out, vec)
		return out
	}
	norm := math.Sqrt(sum)
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(float64(v) / norm)
	}
	return out
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
