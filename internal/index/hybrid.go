package index

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultAlpha is the dense weight in the fused score when the caller
// does not specify one.
const DefaultAlpha = 0.6

// defaultOverfetch multiplies TopK for each sub-query so fusion has
// candidates that only one branch found.
const defaultOverfetch = 3

// ChunkMeta carries the display fields kept alongside each indexed chunk.
type ChunkMeta struct {
	URL       string
	Title     string
	Snippet   string
	CreatedAt time.Time
}

// SearchOptions tunes a hybrid query.
type SearchOptions struct {
	// TopK is the maximum number of result groups returned.
	TopK int
	// Alpha weights the dense score; (1-Alpha) weights the sparse score.
	// Must be in [0, 1]. Zero value means DefaultAlpha.
	Alpha *float64
	// Overfetch multiplies TopK for the per-branch candidate pools.
	Overfetch int
}

// ResultGroup is one URL in the ranked output, represented by its best
// scoring chunk.
type ResultGroup struct {
	URL         string  `json:"url"`
	Title       string  `json:"title"`
	BestScore   float64 `json:"score"`
	BestSnippet string  `json:"snippet"`
	ChunkID     string  `json:"chunk_id"`
}

// Stats records per-branch timings for a hybrid query.
type Stats struct {
	DenseMs            int64 `json:"dense_ms"`
	SparseMs           int64 `json:"sparse_ms"`
	MergeMs            int64 `json:"merge_ms"`
	TotalChunksScanned int   `json:"total_chunks_scanned"`
}

// SearchResponse is the full result of a hybrid query.
type SearchResponse struct {
	Groups []ResultGroup `json:"groups"`
	Stats  Stats         `json:"stats"`
}

// Hybrid fuses dense vector similarity and BM25 keyword relevance with
// a linear combination of min-max normalized scores.
type Hybrid struct {
	dense  *Dense
	sparse *Sparse

	mu   sync.RWMutex
	meta map[string]ChunkMeta
}

// NewHybrid creates an empty hybrid index.
func NewHybrid() *Hybrid {
	return &Hybrid{
		dense:  NewDense(),
		sparse: NewSparse(),
		meta:   make(map[string]ChunkMeta),
	}
}

// Add indexes one chunk in both branches.
func (h *Hybrid) Add(chunkID string, vec []float32, text string, meta ChunkMeta) {
	h.dense.Add(chunkID, vec)
	h.sparse.Add(chunkID, text)
	h.mu.Lock()
	h.meta[chunkID] = meta
	h.mu.Unlock()
}

// Size returns the number of indexed chunks.
func (h *Hybrid) Size() int {
	return h.dense.Size()
}

// Clear drops both branches and all metadata.
func (h *Hybrid) Clear() {
	h.dense.Clear()
	h.sparse.Clear()
	h.mu.Lock()
	h.meta = make(map[string]ChunkMeta)
	h.mu.Unlock()
}

// Search runs the dense and sparse branches in parallel, fuses the
// normalized scores, and groups results by URL. Either branch failing
// fails the whole query.
func (h *Hybrid) Search(ctx context.Context, queryVec []float32, queryText string, opts SearchOptions) (*SearchResponse, error) {
	if opts.TopK <= 0 {
		opts.TopK = 10
	}
	alpha := DefaultAlpha
	if opts.Alpha != nil {
		alpha = *opts.Alpha
	}
	overfetch := opts.Overfetch
	if overfetch <= 0 {
		overfetch = defaultOverfetch
	}
	pool := opts.TopK * overfetch

	var (
		denseHits, sparseHits []Scored
		stats                 Stats
	)
	stats.TotalChunksScanned = h.dense.Size()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		start := time.Now()
		denseHits = h.dense.Search(queryVec, pool)
		stats.DenseMs = time.Since(start).Milliseconds()
		return nil
	})
	g.Go(func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		start := time.Now()
		sparseHits = h.sparse.Search(queryText, pool)
		stats.SparseMs = time.Since(start).Milliseconds()
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	mergeStart := time.Now()

	denseNorm := minMaxNormalize(denseHits)
	sparseNorm := minMaxNormalize(sparseHits)

	fused := make(map[string]float64)
	for id, score := range denseNorm {
		fused[id] = alpha * score
	}
	for id, score := range sparseNorm {
		fused[id] += (1 - alpha) * score
	}

	h.mu.RLock()
	type candidate struct {
		chunkID string
		score   float64
		meta    ChunkMeta
	}
	candidates := make([]candidate, 0, len(fused))
	for id, score := range fused {
		m, ok := h.meta[id]
		if !ok {
			continue
		}
		candidates = append(candidates, candidate{chunkID: id, score: score, meta: m})
	}
	h.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		if !candidates[i].meta.CreatedAt.Equal(candidates[j].meta.CreatedAt) {
			return candidates[i].meta.CreatedAt.After(candidates[j].meta.CreatedAt)
		}
		return candidates[i].chunkID < candidates[j].chunkID
	})

	seen := make(map[string]bool)
	groups := make([]ResultGroup, 0, opts.TopK)
	for _, c := range candidates {
		if seen[c.meta.URL] {
			continue
		}
		seen[c.meta.URL] = true
		groups = append(groups, ResultGroup{
			URL:         c.meta.URL,
			Title:       c.meta.Title,
			BestScore:   c.score,
			BestSnippet: c.meta.Snippet,
			ChunkID:     c.chunkID,
		})
		if len(groups) == opts.TopK {
			break
		}
	}

	stats.MergeMs = time.Since(mergeStart).Milliseconds()
	return &SearchResponse{Groups: groups, Stats: stats}, nil
}

// minMaxNormalize maps scores into [0, 1]. A single candidate, or a set
// where every score is equal, normalizes to 1.0 across the board.
func minMaxNormalize(hits []Scored) map[string]float64 {
	out := make(map[string]float64, len(hits))
	if len(hits) == 0 {
		return out
	}
	min, max := hits[0].Score, hits[0].Score
	for _, h := range hits[1:] {
		if h.Score < min {
			min = h.Score
		}
		if h.Score > max {
			max = h.Score
		}
	}
	if max == min {
		for _, h := range hits {
			out[h.ID] = 1.0
		}
		return out
	}
	for _, h := range hits {
		out[h.ID] = (h.Score - min) / (max - min)
	}
	return out
}
