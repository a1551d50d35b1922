package retrieval

import (
	"context"
	"fmt"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var searchTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "rag_search_total",
	Help: "Hybrid search calls.",
})

// Recommended search defaults.
const (
	DefaultK     = 8
	DefaultAlpha = 0.25
	snippetLimit = 200
)

// Engine fuses the dense and sparse indices behind one search surface.
type Engine struct {
	Dense  DenseIndex
	Sparse SparseIndex
	Embed  Embedder
}

// HybridSearch retrieves 2k candidates from each index and fuses them by
//
//	S(p) = alpha*score_dense(p) + (1-alpha)/score_sparse(p)
//
// with absent terms contributing zero. Ties break by ascending point id
// so results are deterministic for fixed indices. The top k survivors are
// materialised with a snippet of at most 200 characters.
func (e *Engine) HybridSearch(ctx context.Context, query string, k int, alpha float64, filter map[string]string) ([]DocHit, error) {
	searchTotal.Inc()
	if k <= 0 {
		k = DefaultK
	}

	vectors, err := e.Embed.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	dense, err := e.Dense.Search(ctx, vectors[0], 2*k, filter)
	if err != nil {
		return nil, fmt.Errorf("dense retrieve: %w", err)
	}
	sparse, err := e.Sparse.Search(query, 2*k)
	if err != nil {
		return nil, fmt.Errorf("sparse retrieve: %w", err)
	}

	var scores = map[uint64]float64{}
	for _, hit := range dense {
		scores[hit.PointID] += alpha * hit.Score
	}
	for _, hit := range sparse {
		if hit.Score > 0 {
			scores[hit.PointID] += (1 - alpha) / hit.Score
		}
	}

	var fused = make([]DocHit, 0, len(scores))
	for id, score := range scores {
		fused = append(fused, DocHit{PointID: id, Score: score})
	}
	sort.Slice(fused, func(i, j int) bool {
		if fused[i].Score != fused[j].Score {
			return fused[i].Score > fused[j].Score
		}
		return fused[i].PointID < fused[j].PointID
	})
	if len(fused) > k {
		fused = fused[:k]
	}

	for i := range fused {
		var content, err = e.Sparse.Content(fused[i].PointID)
		if err != nil && err != ErrChunkNotFound {
			return nil, fmt.Errorf("materialising snippet: %w", err)
		}
		fused[i].Snippet = truncate(content, snippetLimit)
	}
	return fused, nil
}

// Snippet materialises content for one point id, truncated to radius*10
// characters.
func (e *Engine) Snippet(pointID uint64, radius int) (string, error) {
	var content, err = e.Sparse.Content(pointID)
	if err != nil {
		return "", err
	}
	if radius <= 0 {
		radius = 20
	}
	return truncate(content, radius*10), nil
}

// DocHit is re-exported here for engine callers; the wire shape lives in
// the protocol package.
type DocHit struct {
	PointID uint64
	Snippet string
	Score   float64
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
