package retrieval

import (
	"context"
	"math"
	"sort"
	"sync"
)

// MemoryDense is an in-process DenseIndex. It backs the dummy retrieval
// backend and tests; production deployments use Qdrant.
type MemoryDense struct {
	mu     sync.RWMutex
	points map[uint64]DensePoint
}

// NewMemoryDense returns an empty in-memory vector index.
func NewMemoryDense() *MemoryDense {
	return &MemoryDense{points: make(map[uint64]DensePoint)}
}

func (m *MemoryDense) Upsert(_ context.Context, points []DensePoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range points {
		m.points[p.PointID] = p
	}
	return nil
}

func (m *MemoryDense) Search(_ context.Context, vector []float32, limit int, filter map[string]string) ([]DenseHit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var hits []DenseHit
	for _, p := range m.points {
		if !payloadMatches(p.Payload, filter) {
			continue
		}
		hits = append(hits, DenseHit{PointID: p.PointID, Score: cosine(vector, p.Vector)})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].PointID < hits[j].PointID
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func payloadMatches(payload, filter map[string]string) bool {
	for key, want := range filter {
		if payload[key] != want {
			return false
		}
	}
	return true
}

// cosine of two unit-ish vectors; zero for mismatched dimensions.
func cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
