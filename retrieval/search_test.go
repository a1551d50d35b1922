package retrieval

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// stub indices return fixed scores so fusion arithmetic is observable.
type stubDense struct{ hits []DenseHit }

func (s stubDense) Upsert(context.Context, []DensePoint) error { return nil }
func (s stubDense) Search(context.Context, []float32, int, map[string]string) ([]DenseHit, error) {
	return s.hits, nil
}

type stubSparse struct {
	hits    []SparseHit
	content map[uint64]string
}

func (s stubSparse) Upsert([]Chunk) error { return nil }
func (s stubSparse) Search(string, int) ([]SparseHit, error) {
	return s.hits, nil
}
func (s stubSparse) Content(id uint64) (string, error) {
	if text, ok := s.content[id]; ok {
		return text, nil
	}
	return "", ErrChunkNotFound
}

func TestHybridFusionRanksByDocumentedFormula(t *testing.T) {
	// Chunk A: dense 0.9, sparse 2.0. Chunk B: dense 0.5, sparse 1.0.
	// With alpha=0.25, S(A)=0.225+0.375=0.600 and S(B)=0.125+0.750=0.875,
	// so B ranks first.
	var engine = &Engine{
		Dense: stubDense{hits: []DenseHit{
			{PointID: 1, Score: 0.9},
			{PointID: 2, Score: 0.5},
		}},
		Sparse: stubSparse{
			hits: []SparseHit{
				{PointID: 1, Score: 2.0},
				{PointID: 2, Score: 1.0},
			},
			content: map[uint64]string{1: "chunk A", 2: "chunk B"},
		},
		Embed: HashEmbedder{},
	}

	var hits, err = engine.HybridSearch(context.Background(), "query", 2, 0.25, nil)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	require.Equal(t, uint64(2), hits[0].PointID)
	require.InDelta(t, 0.875, hits[0].Score, 1e-9)
	require.Equal(t, uint64(1), hits[1].PointID)
	require.InDelta(t, 0.600, hits[1].Score, 1e-9)
	require.Equal(t, "chunk B", hits[0].Snippet)
}

func TestHybridFusionBreaksTiesByPointID(t *testing.T) {
	var engine = &Engine{
		Dense: stubDense{hits: []DenseHit{
			{PointID: 9, Score: 0.4},
			{PointID: 3, Score: 0.4},
		}},
		Sparse: stubSparse{content: map[uint64]string{}},
		Embed:  HashEmbedder{},
	}

	var hits, err = engine.HybridSearch(context.Background(), "query", 2, 1.0, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(3), hits[0].PointID)
	require.Equal(t, uint64(9), hits[1].PointID)
}

func TestHybridSearchAbsentTermsContributeZero(t *testing.T) {
	// Point 5 appears only in the dense result set, point 6 only sparse.
	var engine = &Engine{
		Dense:  stubDense{hits: []DenseHit{{PointID: 5, Score: 0.8}}},
		Sparse: stubSparse{hits: []SparseHit{{PointID: 6, Score: 0.5}}, content: map[uint64]string{}},
		Embed:  HashEmbedder{},
	}

	var hits, err = engine.HybridSearch(context.Background(), "query", 8, 0.25, nil)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	// S(6) = 0.75/0.5 = 1.5; S(5) = 0.25*0.8 = 0.2.
	require.Equal(t, uint64(6), hits[0].PointID)
	require.InDelta(t, 1.5, hits[0].Score, 1e-9)
	require.InDelta(t, 0.2, hits[1].Score, 1e-9)
}

func TestHybridSearchIsDeterministic(t *testing.T) {
	var dense = NewMemoryDense()
	var sparse, err = OpenSparse(":memory:")
	require.NoError(t, err)
	defer sparse.Close()

	var engine = &Engine{Dense: dense, Sparse: sparse, Embed: HashEmbedder{dim: 64}}
	var ing = &Ingester{Engine: engine}
	require.NoError(t, ing.ingestFile(context.Background(), "src/app.py",
		"def greet():\n    return 'hi'\n\n\ndef farewell():\n    return 'bye'\n"))
	require.NoError(t, ing.ingestFile(context.Background(), "src/util.py",
		"def helper():\n    return greet()\n"))

	first, err := engine.HybridSearch(context.Background(), "greet", 4, 0.25, nil)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	for i := 0; i < 5; i++ {
		var again, err = engine.HybridSearch(context.Background(), "greet", 4, 0.25, nil)
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
}

func TestHashEmbedderIsDeterministicAndNormalised(t *testing.T) {
	var embed = HashEmbedder{dim: 128}
	var a, err = embed.Embed(context.Background(), []string{"reserve symbol lease"})
	require.NoError(t, err)
	b, err := embed.Embed(context.Background(), []string{"reserve symbol lease"})
	require.NoError(t, err)
	require.Equal(t, a, b)

	var sum float64
	for _, v := range a[0] {
		sum += float64(v) * float64(v)
	}
	require.InDelta(t, 1.0, sum, 1e-5)
}
