package retrieval

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSparseUpsertIsIdempotent(t *testing.T) {
	var index, err = OpenSparse(":memory:")
	require.NoError(t, err)
	defer index.Close()

	var chunks = SplitChunks("src/app.py", "def greet():\n    pass\n\ndef other():\n    greet()\n")
	require.Len(t, chunks, 2)

	require.NoError(t, index.Upsert(chunks))
	first, err := index.Search("greet", 10)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	// Re-ingesting the same content overwrites; index contents and
	// scores are unchanged.
	require.NoError(t, index.Upsert(chunks))
	again, err := index.Search("greet", 10)
	require.NoError(t, err)
	require.Equal(t, first, again)

	content, err := index.Content(chunks[0].PointID)
	require.NoError(t, err)
	require.Equal(t, chunks[0].Content, content)
}

func TestSparseSearchPrefersRarerTerms(t *testing.T) {
	var index, err = OpenSparse(":memory:")
	require.NoError(t, err)
	defer index.Close()

	require.NoError(t, index.Upsert([]Chunk{
		{PointID: 1, Path: "a.go", Content: "common common common unique"},
		{PointID: 2, Path: "b.go", Content: "common common common"},
		{PointID: 3, Path: "c.go", Content: "common other words entirely"},
	}))

	var hits, err2 = index.Search("unique", 10)
	require.NoError(t, err2)
	require.Len(t, hits, 1)
	require.Equal(t, uint64(1), hits[0].PointID)
	require.Greater(t, hits[0].Score, 0.0)
}

func TestSparseContentNotFound(t *testing.T) {
	var index, err = OpenSparse(":memory:")
	require.NoError(t, err)
	defer index.Close()

	_, err = index.Content(42)
	require.ErrorIs(t, err, ErrChunkNotFound)
}

func TestPointIDIsContentAddressDeterministic(t *testing.T) {
	require.Equal(t, PointID("src/app.py", 0), PointID("src/app.py", 0))
	require.NotEqual(t, PointID("src/app.py", 0), PointID("src/app.py", 1))
	require.NotEqual(t, PointID("src/app.py", 0), PointID("src/other.py", 0))

	// Whitespace-only paragraphs are dropped but still consume their
	// index, so surviving chunks retain stable ids.
	var chunks = SplitChunks("f.txt", "first\n\n \n\nsecond")
	require.Len(t, chunks, 2)
	require.Equal(t, PointID("f.txt", 0), chunks[0].PointID)
	require.Equal(t, PointID("f.txt", 2), chunks[1].PointID)
}
