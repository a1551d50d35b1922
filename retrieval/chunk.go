// Package retrieval implements the hybrid retrieval engine: idempotent
// ingestion of repository content into a dense vector index and a sparse
// lexical index, fused search over both, and snippet materialisation.
package retrieval

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"regexp"
	"strings"
)

var paragraphSplit = regexp.MustCompile(`\n{2,}`)

// Chunk is one blank-line-delimited paragraph of a file, addressed by a
// content-deterministic point id.
type Chunk struct {
	PointID uint64
	Path    string
	Content string
}

// PointID derives the chunk identity from its path and index within the
// file: the leading 8 bytes of md5("path:index"). Re-chunking the same
// file always yields the same ids, which is what makes ingestion
// idempotent.
func PointID(path string, index int) uint64 {
	var sum = md5.Sum([]byte(fmt.Sprintf("%s:%d", path, index)))
	return binary.BigEndian.Uint64(sum[:8])
}

// SplitChunks breaks |text| into paragraph chunks. Blank-only paragraphs
// are dropped but still consume an index, so surviving chunks keep stable
// ids as neighbours come and go.
func SplitChunks(path, text string) []Chunk {
	var out []Chunk
	for i, block := range paragraphSplit.Split(text, -1) {
		if strings.TrimSpace(block) == "" {
			continue
		}
		out = append(out, Chunk{
			PointID: PointID(path, i),
			Path:    path,
			Content: block,
		})
	}
	return out
}
