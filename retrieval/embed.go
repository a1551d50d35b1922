package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math"
	"net/http"
	"os"
	"strings"
	"time"
)

// Embedder turns texts into unit vectors for the dense index.
type Embedder interface {
	Dim() int
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// NewEmbedder constructs the embedder selected by |backend|. Unknown
// values fail at startup rather than on first use.
func NewEmbedder(backend, model string) (Embedder, error) {
	switch backend {
	case "sentence_transformers", "":
		// The local model is fronted by the deterministic hash embedder;
		// 768 matches the BGE family it stands in for.
		return HashEmbedder{dim: 768}, nil
	case "openai":
		return &openaiEmbedder{
			dim:      1536,
			model:    model,
			endpoint: "https://api.openai.com/v1/embeddings",
			apiKey:   os.Getenv("OPENAI_API_KEY"),
			http:     &http.Client{Timeout: 60 * time.Second},
		}, nil
	default:
		return nil, fmt.Errorf("unknown embedding backend %q", backend)
	}
}

// HashEmbedder hashes tokens into a fixed-dimension bag-of-words vector
// and L2-normalises it. Identical text always embeds identically, which
// keeps ingestion and search deterministic in tests and offline runs.
type HashEmbedder struct {
	dim int
}

func (h HashEmbedder) Dim() int {
	if h.dim == 0 {
		return 768
	}
	return h.dim
}

func (h HashEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	var out = make([][]float32, len(texts))
	for i, text := range texts {
		var vec = make([]float32, h.Dim())
		for _, tok := range tokenize(text) {
			var f = fnv.New64a()
			_, _ = f.Write([]byte(tok))
			vec[f.Sum64()%uint64(h.Dim())] += 1
		}
		normalize(vec)
		out[i] = vec
	}
	return out, nil
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9' || r == '_')
	})
}

func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	var norm = float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
}

// openaiEmbedder calls an OpenAI-compatible embeddings endpoint.
type openaiEmbedder struct {
	dim      int
	model    string
	endpoint string
	apiKey   string
	http     *http.Client
}

func (e *openaiEmbedder) Dim() int { return e.dim }

func (e *openaiEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	var body, err = json.Marshal(map[string]interface{}{
		"model": e.model,
		"input": texts,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding endpoint returned status %d", resp.StatusCode)
	}

	var parsed struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err = json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decoding embedding response: %w", err)
	}
	var out = make([][]float32, len(parsed.Data))
	for i, d := range parsed.Data {
		out[i] = d.Embedding
	}
	return out, nil
}
