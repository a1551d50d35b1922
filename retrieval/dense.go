package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// DensePoint is one vector-indexed chunk with its payload.
type DensePoint struct {
	PointID uint64
	Vector  []float32
	Payload map[string]string
}

// DenseHit is one vector search result. Score is cosine similarity in
// [0,1]: higher is better.
type DenseHit struct {
	PointID uint64
	Score   float64
}

// DenseIndex is the vector half of the retrieval engine. Filter is an
// equality predicate over the point payload (e.g. path).
type DenseIndex interface {
	Upsert(ctx context.Context, points []DensePoint) error
	Search(ctx context.Context, vector []float32, limit int, filter map[string]string) ([]DenseHit, error)
}

const collection = "code_chunks"

// QdrantIndex talks to a Qdrant instance over its REST API.
type QdrantIndex struct {
	base string
	http *http.Client
}

// NewQdrantIndex dials |endpoint| and ensures the collection exists with
// the given vector dimension and cosine distance.
func NewQdrantIndex(ctx context.Context, endpoint string, dim int) (*QdrantIndex, error) {
	var q = &QdrantIndex{base: endpoint, http: &http.Client{Timeout: 30 * time.Second}}

	var status, _, err = q.do(ctx, http.MethodGet, "/collections/"+collection, nil)
	if err != nil {
		return nil, fmt.Errorf("probing collection: %w", err)
	}
	if status == http.StatusNotFound {
		status, _, err = q.do(ctx, http.MethodPut, "/collections/"+collection, map[string]interface{}{
			"vectors": map[string]interface{}{"size": dim, "distance": "Cosine"},
		})
		if err != nil {
			return nil, fmt.Errorf("creating collection: %w", err)
		} else if status >= 300 {
			return nil, fmt.Errorf("creating collection: status %d", status)
		}
	}
	return q, nil
}

func (q *QdrantIndex) Upsert(ctx context.Context, points []DensePoint) error {
	var payload = make([]map[string]interface{}, len(points))
	for i, p := range points {
		payload[i] = map[string]interface{}{
			"id":      p.PointID,
			"vector":  p.Vector,
			"payload": p.Payload,
		}
	}
	var status, _, err = q.do(ctx, http.MethodPut,
		"/collections/"+collection+"/points?wait=true",
		map[string]interface{}{"points": payload})
	if err != nil {
		return fmt.Errorf("upserting points: %w", err)
	} else if status >= 300 {
		return fmt.Errorf("upserting points: status %d", status)
	}
	return nil
}

func (q *QdrantIndex) Search(ctx context.Context, vector []float32, limit int, filter map[string]string) ([]DenseHit, error) {
	var body = map[string]interface{}{
		"vector": vector,
		"limit":  limit,
	}
	if len(filter) != 0 {
		var must []map[string]interface{}
		for key, value := range filter {
			must = append(must, map[string]interface{}{
				"key":   key,
				"match": map[string]interface{}{"value": value},
			})
		}
		body["filter"] = map[string]interface{}{"must": must}
	}

	var status, resp, err = q.do(ctx, http.MethodPost,
		"/collections/"+collection+"/points/search", body)
	if err != nil {
		return nil, fmt.Errorf("dense search: %w", err)
	} else if status >= 300 {
		return nil, fmt.Errorf("dense search: status %d", status)
	}

	var parsed struct {
		Result []struct {
			ID    uint64  `json:"id"`
			Score float64 `json:"score"`
		} `json:"result"`
	}
	if err = json.Unmarshal(resp, &parsed); err != nil {
		return nil, fmt.Errorf("decoding search response: %w", err)
	}
	var hits = make([]DenseHit, len(parsed.Result))
	for i, r := range parsed.Result {
		hits[i] = DenseHit{PointID: r.ID, Score: r.Score}
	}
	return hits, nil
}

func (q *QdrantIndex) do(ctx context.Context, method, path string, body interface{}) (int, []byte, error) {
	var reader *bytes.Reader
	if body != nil {
		var data, err = json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, q.base+path, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := q.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	return resp.StatusCode, buf.Bytes(), nil
}
