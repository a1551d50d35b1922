package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var clientCalls = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "rag_client_calls_total",
	Help: "Retrieval client calls, by method.",
}, []string{"method"})

// clientCacheSize bounds the client-side result cache.
const clientCacheSize = 2048

// Client is the retrieval service's HTTP client, with a size-bounded
// access-ordered cache over search and snippet results.
type Client struct {
	base  string
	http  *http.Client
	cache *lru.Cache[string, interface{}]
}

// NewClient returns a Client against |endpoint|.
func NewClient(endpoint string) (*Client, error) {
	var cache, err = lru.New[string, interface{}](clientCacheSize)
	if err != nil {
		return nil, err
	}
	return &Client{
		base:  endpoint,
		http:  &http.Client{Timeout: 30 * time.Second},
		cache: cache,
	}, nil
}

// HybridSearch runs a fused dense+sparse query. Identical queries are
// answered from the cache.
func (c *Client) HybridSearch(ctx context.Context, query string, k int, alpha float64, filter map[string]string) ([]DocHit, error) {
	clientCalls.WithLabelValues("search").Inc()

	var key = searchCacheKey(query, k, alpha, filter)
	if cached, ok := c.cache.Get(key); ok {
		return cached.([]DocHit), nil
	}

	var params = url.Values{}
	params.Set("q", query)
	params.Set("k", strconv.Itoa(k))
	params.Set("alpha", strconv.FormatFloat(alpha, 'g', -1, 64))
	for fk, fv := range filter {
		params.Set(fk, fv)
	}

	var parsed struct {
		Results []struct {
			PointID uint64  `json:"point_id"`
			Snippet string  `json:"snippet"`
			Score   float64 `json:"score"`
		} `json:"results"`
	}
	if err := c.get(ctx, "/search?"+params.Encode(), &parsed); err != nil {
		return nil, err
	}
	var hits = make([]DocHit, len(parsed.Results))
	for i, r := range parsed.Results {
		hits[i] = DocHit{PointID: r.PointID, Snippet: r.Snippet, Score: r.Score}
	}
	c.cache.Add(key, hits)
	return hits, nil
}

// GrepLike is lexical-only search: hybrid with alpha zero.
func (c *Client) GrepLike(ctx context.Context, pattern string, k int) ([]DocHit, error) {
	clientCalls.WithLabelValues("grep").Inc()
	return c.HybridSearch(ctx, pattern, k, 0, nil)
}

// Snippet materialises the chunk text for one point id.
func (c *Client) Snippet(ctx context.Context, pointID uint64, radius int) (string, error) {
	clientCalls.WithLabelValues("snippet").Inc()

	var key = fmt.Sprintf("snip::%d:%d", pointID, radius)
	if cached, ok := c.cache.Get(key); ok {
		return cached.(string), nil
	}

	var parsed struct {
		Text string `json:"text"`
	}
	var path = fmt.Sprintf("/snippet/%d?radius=%d", pointID, radius)
	if err := c.get(ctx, path, &parsed); err != nil {
		return "", err
	}
	c.cache.Add(key, parsed.Text)
	return parsed.Text, nil
}

// SnippetStream lazily yields materialised texts for a list of point ids.
type SnippetStream struct {
	client *Client
	ids    []uint64
	radius int
}

// StreamSnippets returns a pull iterator over |ids|.
func (c *Client) StreamSnippets(ids []uint64, radius int) *SnippetStream {
	return &SnippetStream{client: c, ids: ids, radius: radius}
}

// Next fetches the next snippet. ok is false once the stream is drained.
func (s *SnippetStream) Next(ctx context.Context) (text string, ok bool, err error) {
	if len(s.ids) == 0 {
		return "", false, nil
	}
	var id = s.ids[0]
	s.ids = s.ids[1:]
	text, err = s.client.Snippet(ctx, id, s.radius)
	if err != nil {
		return "", false, err
	}
	return text, true, nil
}

// get issues a GET with exponential-backoff retry on transport errors and
// server-side failures (0.5s doubling to an 8s cap, three attempts).
func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	var policy = backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 8 * time.Second

	return backoff.Retry(func() error {
		var req, err = http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return fmt.Errorf("retrieval service status %d", resp.StatusCode)
		} else if resp.StatusCode >= 300 {
			return backoff.Permanent(fmt.Errorf("retrieval service status %d", resp.StatusCode))
		}
		if err = json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("decoding response: %w", err))
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(policy, 2), ctx))
}

func searchCacheKey(query string, k int, alpha float64, filter map[string]string) string {
	var keys = make([]string, 0, len(filter))
	for fk := range filter {
		keys = append(keys, fk)
	}
	sort.Strings(keys)
	var suffix string
	for _, fk := range keys {
		suffix += "&" + fk + "=" + filter[fk]
	}
	return fmt.Sprintf("hs::%s:%d:%g%s", query, k, alpha, suffix)
}
