package gitadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Client is the adapter's HTTP client.
type Client struct {
	base string
	http *http.Client
}

// NewClient returns a Client against |endpoint|.
func NewClient(endpoint string) *Client {
	return &Client{
		base: endpoint,
		http: &http.Client{Timeout: 60 * time.Second},
	}
}

// Checkout materialises a working tree on the adapter host.
func (c *Client) Checkout(ctx context.Context, repo, ref string) (workdir, sha string, err error) {
	var buf bytes.Buffer
	_ = json.NewEncoder(&buf).Encode(map[string]string{"repo": repo, "ref": ref})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/checkout", &buf)
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Content-Type", "application/json")

	var body struct {
		Workdir string `json:"workdir"`
		SHA     string `json:"sha"`
	}
	if err = c.do(req, &body); err != nil {
		return "", "", err
	}
	return body.Workdir, body.SHA, nil
}

// ReadFile fetches one blob; ErrNotFound for absent paths or non-blobs.
func (c *Client) ReadFile(ctx context.Context, repo, ref, path string) ([]byte, error) {
	var q = url.Values{"repo": {repo}, "ref": {ref}, "path": {path}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/file?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("git adapter: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	} else if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("git adapter status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// Diff fetches the unified diff between two refs.
func (c *Client) Diff(ctx context.Context, repo, base, head string) (string, error) {
	var q = url.Values{"repo": {repo}, "base": {base}, "head": {head}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/diff?"+q.Encode(), nil)
	if err != nil {
		return "", err
	}
	var body struct {
		Diff string `json:"diff"`
	}
	if err = c.do(req, &body); err != nil {
		return "", err
	}
	return body.Diff, nil
}

// Blame fetches the per-line owning SHAs of a file.
func (c *Client) Blame(ctx context.Context, repo, ref, path string) ([]string, error) {
	var q = url.Values{"repo": {repo}, "ref": {ref}, "path": {path}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/blame?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var body struct {
		SHAs []string `json:"shas"`
	}
	if err = c.do(req, &body); err != nil {
		return nil, err
	}
	return body.SHAs, nil
}

func (c *Client) do(req *http.Request, out interface{}) error {
	var resp, err = c.http.Do(req)
	if err != nil {
		return fmt.Errorf("git adapter: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusBadRequest:
		return ErrBadRef
	default:
		return fmt.Errorf("git adapter status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
