package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Client is the HTTP client of the symbol registry, used by the request
// planner (reserve) and the coding agent (claim).
type Client struct {
	base string
	http *http.Client
}

// NewClient returns a Client against |endpoint|, e.g. "http://srm:9090".
func NewClient(endpoint string) *Client {
	return &Client{
		base: endpoint,
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// Lease is the registry's reserve response.
type Lease struct {
	LeaseID   int64     `json:"lease_id"`
	Status    string    `json:"status"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Reserve requests a lease over (repo, branch, fq_name). ErrConflict is
// returned when the name is already held.
func (c *Client) Reserve(ctx context.Context, req ReserveRequest) (Lease, error) {
	var lease Lease
	var err = c.post(ctx, "/reserve", req, &lease)
	return lease, err
}

// Claim upgrades |leaseID| to an active record bound to |commitSHA|.
// ErrInvalidLease is returned for missing, non-reserved, or expired
// leases.
func (c *Client) Claim(ctx context.Context, leaseID int64, commitSHA string) error {
	var body = map[string]interface{}{"lease_id": leaseID, "commit_sha": commitSHA}
	return c.post(ctx, "/claim", body, &struct {
		Status string `json:"status"`
	}{})
}

// Lookup fetches the record for (repo, branch, fq_name), or ErrNotFound.
func (c *Client) Lookup(ctx context.Context, repo, branch, fqName string) (rec SymbolRow, err error) {
	var q = url.Values{}
	q.Set("repo", repo)
	q.Set("branch", branch)
	q.Set("fq_name", fqName)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/lookup?"+q.Encode(), nil)
	if err != nil {
		return rec, err
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return rec, fmt.Errorf("registry lookup: %w", err)
	}
	defer resp.Body.Close()

	if err = statusError(resp.StatusCode); err != nil {
		return rec, err
	}
	var body struct {
		LeaseID   int64  `json:"lease_id"`
		Status    string `json:"status"`
		FilePath  string `json:"file_path"`
		CommitSHA string `json:"commit_sha"`
	}
	if err = json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return rec, fmt.Errorf("decoding lookup response: %w", err)
	}
	rec.ID = body.LeaseID
	rec.Status = body.Status
	rec.FilePath = body.FilePath
	rec.CommitSHA = body.CommitSHA
	rec.Repo, rec.Branch, rec.FQName = repo, branch, fqName
	return rec, nil
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("registry %s: %w", path, err)
	}
	defer resp.Body.Close()

	if err = statusError(resp.StatusCode); err != nil {
		return err
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// statusError maps the registry's HTTP statuses back onto its error kinds.
func statusError(code int) error {
	switch {
	case code == http.StatusConflict:
		return ErrConflict
	case code == http.StatusBadRequest:
		return ErrInvalidLease
	case code == http.StatusNotFound:
		return ErrNotFound
	case code >= 300:
		return fmt.Errorf("registry returned status %d", code)
	}
	return nil
}
