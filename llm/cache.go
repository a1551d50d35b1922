package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
)

// CachingProvider fronts another Provider with a content-addressed disk
// cache. Hits return the stored response without a network call. Writes
// go through a temp file and an atomic rename, so concurrent writers of
// one key are safe: whichever rename lands last wins, and both wrote the
// same deterministic bytes. Entries are immutable for the life of a
// pipeline run.
type CachingProvider struct {
	inner Provider
	dir   string
}

// NewCachingProvider ensures |dir| exists and returns the caching wrapper.
func NewCachingProvider(inner Provider, dir string) (*CachingProvider, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &CachingProvider{inner: inner, dir: dir}, nil
}

func (c *CachingProvider) Name() string { return c.inner.Name() }

func (c *CachingProvider) Chat(ctx context.Context, req Request) (Response, error) {
	var path, err = c.keyPath(req)
	if err != nil {
		return Response{}, err
	}

	if data, err := os.ReadFile(path); err == nil {
		var resp Response
		if err = json.Unmarshal(data, &resp); err == nil {
			return resp, nil
		}
		log.WithFields(log.Fields{"path": path, "err": err}).Warn("discarding corrupt cache entry")
	}

	resp, err := c.inner.Chat(ctx, req)
	if err != nil {
		return Response{}, err
	}
	if err = c.write(path, resp); err != nil {
		// A failed cache write costs a future network call, nothing more.
		log.WithFields(log.Fields{"path": path, "err": err}).Warn("cache write failed")
	}
	return resp, nil
}

// keyPath derives the cache file from sha256 over the model, canonical
// JSON of the messages, and the options.
func (c *CachingProvider) keyPath(req Request) (string, error) {
	var canonical, err = json.Marshal(struct {
		Model    string                 `json:"m"`
		Messages []Message              `json:"msg"`
		Opts     map[string]interface{} `json:"kw"`
	}{req.Model, req.Messages, cacheOpts(req)})
	if err != nil {
		return "", fmt.Errorf("canonicalising request: %w", err)
	}
	var sum = sha256.Sum256(canonical)
	return filepath.Join(c.dir, hex.EncodeToString(sum[:])+".json"), nil
}

// cacheOpts folds temperature and JSON mode into the keyed options so
// differing invocations never share an entry.
func cacheOpts(req Request) map[string]interface{} {
	var opts = map[string]interface{}{
		"temperature": req.Temperature,
		"json_mode":   req.JSONMode,
	}
	for k, v := range req.Opts {
		opts[k] = v
	}
	return opts
}

func (c *CachingProvider) write(path string, resp Response) error {
	var data, err = json.Marshal(resp)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(c.dir, ".cache-*")
	if err != nil {
		return err
	}
	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err = tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
