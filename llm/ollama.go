package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

type ollamaProvider struct {
	endpoint string
	http     *http.Client
}

func newOllama(cfg Config) (Provider, error) {
	var endpoint = cfg.Endpoint
	if endpoint == "" {
		endpoint = "http://ollama:11434/api/chat"
	}
	return &ollamaProvider{
		endpoint: endpoint,
		http:     &http.Client{Timeout: 120 * time.Second},
	}, nil
}

func (p *ollamaProvider) Name() string { return "ollama" }

func (p *ollamaProvider) Chat(ctx context.Context, req Request) (Response, error) {
	var payload = map[string]interface{}{
		"model":    req.Model,
		"messages": req.Messages,
		"options":  map[string]interface{}{"temperature": req.Temperature},
		"stream":   false,
	}
	if req.JSONMode {
		payload["format"] = "json"
	}
	var body, err = json.Marshal(payload)
	if err != nil {
		return Response{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return Response{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := p.http.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("ollama request: %w", err)
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK {
		return Response{}, fmt.Errorf("ollama status %d", httpResp.StatusCode)
	}

	// Ollama's schema is minimal; local models have no usage accounting.
	var parsed struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	}
	if err = json.NewDecoder(httpResp.Body).Decode(&parsed); err != nil {
		return Response{}, fmt.Errorf("decoding ollama response: %w", err)
	}
	return Response{Content: parsed.Message.Content}, nil
}
