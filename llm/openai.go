package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
)

// Simplified USD-per-1K-token cost table: (prompt, completion).
// Unlisted models account as zero.
var openaiCost = map[string][2]float64{
	"gpt-4o-mini": {0.005, 0.015},
	"gpt-4o":      {0.01, 0.03},
}

type openaiProvider struct {
	endpoint string
	apiKey   string
	http     *http.Client
}

func newOpenAI(cfg Config) (Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required for the openai backend")
	}
	var endpoint = cfg.Endpoint
	if endpoint == "" {
		endpoint = "https://api.openai.com/v1/chat/completions"
	}
	return &openaiProvider{
		endpoint: endpoint,
		apiKey:   cfg.APIKey,
		http:     &http.Client{Timeout: 120 * time.Second},
	}, nil
}

func (p *openaiProvider) Name() string { return "openai" }

// Chat calls the completions endpoint, retrying API errors with
// exponential backoff for up to 60s of wall clock. Non-API errors
// propagate immediately.
func (p *openaiProvider) Chat(ctx context.Context, req Request) (Response, error) {
	var payload = map[string]interface{}{
		"model":       req.Model,
		"messages":    req.Messages,
		"temperature": req.Temperature,
	}
	if req.JSONMode {
		payload["response_format"] = map[string]string{"type": "json_object"}
	}
	for k, v := range req.Opts {
		payload[k] = v
	}
	var body, err = json.Marshal(payload)
	if err != nil {
		return Response{}, err
	}

	var policy = backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 60 * time.Second

	var resp Response
	err = backoff.Retry(func() error {
		var attempt, err = p.once(ctx, body, req.Model)
		if err != nil {
			log.WithFields(log.Fields{"model": req.Model, "err": err}).Warn("openai call failed")
			return err
		}
		resp = attempt
		return nil
	}, backoff.WithContext(policy, ctx))
	return resp, err
}

func (p *openaiProvider) once(ctx context.Context, body []byte, model string) (Response, error) {
	var httpReq, err = http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return Response{}, backoff.Permanent(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	httpResp, err := p.http.Do(httpReq)
	if err != nil {
		return Response{}, err
	}
	defer httpResp.Body.Close()

	// Rate limits and server errors are retryable API errors; other
	// non-2xx statuses are not.
	if httpResp.StatusCode == http.StatusTooManyRequests || httpResp.StatusCode >= 500 {
		return Response{}, fmt.Errorf("openai status %d", httpResp.StatusCode)
	} else if httpResp.StatusCode != http.StatusOK {
		return Response{}, backoff.Permanent(fmt.Errorf("openai status %d", httpResp.StatusCode))
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err = json.NewDecoder(httpResp.Body).Decode(&parsed); err != nil {
		return Response{}, backoff.Permanent(fmt.Errorf("decoding completion: %w", err))
	}
	if len(parsed.Choices) == 0 {
		return Response{}, backoff.Permanent(fmt.Errorf("completion had no choices"))
	}

	var cost = openaiCost[model]
	return Response{
		Content:          parsed.Choices[0].Message.Content,
		TokensPrompt:     parsed.Usage.PromptTokens,
		TokensCompletion: parsed.Usage.CompletionTokens,
		CostUSD: float64(parsed.Usage.PromptTokens)/1000*cost[0] +
			float64(parsed.Usage.CompletionTokens)/1000*cost[1],
	}, nil
}
