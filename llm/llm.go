// Package llm is the provider-abstracted gateway to chat models, with
// content-addressed response caching, JSON mode, retry, and cost
// accounting.
package llm

import (
	"context"
	"fmt"
	"sort"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a single chat invocation.
type Request struct {
	Model       string
	Messages    []Message
	Temperature float64
	JSONMode    bool
	// Opts carries provider-specific options; they participate in the
	// cache key.
	Opts map[string]interface{}
}

// Response is the provider's reply plus usage accounting.
type Response struct {
	Content          string  `json:"content"`
	TokensPrompt     int     `json:"tokens_prompt"`
	TokensCompletion int     `json:"tokens_completion"`
	CostUSD          float64 `json:"cost_usd"`
}

// Provider is a chat backend. Implementations must be safe for
// concurrent use.
type Provider interface {
	Name() string
	Chat(ctx context.Context, req Request) (Response, error)
}

// Config parameterises provider construction.
type Config struct {
	// Backend selects the provider: one of Backends().
	Backend string
	// APIKey authenticates hosted providers.
	APIKey string
	// Endpoint overrides the provider's default URL.
	Endpoint string
	// CacheDir enables the disk cache when non-empty.
	CacheDir string
}

// constructors is the static registry of provider constructors, keyed by
// the LLM_BACKEND configuration value. An unknown value is a startup
// failure, not a lazy one.
var constructors = map[string]func(Config) (Provider, error){
	"openai": newOpenAI,
	"ollama": newOllama,
	"dummy":  func(Config) (Provider, error) { return NewDummy(), nil },
}

// New builds the configured provider, wrapped with the disk cache when
// one is configured.
func New(cfg Config) (Provider, error) {
	var build, ok = constructors[cfg.Backend]
	if !ok {
		return nil, fmt.Errorf("unknown LLM backend %q (have %v)", cfg.Backend, Backends())
	}
	var provider, err = build(cfg)
	if err != nil {
		return nil, fmt.Errorf("building %s provider: %w", cfg.Backend, err)
	}
	if cfg.CacheDir != "" {
		if provider, err = NewCachingProvider(provider, cfg.CacheDir); err != nil {
			return nil, fmt.Errorf("opening LLM cache: %w", err)
		}
	}
	return provider, nil
}

// Backends lists the registered provider names, sorted.
func Backends() []string {
	var names = make([]string, 0, len(constructors))
	for name := range constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
