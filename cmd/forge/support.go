package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/autoforge/forge/bus"
	"github.com/autoforge/forge/llm"
	"github.com/autoforge/forge/retrieval"
	log "github.com/sirupsen/logrus"
)

// busConfig is the broker flag group shared by bus-connected workers.
type busConfig struct {
	Brokers []string `long:"broker" env:"KAFKA_BOOTSTRAP" env-delim:"," default:"localhost:9092" description:"Kafka bootstrap brokers"`
}

// connect joins |group| over |topics| and opens a publisher, both over
// the pipeline codec registry.
func (cfg busConfig) connect(group string, topics ...string) (*bus.Subscription, *bus.Publisher, error) {
	var reg = bus.PipelineRegistry()
	var sub, err = bus.Subscribe(cfg.Brokers, group, topics, reg)
	if err != nil {
		return nil, nil, fmt.Errorf("subscribing: %w", err)
	}
	pub, err := bus.NewPublisher(cfg.Brokers, reg)
	if err != nil {
		sub.Close()
		return nil, nil, fmt.Errorf("opening publisher: %w", err)
	}
	return sub, pub, nil
}

// llmConfig is the gateway flag group of LLM-using workers.
type llmConfig struct {
	Backend  string `long:"llm-backend" env:"LLM_BACKEND" default:"openai" description:"LLM backend"`
	APIKey   string `long:"openai-api-key" env:"OPENAI_API_KEY" description:"Hosted provider API key"`
	Endpoint string `long:"llm-endpoint" env:"LLM_ENDPOINT" description:"Provider endpoint override"`
	CacheDir string `long:"llm-cache-dir" env:"LLM_CACHE_DIR" description:"Response cache directory; empty disables caching"`
	Model    string `long:"llm-model" env:"LLM_MODEL" default:"gpt-4o-mini" description:"Chat model"`
	Mock     bool   `long:"mock-llm" env:"MOCK_LLM" description:"Force the deterministic stub provider"`
}

func (cfg llmConfig) provider() (llm.Provider, error) {
	var backend = cfg.Backend
	if cfg.Mock {
		backend = "dummy"
	}
	return llm.New(llm.Config{
		Backend:  backend,
		APIKey:   cfg.APIKey,
		Endpoint: cfg.Endpoint,
		CacheDir: cfg.CacheDir,
	})
}

// buildEngine assembles the retrieval engine: Qdrant when an endpoint is
// configured, the in-memory index otherwise.
func buildEngine(ctx context.Context, qdrantURL, sparsePath, embedding, model string) (*retrieval.Engine, error) {
	var embed, err = retrieval.NewEmbedder(embedding, model)
	if err != nil {
		return nil, fmt.Errorf("building embedder: %w", err)
	}

	var dense retrieval.DenseIndex
	if qdrantURL != "" {
		if dense, err = retrieval.NewQdrantIndex(ctx, qdrantURL, embed.Dim()); err != nil {
			return nil, fmt.Errorf("opening dense index: %w", err)
		}
	} else {
		dense = retrieval.NewMemoryDense()
	}

	sparse, err := retrieval.OpenSparse(sparsePath)
	if err != nil {
		return nil, fmt.Errorf("opening sparse index: %w", err)
	}
	return &retrieval.Engine{Dense: dense, Sparse: sparse, Embed: embed}, nil
}

// serveHTTP runs |handler| until the context is cancelled, then shuts the
// listener down with a five second grace.
func serveHTTP(ctx context.Context, port int, name string, handler http.Handler) error {
	var server = &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: handler}

	var errCh = make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()
	log.WithFields(log.Fields{"service": name, "port": port}).Info("serving")

	select {
	case err := <-errCh:
		return fmt.Errorf("%s listener: %w", name, err)
	case <-ctx.Done():
	}
	var shutdownCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
