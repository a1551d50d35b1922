package main

import (
	"fmt"

	"github.com/autoforge/forge/gitadapter"
	"github.com/autoforge/forge/registry"
	"github.com/autoforge/forge/retrieval"
)

type cmdServeRegistry struct {
	DatabaseURL string `long:"database-url" env:"DATABASE_URL" required:"true" description:"Postgres connection string"`
	Port        int    `long:"port" env:"REGISTRY_PORT" default:"9090" description:"Listen port"`
	Log         logConfig
}

func (cmd cmdServeRegistry) Execute(_ []string) error {
	initLog(cmd.Log)

	var ctx, cancel = signalCtx()
	defer cancel()

	var store, err = registry.Open(ctx, cmd.DatabaseURL)
	if err != nil {
		return fmt.Errorf("opening registry store: %w", err)
	}
	return serveHTTP(ctx, cmd.Port, "registry", registry.NewHandler(store))
}

type cmdServeRAG struct {
	QdrantURL  string `long:"qdrant-url" env:"QDRANT_URL" description:"Qdrant endpoint; empty selects the in-memory index"`
	SparsePath string `long:"sparse-path" env:"SPARSE_PATH" default:"forge-sparse.db" description:"SQLite file of the lexical index"`
	Embedding  string `long:"embedding-backend" env:"EMBEDDING_BACKEND" default:"sentence_transformers" description:"Embedding backend"`
	Model      string `long:"embedding-model" env:"EMBEDDING_MODEL" description:"Embedding model name"`
	Port       int    `long:"port" env:"RAG_PORT" default:"9091" description:"Listen port"`
	Log        logConfig
}

func (cmd cmdServeRAG) Execute(_ []string) error {
	initLog(cmd.Log)

	var ctx, cancel = signalCtx()
	defer cancel()

	var engine, err = buildEngine(ctx, cmd.QdrantURL, cmd.SparsePath, cmd.Embedding, cmd.Model)
	if err != nil {
		return err
	}
	return serveHTTP(ctx, cmd.Port, "rag", retrieval.NewHandler(engine))
}

type cmdServeGitAdapter struct {
	CacheRoot string `long:"git-cache" env:"GIT_CACHE" default:"/var/cache/forge-git" description:"Bare mirror cache root"`
	Port      int    `long:"port" env:"GIT_ADAPTER_PORT" default:"9092" description:"Listen port"`
	Log       logConfig
}

func (cmd cmdServeGitAdapter) Execute(_ []string) error {
	initLog(cmd.Log)

	var ctx, cancel = signalCtx()
	defer cancel()
	return serveHTTP(ctx, cmd.Port, "git-adapter", gitadapter.NewHandler(gitadapter.NewService(cmd.CacheRoot)))
}
