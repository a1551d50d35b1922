package main

import (
	"fmt"

	"github.com/autoforge/forge/bus"
	"github.com/autoforge/forge/protocol"
	"github.com/autoforge/forge/retrieval"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

type cmdSubmit struct {
	Bus         busConfig
	Repo        string `long:"repo" env:"REMOTE_REPO" required:"true" description:"Target repository"`
	Branch      string `long:"branch" default:"main" description:"Target branch"`
	Requester   string `long:"requester" default:"cli" description:"Requester identity"`
	Description string `long:"description" required:"true" description:"What should change"`
	Log         logConfig
}

func (cmd cmdSubmit) Execute(_ []string) error {
	initLog(cmd.Log)

	var ctx, cancel = signalCtx()
	defer cancel()

	var pub, err = bus.NewPublisher(cmd.Bus.Brokers, bus.PipelineRegistry())
	if err != nil {
		return fmt.Errorf("opening publisher: %w", err)
	}
	defer pub.Close()

	var cr = protocol.ChangeRequest{
		ID:          uuid.NewString(),
		Requester:   cmd.Requester,
		Repo:        cmd.Repo,
		Branch:      cmd.Branch,
		Description: cmd.Description,
	}
	if err = pub.Publish(ctx, protocol.TopicChangeRequest, &cr, cr.ID); err != nil {
		return err
	}
	log.WithField("request", cr.ID).Info("change request submitted")
	fmt.Println(cr.ID)
	return nil
}

type cmdIngest struct {
	RepoDir    string `long:"repo-dir" required:"true" description:"Local repository working tree"`
	CommitSHA  string `long:"sha" default:"HEAD" description:"Commit whose changed files are ingested"`
	QdrantURL  string `long:"qdrant-url" env:"QDRANT_URL" description:"Qdrant endpoint; empty selects the in-memory index"`
	SparsePath string `long:"sparse-path" env:"SPARSE_PATH" default:"forge-sparse.db" description:"SQLite file of the lexical index"`
	Embedding  string `long:"embedding-backend" env:"EMBEDDING_BACKEND" default:"sentence_transformers" description:"Embedding backend"`
	Model      string `long:"embedding-model" env:"EMBEDDING_MODEL" description:"Embedding model name"`
	Log        logConfig
}

func (cmd cmdIngest) Execute(_ []string) error {
	initLog(cmd.Log)

	var ctx, cancel = signalCtx()
	defer cancel()

	var engine, err = buildEngine(ctx, cmd.QdrantURL, cmd.SparsePath, cmd.Embedding, cmd.Model)
	if err != nil {
		return err
	}
	var ing = retrieval.Ingester{Engine: engine}
	if err = ing.IngestCommit(ctx, cmd.CommitSHA, cmd.RepoDir); err != nil {
		return err
	}
	log.WithFields(log.Fields{"sha": cmd.CommitSHA, "repo": cmd.RepoDir}).Info("commit ingested")
	return nil
}
