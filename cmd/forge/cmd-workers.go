package main

import (
	"fmt"

	"github.com/autoforge/forge/agent"
	"github.com/autoforge/forge/ci"
	"github.com/autoforge/forge/codeplan"
	"github.com/autoforge/forge/orchestrator"
	"github.com/autoforge/forge/planner"
	"github.com/autoforge/forge/protocol"
	"github.com/autoforge/forge/registry"
	"github.com/autoforge/forge/retrieval"
)

type cmdOrchestrator struct {
	Bus busConfig
	Log logConfig
}

func (cmd cmdOrchestrator) Execute(_ []string) error {
	initLog(cmd.Log)

	var ctx, cancel = signalCtx()
	defer cancel()

	var sub, pub, err = cmd.Bus.connect("orchestrator", protocol.PipelineTopics...)
	if err != nil {
		return err
	}
	defer sub.Close()
	defer pub.Close()

	return orchestrator.New(pub).Run(ctx, sub)
}

type cmdRequestPlanner struct {
	Bus         busConfig
	LLM         llmConfig
	RAGEndpoint string `long:"rag-endpoint" env:"RAG_ENDPOINT" default:"http://localhost:9091" description:"Retrieval service endpoint"`
	Registry    string `long:"registry-endpoint" env:"REGISTRY_ENDPOINT" default:"http://localhost:9090" description:"Symbol registry endpoint"`
	Log         logConfig
}

func (cmd cmdRequestPlanner) Execute(_ []string) error {
	initLog(cmd.Log)

	var ctx, cancel = signalCtx()
	defer cancel()

	var provider, err = cmd.LLM.provider()
	if err != nil {
		return err
	}
	rag, err := retrieval.NewClient(cmd.RAGEndpoint)
	if err != nil {
		return fmt.Errorf("building retrieval client: %w", err)
	}
	sub, pub, err := cmd.Bus.connect("request-planner", protocol.TopicChangeRequest)
	if err != nil {
		return err
	}
	defer sub.Close()
	defer pub.Close()

	var worker = planner.New(provider, rag, registry.NewClient(cmd.Registry), pub, cmd.LLM.Model)
	return worker.Run(ctx, sub)
}

type cmdCodePlanner struct {
	Bus         busConfig
	RAGEndpoint string `long:"rag-endpoint" env:"RAG_ENDPOINT" default:"http://localhost:9091" description:"Retrieval service endpoint"`
	Log         logConfig
}

func (cmd cmdCodePlanner) Execute(_ []string) error {
	initLog(cmd.Log)

	var ctx, cancel = signalCtx()
	defer cancel()

	var rag, err = retrieval.NewClient(cmd.RAGEndpoint)
	if err != nil {
		return fmt.Errorf("building retrieval client: %w", err)
	}
	sub, pub, err := cmd.Bus.connect("code-planner", protocol.TopicPlan)
	if err != nil {
		return err
	}
	defer sub.Close()
	defer pub.Close()

	return codeplan.New(rag, pub).Run(ctx, sub)
}

type cmdCodingAgent struct {
	Bus         busConfig
	LLM         llmConfig
	RemoteRepo  string `long:"remote-repo" env:"REMOTE_REPO" required:"true" description:"Clone URL of the target repository"`
	Branch      string `long:"branch" env:"REMOTE_BRANCH" default:"main" description:"Base branch"`
	CacheRef    string `long:"git-cache-ref" env:"GIT_CACHE_REF" description:"Local reference repo seeding clones"`
	MaxRetries  int    `long:"max-retries" env:"MAX_RETRIES" default:"2" description:"Patch attempts beyond the first"`
	PytestMark  string `long:"pytest-mark" env:"PYTEST_MARK" description:"Marker restricting the fast-test subset"`
	RAGEndpoint string `long:"rag-endpoint" env:"RAG_ENDPOINT" default:"http://localhost:9091" description:"Retrieval service endpoint"`
	Registry    string `long:"registry-endpoint" env:"REGISTRY_ENDPOINT" default:"http://localhost:9090" description:"Symbol registry endpoint"`
	Log         logConfig
}

func (cmd cmdCodingAgent) Execute(_ []string) error {
	initLog(cmd.Log)

	var ctx, cancel = signalCtx()
	defer cancel()

	var provider, err = cmd.LLM.provider()
	if err != nil {
		return err
	}
	rag, err := retrieval.NewClient(cmd.RAGEndpoint)
	if err != nil {
		return fmt.Errorf("building retrieval client: %w", err)
	}
	sub, pub, err := cmd.Bus.connect("coding-agent", protocol.TopicTaskBundle)
	if err != nil {
		return err
	}
	defer sub.Close()
	defer pub.Close()

	var worker = agent.New(agent.Config{
		RemoteRepo: cmd.RemoteRepo,
		Branch:     cmd.Branch,
		CacheRef:   cmd.CacheRef,
		MaxRetries: cmd.MaxRetries,
		Model:      cmd.LLM.Model,
		PytestMark: cmd.PytestMark,
	}, provider, rag, registry.NewClient(cmd.Registry), pub)
	return worker.Run(ctx, sub)
}

type cmdCIRunner struct {
	Bus          busConfig
	RemoteRepo   string `long:"remote-repo" env:"REMOTE_REPO" required:"true" description:"Clone URL of the target repository"`
	ArtefactRoot string `long:"artefact-root" env:"ARTEFACT_ROOT" default:"/var/lib/forge/artefacts" description:"Build artefact directory"`
	PytestMark   string `long:"pytest-mark" env:"PYTEST_MARK" description:"Marker restricting the test run"`
	Log          logConfig
}

func (cmd cmdCIRunner) Execute(_ []string) error {
	initLog(cmd.Log)

	var ctx, cancel = signalCtx()
	defer cancel()

	var sub, pub, err = cmd.Bus.connect("ci-runner", protocol.TopicCommitResult)
	if err != nil {
		return err
	}
	defer sub.Close()
	defer pub.Close()

	var worker = ci.New(ci.Config{
		RemoteRepo:   cmd.RemoteRepo,
		ArtefactRoot: cmd.ArtefactRoot,
		PytestMark:   cmd.PytestMark,
	}, pub)
	return worker.Run(ctx, sub)
}
