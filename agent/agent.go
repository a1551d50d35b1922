// Package agent implements the coding worker: it materialises a scoped
// clone per task, asks the LLM gateway for a unified diff, applies and
// self-checks it under a bounded retry loop, then commits, pushes, and
// claims the task's symbol leases.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/autoforge/forge/bus"
	"github.com/autoforge/forge/llm"
	"github.com/autoforge/forge/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

var taskOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "agent_task_outcomes_total",
	Help: "Coding task terminal outcomes, by status.",
}, []string{"status"})

// contextCharLimit caps the read-only snippet context fed to the model.
const contextCharLimit = 3000

// snippetRadius sizes each materialised context snippet.
const snippetRadius = 30

// Config parameterises the agent worker.
type Config struct {
	// RemoteRepo is the clone URL of the target repository.
	RemoteRepo string
	// Branch is the base branch tasks start from.
	Branch string
	// CacheRef optionally points at a local repo whose objects seed
	// clones (git --reference-if-able).
	CacheRef string
	// WorkRoot hosts scoped working directories; "" means os.TempDir.
	WorkRoot string
	// MaxRetries bounds re-prompting; a task gets MaxRetries+1 attempts.
	MaxRetries int
	// Model is the chat model requested from the gateway.
	Model string
	// PytestMark restricts the fast-test subset of the self-check battery.
	PytestMark string
}

// Snippets streams context texts for blob ids; satisfied by
// *retrieval.Client.
type Snippets interface {
	Snippet(ctx context.Context, pointID uint64, radius int) (string, error)
}

// Claimer upgrades leases after a successful commit; satisfied by
// *registry.Client.
type Claimer interface {
	Claim(ctx context.Context, leaseID int64, commitSHA string) error
}

// Publisher emits commit results; satisfied by *bus.Publisher.
type Publisher interface {
	Publish(ctx context.Context, topic string, msg interface{}, key string) error
}

// Agent is the coding worker.
type Agent struct {
	cfg Config
	llm llm.Provider
	rag Snippets
	reg Claimer
	pub Publisher
}

// New assembles an Agent over its collaborators.
func New(cfg Config, provider llm.Provider, rag Snippets, reg Claimer, pub Publisher) *Agent {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 2
	}
	if cfg.Branch == "" {
		cfg.Branch = "main"
	}
	return &Agent{cfg: cfg, llm: provider, rag: rag, reg: reg, pub: pub}
}

// Run consumes task bundles until the context is cancelled, publishing a
// terminal CommitResult per task.
func (a *Agent) Run(ctx context.Context, sub *bus.Subscription) error {
	for {
		var env, err = sub.Next(ctx)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil
		} else if err != nil {
			return fmt.Errorf("reading bus: %w", err)
		}
		bundle, ok := env.Message.(*protocol.TaskBundle)
		if !ok {
			continue
		}
		for i := range bundle.Tasks {
			var result = a.ProcessTask(ctx, &bundle.Tasks[i])
			if err = a.pub.Publish(ctx, protocol.TopicCommitResult, &result, env.Key); err != nil {
				return fmt.Errorf("publishing commit result: %w", err)
			}
		}
	}
}

// ProcessTask runs one task to a terminal CommitResult. The scoped
// working directory is removed on every exit path.
func (a *Agent) ProcessTask(ctx context.Context, task *protocol.CodingTask) protocol.CommitResult {
	var result = a.processTask(ctx, task)
	taskOutcomes.WithLabelValues(string(result.Status)).Inc()
	log.WithFields(log.Fields{
		"task": task.ID, "status": result.Status, "sha": result.CommitSHA,
	}).Info("task terminal")
	return result
}

func (a *Agent) processTask(ctx context.Context, task *protocol.CodingTask) protocol.CommitResult {
	var ws, err = materialise(ctx, a.cfg, task.ID)
	if err != nil {
		return hardFail(task, err)
	}
	defer ws.Remove()

	var snippets = a.gatherContext(ctx, task)
	var branch = "agt/" + task.ID
	var message = fmt.Sprintf("%s: %s\n\n[agent:%s]",
		strings.ToLower(string(task.Kind)), task.Goal, task.ID)

	// Failure notes accumulate across attempts and feed the next prompt,
	// letting the model correct itself.
	var notes []string
	for attempt := 0; attempt <= a.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err = ws.reset(ctx, a.cfg.Branch, branch); err != nil {
				return hardFail(task, err)
			}
		}

		diff, err := a.requestPatch(ctx, task, snippets, notes)
		if err != nil {
			var note = fmt.Sprintf("attempt %d: %s", attempt+1, err)
			if isFatal(err) {
				return hardFail(task, err)
			}
			notes = append(notes, note)
			continue
		}

		outcome, detail := applyPatch(ctx, ws.dir, diff)
		switch outcome {
		case Applied:
		case ToolMissing:
			return hardFail(task, errors.New(detail))
		default:
			notes = append(notes, fmt.Sprintf("attempt %d: patch %s: %s", attempt+1, outcome, detail))
			continue
		}

		if ok, output := runSelfChecks(ctx, a.cfg, ws.dir); !ok {
			notes = append(notes, fmt.Sprintf("attempt %d: %s", attempt+1, output))
			continue
		}

		sha, err := ws.commitAndPush(ctx, branch, message)
		if err != nil {
			// Push trouble is usually a transient remote condition.
			notes = append(notes, fmt.Sprintf("attempt %d: %s", attempt+1, err))
			continue
		}

		a.claimLeases(ctx, task, sha)
		return protocol.CommitResult{
			TaskID:     task.ID,
			CommitSHA:  sha,
			Status:     protocol.CommitSuccess,
			BranchName: branch,
		}
	}

	// Retries exhausted: the pipeline may still proceed without this task.
	var last []string
	if len(notes) > 0 {
		last = notes[len(notes)-1:]
	}
	return protocol.CommitResult{
		TaskID: task.ID,
		Status: protocol.CommitSoftFail,
		Notes:  last,
	}
}

// gatherContext concatenates the task's blob snippets up to the hard cap.
// Missing snippets are skipped; context is advisory, not required.
func (a *Agent) gatherContext(ctx context.Context, task *protocol.CodingTask) string {
	var sb strings.Builder
	for _, id := range task.BlobIDs {
		var text, err = a.rag.Snippet(ctx, id, snippetRadius)
		if err != nil {
			log.WithFields(log.Fields{"task": task.ID, "point": id, "err": err}).
				Debug("snippet unavailable")
			continue
		}
		if sb.Len()+len(text)+1 > contextCharLimit {
			break
		}
		sb.WriteString(text)
		sb.WriteString("\n")
	}
	return sb.String()
}

// requestPatch asks the gateway for a {diff, reasoning} JSON reply.
func (a *Agent) requestPatch(ctx context.Context, task *protocol.CodingTask, snippets string, notes []string) (string, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Goal: %s\nKind: %s\n", task.Goal, task.Kind)
	if task.Path != "" {
		fmt.Fprintf(&sb, "Target file: %s\n", task.Path)
	}
	if snippets != "" {
		sb.WriteString("\nRead-only context:\n" + snippets)
	}
	if len(notes) > 0 {
		sb.WriteString("\nPrevious attempts failed:\n")
		for _, note := range notes {
			sb.WriteString("- " + note + "\n")
		}
	}

	var resp, err = a.llm.Chat(ctx, llm.Request{
		Model: a.cfg.Model,
		Messages: []llm.Message{
			{Role: "system", Content: "You are a coding agent. " +
				`Respond with JSON: {"diff": "<unified diff against the repo root>", "reasoning": "..."}.`},
			{Role: "user", Content: sb.String()},
		},
		Temperature: 0.1,
		JSONMode:    true,
	})
	if err != nil {
		return "", fatalError{fmt.Errorf("patch chat: %w", err)}
	}

	var parsed struct {
		Diff      string `json:"diff"`
		Reasoning string `json:"reasoning"`
	}
	if err = json.Unmarshal([]byte(resp.Content), &parsed); err != nil {
		return "", fmt.Errorf("unparseable patch response: %w", err)
	}
	return parsed.Diff, nil
}

// claimLeases upgrades the task's reservations to active records.
// Individual claim failures are logged, never fatal: a lost lease does
// not invalidate the commit.
func (a *Agent) claimLeases(ctx context.Context, task *protocol.CodingTask, sha string) {
	for _, raw := range task.ReservedLeaseIDs {
		var leaseID, err = strconv.ParseInt(raw, 10, 64)
		if err == nil {
			err = a.reg.Claim(ctx, leaseID, sha)
		}
		if err != nil {
			log.WithFields(log.Fields{"task": task.ID, "lease": raw, "err": err}).
				Warn("lease claim failed")
		}
	}
}

// fatalError marks errors which end the task immediately as HARD_FAIL
// rather than consuming a retry.
type fatalError struct{ err error }

func (e fatalError) Error() string { return e.err.Error() }
func (e fatalError) Unwrap() error { return e.err }

func isFatal(err error) bool {
	var fatal fatalError
	return errors.As(err, &fatal)
}

func hardFail(task *protocol.CodingTask, err error) protocol.CommitResult {
	return protocol.CommitResult{
		TaskID: task.ID,
		Status: protocol.CommitHardFail,
		Notes:  []string{err.Error()},
	}
}
