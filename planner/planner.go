// Package planner turns a change request into an ordered plan: it hydrates
// context from the retrieval service, asks the LLM gateway for steps in
// JSON mode, reserves candidate symbol names up front, and publishes the
// result.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/autoforge/forge/bus"
	"github.com/autoforge/forge/llm"
	"github.com/autoforge/forge/protocol"
	"github.com/autoforge/forge/registry"
	"github.com/autoforge/forge/retrieval"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

var (
	plansTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "planner_plans_total",
		Help: "Plans emitted.",
	})
	reserveConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "planner_reserve_conflicts_total",
		Help: "Symbol reservations lost to a concurrent planner.",
	})
)

// Context hydration parameters for planning.
const (
	contextK     = 8
	contextAlpha = 0.3
	reserveTTL   = 600
)

// identifierPattern matches candidate symbol names in a request
// description: an identifier immediately followed by an open paren.
var identifierPattern = regexp.MustCompile(`[A-Za-z_][A-Za-z_0-9]*\(`)

// Retriever hydrates planning context; satisfied by *retrieval.Client.
type Retriever interface {
	HybridSearch(ctx context.Context, query string, k int, alpha float64, filter map[string]string) ([]retrieval.DocHit, error)
}

// Reserver pre-allocates symbol names; satisfied by *registry.Client.
type Reserver interface {
	Reserve(ctx context.Context, req registry.ReserveRequest) (registry.Lease, error)
}

// Publisher emits plans onto the bus; satisfied by *bus.Publisher.
type Publisher interface {
	Publish(ctx context.Context, topic string, msg interface{}, key string) error
}

// Planner is the request-planning worker.
type Planner struct {
	llm   llm.Provider
	rag   Retriever
	reg   Reserver
	pub   Publisher
	model string
}

// New assembles a Planner over its collaborators.
func New(provider llm.Provider, rag Retriever, reg Reserver, pub Publisher, model string) *Planner {
	return &Planner{llm: provider, rag: rag, reg: reg, pub: pub, model: model}
}

// Run consumes change requests until the context is cancelled. A failed
// request is logged and skipped, never fatal.
func (p *Planner) Run(ctx context.Context, sub *bus.Subscription) error {
	for {
		var env, err = sub.Next(ctx)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil
		} else if err != nil {
			return fmt.Errorf("reading bus: %w", err)
		}
		cr, ok := env.Message.(*protocol.ChangeRequest)
		if !ok {
			continue
		}
		if err = p.Handle(ctx, cr); err != nil {
			log.WithFields(log.Fields{"request": cr.ID, "err": err}).Warn("planning failed")
		}
	}
}

// Handle plans one change request and publishes the resulting Plan.
func (p *Planner) Handle(ctx context.Context, cr *protocol.ChangeRequest) error {
	var snippets = p.hydrate(ctx, cr)

	resp, err := p.llm.Chat(ctx, llm.Request{
		Model:       p.model,
		Messages:    buildPrompt(cr, snippets),
		Temperature: 0.1,
		JSONMode:    true,
	})
	if err != nil {
		return fmt.Errorf("planning chat: %w", err)
	}

	var parsed struct {
		Steps []struct {
			Goal string `json:"goal"`
			Kind string `json:"kind"`
			Path string `json:"path"`
		} `json:"steps"`
		Rationale []string `json:"rationale"`
	}
	if err = json.Unmarshal([]byte(resp.Content), &parsed); err != nil {
		return fmt.Errorf("parsing plan response: %w", err)
	} else if len(parsed.Steps) == 0 {
		return fmt.Errorf("plan response contains no steps")
	}

	var plan = protocol.Plan{
		ID:              uuid.NewString(),
		ParentRequestID: cr.ID,
		Rationale:       parsed.Rationale,
	}
	for i, step := range parsed.Steps {
		plan.Steps = append(plan.Steps, protocol.Step{
			Order: i + 1,
			Goal:  step.Goal,
			Kind:  stepKind(step.Kind),
			Path:  step.Path,
		})
	}
	plan.ReservedLeaseIDs = p.reserveSymbols(ctx, cr, &plan)

	if err = p.pub.Publish(ctx, protocol.TopicPlan, &plan, cr.ID); err != nil {
		return fmt.Errorf("publishing plan: %w", err)
	}
	plansTotal.Inc()
	log.WithFields(log.Fields{
		"request": cr.ID,
		"plan":    plan.ID,
		"steps":   len(plan.Steps),
		"leases":  len(plan.ReservedLeaseIDs),
	}).Info("plan emitted")
	return nil
}

// hydrate retrieves context snippets for the description. Retrieval
// trouble degrades to an uninformed plan rather than failing the request.
func (p *Planner) hydrate(ctx context.Context, cr *protocol.ChangeRequest) []string {
	var hits, err = p.rag.HybridSearch(ctx, cr.Description, contextK, contextAlpha, nil)
	if err != nil {
		log.WithFields(log.Fields{"request": cr.ID, "err": err}).
			Warn("context retrieval failed; planning without context")
		return nil
	}
	var snippets = make([]string, 0, len(hits))
	for _, hit := range hits {
		if hit.Snippet != "" {
			snippets = append(snippets, hit.Snippet)
		}
	}
	return snippets
}

// reserveSymbols extracts identifier tokens from the description and
// reserves each as a function name. Conflicts are expected under planner
// concurrency and never block the plan; the registry's uniqueness
// constraint makes re-processing a request harmless.
func (p *Planner) reserveSymbols(ctx context.Context, cr *protocol.ChangeRequest, plan *protocol.Plan) []string {
	var path string
	if n := len(plan.Steps); n > 0 {
		path = plan.Steps[n-1].Path
	}

	var leases []string
	for _, name := range extractIdentifiers(cr.Description) {
		var lease, err = p.reg.Reserve(ctx, registry.ReserveRequest{
			Repo:     cr.Repo,
			Branch:   cr.Branch,
			FQName:   name,
			Kind:     "function",
			FilePath: path,
			PlanID:   plan.ID,
			TTLSec:   reserveTTL,
		})
		if errors.Is(err, registry.ErrConflict) {
			reserveConflicts.Inc()
			log.WithFields(log.Fields{"request": cr.ID, "symbol": name}).
				Info("symbol already reserved; continuing")
			continue
		} else if err != nil {
			log.WithFields(log.Fields{"request": cr.ID, "symbol": name, "err": err}).
				Warn("symbol reservation failed; continuing")
			continue
		}
		leases = append(leases, strconv.FormatInt(lease.LeaseID, 10))
	}
	return leases
}

// extractIdentifiers returns the deduplicated identifier tokens of
// |description| which are immediately followed by an open paren.
func extractIdentifiers(description string) []string {
	var seen = map[string]struct{}{}
	var names []string
	for _, match := range identifierPattern.FindAllString(description, -1) {
		var name = strings.TrimSuffix(match, "(")
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	return names
}

func buildPrompt(cr *protocol.ChangeRequest, snippets []string) []llm.Message {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Change request for repository %s (branch %s):\n%s\n",
		cr.Repo, cr.Branch, cr.Description)
	if len(snippets) > 0 {
		sb.WriteString("\nRelevant code context:\n")
		for _, snippet := range snippets {
			sb.WriteString("---\n")
			sb.WriteString(snippet)
			sb.WriteString("\n")
		}
	}
	return []llm.Message{
		{Role: "system", Content: "You are a software planning assistant. " +
			`Respond with JSON: {"steps": [{"goal": "...", "kind": "ADD|MODIFY|REMOVE|REFACTOR", "path": "..."}], "rationale": ["..."]}. ` +
			"Order steps so each builds on the previous."},
		{Role: "user", Content: sb.String()},
	}
}

// stepKind normalises the model's kind label, defaulting to MODIFY.
func stepKind(kind string) protocol.StepKind {
	switch k := protocol.StepKind(strings.ToUpper(kind)); k {
	case protocol.StepAdd, protocol.StepModify, protocol.StepRemove, protocol.StepRefactor:
		return k
	default:
		return protocol.StepModify
	}
}
