// Package codeplan expands a plan into a bundle of coding tasks: one task
// per step, hydrated with retrieval context and labelled by the cyclomatic
// complexity of its surroundings.
package codeplan

import (
	"context"
	"errors"
	"fmt"

	"github.com/autoforge/forge/bus"
	"github.com/autoforge/forge/protocol"
	"github.com/autoforge/forge/retrieval"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

var bundlesTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "codeplan_bundles_total",
	Help: "Task bundles emitted.",
})

// Context hydration parameters for task expansion.
const (
	contextK     = 6
	contextAlpha = 0.25
)

// Retriever hydrates per-step context; satisfied by *retrieval.Client.
type Retriever interface {
	HybridSearch(ctx context.Context, query string, k int, alpha float64, filter map[string]string) ([]retrieval.DocHit, error)
}

// Publisher emits task bundles; satisfied by *bus.Publisher.
type Publisher interface {
	Publish(ctx context.Context, topic string, msg interface{}, key string) error
}

// Planner is the code-planning worker.
type Planner struct {
	rag Retriever
	pub Publisher
}

// New assembles a Planner over its collaborators.
func New(rag Retriever, pub Publisher) *Planner {
	return &Planner{rag: rag, pub: pub}
}

// Run consumes plans until the context is cancelled.
func (p *Planner) Run(ctx context.Context, sub *bus.Subscription) error {
	for {
		var env, err = sub.Next(ctx)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil
		} else if err != nil {
			return fmt.Errorf("reading bus: %w", err)
		}
		plan, ok := env.Message.(*protocol.Plan)
		if !ok {
			continue
		}
		if err = p.Handle(ctx, plan); err != nil {
			log.WithFields(log.Fields{"plan": plan.ID, "err": err}).Warn("task expansion failed")
		}
	}
}

// Handle expands one plan and publishes its TaskBundle atomically: all
// tasks of a plan travel in a single message.
func (p *Planner) Handle(ctx context.Context, plan *protocol.Plan) error {
	var bundle = protocol.TaskBundle{PlanID: plan.ID}

	for _, step := range plan.Steps {
		var task = protocol.CodingTask{
			ID:           uuid.NewString(),
			ParentPlanID: plan.ID,
			StepNumber:   step.Order,
			Goal:         step.Goal,
			Path:         step.Path,
			Kind:         step.Kind,
		}
		task.BlobIDs, task.Complexity = p.hydrate(ctx, step)
		bundle.Tasks = append(bundle.Tasks, task)
	}

	// The plan's leases ride on the final task, the step which lands the
	// reserved symbols; the agent claims them once that commit exists.
	if n := len(bundle.Tasks); n > 0 {
		bundle.Tasks[n-1].ReservedLeaseIDs = plan.ReservedLeaseIDs
	}

	if err := p.pub.Publish(ctx, protocol.TopicTaskBundle, &bundle, plan.ParentRequestID); err != nil {
		return fmt.Errorf("publishing bundle: %w", err)
	}
	bundlesTotal.Inc()
	log.WithFields(log.Fields{
		"plan": plan.ID, "request": plan.ParentRequestID, "tasks": len(bundle.Tasks),
	}).Info("task bundle emitted")
	return nil
}

// hydrate searches context for one step and grades its complexity from the
// best-ranked snippet. Retrieval trouble degrades to an uninformed,
// moderate task.
func (p *Planner) hydrate(ctx context.Context, step protocol.Step) ([]uint64, protocol.Complexity) {
	var filter map[string]string
	if step.Path != "" {
		filter = map[string]string{"path": step.Path}
	}
	var hits, err = p.rag.HybridSearch(ctx, step.Goal, contextK, contextAlpha, filter)
	if err != nil {
		log.WithFields(log.Fields{"goal": step.Goal, "err": err}).
			Warn("context retrieval failed; labelling moderate")
		return nil, protocol.ComplexityModerate
	}
	if len(hits) == 0 {
		return nil, protocol.ComplexityModerate
	}

	var ids = make([]uint64, len(hits))
	for i, hit := range hits {
		ids[i] = hit.PointID
	}
	return ids, gradeComplexity(hits[0].Snippet)
}
