package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/autoforge/forge/bus"
	"github.com/autoforge/forge/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

var stageTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "orch_stage_total",
	Help: "Stage entries, by stage.",
}, []string{"stage"})

// Publisher is the slice of the bus the orchestrator needs; satisfied by
// *bus.Publisher.
type Publisher interface {
	Publish(ctx context.Context, topic string, msg interface{}, key string) error
}

// Orchestrator observes every pipeline topic and advances one FSM per
// change request. Messages of one request arrive in producer order
// because every topic is partition-keyed by the request id.
type Orchestrator struct {
	pub Publisher

	mu       sync.Mutex
	requests map[string]*requestState
}

type requestState struct {
	fsm *FSM
	// pending holds task ids which have not yet reached a terminal
	// CommitResult.
	pending map[string]struct{}
	// hints collects failure notes for a later regression signal.
	hints []string
}

// New returns an Orchestrator publishing regression signals via |pub|.
func New(pub Publisher) *Orchestrator {
	return &Orchestrator{pub: pub, requests: make(map[string]*requestState)}
}

// Run consumes |sub| until the context is cancelled. Handling errors are
// logged, never fatal.
func (o *Orchestrator) Run(ctx context.Context, sub *bus.Subscription) error {
	for {
		var env, err = sub.Next(ctx)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil
		} else if err != nil {
			return fmt.Errorf("reading bus: %w", err)
		}
		if err = o.Handle(ctx, env); err != nil {
			log.WithFields(log.Fields{"topic": env.Topic, "key": env.Key, "err": err}).
				Warn("orchestrator skipped message")
		}
	}
}

// Handle applies one decoded message to its request's state machine.
func (o *Orchestrator) Handle(ctx context.Context, env bus.Envelope) error {
	switch msg := env.Message.(type) {
	case *protocol.ChangeRequest:
		return o.onChangeRequest(msg)
	case *protocol.Plan:
		return o.fire(msg.ParentRequestID, EventPlan)
	case *protocol.TaskBundle:
		return o.onTaskBundle(env.Key, msg)
	case *protocol.CommitResult:
		return o.onCommitResult(ctx, env.Key, msg)
	case *protocol.BuildReport:
		return o.onBuildReport(ctx, env.Key, msg)
	case *protocol.TestSpec:
		return o.fire(env.Key, EventTestSpec)
	case *protocol.GeneratedTests:
		return o.onGeneratedTests(ctx, env.Key, msg)
	case *protocol.RegressionSignal:
		return o.onRegression(msg)
	default:
		return fmt.Errorf("unrouted message type %T", env.Message)
	}
}

// State reports the stage of |requestID|, idle when unknown.
func (o *Orchestrator) State(requestID string) Stage {
	o.mu.Lock()
	defer o.mu.Unlock()
	if state, ok := o.requests[requestID]; ok {
		return state.fsm.State()
	}
	return StageIdle
}

func (o *Orchestrator) onChangeRequest(cr *protocol.ChangeRequest) error {
	o.mu.Lock()
	var state = o.state(cr.ID)
	var err = state.fsm.Fire(EventChangeRequest)
	o.mu.Unlock()
	if err != nil {
		return err
	}
	o.entered(cr.ID, StagePlan)
	log.WithFields(log.Fields{"request": cr.ID, "repo": cr.Repo}).Info("request accepted")
	return nil
}

func (o *Orchestrator) onTaskBundle(requestID string, bundle *protocol.TaskBundle) error {
	o.mu.Lock()
	var state = o.state(requestID)
	for _, task := range bundle.Tasks {
		state.pending[task.ID] = struct{}{}
	}
	o.mu.Unlock()
	log.WithFields(log.Fields{
		"request": requestID, "plan": bundle.PlanID, "tasks": len(bundle.Tasks),
	}).Info("tracking task bundle")
	return nil
}

// onCommitResult drains the pending set. A SUCCESS simply completes its
// task; SOFT_FAIL and HARD_FAIL are terminal too, recorded as regression
// hints without firing build_fail. code_ok fires only once the set is
// empty and at least one bundle was observed.
func (o *Orchestrator) onCommitResult(ctx context.Context, requestID string, res *protocol.CommitResult) error {
	o.mu.Lock()
	var state = o.state(requestID)
	delete(state.pending, res.TaskID)
	if res.Status != protocol.CommitSuccess {
		state.hints = append(state.hints,
			fmt.Sprintf("task %s: %s", res.TaskID, res.Status))
		state.hints = append(state.hints, res.Notes...)
	}
	var drained = len(state.pending) == 0 && state.fsm.State() == StageCode
	var err error
	if drained {
		err = state.fsm.Fire(EventCodeOK)
	}
	o.mu.Unlock()

	if err != nil {
		return err
	}
	if drained {
		o.entered(requestID, StageBuild1)
		log.WithField("request", requestID).Info("all coding tasks terminal")
	}
	return nil
}

func (o *Orchestrator) onBuildReport(ctx context.Context, requestID string, report *protocol.BuildReport) error {
	if report.Status == protocol.BuildPassed {
		o.mu.Lock()
		var state = o.state(requestID)
		var err error
		var done bool
		switch state.fsm.State() {
		case StageBuild1:
			err = state.fsm.Fire(EventBuildOK)
		case StageBuild2:
			if err = state.fsm.Fire(EventBuild2OK); err == nil {
				done = true
				err = state.fsm.Fire(EventReset)
			}
		default:
			err = ErrInvalidTransition{Event: EventBuildOK, From: state.fsm.State()}
		}
		o.mu.Unlock()
		if err != nil {
			return err
		}
		if done {
			log.WithField("request", requestID).Info("pipeline complete")
			o.entered(requestID, StageDone)
			o.entered(requestID, StageIdle)
		} else {
			o.entered(requestID, StageTestPlan)
		}
		return nil
	}
	return o.regress(ctx, requestID, append(report.FailedTests, report.LintErrors...))
}

func (o *Orchestrator) onGeneratedTests(ctx context.Context, requestID string, gt *protocol.GeneratedTests) error {
	if gt.Precheck == "PASSED" {
		if err := o.fire(requestID, EventTestsOK); err != nil {
			return err
		}
		return nil
	}
	o.mu.Lock()
	var state = o.state(requestID)
	var err = state.fsm.Fire(EventTestsFail)
	o.mu.Unlock()
	if err != nil {
		return err
	}
	return o.emitRegression(ctx, requestID, []string{"generated tests precheck " + gt.Precheck})
}

// onRegression reacts only to acknowledged signals: the escalation
// handler has taken ownership, so the request resets to idle.
func (o *Orchestrator) onRegression(sig *protocol.RegressionSignal) error {
	if !sig.Acked {
		return nil
	}
	return o.fire(sig.RequestID, EventAck)
}

// regress forces the FSM into the regression stage and emits the signal.
func (o *Orchestrator) regress(ctx context.Context, requestID string, notes []string) error {
	o.mu.Lock()
	var state = o.state(requestID)
	_ = state.fsm.Fire(EventBuildFail)
	notes = append(notes, state.hints...)
	state.hints = nil
	o.mu.Unlock()
	return o.emitRegression(ctx, requestID, notes)
}

func (o *Orchestrator) emitRegression(ctx context.Context, requestID string, notes []string) error {
	o.entered(requestID, StageRegress)
	var sig = &protocol.RegressionSignal{
		RequestID: requestID,
		Stage:     string(StageRegress),
		Notes:     notes,
	}
	if err := o.pub.Publish(ctx, protocol.TopicRegression, sig, requestID); err != nil {
		return fmt.Errorf("emitting regression: %w", err)
	}
	return nil
}

func (o *Orchestrator) fire(requestID string, event Event) error {
	o.mu.Lock()
	var state = o.state(requestID)
	var err = state.fsm.Fire(event)
	var entered = state.fsm.State()
	o.mu.Unlock()
	if err != nil {
		return err
	}
	o.entered(requestID, entered)
	return nil
}

// state returns (creating if needed) the request's tracking entry.
// Callers hold o.mu.
func (o *Orchestrator) state(requestID string) *requestState {
	var state, ok = o.requests[requestID]
	if !ok {
		state = &requestState{fsm: NewFSM(), pending: make(map[string]struct{})}
		o.requests[requestID] = state
	}
	return state
}

func (o *Orchestrator) entered(requestID string, stage Stage) {
	stageTotal.WithLabelValues(string(stage)).Inc()
	log.WithFields(log.Fields{"request": requestID, "stage": stage}).Debug("stage entered")
}
