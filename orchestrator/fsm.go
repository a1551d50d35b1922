// Package orchestrator drives one finite state machine per change
// request across the pipeline's phases, reacting to the topics every
// other component produces.
package orchestrator

import "fmt"

// Stage is a pipeline phase of one change request.
type Stage string

const (
	StageIdle      Stage = "idle"
	StagePlan      Stage = "plan_phase"
	StageCode      Stage = "code_phase"
	StageBuild1    Stage = "build1"
	StageTestPlan  Stage = "test_plan"
	StageTestBuild Stage = "test_build"
	StageBuild2    Stage = "build2"
	StageDone      Stage = "done"
	StageRegress   Stage = "regress"
)

// Event advances the state machine.
type Event string

const (
	EventChangeRequest Event = "crq"
	EventPlan          Event = "plan"
	EventCodeOK        Event = "code_ok"
	EventBuildOK       Event = "build_ok"
	EventBuildFail     Event = "build_fail"
	EventTestSpec      Event = "tspec"
	EventTestsOK       Event = "gt_ok"
	EventTestsFail     Event = "gt_fail"
	EventBuild2OK      Event = "build2_ok"
	EventReset         Event = "reset"
	EventAck           Event = "ack"
)

// transitions maps (event, from) to the next stage. EventBuildFail is
// legal from any stage and handled separately.
var transitions = map[Event]map[Stage]Stage{
	EventChangeRequest: {StageIdle: StagePlan},
	EventPlan:          {StagePlan: StageCode},
	EventCodeOK:        {StageCode: StageBuild1},
	EventBuildOK:       {StageBuild1: StageTestPlan},
	EventTestSpec:      {StageTestPlan: StageTestBuild},
	EventTestsOK:       {StageTestBuild: StageBuild2},
	EventTestsFail:     {StageTestBuild: StageRegress},
	EventBuild2OK:      {StageBuild2: StageDone},
	EventReset:         {StageDone: StageIdle},
	EventAck:           {StageRegress: StageIdle},
}

// ErrInvalidTransition reports an event which is not legal in the
// current stage.
type ErrInvalidTransition struct {
	Event Event
	From  Stage
}

func (e ErrInvalidTransition) Error() string {
	return fmt.Sprintf("event %q is not valid in stage %q", e.Event, e.From)
}

// FSM is the per-request state machine. It is not safe for concurrent
// use; the orchestrator serialises events per request via the bus's
// partition-key ordering.
type FSM struct {
	state Stage
}

// NewFSM starts in the idle stage.
func NewFSM() *FSM { return &FSM{state: StageIdle} }

// State returns the current stage.
func (f *FSM) State() Stage { return f.state }

// Fire applies |event|, or returns ErrInvalidTransition leaving the
// state unchanged.
func (f *FSM) Fire(event Event) error {
	if event == EventBuildFail {
		f.state = StageRegress
		return nil
	}
	var next, ok = transitions[event][f.state]
	if !ok {
		return ErrInvalidTransition{Event: event, From: f.state}
	}
	f.state = next
	return nil
}
