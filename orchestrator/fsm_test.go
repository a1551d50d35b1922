package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHappyPathEndsAtDoneThenIdle(t *testing.T) {
	var fsm = NewFSM()
	var path = []struct {
		event Event
		want  Stage
	}{
		{EventChangeRequest, StagePlan},
		{EventPlan, StageCode},
		{EventCodeOK, StageBuild1},
		{EventBuildOK, StageTestPlan},
		{EventTestSpec, StageTestBuild},
		{EventTestsOK, StageBuild2},
		{EventBuild2OK, StageDone},
		{EventReset, StageIdle},
	}
	for _, step := range path {
		require.NoError(t, fsm.Fire(step.event))
		require.Equal(t, step.want, fsm.State())
	}
}

func TestBuildFailIsLegalFromAnyStage(t *testing.T) {
	for _, from := range []Event{EventChangeRequest, EventPlan, EventCodeOK} {
		var fsm = NewFSM()
		_ = fsm.Fire(EventChangeRequest)
		if from != EventChangeRequest {
			_ = fsm.Fire(EventPlan)
		}
		if from == EventCodeOK {
			_ = fsm.Fire(EventCodeOK)
		}
		require.NoError(t, fsm.Fire(EventBuildFail))
		require.Equal(t, StageRegress, fsm.State())
		require.NoError(t, fsm.Fire(EventAck))
		require.Equal(t, StageIdle, fsm.State())
	}
}

func TestInvalidTransitionsLeaveStateUnchanged(t *testing.T) {
	var fsm = NewFSM()
	var err = fsm.Fire(EventPlan)
	require.Error(t, err)
	var invalid ErrInvalidTransition
	require.ErrorAs(t, err, &invalid)
	require.Equal(t, StageIdle, fsm.State())

	require.NoError(t, fsm.Fire(EventChangeRequest))
	require.Error(t, fsm.Fire(EventTestsOK))
	require.Equal(t, StagePlan, fsm.State())
}
