package orchestrator

import (
	"context"
	"testing"

	"github.com/autoforge/forge/bus"
	"github.com/autoforge/forge/protocol"
	"github.com/stretchr/testify/require"
)

type capturedPublish struct {
	topic string
	key   string
	msg   interface{}
}

type capturePublisher struct {
	published []capturedPublish
}

func (p *capturePublisher) Publish(_ context.Context, topic string, msg interface{}, key string) error {
	p.published = append(p.published, capturedPublish{topic: topic, key: key, msg: msg})
	return nil
}

func handle(t *testing.T, o *Orchestrator, requestID string, msg interface{}) {
	t.Helper()
	require.NoError(t, o.Handle(context.Background(), bus.Envelope{Key: requestID, Message: msg}))
}

func TestRequestRunsThePipelineToCompletion(t *testing.T) {
	var pub = &capturePublisher{}
	var o = New(pub)

	handle(t, o, "crq-1", &protocol.ChangeRequest{ID: "crq-1", Repo: "git://repo"})
	require.Equal(t, StagePlan, o.State("crq-1"))

	handle(t, o, "crq-1", &protocol.Plan{ID: "plan-1", ParentRequestID: "crq-1"})
	require.Equal(t, StageCode, o.State("crq-1"))

	handle(t, o, "crq-1", &protocol.TaskBundle{PlanID: "plan-1", Tasks: []protocol.CodingTask{
		{ID: "task-1"}, {ID: "task-2"},
	}})
	handle(t, o, "crq-1", &protocol.CommitResult{TaskID: "task-1", Status: protocol.CommitSuccess})
	require.Equal(t, StageCode, o.State("crq-1"))
	handle(t, o, "crq-1", &protocol.CommitResult{TaskID: "task-2", Status: protocol.CommitSuccess})
	require.Equal(t, StageBuild1, o.State("crq-1"))

	handle(t, o, "crq-1", &protocol.BuildReport{CommitSHA: "abc", Status: protocol.BuildPassed})
	require.Equal(t, StageTestPlan, o.State("crq-1"))

	handle(t, o, "crq-1", &protocol.TestSpec{PlanID: "plan-1", CommitSHA: "abc"})
	require.Equal(t, StageTestBuild, o.State("crq-1"))

	handle(t, o, "crq-1", &protocol.GeneratedTests{PlanID: "plan-1", Precheck: "PASSED"})
	require.Equal(t, StageBuild2, o.State("crq-1"))

	// A second passing build completes the request and resets it.
	handle(t, o, "crq-1", &protocol.BuildReport{CommitSHA: "def", Status: protocol.BuildPassed})
	require.Equal(t, StageIdle, o.State("crq-1"))
	require.Empty(t, pub.published)
}

func TestFailedCommitsDrainWithoutRegressing(t *testing.T) {
	var pub = &capturePublisher{}
	var o = New(pub)

	handle(t, o, "crq-2", &protocol.ChangeRequest{ID: "crq-2"})
	handle(t, o, "crq-2", &protocol.Plan{ParentRequestID: "crq-2"})
	handle(t, o, "crq-2", &protocol.TaskBundle{Tasks: []protocol.CodingTask{
		{ID: "t-1"}, {ID: "t-2"}, {ID: "t-3"},
	}})

	// SOFT_FAIL and HARD_FAIL are terminal: they drain the pending set
	// like SUCCESS does, only recording their notes for later.
	handle(t, o, "crq-2", &protocol.CommitResult{TaskID: "t-1", Status: protocol.CommitSoftFail,
		Notes: []string{"patch rejected"}})
	handle(t, o, "crq-2", &protocol.CommitResult{TaskID: "t-2", Status: protocol.CommitHardFail})
	require.Equal(t, StageCode, o.State("crq-2"))
	require.Empty(t, pub.published)

	handle(t, o, "crq-2", &protocol.CommitResult{TaskID: "t-3", Status: protocol.CommitSuccess})
	require.Equal(t, StageBuild1, o.State("crq-2"))

	// The collected hints surface on the next build failure.
	handle(t, o, "crq-2", &protocol.BuildReport{Status: protocol.BuildFailed,
		FailedTests: []string{"TestGreet"}})
	require.Equal(t, StageRegress, o.State("crq-2"))
	require.Len(t, pub.published, 1)

	var sig = pub.published[0].msg.(*protocol.RegressionSignal)
	require.Equal(t, protocol.TopicRegression, pub.published[0].topic)
	require.Equal(t, "crq-2", pub.published[0].key)
	require.Equal(t, "crq-2", sig.RequestID)
	require.Contains(t, sig.Notes, "TestGreet")
	require.Contains(t, sig.Notes, "patch rejected")
	require.False(t, sig.Acked)
}

func TestAckedRegressionResetsRequest(t *testing.T) {
	var pub = &capturePublisher{}
	var o = New(pub)

	handle(t, o, "crq-3", &protocol.ChangeRequest{ID: "crq-3"})
	handle(t, o, "crq-3", &protocol.BuildReport{Status: protocol.BuildFailed,
		LintErrors: []string{"E501 line too long"}})
	require.Equal(t, StageRegress, o.State("crq-3"))

	// An unacknowledged signal (our own emission, replayed) is inert.
	handle(t, o, "crq-3", &protocol.RegressionSignal{RequestID: "crq-3"})
	require.Equal(t, StageRegress, o.State("crq-3"))

	handle(t, o, "crq-3", &protocol.RegressionSignal{RequestID: "crq-3", Acked: true})
	require.Equal(t, StageIdle, o.State("crq-3"))
}

func TestFailedTestPrecheckEmitsRegression(t *testing.T) {
	var pub = &capturePublisher{}
	var o = New(pub)

	handle(t, o, "crq-4", &protocol.ChangeRequest{ID: "crq-4"})
	handle(t, o, "crq-4", &protocol.Plan{ParentRequestID: "crq-4"})
	handle(t, o, "crq-4", &protocol.TaskBundle{Tasks: []protocol.CodingTask{{ID: "t-1"}}})
	handle(t, o, "crq-4", &protocol.CommitResult{TaskID: "t-1", Status: protocol.CommitSuccess})
	handle(t, o, "crq-4", &protocol.BuildReport{Status: protocol.BuildPassed})
	handle(t, o, "crq-4", &protocol.TestSpec{})

	handle(t, o, "crq-4", &protocol.GeneratedTests{Precheck: "FAILED"})
	require.Equal(t, StageRegress, o.State("crq-4"))
	require.Len(t, pub.published, 1)
}

func TestOutOfOrderEventsAreRejected(t *testing.T) {
	var o = New(&capturePublisher{})

	var err = o.Handle(context.Background(), bus.Envelope{
		Key:     "crq-5",
		Message: &protocol.Plan{ParentRequestID: "crq-5"},
	})
	require.Error(t, err)
	var invalid ErrInvalidTransition
	require.ErrorAs(t, err, &invalid)
	require.Equal(t, StageIdle, o.State("crq-5"))
}

func TestRequestsAreIndependent(t *testing.T) {
	var o = New(&capturePublisher{})

	handle(t, o, "crq-a", &protocol.ChangeRequest{ID: "crq-a"})
	handle(t, o, "crq-b", &protocol.ChangeRequest{ID: "crq-b"})
	handle(t, o, "crq-a", &protocol.Plan{ParentRequestID: "crq-a"})

	require.Equal(t, StageCode, o.State("crq-a"))
	require.Equal(t, StagePlan, o.State("crq-b"))
}
