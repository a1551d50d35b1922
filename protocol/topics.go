package protocol

// Topic names. All are partition-keyed by ChangeRequest ID so that one
// request's messages arrive at the orchestrator in producer order.
const (
	TopicChangeRequest  = "change.request.in"
	TopicPlan           = "plan.out"
	TopicTaskBundle     = "task.bundle.out"
	TopicCommitResult   = "commit.result.out"
	TopicBuildReport    = "build.report.out"
	TopicTestSpec       = "test.spec.out"
	TopicGeneratedTests = "generated.tests.out"
	TopicRegression     = "regression.out"
)

// PipelineTopics is every topic the orchestrator observes.
var PipelineTopics = []string{
	TopicChangeRequest,
	TopicPlan,
	TopicTaskBundle,
	TopicCommitResult,
	TopicBuildReport,
	TopicTestSpec,
	TopicGeneratedTests,
	TopicRegression,
}
