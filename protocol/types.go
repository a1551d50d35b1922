// Package protocol defines the message types exchanged over the pipeline
// bus, and the topics that carry them. Messages are immutable once
// published; downstream components hold only decoded copies.
package protocol

import "time"

// StepKind enumerates the kinds of plan steps.
type StepKind string

const (
	StepAdd      StepKind = "ADD"
	StepModify   StepKind = "MODIFY"
	StepRemove   StepKind = "REMOVE"
	StepRefactor StepKind = "REFACTOR"
)

// Complexity labels a coding task by the cyclomatic complexity of its
// surrounding context.
type Complexity string

const (
	ComplexityTrivial  Complexity = "trivial"
	ComplexityModerate Complexity = "moderate"
	ComplexityComplex  Complexity = "complex"
)

// CommitStatus is the terminal outcome of a coding task.
type CommitStatus string

const (
	CommitSuccess  CommitStatus = "SUCCESS"
	CommitSoftFail CommitStatus = "SOFT_FAIL"
	CommitHardFail CommitStatus = "HARD_FAIL"
)

// BuildStatus is the outcome of a CI build.
type BuildStatus string

const (
	BuildPassed BuildStatus = "PASSED"
	BuildFailed BuildStatus = "FAILED"
)

// ChangeRequest is a user-submitted task description bound to a repository
// and branch. It enters the pipeline on TopicChangeRequest.
type ChangeRequest struct {
	ID          string `json:"id"`
	Requester   string `json:"requester"`
	Repo        string `json:"repo"`
	Branch      string `json:"branch"`
	Description string `json:"description"`
}

// Step is one ordered unit of a Plan. Order is dense starting at 1.
type Step struct {
	Order int      `json:"order"`
	Goal  string   `json:"goal"`
	Kind  StepKind `json:"kind"`
	Path  string   `json:"path,omitempty"`
}

// Plan is the request planner's output: ordered steps plus rationale,
// with any symbol leases it reserved up front.
type Plan struct {
	ID               string   `json:"id"`
	ParentRequestID  string   `json:"parent_request_id"`
	Rationale        []string `json:"rationale"`
	Steps            []Step   `json:"steps"`
	ReservedLeaseIDs []string `json:"reserved_lease_ids,omitempty"`
}

// CodingTask is one actionable unit produced by the code planner.
// StepNumber matches the Order of a Step within the parent plan.
type CodingTask struct {
	ID               string     `json:"id"`
	ParentPlanID     string     `json:"parent_plan_id"`
	StepNumber       int        `json:"step_number"`
	Goal             string     `json:"goal"`
	Path             string     `json:"path,omitempty"`
	Kind             StepKind   `json:"kind"`
	BlobIDs          []uint64   `json:"blob_ids,omitempty"`
	Complexity       Complexity `json:"complexity"`
	ReservedLeaseIDs []string   `json:"reserved_lease_ids,omitempty"`
}

// TaskBundle is the atomic emission of all coding tasks of one plan.
type TaskBundle struct {
	PlanID string       `json:"plan_id"`
	Tasks  []CodingTask `json:"tasks"`
}

// CommitResult is the coding agent's terminal outcome for one task.
// CommitSHA and BranchName are empty unless Status is SUCCESS.
type CommitResult struct {
	TaskID     string       `json:"task_id"`
	CommitSHA  string       `json:"commit_sha"`
	Status     CommitStatus `json:"status"`
	BranchName string       `json:"branch_name"`
	Notes      []string     `json:"notes,omitempty"`
}

// BuildReport is the CI runner's verdict over one commit.
// Status PASSED implies FailedTests and LintErrors are both empty.
type BuildReport struct {
	CommitSHA    string      `json:"commit_sha"`
	Status       BuildStatus `json:"status"`
	FailedTests  []string    `json:"failed_tests,omitempty"`
	LintErrors   []string    `json:"lint_errors,omitempty"`
	LineCoverage float64     `json:"line_coverage"`
	ArtefactURL  string      `json:"artefact_url"`
}

// TestSpec is produced by the test planner once a first build passes.
type TestSpec struct {
	PlanID     string   `json:"plan_id"`
	CommitSHA  string   `json:"commit_sha"`
	TargetDirs []string `json:"target_dirs,omitempty"`
}

// GeneratedTests carries the test builder's output. Precheck is "PASSED"
// when the generated tests compile and pass against the current tree.
type GeneratedTests struct {
	PlanID    string `json:"plan_id"`
	CommitSHA string `json:"commit_sha"`
	Precheck  string `json:"precheck"`
	Patch     string `json:"patch,omitempty"`
}

// RegressionSignal routes pipeline failures to the escalation handler.
// The handler republishes the signal with Acked set, which lets the
// orchestrator reset the originating request to idle.
type RegressionSignal struct {
	RequestID string   `json:"request_id"`
	Stage     string   `json:"stage"`
	Notes     []string `json:"notes,omitempty"`
	Acked     bool     `json:"acked"`
}

// SymbolStatus is the lifecycle state of a registry record.
type SymbolStatus string

const (
	SymbolReserved   SymbolStatus = "reserved"
	SymbolActive     SymbolStatus = "active"
	SymbolDeprecated SymbolStatus = "deprecated"
)

// SymbolRecord is a registry row. (Repo, Branch, FQName) is unique among
// live records; that uniqueness is the registry's central invariant.
type SymbolRecord struct {
	LeaseID       int64        `json:"lease_id" db:"id"`
	Repo          string       `json:"repo" db:"repo"`
	Branch        string       `json:"branch" db:"branch"`
	FQName        string       `json:"fq_name" db:"fq_name"`
	Kind          string       `json:"kind" db:"kind"`
	FilePath      string       `json:"file_path" db:"file_path"`
	Status        SymbolStatus `json:"status" db:"status"`
	PlanID        string       `json:"plan_id,omitempty" db:"plan_id"`
	ReservedUntil *time.Time   `json:"reserved_until,omitempty" db:"reserved_until"`
	CommitSHA     string       `json:"commit_sha,omitempty" db:"commit_sha"`
	CreatedAt     time.Time    `json:"created_at" db:"created_at"`
}

// DocHit is one hybrid-search result. PointID is the content-addressed
// chunk identity; Score is the fused ranking score.
type DocHit struct {
	PointID uint64  `json:"point_id"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
}
