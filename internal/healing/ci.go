package healing

import "context"

// RunStatus is the CI collaborator's verdict on one pipeline run.
type RunStatus struct {
	Failed bool
}

// CIClient is the contract with the external CI/VCS actor. Its internal
// mechanics (branching, pipeline plumbing) live outside the core; the
// healer only consumes FetchStatus and DownloadLogs to decide retry vs
// escalate, and calls ApplyPatch/CreatePullRequest as side effects of a
// successful fix attempt.
type CIClient interface {
	FetchStatus(ctx context.Context, runID string) (RunStatus, error)
	DownloadLogs(ctx context.Context, runID string) (string, error)
	ApplyPatch(ctx context.Context, branch, patch string) error
	CreatePullRequest(ctx context.Context, branch, title, body string) (string, error)
}

// Problem is the diagnostic input handed to a fix planner.
type Problem struct {
	MissionID string
	RunID     string
	Logs      string
	Attempt   int // 0-based, matches the retry count about to be recorded.
}

// Fix is a planner's proposed remedy: a patch to apply on success and a
// verification snippet the sandbox runs first.
type Fix struct {
	Reasoning    string
	Patch        string
	Branch       string
	TestCode     string
	Requirements []string
}

// FixPlanner proposes fixes for failing runs. Implementations typically
// front an LLM or a rule table; the healer treats them as a black box.
type FixPlanner interface {
	ProposeFix(ctx context.Context, p Problem) (*Fix, error)
}
