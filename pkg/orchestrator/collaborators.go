package orchestrator

import "context"

// Findings is the analysis collaborator's output.
type Findings struct {
	Summary string   `json:"summary"`
	Issues  []string `json:"issues,omitempty"`
}

// CandidateChange is a concrete proposed modification with its patch
// payload, produced by the generation collaborator.
type CandidateChange struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	FilePath    string `json:"file_path,omitempty"`
	Diff        string `json:"diff"`
}

// TestReport is the test-execution collaborator's verdict. A report is
// only produced when the runner itself succeeded; runner failures are
// ordinary errors.
type TestReport struct {
	Passed  bool
	Details string
}

// MergeStatus is the outcome of a merge attempt.
type MergeStatus string

const (
	MergeMerged   MergeStatus = "merged"
	MergeConflict MergeStatus = "conflict"
)

// AnalysisContext is what the analyzer gets to work with.
type AnalysisContext struct {
	Target   string
	Memories []string
}

// Analyzer inspects the target codebase.
type Analyzer interface {
	Analyze(ctx context.Context, actx AnalysisContext) (Findings, error)
}

// Generator produces a candidate change from findings plus memory context.
type Generator interface {
	Generate(ctx context.Context, findings Findings, memories []string) (CandidateChange, error)
}

// TestRunner executes the test suite against a candidate change.
type TestRunner interface {
	RunTests(ctx context.Context, change CandidateChange) (TestReport, error)
}

// VersionControl submits, merges, and reverts proposals on the hosting
// provider. DiffRefs are opaque handles owned by the provider.
type VersionControl interface {
	Submit(ctx context.Context, change CandidateChange, branch, title, description string, reviewers []string) (string, error)
	Merge(ctx context.Context, diffRef string) (MergeStatus, error)
	Revert(ctx context.Context, diffRef string) error
}

// Notification is one outbound message about pipeline progress.
type Notification struct {
	Subject string
	Body    string
}

// Notifier delivers notifications. Fire-and-forget: failures are logged
// by the caller and never block the pipeline.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}
