package lifecycle

// Status is a change's position in its lifecycle.
type Status string

const (
	StatusProposed         Status = "proposed"
	StatusApprovalPending  Status = "approval_pending"
	StatusApproved         Status = "approved"
	StatusMerged           Status = "merged"
	StatusRolledBack       Status = "rolled_back"
	StatusConflictDetected Status = "conflict_detected"
	StatusRejected         Status = "rejected"
)

// TestResult records the outcome of the test-execution collaborator.
type TestResult string

const (
	TestNotRun TestResult = "not_run"
	TestPassed TestResult = "passed"
	TestFailed TestResult = "failed"
)

// ChangeRecord tracks one proposed change from submission through
// approval, merge, or rollback. A change can outlive the cycle that
// created it.
type ChangeRecord struct {
	ChangeID    string
	CycleID     string
	Description string
	DiffRef     string
	TestResult  TestResult
	Status      Status
	Reviewers   []string
	CreatedAtMS int64
	UpdatedAtMS int64
}

// Transition is one append-only history row. History is never rewritten.
type Transition struct {
	ID          string
	ChangeID    string
	From        Status
	To          Status
	Actor       string
	Reason      string
	CreatedAtMS int64
}

// validTransitions is the authoritative state machine. Terminal states
// (rejected, rolled_back) have no outgoing edges.
var validTransitions = map[Status][]Status{
	StatusProposed:         {StatusApprovalPending, StatusRejected},
	StatusApprovalPending:  {StatusApproved, StatusRejected},
	StatusApproved:         {StatusMerged, StatusConflictDetected},
	StatusConflictDetected: {StatusApproved, StatusRejected},
	StatusMerged:           {StatusRolledBack},
}

func transitionAllowed(from, to Status) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a status has no outgoing transitions.
func Terminal(s Status) bool {
	return len(validTransitions[s]) == 0
}
