package orchestrator

import (
	"errors"
	"fmt"
	"time"
)

// Phase is where a cycle currently is in its pipeline.
type Phase string

const (
	PhaseAnalyzing        Phase = "analyzing"
	PhaseGenerating       Phase = "generating"
	PhaseTesting          Phase = "testing"
	PhaseAwaitingApproval Phase = "awaiting_approval"
	PhaseApproved         Phase = "approved"
	PhaseRolledBack       Phase = "rolled_back"
	PhaseRejected         Phase = "rejected"
	PhaseFailed           Phase = "failed"
	PhaseCancelled        Phase = "cancelled"
)

// TerminalPhase reports whether no further phase can follow p.
func TerminalPhase(p Phase) bool {
	switch p {
	case PhaseApproved, PhaseRolledBack, PhaseRejected, PhaseFailed, PhaseCancelled:
		return true
	}
	return false
}

// CycleState is the durable record of one improvement cycle.
type CycleState struct {
	CycleID       string `json:"cycle_id"`
	Target        string `json:"target"`
	Phase         Phase  `json:"phase"`
	ChangeID      string `json:"change_id,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
	Findings      string `json:"findings,omitempty"`
	Candidate     string `json:"candidate,omitempty"`
	StartedAtMS   int64  `json:"started_at_ms"`
	UpdatedAtMS   int64  `json:"updated_at_ms"`
}

// PhaseChange is one append-only history row for a cycle.
type PhaseChange struct {
	ID          int64  `json:"id"`
	CycleID     string `json:"cycle_id"`
	From        Phase  `json:"from"`
	To          Phase  `json:"to"`
	Actor       string `json:"actor"`
	Reason      string `json:"reason,omitempty"`
	CreatedAtMS int64  `json:"created_at_ms"`
}

// ErrCycleNotFound is returned when a cycle id resolves to nothing.
var ErrCycleNotFound = errors.New("cycle not found")

// ErrConcurrentCycle is returned when another non-terminal cycle already
// holds the target.
var ErrConcurrentCycle = errors.New("another cycle is active for target")

// ErrCycleTerminal is returned for operations on a finished cycle.
var ErrCycleTerminal = errors.New("cycle already in terminal phase")

// RateLimitError reports an admission denial with the wait until the
// oldest counted cycle leaves the window.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("cycle rate limit exceeded, retry after %s", e.RetryAfter.Round(time.Second))
}

// CollaboratorError wraps a failure from one of the external
// collaborators, tagged with the pipeline stage it occurred in.
type CollaboratorError struct {
	Stage string
	Err   error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("%s collaborator: %v", e.Stage, e.Err)
}

func (e *CollaboratorError) Unwrap() error { return e.Err }
