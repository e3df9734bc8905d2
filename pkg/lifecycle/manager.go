package lifecycle

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/DavinciDreams/SIA/pkg/bus"
	"github.com/DavinciDreams/SIA/pkg/logger"
)

// Reverter is the slice of the version-control collaborator rollback needs.
type Reverter interface {
	Revert(ctx context.Context, diffRef string) error
}

// Manager is the authoritative state machine for every proposed change.
// It owns ChangeRecords exclusively; callers hold only change ids.
type Manager struct {
	store    *store
	reverter Reverter
	events   *bus.EventBus
}

// NewManager opens (or creates) the change database at path. reverter and
// events may be nil for read-only or test use.
func NewManager(path string, reverter Reverter, events *bus.EventBus) (*Manager, error) {
	st, err := openStore(path)
	if err != nil {
		return nil, err
	}
	return &Manager{store: st, reverter: reverter, events: events}, nil
}

func (m *Manager) Close() error { return m.store.close() }

// Propose registers a new change in its initial state.
func (m *Manager) Propose(ctx context.Context, cycleID, description, diffRef string) (ChangeRecord, error) {
	now := nowMS()
	rec := ChangeRecord{
		ChangeID:    "chg-" + uuid.NewString(),
		CycleID:     cycleID,
		Description: description,
		DiffRef:     diffRef,
		TestResult:  TestNotRun,
		Status:      StatusProposed,
		Reviewers:   []string{},
		CreatedAtMS: now,
		UpdatedAtMS: now,
	}
	if err := m.store.insert(ctx, rec); err != nil {
		return ChangeRecord{}, err
	}
	logger.InfoCF("lifecycle", "Change proposed", map[string]any{
		"change_id": rec.ChangeID,
		"cycle_id":  cycleID,
	})
	return rec, nil
}

// RecordTestResult stores the test outcome and advances the state machine:
// passing tests move the change to approval_pending, failing tests reject
// it outright.
func (m *Manager) RecordTestResult(ctx context.Context, changeID string, result TestResult) error {
	var to Status
	var reason string
	switch result {
	case TestPassed:
		to = StatusApprovalPending
		reason = "tests passed"
	case TestFailed:
		to = StatusRejected
		reason = "tests failed"
	default:
		return fmt.Errorf("record test result: unsupported result %q", result)
	}

	from, err := m.store.transition(ctx, changeID, to, "system", reason, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
UPDATE change_records SET test_result = ? WHERE change_id = ?`, string(result), changeID); err != nil {
			return fmt.Errorf("record test result: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	m.publish(changeID, string(from), string(to), "system", reason, bus.EventChangeStatus)
	return nil
}

// RequestApproval assigns reviewers to a pending change and emits the
// approval-request notification. The change must already be in
// approval_pending; this is reviewer bookkeeping, not a transition.
func (m *Manager) RequestApproval(ctx context.Context, changeID string, reviewers []string) error {
	rec, err := m.store.get(ctx, changeID)
	if err != nil {
		return err
	}
	if rec.Status != StatusApprovalPending {
		return invalidTransition(changeID, rec.Status, StatusApprovalPending)
	}

	if _, err := m.store.db.ExecContext(ctx, `
UPDATE change_records SET reviewers_json = ?, updated_at_ms = ? WHERE change_id = ?`,
		encodeReviewers(reviewers), nowMS(), changeID); err != nil {
		return fmt.Errorf("request approval: %w", err)
	}

	m.publish(changeID, string(rec.Status), string(rec.Status), "system",
		"approval requested: "+strings.Join(reviewers, ", "), bus.EventApprovalRequest)
	logger.InfoCF("lifecycle", "Approval requested", map[string]any{
		"change_id": changeID,
		"reviewers": strings.Join(reviewers, ","),
	})
	return nil
}

// Approve moves an approval_pending change to approved. Fails with
// ErrInvalidTransition from any other status, leaving the record untouched.
func (m *Manager) Approve(ctx context.Context, changeID, actor string) error {
	from, err := m.store.transition(ctx, changeID, StatusApproved, actor, "approved", nil)
	if err != nil {
		return err
	}
	m.publish(changeID, string(from), string(StatusApproved), actor, "approved", bus.EventChangeStatus)
	return nil
}

// Reject moves a change to rejected where the state machine allows it
// (approval_pending, conflict_detected).
func (m *Manager) Reject(ctx context.Context, changeID, actor, reason string) error {
	from, err := m.store.transition(ctx, changeID, StatusRejected, actor, reason, nil)
	if err != nil {
		return err
	}
	m.publish(changeID, string(from), string(StatusRejected), actor, reason, bus.EventChangeStatus)
	return nil
}

// MarkMerged records a successful merge. A non-empty diffRef replaces the
// stored reference (the merge may produce a new canonical handle).
func (m *Manager) MarkMerged(ctx context.Context, changeID, diffRef string) error {
	from, err := m.store.transition(ctx, changeID, StatusMerged, "system", "merged", func(tx *sql.Tx) error {
		if diffRef == "" {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
UPDATE change_records SET diff_reference = ? WHERE change_id = ?`, diffRef, changeID); err != nil {
			return fmt.Errorf("mark merged: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	m.publish(changeID, string(from), string(StatusMerged), "system", "merged", bus.EventChangeStatus)
	return nil
}

// MarkConflict records a merge conflict awaiting human action.
func (m *Manager) MarkConflict(ctx context.Context, changeID, detail string) error {
	from, err := m.store.transition(ctx, changeID, StatusConflictDetected, "system", detail, nil)
	if err != nil {
		return err
	}
	m.publish(changeID, string(from), string(StatusConflictDetected), "system", detail, bus.EventChangeStatus)
	return nil
}

// ResolveConflict returns a conflicted change to approved for a merge
// re-attempt. Resolution is always explicit, never autonomous.
func (m *Manager) ResolveConflict(ctx context.Context, changeID, actor string) error {
	from, err := m.store.transition(ctx, changeID, StatusApproved, actor, "conflict resolved", nil)
	if err != nil {
		return err
	}
	m.publish(changeID, string(from), string(StatusApproved), actor, "conflict resolved", bus.EventChangeStatus)
	return nil
}

// Rollback reverts a merged change. The external revert must succeed
// before the in-memory status flips, so status always reflects the
// external system truthfully.
func (m *Manager) Rollback(ctx context.Context, changeID, actor string) error {
	rec, err := m.store.get(ctx, changeID)
	if err != nil {
		return err
	}
	if rec.Status != StatusMerged {
		return invalidTransition(changeID, rec.Status, StatusRolledBack)
	}

	if m.reverter == nil {
		return fmt.Errorf("rollback change %s: no reverter configured", changeID)
	}
	if err := m.reverter.Revert(ctx, rec.DiffRef); err != nil {
		return fmt.Errorf("rollback change %s: revert failed: %w", changeID, err)
	}

	from, err := m.store.transition(ctx, changeID, StatusRolledBack, actor, "rolled back", nil)
	if err != nil {
		return err
	}
	m.publish(changeID, string(from), string(StatusRolledBack), actor, "rolled back", bus.EventChangeStatus)
	logger.InfoCF("lifecycle", "Change rolled back", map[string]any{"change_id": changeID, "actor": actor})
	return nil
}

// ExpireApprovals rejects approval_pending changes older than maxAge and
// returns the ids it expired.
func (m *Manager) ExpireApprovals(ctx context.Context, now time.Time, maxAge time.Duration) ([]string, error) {
	cutoff := now.Add(-maxAge).UnixMilli()
	ids, err := m.store.listPendingOlderThan(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	var expired []string
	for _, id := range ids {
		if err := m.Reject(ctx, id, "system", "approval timeout"); err != nil {
			logger.WarnCF("lifecycle", "Approval expiry failed", map[string]any{
				"change_id": id,
				"error":     err.Error(),
			})
			continue
		}
		expired = append(expired, id)
	}
	return expired, nil
}

func (m *Manager) Get(ctx context.Context, changeID string) (ChangeRecord, error) {
	return m.store.get(ctx, changeID)
}

// List returns changes, optionally filtered by status, newest first.
func (m *Manager) List(ctx context.Context, status Status, limit int) ([]ChangeRecord, error) {
	return m.store.list(ctx, status, limit)
}

// History returns the full ordered transition trail for a change.
func (m *Manager) History(ctx context.Context, changeID string) ([]Transition, error) {
	return m.store.history(ctx, changeID)
}

func (m *Manager) publish(changeID, from, to, actor, message string, kind bus.EventKind) {
	if m.events == nil {
		return
	}
	m.events.Publish(bus.Event{
		Kind:     kind,
		ChangeID: changeID,
		Actor:    actor,
		From:     from,
		To:       to,
		Message:  message,
	})
}
