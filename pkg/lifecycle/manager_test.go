package lifecycle

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReverter struct {
	calls   int
	lastRef string
	err     error
}

func (f *fakeReverter) Revert(ctx context.Context, diffRef string) error {
	f.calls++
	f.lastRef = diffRef
	return f.err
}

func newTestManager(t *testing.T, rev Reverter) *Manager {
	t.Helper()
	mgr, err := NewManager(filepath.Join(t.TempDir(), "changes.db"), rev, nil)
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })
	return mgr
}

func proposeChange(t *testing.T, mgr *Manager) ChangeRecord {
	t.Helper()
	rec, err := mgr.Propose(context.Background(), "cyc-test", "tighten retry loop", "pr-42")
	require.NoError(t, err)
	return rec
}

func TestProposeInitialState(t *testing.T) {
	mgr := newTestManager(t, nil)
	rec := proposeChange(t, mgr)

	assert.Equal(t, StatusProposed, rec.Status)
	assert.Equal(t, TestNotRun, rec.TestResult)
	assert.NotEmpty(t, rec.ChangeID)

	history, err := mgr.History(context.Background(), rec.ChangeID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, StatusProposed, history[0].To)
}

func TestPassingTestsReachApprovalPending(t *testing.T) {
	mgr := newTestManager(t, nil)
	rec := proposeChange(t, mgr)
	ctx := context.Background()

	require.NoError(t, mgr.RecordTestResult(ctx, rec.ChangeID, TestPassed))

	got, err := mgr.Get(ctx, rec.ChangeID)
	require.NoError(t, err)
	assert.Equal(t, StatusApprovalPending, got.Status)
	assert.Equal(t, TestPassed, got.TestResult)
}

func TestFailingTestsRejectOutright(t *testing.T) {
	mgr := newTestManager(t, nil)
	rec := proposeChange(t, mgr)
	ctx := context.Background()

	require.NoError(t, mgr.RecordTestResult(ctx, rec.ChangeID, TestFailed))

	got, err := mgr.Get(ctx, rec.ChangeID)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, got.Status)
	assert.Equal(t, TestFailed, got.TestResult)

	// Terminal: no further approval.
	err = mgr.Approve(ctx, rec.ChangeID, "alice")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestInvalidTransitionLeavesRecordUnchanged(t *testing.T) {
	mgr := newTestManager(t, nil)
	rec := proposeChange(t, mgr)
	ctx := context.Background()

	// proposed -> approved skips approval_pending.
	err := mgr.Approve(ctx, rec.ChangeID, "alice")
	require.ErrorIs(t, err, ErrInvalidTransition)

	got, err := mgr.Get(ctx, rec.ChangeID)
	require.NoError(t, err)
	assert.Equal(t, StatusProposed, got.Status, "failed transition must not move the record")

	history, err := mgr.History(ctx, rec.ChangeID)
	require.NoError(t, err)
	assert.Len(t, history, 1, "failed transition must not append history")
}

func TestApproveMergeRollback(t *testing.T) {
	rev := &fakeReverter{}
	mgr := newTestManager(t, rev)
	rec := proposeChange(t, mgr)
	ctx := context.Background()

	require.NoError(t, mgr.RecordTestResult(ctx, rec.ChangeID, TestPassed))
	require.NoError(t, mgr.RequestApproval(ctx, rec.ChangeID, []string{"alice", "bob"}))
	require.NoError(t, mgr.Approve(ctx, rec.ChangeID, "alice"))
	require.NoError(t, mgr.MarkMerged(ctx, rec.ChangeID, "merge-99"))

	got, err := mgr.Get(ctx, rec.ChangeID)
	require.NoError(t, err)
	assert.Equal(t, StatusMerged, got.Status)
	assert.Equal(t, "merge-99", got.DiffRef)
	assert.Equal(t, []string{"alice", "bob"}, got.Reviewers)

	require.NoError(t, mgr.Rollback(ctx, rec.ChangeID, "operator"))
	assert.Equal(t, 1, rev.calls, "revert must be called exactly once")
	assert.Equal(t, "merge-99", rev.lastRef)

	got, err = mgr.Get(ctx, rec.ChangeID)
	require.NoError(t, err)
	assert.Equal(t, StatusRolledBack, got.Status)

	history, err := mgr.History(ctx, rec.ChangeID)
	require.NoError(t, err)
	// proposed, approval_pending, approved, merged, rolled_back.
	assert.Len(t, history, 5)
}

func TestRollbackRevertFailureKeepsMerged(t *testing.T) {
	rev := &fakeReverter{err: errors.New("remote unreachable")}
	mgr := newTestManager(t, rev)
	rec := proposeChange(t, mgr)
	ctx := context.Background()

	require.NoError(t, mgr.RecordTestResult(ctx, rec.ChangeID, TestPassed))
	require.NoError(t, mgr.Approve(ctx, rec.ChangeID, "alice"))
	require.NoError(t, mgr.MarkMerged(ctx, rec.ChangeID, ""))

	err := mgr.Rollback(ctx, rec.ChangeID, "operator")
	require.Error(t, err)

	got, err := mgr.Get(ctx, rec.ChangeID)
	require.NoError(t, err)
	assert.Equal(t, StatusMerged, got.Status, "failed revert must leave the change merged")
}

func TestRollbackRequiresMerged(t *testing.T) {
	rev := &fakeReverter{}
	mgr := newTestManager(t, rev)
	rec := proposeChange(t, mgr)

	err := mgr.Rollback(context.Background(), rec.ChangeID, "operator")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Zero(t, rev.calls, "revert must not run for a non-merged change")
}

func TestConflictDetectionAndResolution(t *testing.T) {
	mgr := newTestManager(t, nil)
	rec := proposeChange(t, mgr)
	ctx := context.Background()

	require.NoError(t, mgr.RecordTestResult(ctx, rec.ChangeID, TestPassed))
	require.NoError(t, mgr.Approve(ctx, rec.ChangeID, "alice"))
	require.NoError(t, mgr.MarkConflict(ctx, rec.ChangeID, "merge conflict on pr-42"))

	got, err := mgr.Get(ctx, rec.ChangeID)
	require.NoError(t, err)
	assert.Equal(t, StatusConflictDetected, got.Status)

	require.NoError(t, mgr.ResolveConflict(ctx, rec.ChangeID, "alice"))
	require.NoError(t, mgr.MarkMerged(ctx, rec.ChangeID, ""))

	got, err = mgr.Get(ctx, rec.ChangeID)
	require.NoError(t, err)
	assert.Equal(t, StatusMerged, got.Status)
}

func TestExpireApprovals(t *testing.T) {
	mgr := newTestManager(t, nil)
	ctx := context.Background()

	stale := proposeChange(t, mgr)
	require.NoError(t, mgr.RecordTestResult(ctx, stale.ChangeID, TestPassed))

	fresh := proposeChange(t, mgr)
	require.NoError(t, mgr.RecordTestResult(ctx, fresh.ChangeID, TestPassed))

	// Only sweeps past the cutoff: with a 1h max age and "now" pushed two
	// hours ahead, both are stale; with now = now, neither is.
	expired, err := mgr.ExpireApprovals(ctx, time.Now(), time.Hour)
	require.NoError(t, err)
	assert.Empty(t, expired)

	expired, err = mgr.ExpireApprovals(ctx, time.Now().Add(2*time.Hour), time.Hour)
	require.NoError(t, err)
	assert.Len(t, expired, 2)

	got, err := mgr.Get(ctx, stale.ChangeID)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, got.Status)

	history, err := mgr.History(ctx, stale.ChangeID)
	require.NoError(t, err)
	last := history[len(history)-1]
	assert.Equal(t, "system", last.Actor)
	assert.Equal(t, "approval timeout", last.Reason)
}

func TestGetMissing(t *testing.T) {
	mgr := newTestManager(t, nil)

	_, err := mgr.Get(context.Background(), "chg-missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
