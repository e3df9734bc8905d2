package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DavinciDreams/SIA/pkg/config"
	"github.com/DavinciDreams/SIA/pkg/lifecycle"
	"github.com/DavinciDreams/SIA/pkg/memory"
)

// fakeCollab implements every collaborator contract with scriptable
// outcomes and call counting.
type fakeCollab struct {
	mu            sync.Mutex
	analyzeCalls  int
	generateCalls int
	testCalls     int
	submitCalls   int
	mergeCalls    int
	revertCalls   int

	analyzeErr  error
	generateErr error
	testErr     error
	submitErr   error
	mergeErr    error
	revertErr   error

	testPassed  bool
	mergeStatus MergeStatus

	analyzeStarted chan struct{}
	analyzeBlock   bool
}

func newFakeCollab() *fakeCollab {
	return &fakeCollab{testPassed: true, mergeStatus: MergeMerged}
}

func (f *fakeCollab) Analyze(ctx context.Context, actx AnalysisContext) (Findings, error) {
	f.mu.Lock()
	f.analyzeCalls++
	started := f.analyzeStarted
	block := f.analyzeBlock
	err := f.analyzeErr
	f.mu.Unlock()

	if started != nil {
		close(started)
		f.mu.Lock()
		f.analyzeStarted = nil
		f.mu.Unlock()
	}
	if block {
		<-ctx.Done()
		return Findings{}, ctx.Err()
	}
	if err != nil {
		return Findings{}, err
	}
	return Findings{Summary: "error handling is inconsistent in " + actx.Target, Issues: []string{"missing wrap in handler"}}, nil
}

func (f *fakeCollab) Generate(ctx context.Context, findings Findings, memories []string) (CandidateChange, error) {
	f.mu.Lock()
	f.generateCalls++
	err := f.generateErr
	f.mu.Unlock()
	if err != nil {
		return CandidateChange{}, err
	}
	return CandidateChange{
		Title:       "wrap handler errors",
		Description: "wrap errors with context in the request handler",
		Diff:        "--- a/handler.go\n+++ b/handler.go\n",
	}, nil
}

func (f *fakeCollab) RunTests(ctx context.Context, change CandidateChange) (TestReport, error) {
	f.mu.Lock()
	f.testCalls++
	err := f.testErr
	passed := f.testPassed
	f.mu.Unlock()
	if err != nil {
		return TestReport{}, err
	}
	if !passed {
		return TestReport{Passed: false, Details: "TestHandler failed"}, nil
	}
	return TestReport{Passed: true, Details: "ok"}, nil
}

func (f *fakeCollab) Submit(ctx context.Context, change CandidateChange, branch, title, description string, reviewers []string) (string, error) {
	f.mu.Lock()
	f.submitCalls++
	err := f.submitErr
	f.mu.Unlock()
	if err != nil {
		return "", err
	}
	return "pr-7", nil
}

func (f *fakeCollab) Merge(ctx context.Context, diffRef string) (MergeStatus, error) {
	f.mu.Lock()
	f.mergeCalls++
	err := f.mergeErr
	status := f.mergeStatus
	f.mu.Unlock()
	if err != nil {
		return "", err
	}
	return status, nil
}

func (f *fakeCollab) Revert(ctx context.Context, diffRef string) error {
	f.mu.Lock()
	f.revertCalls++
	err := f.revertErr
	f.mu.Unlock()
	return err
}

func (f *fakeCollab) counts() (analyze, test, submit, merge, revert int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.analyzeCalls, f.testCalls, f.submitCalls, f.mergeCalls, f.revertCalls
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Workspace = t.TempDir()
	cfg.Orchestrator.TargetRepo = "acme/service"
	cfg.Orchestrator.Reviewers = []string{"alice"}
	cfg.RateLimit.WindowSeconds = 3600
	cfg.RateLimit.MaxCycles = 100
	return cfg
}

func newTestOrchestrator(t *testing.T, cfg *config.Config, collab *fakeCollab) *Orchestrator {
	t.Helper()
	mem, err := memory.NewSQLiteStore(cfg.DatabasePath())
	if err != nil {
		t.Fatalf("open memory store: %v", err)
	}
	t.Cleanup(func() { mem.Close() })

	orch, err := New(Options{
		Config:    cfg,
		Memory:    mem,
		Analyzer:  collab,
		Generator: collab,
		Tester:    collab,
		VCS:       collab,
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	t.Cleanup(func() { orch.Close() })
	return orch
}

func TestCycleParksForApproval(t *testing.T) {
	collab := newFakeCollab()
	orch := newTestOrchestrator(t, testConfig(t), collab)
	ctx := context.Background()

	st, err := orch.StartCycle(ctx, "")
	if err != nil {
		t.Fatalf("start cycle: %v", err)
	}
	if st.Phase != PhaseAwaitingApproval {
		t.Fatalf("phase = %s, want awaiting_approval", st.Phase)
	}
	if st.ChangeID == "" {
		t.Fatal("cycle should reference its change")
	}

	rec, err := orch.Changes().Get(ctx, st.ChangeID)
	if err != nil {
		t.Fatalf("get change: %v", err)
	}
	if rec.Status != lifecycle.StatusApprovalPending {
		t.Fatalf("change status = %s, want approval_pending", rec.Status)
	}
	if rec.TestResult != lifecycle.TestPassed {
		t.Fatalf("test result = %s, want passed", rec.TestResult)
	}
	if rec.DiffRef != "pr-7" {
		t.Fatalf("diff ref = %q", rec.DiffRef)
	}

	analyze, test, submit, _, _ := collab.counts()
	if analyze != 1 || test != 1 || submit != 1 {
		t.Fatalf("collaborator calls analyze=%d test=%d submit=%d, want 1 each", analyze, test, submit)
	}
}

func TestFailedTestsTerminateCycle(t *testing.T) {
	collab := newFakeCollab()
	collab.testPassed = false
	orch := newTestOrchestrator(t, testConfig(t), collab)
	ctx := context.Background()

	st, err := orch.StartCycle(ctx, "")
	if err != nil {
		t.Fatalf("start cycle: %v", err)
	}
	if st.Phase != PhaseFailed {
		t.Fatalf("phase = %s, want failed", st.Phase)
	}
	if !strings.Contains(st.FailureReason, "tests failed") {
		t.Fatalf("failure reason = %q", st.FailureReason)
	}

	rec, err := orch.Changes().Get(ctx, st.ChangeID)
	if err != nil {
		t.Fatalf("get change: %v", err)
	}
	if rec.Status != lifecycle.StatusRejected {
		t.Fatalf("change status = %s, want rejected", rec.Status)
	}
	if rec.TestResult != lifecycle.TestFailed {
		t.Fatalf("test result = %s, want failed", rec.TestResult)
	}

	_, _, submit, _, _ := collab.counts()
	if submit != 0 {
		t.Fatal("failed tests must not reach version control")
	}
}

func TestAnalyzerErrorFailsCycle(t *testing.T) {
	collab := newFakeCollab()
	collab.analyzeErr = errors.New("analysis backend down")
	orch := newTestOrchestrator(t, testConfig(t), collab)

	st, err := orch.StartCycle(context.Background(), "")
	var cerr *CollaboratorError
	if !errors.As(err, &cerr) {
		t.Fatalf("want CollaboratorError, got %v", err)
	}
	if cerr.Stage != "analysis" {
		t.Fatalf("stage = %q", cerr.Stage)
	}
	if st.Phase != PhaseFailed {
		t.Fatalf("phase = %s, want failed", st.Phase)
	}
	if st.FailureReason == "" {
		t.Fatal("failure reason should be recorded")
	}
}

func TestRateLimitDenialCreatesNoCycle(t *testing.T) {
	cfg := testConfig(t)
	cfg.RateLimit.MaxCycles = 1
	collab := newFakeCollab()
	orch := newTestOrchestrator(t, cfg, collab)
	ctx := context.Background()

	if _, err := orch.StartCycle(ctx, "acme/alpha"); err != nil {
		t.Fatalf("first cycle: %v", err)
	}

	_, err := orch.StartCycle(ctx, "acme/beta")
	var rl *RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("want RateLimitError, got %v", err)
	}
	if rl.RetryAfter <= 0 {
		t.Fatalf("retry-after = %s, want positive", rl.RetryAfter)
	}

	cycles, err := orch.ListCycles(ctx, 10)
	if err != nil {
		t.Fatalf("list cycles: %v", err)
	}
	if len(cycles) != 1 {
		t.Fatalf("denied start left %d cycle records, want 1", len(cycles))
	}
}

func TestConcurrentCyclesSameTargetMutuallyExclude(t *testing.T) {
	collab := newFakeCollab()
	orch := newTestOrchestrator(t, testConfig(t), collab)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = orch.StartCycle(ctx, "acme/service")
		}(i)
	}
	wg.Wait()

	succeeded, excluded := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrConcurrentCycle):
			excluded++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("%d cycles ran for one target, want exactly 1", succeeded)
	}
	if excluded != 3 {
		t.Fatalf("excluded = %d, want 3", excluded)
	}
}

func TestSecondCycleBlockedWhileParked(t *testing.T) {
	collab := newFakeCollab()
	orch := newTestOrchestrator(t, testConfig(t), collab)
	ctx := context.Background()

	if _, err := orch.StartCycle(ctx, ""); err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	// Parked at awaiting_approval is still active.
	if _, err := orch.StartCycle(ctx, ""); !errors.Is(err, ErrConcurrentCycle) {
		t.Fatalf("want ErrConcurrentCycle, got %v", err)
	}
}

func TestApprovalMergesAndMirrors(t *testing.T) {
	collab := newFakeCollab()
	orch := newTestOrchestrator(t, testConfig(t), collab)
	ctx := context.Background()

	st, err := orch.StartCycle(ctx, "")
	if err != nil {
		t.Fatalf("start cycle: %v", err)
	}

	out, err := orch.ResolveApproval(ctx, st.ChangeID, true, "alice", "looks good")
	if err != nil {
		t.Fatalf("resolve approval: %v", err)
	}
	if out.Phase != PhaseApproved {
		t.Fatalf("cycle phase = %s, want approved", out.Phase)
	}

	rec, err := orch.Changes().Get(ctx, st.ChangeID)
	if err != nil {
		t.Fatalf("get change: %v", err)
	}
	if rec.Status != lifecycle.StatusMerged {
		t.Fatalf("change status = %s, want merged", rec.Status)
	}

	// A fresh cycle may start once the previous one is terminal.
	if _, err := orch.StartCycle(ctx, ""); err != nil {
		t.Fatalf("cycle after terminal: %v", err)
	}
}

func TestRejectionMirrors(t *testing.T) {
	collab := newFakeCollab()
	orch := newTestOrchestrator(t, testConfig(t), collab)
	ctx := context.Background()

	st, err := orch.StartCycle(ctx, "")
	if err != nil {
		t.Fatalf("start cycle: %v", err)
	}

	out, err := orch.ResolveApproval(ctx, st.ChangeID, false, "alice", "too risky")
	if err != nil {
		t.Fatalf("resolve approval: %v", err)
	}
	if out.Phase != PhaseRejected {
		t.Fatalf("cycle phase = %s, want rejected", out.Phase)
	}

	_, _, _, merge, _ := collab.counts()
	if merge != 0 {
		t.Fatal("rejection must not attempt a merge")
	}
}

func TestMergeConflictNeedsExplicitResolution(t *testing.T) {
	collab := newFakeCollab()
	collab.mergeStatus = MergeConflict
	orch := newTestOrchestrator(t, testConfig(t), collab)
	ctx := context.Background()

	st, err := orch.StartCycle(ctx, "")
	if err != nil {
		t.Fatalf("start cycle: %v", err)
	}
	if _, err := orch.ResolveApproval(ctx, st.ChangeID, true, "alice", "ok"); err != nil {
		t.Fatalf("resolve approval: %v", err)
	}

	rec, err := orch.Changes().Get(ctx, st.ChangeID)
	if err != nil {
		t.Fatalf("get change: %v", err)
	}
	if rec.Status != lifecycle.StatusConflictDetected {
		t.Fatalf("change status = %s, want conflict_detected", rec.Status)
	}

	// Human resolved the conflict; retry succeeds now.
	collab.mu.Lock()
	collab.mergeStatus = MergeMerged
	collab.mu.Unlock()

	out, err := orch.ResolveConflict(ctx, st.ChangeID, "alice")
	if err != nil {
		t.Fatalf("resolve conflict: %v", err)
	}
	if out.Phase != PhaseApproved {
		t.Fatalf("cycle phase = %s, want approved", out.Phase)
	}
}

func TestRollbackMirrors(t *testing.T) {
	collab := newFakeCollab()
	orch := newTestOrchestrator(t, testConfig(t), collab)
	ctx := context.Background()

	st, err := orch.StartCycle(ctx, "")
	if err != nil {
		t.Fatalf("start cycle: %v", err)
	}
	if _, err := orch.ResolveApproval(ctx, st.ChangeID, true, "alice", "ok"); err != nil {
		t.Fatalf("resolve approval: %v", err)
	}

	out, err := orch.RollbackChange(ctx, st.ChangeID, "operator")
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if out.Phase != PhaseRolledBack {
		t.Fatalf("cycle phase = %s, want rolled_back", out.Phase)
	}
	_, _, _, _, revert := collab.counts()
	if revert != 1 {
		t.Fatalf("revert called %d times, want 1", revert)
	}
}

func TestCancelDuringAnalysis(t *testing.T) {
	collab := newFakeCollab()
	collab.analyzeBlock = true
	collab.analyzeStarted = make(chan struct{})
	started := collab.analyzeStarted
	orch := newTestOrchestrator(t, testConfig(t), collab)
	ctx := context.Background()

	type result struct {
		st  CycleState
		err error
	}
	done := make(chan result, 1)
	go func() {
		st, err := orch.StartCycle(ctx, "")
		done <- result{st, err}
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("analyzer never started")
	}

	cycles, err := orch.ListCycles(ctx, 1)
	if err != nil || len(cycles) != 1 {
		t.Fatalf("list cycles: %v (%d)", err, len(cycles))
	}
	if err := orch.Cancel(ctx, cycles[0].CycleID, "operator"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	res := <-done
	if res.err != nil {
		t.Fatalf("cancelled cycle returned error: %v", res.err)
	}
	if res.st.Phase != PhaseCancelled {
		t.Fatalf("phase = %s, want cancelled", res.st.Phase)
	}

	// Cancelled is terminal; a second cancel is rejected.
	if err := orch.Cancel(ctx, cycles[0].CycleID, "operator"); !errors.Is(err, ErrCycleTerminal) {
		t.Fatalf("want ErrCycleTerminal, got %v", err)
	}
}

func TestResumeContinuesFromRecordedPhase(t *testing.T) {
	collab := newFakeCollab()
	orch := newTestOrchestrator(t, testConfig(t), collab)
	ctx := context.Background()

	// Simulate a crash mid-pipeline: durable state says the cycle is in
	// testing with a generated candidate, but no goroutine is driving it.
	st, err := orch.cycles.create(ctx, "cyc-recovered", "acme/service")
	if err != nil {
		t.Fatalf("create cycle: %v", err)
	}
	candidate, _ := json.Marshal(CandidateChange{
		Title:       "wrap handler errors",
		Description: "wrap errors with context",
		Diff:        "--- a\n+++ b\n",
	})
	if err := orch.cycles.setCandidate(ctx, st.CycleID, string(candidate)); err != nil {
		t.Fatalf("set candidate: %v", err)
	}
	if _, err := orch.cycles.setPhase(ctx, st.CycleID, PhaseGenerating, "system", "analysis complete", nil); err != nil {
		t.Fatalf("set phase: %v", err)
	}
	if _, err := orch.cycles.setPhase(ctx, st.CycleID, PhaseTesting, "system", "candidate generated", nil); err != nil {
		t.Fatalf("set phase: %v", err)
	}

	resumed, err := orch.Resume(ctx)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if len(resumed) != 1 {
		t.Fatalf("resumed %d cycles, want 1", len(resumed))
	}
	if resumed[0].Phase != PhaseAwaitingApproval {
		t.Fatalf("resumed phase = %s, want awaiting_approval", resumed[0].Phase)
	}

	analyze, test, submit, _, _ := collab.counts()
	if analyze != 0 {
		t.Fatalf("resume re-ran analysis %d times, want 0", analyze)
	}
	if test != 1 || submit != 1 {
		t.Fatalf("test=%d submit=%d, want 1 each", test, submit)
	}
}

func TestResumeLeavesParkedCyclesParked(t *testing.T) {
	collab := newFakeCollab()
	orch := newTestOrchestrator(t, testConfig(t), collab)
	ctx := context.Background()

	st, err := orch.StartCycle(ctx, "")
	if err != nil {
		t.Fatalf("start cycle: %v", err)
	}
	if st.Phase != PhaseAwaitingApproval {
		t.Fatalf("phase = %s", st.Phase)
	}

	resumed, err := orch.Resume(ctx)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if len(resumed) != 0 {
		t.Fatalf("resume drove %d parked cycles, want 0", len(resumed))
	}

	got, err := orch.GetCycle(ctx, st.CycleID)
	if err != nil {
		t.Fatalf("get cycle: %v", err)
	}
	if got.Phase != PhaseAwaitingApproval {
		t.Fatalf("parked cycle moved to %s", got.Phase)
	}
}

func TestSweepApprovalTimeouts(t *testing.T) {
	cfg := testConfig(t)
	cfg.Orchestrator.ApprovalTimeoutHours = 1
	collab := newFakeCollab()
	orch := newTestOrchestrator(t, cfg, collab)
	ctx := context.Background()

	st, err := orch.StartCycle(ctx, "")
	if err != nil {
		t.Fatalf("start cycle: %v", err)
	}

	expired, err := orch.SweepApprovalTimeouts(ctx, time.Now().Add(2*time.Hour))
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(expired) != 1 || expired[0] != st.ChangeID {
		t.Fatalf("expired = %v, want [%s]", expired, st.ChangeID)
	}

	got, err := orch.GetCycle(ctx, st.CycleID)
	if err != nil {
		t.Fatalf("get cycle: %v", err)
	}
	if got.Phase != PhaseRejected {
		t.Fatalf("cycle phase = %s, want rejected", got.Phase)
	}
}

func TestLearningLoopStoresFindingsAndOutcome(t *testing.T) {
	cfg := testConfig(t)
	collab := newFakeCollab()

	mem, err := memory.NewSQLiteStore(cfg.DatabasePath())
	if err != nil {
		t.Fatalf("open memory store: %v", err)
	}
	defer mem.Close()

	orch, err := New(Options{
		Config: cfg, Memory: mem,
		Analyzer: collab, Generator: collab, Tester: collab, VCS: collab,
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	defer orch.Close()
	ctx := context.Background()

	st, err := orch.StartCycle(ctx, "")
	if err != nil {
		t.Fatalf("start cycle: %v", err)
	}
	if _, err := orch.ResolveApproval(ctx, st.ChangeID, true, "alice", "ok"); err != nil {
		t.Fatalf("resolve approval: %v", err)
	}

	entries, err := mem.ListRecent(ctx, 10)
	if err != nil {
		t.Fatalf("list recent: %v", err)
	}
	var sawFindings, sawOutcome bool
	for _, e := range entries {
		if e.Kind == memory.KindSemantic && strings.Contains(e.Content, "error handling is inconsistent") {
			sawFindings = true
		}
		if e.Kind == memory.KindEpisodic && strings.Contains(e.Content, "merged") {
			sawOutcome = true
		}
	}
	if !sawFindings {
		t.Fatal("analysis findings were not stored as a semantic memory")
	}
	if !sawOutcome {
		t.Fatal("cycle outcome was not stored as an episodic memory")
	}
}
