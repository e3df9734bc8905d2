package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/DavinciDreams/SIA/pkg/bus"
	"github.com/DavinciDreams/SIA/pkg/config"
	"github.com/DavinciDreams/SIA/pkg/lifecycle"
	"github.com/DavinciDreams/SIA/pkg/logger"
	"github.com/DavinciDreams/SIA/pkg/memory"
	"github.com/DavinciDreams/SIA/pkg/ratelimit"
)

// Options bundles everything an Orchestrator needs. Memory is owned by
// the caller; the cycle and change databases are opened here at the
// configured database path.
type Options struct {
	Config    *config.Config
	Memory    *memory.SQLiteStore
	Analyzer  Analyzer
	Generator Generator
	Tester    TestRunner
	VCS       VersionControl
	Notifier  Notifier
	Events    *bus.EventBus
}

// Orchestrator drives improvement cycles end to end: admission, the
// analyze/generate/test pipeline, the approval handoff, and the learning
// loop back into memory.
type Orchestrator struct {
	cfg       *config.Config
	cycles    *cycleStore
	mem       *memory.SQLiteStore
	retriever *memory.Retriever
	changes   *lifecycle.Manager
	limiter   *ratelimit.SlidingWindow

	analyzer  Analyzer
	generator Generator
	tester    TestRunner
	vcs       VersionControl
	notifier  Notifier
	events    *bus.EventBus

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Config == nil {
		return nil, errors.New("orchestrator: config is required")
	}
	if opts.Memory == nil {
		return nil, errors.New("orchestrator: memory store is required")
	}
	if opts.Analyzer == nil || opts.Generator == nil || opts.Tester == nil || opts.VCS == nil {
		return nil, errors.New("orchestrator: analyzer, generator, tester and vcs are required")
	}

	dbPath := opts.Config.DatabasePath()
	cycles, err := openCycleStore(dbPath)
	if err != nil {
		return nil, err
	}
	changes, err := lifecycle.NewManager(dbPath, opts.VCS, opts.Events)
	if err != nil {
		cycles.close()
		return nil, err
	}

	rl := opts.Config.RateLimit
	return &Orchestrator{
		cfg:       opts.Config,
		cycles:    cycles,
		mem:       opts.Memory,
		retriever: memory.NewRetriever(opts.Memory),
		changes:   changes,
		limiter:   ratelimit.NewSlidingWindow(time.Duration(rl.WindowSeconds)*time.Second, rl.MaxCycles),
		analyzer:  opts.Analyzer,
		generator: opts.Generator,
		tester:    opts.Tester,
		vcs:       opts.VCS,
		notifier:  opts.Notifier,
		events:    opts.Events,
		cancels:   make(map[string]context.CancelFunc),
	}, nil
}

func (o *Orchestrator) Close() error {
	err := o.changes.Close()
	if cerr := o.cycles.close(); err == nil {
		err = cerr
	}
	return err
}

// Changes exposes the change lifecycle manager for direct review
// operations (approve, reject, history) from the CLI surfaces.
func (o *Orchestrator) Changes() *lifecycle.Manager { return o.changes }

// StartCycle admits and runs one improvement cycle against target,
// blocking until the cycle parks at awaiting_approval or reaches a
// terminal phase. Admission order matters: the mutual-exclusion check
// runs before the rate limiter so an already-busy target never burns
// quota, and a limiter denial leaves no cycle record behind.
func (o *Orchestrator) StartCycle(ctx context.Context, target string) (CycleState, error) {
	if target == "" {
		target = o.cfg.Orchestrator.TargetRepo
	}
	if target == "" {
		return CycleState{}, errors.New("start cycle: no target configured")
	}

	active, err := o.cycles.hasActive(ctx, target)
	if err != nil {
		return CycleState{}, err
	}
	if active {
		return CycleState{}, fmt.Errorf("start cycle for %s: %w", target, ErrConcurrentCycle)
	}

	if d := o.limiter.Admit(time.Now()); !d.Admitted {
		logger.WarnCF("orchestrator", "Cycle denied by rate limiter", map[string]any{
			"target":      target,
			"retry_after": d.RetryAfter.String(),
		})
		return CycleState{}, &RateLimitError{RetryAfter: d.RetryAfter}
	}

	st, err := o.cycles.create(ctx, "cyc-"+uuid.NewString(), target)
	if err != nil {
		return CycleState{}, err
	}
	logger.InfoCF("orchestrator", "Cycle started", map[string]any{
		"cycle_id": st.CycleID,
		"target":   target,
	})
	o.publishPhase(st, "", PhaseAnalyzing, "cycle started")
	return o.run(ctx, st)
}

// Resume re-drives every non-terminal cycle from its last recorded
// phase. Cycles parked at awaiting_approval stay parked; they move only
// through ResolveApproval. Returns the cycles it re-drove.
func (o *Orchestrator) Resume(ctx context.Context) ([]CycleState, error) {
	states, err := o.cycles.listNonTerminal(ctx)
	if err != nil {
		return nil, err
	}
	var resumed []CycleState
	for _, st := range states {
		if st.Phase == PhaseAwaitingApproval {
			logger.InfoCF("orchestrator", "Cycle awaiting approval, left parked", map[string]any{
				"cycle_id": st.CycleID,
			})
			continue
		}
		logger.InfoCF("orchestrator", "Resuming cycle", map[string]any{
			"cycle_id": st.CycleID,
			"phase":    string(st.Phase),
		})
		out, err := o.run(ctx, st)
		if err != nil {
			logger.WarnCF("orchestrator", "Resumed cycle ended with error", map[string]any{
				"cycle_id": st.CycleID,
				"error":    err.Error(),
			})
		}
		resumed = append(resumed, out)
	}
	return resumed, nil
}

// run drives the pipeline from the state's current phase. Cancellation
// is cooperative: Cancel flips the stored phase and cancels the cycle
// context, and run observes both at phase boundaries.
func (o *Orchestrator) run(ctx context.Context, st CycleState) (CycleState, error) {
	cctx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.cancels[st.CycleID] = cancel
	o.mu.Unlock()
	defer func() {
		cancel()
		o.mu.Lock()
		delete(o.cancels, st.CycleID)
		o.mu.Unlock()
	}()

	var err error
	for {
		if cctx.Err() != nil {
			return o.reload(context.WithoutCancel(ctx), st)
		}
		switch st.Phase {
		case PhaseAnalyzing:
			st, err = o.phaseAnalyze(cctx, st)
		case PhaseGenerating:
			st, err = o.phaseGenerate(cctx, st)
		case PhaseTesting:
			return o.phaseTest(cctx, st)
		default:
			return st, nil
		}
		if err != nil {
			return st, err
		}
	}
}

func (o *Orchestrator) phaseAnalyze(ctx context.Context, st CycleState) (CycleState, error) {
	memories := o.contextMemories(ctx, st.Target)
	findings, err := o.analyzer.Analyze(ctx, AnalysisContext{Target: st.Target, Memories: memories})
	if err != nil {
		return o.fail(ctx, st, "analysis", err)
	}

	content := findings.Summary
	if len(findings.Issues) > 0 {
		content += "\nIssues: " + strings.Join(findings.Issues, "; ")
	}
	if _, err := o.mem.Store(ctx, content, memory.KindSemantic, map[string]string{
		"cycle_id": st.CycleID,
		"target":   st.Target,
		"source":   "analysis",
	}); err != nil {
		return o.fail(ctx, st, "analysis", fmt.Errorf("store findings: %w", err))
	}

	raw, _ := json.Marshal(findings)
	if err := o.cycles.setFindings(ctx, st.CycleID, string(raw)); err != nil {
		return o.fail(ctx, st, "analysis", err)
	}
	st.Findings = string(raw)
	return o.advance(ctx, st, PhaseGenerating, "analysis complete")
}

func (o *Orchestrator) phaseGenerate(ctx context.Context, st CycleState) (CycleState, error) {
	var findings Findings
	if st.Findings != "" {
		if err := json.Unmarshal([]byte(st.Findings), &findings); err != nil {
			return o.fail(ctx, st, "generation", fmt.Errorf("decode stored findings: %w", err))
		}
	}
	memories := o.contextMemories(ctx, st.Target)
	candidate, err := o.generator.Generate(ctx, findings, memories)
	if err != nil {
		return o.fail(ctx, st, "generation", err)
	}
	raw, _ := json.Marshal(candidate)
	if err := o.cycles.setCandidate(ctx, st.CycleID, string(raw)); err != nil {
		return o.fail(ctx, st, "generation", err)
	}
	st.Candidate = string(raw)
	return o.advance(ctx, st, PhaseTesting, "candidate generated")
}

func (o *Orchestrator) phaseTest(ctx context.Context, st CycleState) (CycleState, error) {
	var candidate CandidateChange
	if err := json.Unmarshal([]byte(st.Candidate), &candidate); err != nil {
		return o.fail(ctx, st, "testing", fmt.Errorf("decode stored candidate: %w", err))
	}

	report, err := o.tester.RunTests(ctx, candidate)
	if err != nil {
		return o.fail(ctx, st, "testing", err)
	}

	if !report.Passed {
		rec, perr := o.changes.Propose(ctx, st.CycleID, candidate.Description, "")
		if perr != nil {
			return o.fail(ctx, st, "testing", perr)
		}
		if err := o.cycles.setChangeID(ctx, st.CycleID, rec.ChangeID); err != nil {
			return o.fail(ctx, st, "testing", err)
		}
		st.ChangeID = rec.ChangeID
		if err := o.changes.RecordTestResult(ctx, rec.ChangeID, lifecycle.TestFailed); err != nil {
			return o.fail(ctx, st, "testing", err)
		}
		o.recordOutcome(ctx, st, "tests failed: "+report.Details)
		return o.failPlain(ctx, st, "tests failed: "+truncate(report.Details, 300))
	}

	branch := strings.TrimSuffix(o.cfg.Orchestrator.BranchPrefix, "/") + "/" + st.CycleID
	diffRef, err := o.vcs.Submit(ctx, candidate, branch, candidate.Title, candidate.Description, o.cfg.Orchestrator.Reviewers)
	if err != nil {
		return o.fail(ctx, st, "version control", err)
	}

	rec, err := o.changes.Propose(ctx, st.CycleID, candidate.Description, diffRef)
	if err != nil {
		return o.fail(ctx, st, "testing", err)
	}
	if err := o.cycles.setChangeID(ctx, st.CycleID, rec.ChangeID); err != nil {
		return o.fail(ctx, st, "testing", err)
	}
	st.ChangeID = rec.ChangeID
	if err := o.changes.RecordTestResult(ctx, rec.ChangeID, lifecycle.TestPassed); err != nil {
		return o.fail(ctx, st, "testing", err)
	}
	if err := o.changes.RequestApproval(ctx, rec.ChangeID, o.cfg.Orchestrator.Reviewers); err != nil {
		return o.fail(ctx, st, "testing", err)
	}

	out, err := o.advance(ctx, st, PhaseAwaitingApproval, "tests passed, approval requested")
	if err != nil {
		return out, err
	}
	o.notify("Approval requested", fmt.Sprintf("Change %s on %s awaits review: %s",
		rec.ChangeID, st.Target, candidate.Title))
	return out, nil
}

// ResolveApproval applies a reviewer's verdict to the change, drives the
// merge on approval, and mirrors the resulting status into the owning
// cycle's phase.
func (o *Orchestrator) ResolveApproval(ctx context.Context, changeID string, approved bool, actor, reason string) (CycleState, error) {
	rec, err := o.changes.Get(ctx, changeID)
	if err != nil {
		return CycleState{}, err
	}

	if !approved {
		if err := o.changes.Reject(ctx, changeID, actor, reason); err != nil {
			return CycleState{}, err
		}
		st := o.mirrorPhase(ctx, changeID, PhaseRejected, actor, reason)
		o.recordOutcome(ctx, st, "change rejected by "+actor+": "+reason)
		o.notify("Change rejected", fmt.Sprintf("Change %s rejected by %s: %s", changeID, actor, reason))
		return st, nil
	}

	if err := o.changes.Approve(ctx, changeID, actor); err != nil {
		return CycleState{}, err
	}
	return o.mergeApproved(ctx, changeID, rec.DiffRef, actor)
}

// ResolveConflict retries the merge after a reviewer resolved a
// previously detected conflict.
func (o *Orchestrator) ResolveConflict(ctx context.Context, changeID, actor string) (CycleState, error) {
	rec, err := o.changes.Get(ctx, changeID)
	if err != nil {
		return CycleState{}, err
	}
	if err := o.changes.ResolveConflict(ctx, changeID, actor); err != nil {
		return CycleState{}, err
	}
	return o.mergeApproved(ctx, changeID, rec.DiffRef, actor)
}

func (o *Orchestrator) mergeApproved(ctx context.Context, changeID, diffRef, actor string) (CycleState, error) {
	status, err := o.vcs.Merge(ctx, diffRef)
	if err != nil {
		// The change stays approved; the merge can be retried.
		return CycleState{}, &CollaboratorError{Stage: "merge", Err: err}
	}
	switch status {
	case MergeConflict:
		if err := o.changes.MarkConflict(ctx, changeID, "merge conflict on "+diffRef); err != nil {
			return CycleState{}, err
		}
		o.notify("Merge conflict", fmt.Sprintf("Change %s hit a merge conflict and needs resolution", changeID))
		st, _ := o.cycles.byChangeID(ctx, changeID)
		return st, nil
	default:
		if err := o.changes.MarkMerged(ctx, changeID, ""); err != nil {
			return CycleState{}, err
		}
		st := o.mirrorPhase(ctx, changeID, PhaseApproved, actor, "change merged")
		o.recordOutcome(ctx, st, "change merged after approval by "+actor)
		o.notify("Change merged", fmt.Sprintf("Change %s approved by %s and merged", changeID, actor))
		return st, nil
	}
}

// RollbackChange reverts a merged change and mirrors the terminal status
// into the owning cycle.
func (o *Orchestrator) RollbackChange(ctx context.Context, changeID, actor string) (CycleState, error) {
	if err := o.changes.Rollback(ctx, changeID, actor); err != nil {
		return CycleState{}, err
	}
	st := o.mirrorPhase(ctx, changeID, PhaseRolledBack, actor, "change rolled back")
	o.recordOutcome(ctx, st, "change rolled back by "+actor)
	o.notify("Change rolled back", fmt.Sprintf("Change %s rolled back by %s", changeID, actor))
	return st, nil
}

// Cancel stops a running cycle at its next phase boundary. The stored
// phase flips to cancelled immediately; the pipeline goroutine observes
// the cancelled context and the terminal-phase guard keeps it from
// overwriting the verdict. A pending change attached to the cycle is
// rejected.
func (o *Orchestrator) Cancel(ctx context.Context, cycleID, actor string) error {
	st, err := o.cycles.get(ctx, cycleID)
	if err != nil {
		return err
	}
	if TerminalPhase(st.Phase) {
		return fmt.Errorf("cancel cycle %s in phase %s: %w", cycleID, st.Phase, ErrCycleTerminal)
	}

	from, err := o.cycles.setPhase(ctx, cycleID, PhaseCancelled, actor, "cancelled", nil)
	if err != nil {
		return err
	}

	o.mu.Lock()
	cancel := o.cancels[cycleID]
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	if st.ChangeID != "" {
		if rec, gerr := o.changes.Get(ctx, st.ChangeID); gerr == nil && !lifecycle.Terminal(rec.Status) {
			if rerr := o.changes.Reject(ctx, st.ChangeID, actor, "cycle cancelled"); rerr != nil {
				logger.WarnCF("orchestrator", "Reject on cancel failed", map[string]any{
					"change_id": st.ChangeID,
					"error":     rerr.Error(),
				})
			}
		}
	}

	st.Phase = PhaseCancelled
	o.publishPhase(st, from, PhaseCancelled, "cancelled by "+actor)
	logger.InfoCF("orchestrator", "Cycle cancelled", map[string]any{
		"cycle_id": cycleID,
		"actor":    actor,
	})
	return nil
}

// SweepApprovalTimeouts expires overdue approval requests and mirrors
// each expiry into the owning cycle. Returns the expired change ids.
func (o *Orchestrator) SweepApprovalTimeouts(ctx context.Context, now time.Time) ([]string, error) {
	maxAge := time.Duration(o.cfg.Orchestrator.ApprovalTimeoutHours) * time.Hour
	ids, err := o.changes.ExpireApprovals(ctx, now, maxAge)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		st := o.mirrorPhase(ctx, id, PhaseRejected, "system", "approval timeout")
		o.recordOutcome(ctx, st, "approval request timed out")
		o.notify("Approval expired", fmt.Sprintf("Change %s expired without review and was rejected", id))
	}
	return ids, nil
}

func (o *Orchestrator) GetCycle(ctx context.Context, cycleID string) (CycleState, error) {
	return o.cycles.get(ctx, cycleID)
}

func (o *Orchestrator) ListCycles(ctx context.Context, limit int) ([]CycleState, error) {
	return o.cycles.list(ctx, limit)
}

func (o *Orchestrator) CycleHistory(ctx context.Context, cycleID string) ([]PhaseChange, error) {
	return o.cycles.history(ctx, cycleID)
}

// contextMemories pulls the most relevant stored entries for the target.
// Retrieval failure degrades to an empty context; the pipeline continues.
func (o *Orchestrator) contextMemories(ctx context.Context, target string) []string {
	topK := o.cfg.Orchestrator.ContextEntries
	scored, err := o.retriever.Retrieve(ctx, target, memory.RetrieveOptions{TopK: topK})
	if err != nil {
		logger.WarnCF("orchestrator", "Memory retrieval failed, continuing without context", map[string]any{
			"target": target,
			"error":  err.Error(),
		})
		return nil
	}
	out := make([]string, 0, len(scored))
	for _, s := range scored {
		out = append(out, s.Content)
	}
	return out
}

// recordOutcome stores a cycle outcome as an episodic memory. Best
// effort: the verdict is already durable elsewhere, so a storage error
// here only logs.
func (o *Orchestrator) recordOutcome(ctx context.Context, st CycleState, outcome string) {
	if st.CycleID == "" {
		return
	}
	content := fmt.Sprintf("Cycle %s on %s: %s", st.CycleID, st.Target, outcome)
	if _, err := o.mem.Store(ctx, content, memory.KindEpisodic, map[string]string{
		"cycle_id": st.CycleID,
		"target":   st.Target,
		"source":   "outcome",
	}); err != nil {
		logger.WarnCF("orchestrator", "Outcome memory store failed", map[string]any{
			"cycle_id": st.CycleID,
			"error":    err.Error(),
		})
	}
}

// advance moves the cycle to the next phase, tolerating a concurrent
// Cancel having already terminated it.
func (o *Orchestrator) advance(ctx context.Context, st CycleState, to Phase, reason string) (CycleState, error) {
	from, err := o.cycles.setPhase(ctx, st.CycleID, to, "system", reason, nil)
	if err != nil {
		if errors.Is(err, ErrCycleTerminal) {
			return o.reload(ctx, st)
		}
		return st, err
	}
	st.Phase = to
	o.publishPhase(st, from, to, reason)
	logger.DebugCF("orchestrator", "Cycle phase advanced", map[string]any{
		"cycle_id": st.CycleID,
		"from":     string(from),
		"to":       string(to),
	})
	return st, nil
}

// fail marks the cycle failed with the collaborator error, unless the
// error was a cancellation, in which case the stored cancelled phase is
// left standing.
func (o *Orchestrator) fail(ctx context.Context, st CycleState, stage string, errIn error) (CycleState, error) {
	if errors.Is(errIn, context.Canceled) {
		out, _ := o.reload(context.WithoutCancel(ctx), st)
		return out, nil
	}
	cerr := &CollaboratorError{Stage: stage, Err: errIn}
	out, err := o.markFailed(ctx, st, cerr.Error())
	if err != nil {
		return out, err
	}
	o.recordOutcome(ctx, st, "failed: "+cerr.Error())
	o.notify("Cycle failed", fmt.Sprintf("Cycle %s on %s failed: %s", st.CycleID, st.Target, cerr.Error()))
	return out, cerr
}

// failPlain terminates the cycle for an expected negative outcome, such
// as failing tests, without surfacing an error to the caller.
func (o *Orchestrator) failPlain(ctx context.Context, st CycleState, reason string) (CycleState, error) {
	out, err := o.markFailed(ctx, st, reason)
	if err != nil {
		return out, err
	}
	o.notify("Cycle failed", fmt.Sprintf("Cycle %s on %s: %s", st.CycleID, st.Target, reason))
	return out, nil
}

func (o *Orchestrator) markFailed(ctx context.Context, st CycleState, reason string) (CycleState, error) {
	from, err := o.cycles.setPhase(ctx, st.CycleID, PhaseFailed, "system", reason, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
UPDATE cycle_states SET failure_reason = ? WHERE cycle_id = ?`, reason, st.CycleID); err != nil {
			return fmt.Errorf("store failure reason: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrCycleTerminal) {
			return o.reload(ctx, st)
		}
		return st, err
	}
	st.Phase = PhaseFailed
	st.FailureReason = reason
	o.publishPhase(st, from, PhaseFailed, reason)
	logger.WarnCF("orchestrator", "Cycle failed", map[string]any{
		"cycle_id": st.CycleID,
		"reason":   reason,
	})
	return st, nil
}

// mirrorPhase reflects a change verdict into the owning cycle. Changes
// without a cycle (manually injected) are fine; the mirror is a no-op.
func (o *Orchestrator) mirrorPhase(ctx context.Context, changeID string, to Phase, actor, reason string) CycleState {
	st, err := o.cycles.byChangeID(ctx, changeID)
	if err != nil {
		if !errors.Is(err, ErrCycleNotFound) {
			logger.WarnCF("orchestrator", "Cycle lookup for mirror failed", map[string]any{
				"change_id": changeID,
				"error":     err.Error(),
			})
		}
		return CycleState{}
	}
	from, err := o.cycles.setPhase(ctx, st.CycleID, to, actor, reason, nil)
	if err != nil {
		if !errors.Is(err, ErrCycleTerminal) {
			logger.WarnCF("orchestrator", "Cycle phase mirror failed", map[string]any{
				"cycle_id": st.CycleID,
				"error":    err.Error(),
			})
		}
		return st
	}
	st.Phase = to
	o.publishPhase(st, from, to, reason)
	return st
}

func (o *Orchestrator) reload(ctx context.Context, st CycleState) (CycleState, error) {
	out, err := o.cycles.get(ctx, st.CycleID)
	if err != nil {
		return st, err
	}
	return out, nil
}

func (o *Orchestrator) publishPhase(st CycleState, from, to Phase, message string) {
	if o.events == nil {
		return
	}
	o.events.Publish(bus.Event{
		Kind:    bus.EventCyclePhase,
		Target:  st.Target,
		CycleID: st.CycleID,
		From:    string(from),
		To:      string(to),
		Message: message,
	})
}

func (o *Orchestrator) notify(subject, body string) {
	if o.notifier == nil {
		return
	}
	// Fire and forget. Delivery gets a short deadline so a dead
	// notification endpoint cannot stall the pipeline.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.notifier.Notify(ctx, Notification{Subject: subject, Body: body}); err != nil {
		logger.WarnCF("orchestrator", "Notification failed", map[string]any{
			"subject": subject,
			"error":   err.Error(),
		})
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
