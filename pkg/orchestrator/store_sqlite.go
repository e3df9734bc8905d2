package orchestrator

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const cycleSchema = `
CREATE TABLE IF NOT EXISTS cycle_states (
	cycle_id       TEXT PRIMARY KEY,
	target         TEXT NOT NULL,
	phase          TEXT NOT NULL,
	change_id      TEXT NOT NULL DEFAULT '',
	failure_reason TEXT NOT NULL DEFAULT '',
	findings       TEXT NOT NULL DEFAULT '',
	candidate      TEXT NOT NULL DEFAULT '',
	started_at_ms  INTEGER NOT NULL,
	updated_at_ms  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cycle_states_target ON cycle_states(target, phase);

CREATE TABLE IF NOT EXISTS cycle_transitions (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	cycle_id      TEXT NOT NULL,
	from_phase    TEXT NOT NULL,
	to_phase      TEXT NOT NULL,
	actor         TEXT NOT NULL,
	reason        TEXT NOT NULL DEFAULT '',
	created_at_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cycle_transitions_cycle ON cycle_transitions(cycle_id, id);
`

// terminalPhaseList is the SQL-side mirror of TerminalPhase.
const terminalPhaseList = `'approved','rolled_back','rejected','failed','cancelled'`

type cycleStore struct {
	db *sql.DB
}

func openCycleStore(path string) (*cycleStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open cycle store: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(cycleSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init cycle schema: %w", err)
	}
	return &cycleStore{db: db}, nil
}

func (s *cycleStore) close() error { return s.db.Close() }

func nowMS() int64 { return time.Now().UnixMilli() }

// create inserts a fresh cycle for target only if no non-terminal cycle
// for the same target exists. The existence check and the insert run in
// one transaction so two racing callers cannot both win.
func (s *cycleStore) create(ctx context.Context, cycleID, target string) (CycleState, error) {
	now := nowMS()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return CycleState{}, fmt.Errorf("begin create cycle: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
INSERT INTO cycle_states (cycle_id, target, phase, started_at_ms, updated_at_ms)
SELECT ?, ?, ?, ?, ?
WHERE NOT EXISTS (
	SELECT 1 FROM cycle_states
	WHERE target = ? AND phase NOT IN (`+terminalPhaseList+`)
)`, cycleID, target, string(PhaseAnalyzing), now, now, target)
	if err != nil {
		return CycleState{}, fmt.Errorf("insert cycle: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return CycleState{}, fmt.Errorf("insert cycle: %w", err)
	}
	if n == 0 {
		return CycleState{}, fmt.Errorf("create cycle for %s: %w", target, ErrConcurrentCycle)
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO cycle_transitions (cycle_id, from_phase, to_phase, actor, reason, created_at_ms)
VALUES (?, '', ?, 'system', 'cycle started', ?)`, cycleID, string(PhaseAnalyzing), now); err != nil {
		return CycleState{}, fmt.Errorf("record cycle start: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return CycleState{}, fmt.Errorf("commit create cycle: %w", err)
	}
	return CycleState{
		CycleID:     cycleID,
		Target:      target,
		Phase:       PhaseAnalyzing,
		StartedAtMS: now,
		UpdatedAtMS: now,
	}, nil
}

// setPhase moves a cycle to a new phase and appends a history row.
// extra, when non-nil, runs inside the same transaction. Terminal
// cycles are never moved again, rollback of an approved cycle aside;
// that guard is what keeps a concurrent Cancel from being overwritten
// by the pipeline goroutine.
func (s *cycleStore) setPhase(ctx context.Context, cycleID string, to Phase, actor, reason string, extra func(tx *sql.Tx) error) (Phase, error) {
	now := nowMS()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin set phase: %w", err)
	}
	defer tx.Rollback()

	var cur string
	if err := tx.QueryRowContext(ctx, `
SELECT phase FROM cycle_states WHERE cycle_id = ?`, cycleID).Scan(&cur); err != nil {
		if err == sql.ErrNoRows {
			return "", fmt.Errorf("cycle %s: %w", cycleID, ErrCycleNotFound)
		}
		return "", fmt.Errorf("read cycle phase: %w", err)
	}
	from := Phase(cur)
	// approved is terminal for the pipeline, but a merged change can
	// still be rolled back; that is the one transition out of a
	// terminal phase.
	if TerminalPhase(from) && !(from == PhaseApproved && to == PhaseRolledBack) {
		return from, fmt.Errorf("cycle %s in phase %s: %w", cycleID, from, ErrCycleTerminal)
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE cycle_states SET phase = ?, updated_at_ms = ? WHERE cycle_id = ?`,
		string(to), now, cycleID); err != nil {
		return from, fmt.Errorf("update cycle phase: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO cycle_transitions (cycle_id, from_phase, to_phase, actor, reason, created_at_ms)
VALUES (?, ?, ?, ?, ?, ?)`, cycleID, string(from), string(to), actor, reason, now); err != nil {
		return from, fmt.Errorf("record cycle transition: %w", err)
	}
	if extra != nil {
		if err := extra(tx); err != nil {
			return from, err
		}
	}
	if err := tx.Commit(); err != nil {
		return from, fmt.Errorf("commit set phase: %w", err)
	}
	return from, nil
}

func (s *cycleStore) setFindings(ctx context.Context, cycleID, findings string) error {
	if _, err := s.db.ExecContext(ctx, `
UPDATE cycle_states SET findings = ?, updated_at_ms = ? WHERE cycle_id = ?`,
		findings, nowMS(), cycleID); err != nil {
		return fmt.Errorf("store findings: %w", err)
	}
	return nil
}

func (s *cycleStore) setCandidate(ctx context.Context, cycleID, candidate string) error {
	if _, err := s.db.ExecContext(ctx, `
UPDATE cycle_states SET candidate = ?, updated_at_ms = ? WHERE cycle_id = ?`,
		candidate, nowMS(), cycleID); err != nil {
		return fmt.Errorf("store candidate: %w", err)
	}
	return nil
}

func (s *cycleStore) setChangeID(ctx context.Context, cycleID, changeID string) error {
	if _, err := s.db.ExecContext(ctx, `
UPDATE cycle_states SET change_id = ?, updated_at_ms = ? WHERE cycle_id = ?`,
		changeID, nowMS(), cycleID); err != nil {
		return fmt.Errorf("store change id: %w", err)
	}
	return nil
}

// hasActive reports whether a non-terminal cycle exists for target. Only
// a fast pre-check: the authoritative guard is the conditional insert in
// create.
func (s *cycleStore) hasActive(ctx context.Context, target string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `
SELECT COUNT(1) FROM cycle_states
WHERE target = ? AND phase NOT IN (`+terminalPhaseList+`)`, target).Scan(&n); err != nil {
		return false, fmt.Errorf("check active cycle: %w", err)
	}
	return n > 0, nil
}

const cycleColumns = `cycle_id, target, phase, change_id, failure_reason, findings, candidate, started_at_ms, updated_at_ms`

func scanCycle(row interface{ Scan(...any) error }) (CycleState, error) {
	var c CycleState
	var phase string
	if err := row.Scan(&c.CycleID, &c.Target, &phase, &c.ChangeID, &c.FailureReason,
		&c.Findings, &c.Candidate, &c.StartedAtMS, &c.UpdatedAtMS); err != nil {
		return CycleState{}, err
	}
	c.Phase = Phase(phase)
	return c, nil
}

func (s *cycleStore) get(ctx context.Context, cycleID string) (CycleState, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+cycleColumns+` FROM cycle_states WHERE cycle_id = ?`, cycleID)
	c, err := scanCycle(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return CycleState{}, fmt.Errorf("cycle %s: %w", cycleID, ErrCycleNotFound)
		}
		return CycleState{}, fmt.Errorf("get cycle: %w", err)
	}
	return c, nil
}

func (s *cycleStore) byChangeID(ctx context.Context, changeID string) (CycleState, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+cycleColumns+` FROM cycle_states WHERE change_id = ? ORDER BY started_at_ms DESC LIMIT 1`, changeID)
	c, err := scanCycle(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return CycleState{}, fmt.Errorf("cycle for change %s: %w", changeID, ErrCycleNotFound)
		}
		return CycleState{}, fmt.Errorf("get cycle by change: %w", err)
	}
	return c, nil
}

func (s *cycleStore) listNonTerminal(ctx context.Context) ([]CycleState, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+cycleColumns+` FROM cycle_states
WHERE phase NOT IN (`+terminalPhaseList+`)
ORDER BY started_at_ms ASC`)
	if err != nil {
		return nil, fmt.Errorf("list active cycles: %w", err)
	}
	defer rows.Close()
	var out []CycleState
	for rows.Next() {
		c, err := scanCycle(rows)
		if err != nil {
			return nil, fmt.Errorf("list active cycles: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *cycleStore) list(ctx context.Context, limit int) ([]CycleState, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+cycleColumns+` FROM cycle_states ORDER BY started_at_ms DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list cycles: %w", err)
	}
	defer rows.Close()
	var out []CycleState
	for rows.Next() {
		c, err := scanCycle(rows)
		if err != nil {
			return nil, fmt.Errorf("list cycles: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *cycleStore) history(ctx context.Context, cycleID string) ([]PhaseChange, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, cycle_id, from_phase, to_phase, actor, reason, created_at_ms
FROM cycle_transitions WHERE cycle_id = ? ORDER BY id ASC`, cycleID)
	if err != nil {
		return nil, fmt.Errorf("cycle history: %w", err)
	}
	defer rows.Close()
	var out []PhaseChange
	for rows.Next() {
		var t PhaseChange
		var from, to string
		if err := rows.Scan(&t.ID, &t.CycleID, &from, &to, &t.Actor, &t.Reason, &t.CreatedAtMS); err != nil {
			return nil, fmt.Errorf("cycle history: %w", err)
		}
		t.From, t.To = Phase(from), Phase(to)
		out = append(out, t)
	}
	return out, rows.Err()
}
