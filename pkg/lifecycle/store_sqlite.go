package lifecycle

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// store persists change records and their append-only transition history.
type store struct {
	db *sql.DB
}

func openStore(path string) (*store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lifecycle db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &store{db: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *store) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS change_records (
			change_id TEXT PRIMARY KEY,
			cycle_id TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			diff_reference TEXT NOT NULL DEFAULT '',
			test_result TEXT NOT NULL,
			status TEXT NOT NULL,
			reviewers_json TEXT NOT NULL DEFAULT '[]',
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS change_records_status_idx ON change_records(status, updated_at_ms DESC);`,
		`CREATE INDEX IF NOT EXISTS change_records_cycle_idx ON change_records(cycle_id);`,
		`CREATE TABLE IF NOT EXISTS change_transitions (
			id TEXT PRIMARY KEY,
			change_id TEXT NOT NULL,
			from_status TEXT NOT NULL,
			to_status TEXT NOT NULL,
			actor TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS change_transitions_change_idx ON change_transitions(change_id, created_at_ms ASC);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init lifecycle schema: %w", err)
		}
	}
	return nil
}

func (s *store) close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func nowMS() int64 { return time.Now().UnixMilli() }

func encodeReviewers(reviewers []string) string {
	out := make([]string, 0, len(reviewers))
	for _, r := range reviewers {
		r = strings.TrimSpace(r)
		if r != "" {
			out = append(out, r)
		}
	}
	b, err := json.Marshal(out)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func decodeReviewers(raw string) []string {
	out := []string{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return []string{}
	}
	return out
}

func (s *store) insert(ctx context.Context, rec ChangeRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("insert change begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO change_records(change_id, cycle_id, description, diff_reference, test_result, status, reviewers_json, created_at_ms, updated_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ChangeID, rec.CycleID, rec.Description, rec.DiffRef, string(rec.TestResult), string(rec.Status),
		encodeReviewers(rec.Reviewers), rec.CreatedAtMS, rec.UpdatedAtMS); err != nil {
		return fmt.Errorf("insert change: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO change_transitions(id, change_id, from_status, to_status, actor, reason, created_at_ms)
VALUES(?, ?, '', ?, 'system', 'proposed', ?)`,
		"trn-"+uuid.NewString(), rec.ChangeID, string(rec.Status), rec.CreatedAtMS); err != nil {
		return fmt.Errorf("insert change transition: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("insert change commit: %w", err)
	}
	return nil
}

// transition atomically validates and applies one status change, appending
// the history row in the same transaction. extra mutates additional record
// columns and may be nil.
func (s *store) transition(ctx context.Context, changeID string, to Status, actor, reason string, extra func(tx *sql.Tx) error) (Status, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("transition begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT status FROM change_records WHERE change_id = ?`, changeID)
	var fromRaw string
	if err := row.Scan(&fromRaw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("transition read status: %w", err)
	}
	from := Status(fromRaw)

	if !transitionAllowed(from, to) {
		return from, invalidTransition(changeID, from, to)
	}

	now := nowMS()
	if _, err := tx.ExecContext(ctx, `
UPDATE change_records SET status = ?, updated_at_ms = ? WHERE change_id = ?`,
		string(to), now, changeID); err != nil {
		return from, fmt.Errorf("transition update: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO change_transitions(id, change_id, from_status, to_status, actor, reason, created_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?)`,
		"trn-"+uuid.NewString(), changeID, string(from), string(to), actor, reason, now); err != nil {
		return from, fmt.Errorf("transition append history: %w", err)
	}

	if extra != nil {
		if err := extra(tx); err != nil {
			return from, err
		}
	}

	if err := tx.Commit(); err != nil {
		return from, fmt.Errorf("transition commit: %w", err)
	}
	return from, nil
}

func (s *store) get(ctx context.Context, changeID string) (ChangeRecord, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT change_id, cycle_id, description, diff_reference, test_result, status, reviewers_json, created_at_ms, updated_at_ms
FROM change_records WHERE change_id = ?`, changeID)
	rec, err := scanChange(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ChangeRecord{}, ErrNotFound
		}
		return ChangeRecord{}, fmt.Errorf("get change: %w", err)
	}
	return rec, nil
}

func (s *store) list(ctx context.Context, status Status, limit int) ([]ChangeRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT change_id, cycle_id, description, diff_reference, test_result, status, reviewers_json, created_at_ms, updated_at_ms
FROM change_records
WHERE (? = '' OR status = ?)
ORDER BY updated_at_ms DESC
LIMIT ?`, string(status), string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list changes: %w", err)
	}
	defer rows.Close()

	out := []ChangeRecord{}
	for rows.Next() {
		rec, err := scanChange(rows)
		if err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate changes: %w", err)
	}
	return out, nil
}

func (s *store) history(ctx context.Context, changeID string) ([]Transition, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, change_id, from_status, to_status, actor, reason, created_at_ms
FROM change_transitions
WHERE change_id = ?
ORDER BY created_at_ms ASC, id ASC`, changeID)
	if err != nil {
		return nil, fmt.Errorf("list change history: %w", err)
	}
	defer rows.Close()

	out := []Transition{}
	for rows.Next() {
		var t Transition
		var from, to string
		if err := rows.Scan(&t.ID, &t.ChangeID, &from, &to, &t.Actor, &t.Reason, &t.CreatedAtMS); err != nil {
			return nil, fmt.Errorf("scan change transition: %w", err)
		}
		t.From = Status(from)
		t.To = Status(to)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate change transitions: %w", err)
	}
	return out, nil
}

func (s *store) listPendingOlderThan(ctx context.Context, cutoffMS int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT change_id FROM change_records
WHERE status = ? AND updated_at_ms < ?`, string(StatusApprovalPending), cutoffMS)
	if err != nil {
		return nil, fmt.Errorf("list pending changes: %w", err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan pending change id: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending change ids: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChange(row rowScanner) (ChangeRecord, error) {
	var rec ChangeRecord
	var testResult, status, reviewersRaw string
	if err := row.Scan(&rec.ChangeID, &rec.CycleID, &rec.Description, &rec.DiffRef, &testResult, &status, &reviewersRaw, &rec.CreatedAtMS, &rec.UpdatedAtMS); err != nil {
		return ChangeRecord{}, err
	}
	rec.TestResult = TestResult(testResult)
	rec.Status = Status(status)
	rec.Reviewers = decodeReviewers(reviewersRaw)
	return rec, nil
}
