package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/DavinciDreams/SIA/pkg/logger"
)

// SQLiteStore is the durable memory store.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates/opens the memory database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create memory db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Single-process store. One shared connection avoids writer lock
	// contention with SQLite under concurrent goroutines.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA temp_store=MEMORY;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS memory_entries (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			kind TEXT NOT NULL,
			metadata_json TEXT NOT NULL DEFAULT '{}',
			created_at_ms INTEGER NOT NULL,
			last_accessed_at_ms INTEGER NOT NULL,
			access_count INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS memory_entries_kind_idx ON memory_entries(kind, last_accessed_at_ms DESC);`,
		`CREATE TABLE IF NOT EXISTS memory_embeddings (
			entry_id TEXT PRIMARY KEY,
			model TEXT NOT NULL,
			vector_json TEXT NOT NULL,
			norm REAL NOT NULL DEFAULT 0,
			updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS memory_audit (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			op TEXT NOT NULL,
			details_json TEXT NOT NULL DEFAULT '{}',
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS memory_audit_op_idx ON memory_audit(op, created_at_ms DESC);`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS memory_entries_fts USING fts5(entry_id UNINDEXED, content, tokenize='unicode61 remove_diacritics 2');`,
		`CREATE TRIGGER IF NOT EXISTS memory_entries_ai AFTER INSERT ON memory_entries BEGIN
			INSERT INTO memory_entries_fts(entry_id, content) VALUES (new.id, new.content);
		END;`,
		`CREATE TRIGGER IF NOT EXISTS memory_entries_ad AFTER DELETE ON memory_entries BEGIN
			DELETE FROM memory_entries_fts WHERE entry_id = old.id;
		END;`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init sqlite schema failed on %q: %w", trimSQL(stmt), err)
		}
	}
	return nil
}

func trimSQL(sql string) string {
	line := strings.TrimSpace(sql)
	if len(line) > 96 {
		return line[:96] + "..."
	}
	return line
}

func nowMS() int64 { return time.Now().UnixMilli() }

func encodeMap(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func decodeMap(raw string) map[string]string {
	if raw == "" {
		return map[string]string{}
	}
	out := map[string]string{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]string{}
	}
	return out
}

func encodeVector(vec []float32) string {
	if len(vec) == 0 {
		return "[]"
	}
	b, err := json.Marshal(vec)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func decodeVector(raw string) []float32 {
	if raw == "" {
		return nil
	}
	out := []float32{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

// Store persists a new entry, computing an embedding opportunistically.
// A failed embedding never blocks storage; the entry simply degrades to
// keyword-only retrieval.
func (s *SQLiteStore) Store(ctx context.Context, content string, kind Kind, metadata map[string]string) (Entry, error) {
	if !ValidKind(kind) {
		return Entry{}, fmt.Errorf("store: %w: %q", ErrInvalidKind, kind)
	}

	entry := Entry{
		ID:               "mem-" + uuid.NewString(),
		Content:          content,
		Kind:             kind,
		Metadata:         metadata,
		CreatedAtMS:      nowMS(),
		LastAccessedAtMS: nowMS(),
	}

	vec, embErr := embedText(content)
	if embErr != nil {
		logger.WarnCF("memory", "Embedding failed, storing without vector", map[string]any{
			"error": embErr.Error(),
		})
		vec = nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Entry{}, storageErr("store begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO memory_entries(id, content, kind, metadata_json, created_at_ms, last_accessed_at_ms, access_count)
VALUES(?, ?, ?, ?, ?, ?, 0)`,
		entry.ID, entry.Content, string(entry.Kind), encodeMap(entry.Metadata), entry.CreatedAtMS, entry.LastAccessedAtMS); err != nil {
		return Entry{}, storageErr("store insert", err)
	}

	if len(vec) > 0 {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO memory_embeddings(entry_id, model, vector_json, norm, updated_at_ms)
VALUES(?, ?, ?, ?, ?)`,
			entry.ID, currentEmbeddingModel(), encodeVector(vec), vectorNorm(vec), nowMS()); err != nil {
			return Entry{}, storageErr("store embedding", err)
		}
		entry.HasEmbedding = true
	}

	if err := tx.Commit(); err != nil {
		return Entry{}, storageErr("store commit", err)
	}

	s.audit(ctx, "store", map[string]string{"id": entry.ID, "kind": string(kind)})
	return entry, nil
}

// Inject stores an entry without computing an embedding, for manual
// injection paths that must never touch the embedding provider.
func (s *SQLiteStore) Inject(ctx context.Context, content string, kind Kind, metadata map[string]string) (Entry, error) {
	if !ValidKind(kind) {
		return Entry{}, fmt.Errorf("inject: %w: %q", ErrInvalidKind, kind)
	}

	entry := Entry{
		ID:               "mem-" + uuid.NewString(),
		Content:          content,
		Kind:             kind,
		Metadata:         metadata,
		CreatedAtMS:      nowMS(),
		LastAccessedAtMS: nowMS(),
	}

	if _, err := s.db.ExecContext(ctx, `
INSERT INTO memory_entries(id, content, kind, metadata_json, created_at_ms, last_accessed_at_ms, access_count)
VALUES(?, ?, ?, ?, ?, ?, 0)`,
		entry.ID, entry.Content, string(entry.Kind), encodeMap(entry.Metadata), entry.CreatedAtMS, entry.LastAccessedAtMS); err != nil {
		return Entry{}, storageErr("inject insert", err)
	}

	s.audit(ctx, "inject", map[string]string{"id": entry.ID, "kind": string(kind)})
	return entry, nil
}

// ManualGet looks an entry up by id without touching access counters.
func (s *SQLiteStore) ManualGet(ctx context.Context, id string) (Entry, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT e.id, e.content, e.kind, e.metadata_json, e.created_at_ms, e.last_accessed_at_ms, e.access_count,
	EXISTS(SELECT 1 FROM memory_embeddings b WHERE b.entry_id = e.id)
FROM memory_entries e
WHERE e.id = ?`, id)
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, storageErr("manual get", err)
	}
	return entry, nil
}

// Delete removes an entry explicitly.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memory_entries WHERE id = ?`, id)
	if err != nil {
		return storageErr("delete", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	_, _ = s.db.ExecContext(ctx, `DELETE FROM memory_embeddings WHERE entry_id = ?`, id)
	s.audit(ctx, "delete", map[string]string{"id": id})
	return nil
}

func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memory_entries`)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, storageErr("count", err)
	}
	return n, nil
}

// ListRecent returns entries ordered by creation time, newest first.
func (s *SQLiteStore) ListRecent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT e.id, e.content, e.kind, e.metadata_json, e.created_at_ms, e.last_accessed_at_ms, e.access_count,
	EXISTS(SELECT 1 FROM memory_embeddings b WHERE b.entry_id = e.id)
FROM memory_entries e
ORDER BY e.created_at_ms DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, storageErr("list recent", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (s *SQLiteStore) listCandidates(ctx context.Context, kind Kind, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 80
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT e.id, e.content, e.kind, e.metadata_json, e.created_at_ms, e.last_accessed_at_ms, e.access_count,
	EXISTS(SELECT 1 FROM memory_embeddings b WHERE b.entry_id = e.id)
FROM memory_entries e
WHERE (? = '' OR e.kind = ?)
ORDER BY e.last_accessed_at_ms DESC
LIMIT ?`, string(kind), string(kind), limit)
	if err != nil {
		return nil, storageErr("list candidates", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (s *SQLiteStore) searchFTS(ctx context.Context, kind Kind, query string, limit int) ([]Entry, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 80
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT e.id, e.content, e.kind, e.metadata_json, e.created_at_ms, e.last_accessed_at_ms, e.access_count,
	EXISTS(SELECT 1 FROM memory_embeddings b WHERE b.entry_id = e.id)
FROM memory_entries_fts f
JOIN memory_entries e ON e.id = f.entry_id
WHERE f.content MATCH ?
AND (? = '' OR e.kind = ?)
ORDER BY bm25(memory_entries_fts), e.last_accessed_at_ms DESC
LIMIT ?`, query, string(kind), string(kind), limit)
	if err != nil {
		return nil, storageErr("search fts", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var e Entry
	var kind string
	var metaRaw string
	var hasEmbedding int
	if err := row.Scan(&e.ID, &e.Content, &kind, &metaRaw, &e.CreatedAtMS, &e.LastAccessedAtMS, &e.AccessCount, &hasEmbedding); err != nil {
		return Entry{}, err
	}
	e.Kind = Kind(kind)
	e.Metadata = decodeMap(metaRaw)
	e.HasEmbedding = hasEmbedding != 0
	return e, nil
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	out := []Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) getEmbeddings(ctx context.Context, entryIDs []string) (map[string][]float32, error) {
	if len(entryIDs) == 0 {
		return map[string][]float32{}, nil
	}
	placeholders := strings.TrimRight(strings.Repeat("?,", len(entryIDs)), ",")
	args := make([]any, 0, len(entryIDs))
	for _, id := range entryIDs {
		args = append(args, id)
	}
	query := fmt.Sprintf(`SELECT entry_id, vector_json FROM memory_embeddings WHERE entry_id IN (%s)`, placeholders)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("get embeddings", err)
	}
	defer rows.Close()

	out := make(map[string][]float32, len(entryIDs))
	for rows.Next() {
		var id string
		var raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("scan embedding: %w", err)
		}
		out[id] = decodeVector(raw)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate embeddings: %w", err)
	}
	return out, nil
}

// touchEntries records retrieval hits: access_count and last_accessed_at
// move together in one transaction.
func (s *SQLiteStore) touchEntries(ctx context.Context, entryIDs []string, atMS int64) error {
	if len(entryIDs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("touch begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, id := range entryIDs {
		if _, err := tx.ExecContext(ctx, `
UPDATE memory_entries
SET access_count = access_count + 1, last_accessed_at_ms = ?
WHERE id = ?`, atMS, id); err != nil {
			return storageErr("touch update", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storageErr("touch commit", err)
	}
	return nil
}

// Prune removes entries whose relevance falls below policy.MinRelevance.
// Relevance is deterministic in the stored state and policy.NowMS, so a
// second run with no intervening writes removes nothing.
func (s *SQLiteStore) Prune(ctx context.Context, policy PrunePolicy) (int, error) {
	if policy.NowMS == 0 {
		policy.NowMS = nowMS()
	}
	if policy.RecencyHalfLife <= 0 {
		policy.RecencyHalfLife = 14 * 24 * time.Hour
	}
	if len(policy.KindWeights) == 0 {
		policy.KindWeights = DefaultKindWeights()
	}

	entries, err := s.listCandidates(ctx, policy.Kind, math.MaxInt32)
	if err != nil {
		return 0, err
	}

	doomed := make([]string, 0)
	for _, e := range entries {
		if Relevance(e, policy) < policy.MinRelevance {
			doomed = append(doomed, e.ID)
		}
	}
	if len(doomed) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storageErr("prune begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, id := range doomed {
		if _, err := tx.ExecContext(ctx, `DELETE FROM memory_entries WHERE id = ?`, id); err != nil {
			return 0, storageErr("prune delete", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM memory_embeddings WHERE entry_id = ?`, id); err != nil {
			return 0, storageErr("prune delete embedding", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, storageErr("prune commit", err)
	}

	s.audit(ctx, "prune", map[string]string{
		"removed": fmt.Sprintf("%d", len(doomed)),
		"kind":    string(policy.Kind),
	})
	return len(doomed), nil
}

// Relevance scores an entry for pruning: access frequency and recency,
// weighted by kind.
func Relevance(e Entry, policy PrunePolicy) float64 {
	weight, ok := policy.KindWeights[e.Kind]
	if !ok {
		weight = 1.0
	}
	access := float64(e.AccessCount) / (float64(e.AccessCount) + 4.0)
	ageMS := float64(policy.NowMS - e.LastAccessedAtMS)
	if ageMS < 0 {
		ageMS = 0
	}
	hl := float64(policy.RecencyHalfLife / time.Millisecond)
	recency := math.Exp(-math.Ln2 * ageMS / hl)
	return weight * (0.5*access + 0.5*recency)
}

// Backup writes a point-in-time consistent snapshot of the database into
// dir and returns its path. VACUUM INTO runs against a committed snapshot,
// so concurrent writers cannot corrupt the copy.
func (s *SQLiteStore) Backup(ctx context.Context, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", storageErr("backup mkdir", err)
	}
	stamp := time.Now().UTC().Format("20060102T150405Z")
	path := filepath.Join(dir, fmt.Sprintf("memories_%s.db", stamp))

	escaped := strings.ReplaceAll(path, "'", "''")
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`VACUUM INTO '%s'`, escaped)); err != nil {
		return "", storageErr("backup vacuum", err)
	}

	s.audit(ctx, "backup", map[string]string{"path": path})
	logger.InfoCF("memory", "Backup created", map[string]any{"path": path})
	return path, nil
}

func (s *SQLiteStore) audit(ctx context.Context, op string, details map[string]string) {
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO memory_audit(op, details_json, created_at_ms)
VALUES(?, ?, ?)`, op, encodeMap(details), nowMS()); err != nil {
		logger.WarnCF("memory", "Audit write failed", map[string]any{"op": op, "error": err.Error()})
	}
}

// AuditRecord is one row of the memory audit trail.
type AuditRecord struct {
	Op          string
	Details     map[string]string
	CreatedAtMS int64
}

func (s *SQLiteStore) ListAudit(ctx context.Context, limit int) ([]AuditRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT op, details_json, created_at_ms
FROM memory_audit
ORDER BY created_at_ms DESC, id DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, storageErr("list audit", err)
	}
	defer rows.Close()

	out := []AuditRecord{}
	for rows.Next() {
		var rec AuditRecord
		var detailsRaw string
		if err := rows.Scan(&rec.Op, &detailsRaw, &rec.CreatedAtMS); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		rec.Details = decodeMap(detailsRaw)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit records: %w", err)
	}
	return out, nil
}
