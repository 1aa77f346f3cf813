package state

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed sqlite_schema.sql
var sqliteSchema string

// SQLite caps host parameters per statement; Lookup batches below it.
const sqliteLookupChunk = 500

type sqliteStore struct {
	db *sql.DB
}

func openSQLite(ctx context.Context, path string, busyTimeout time.Duration) (Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("state.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if busyTimeout > 0 {
		_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeout.Milliseconds()))
	}
	if err := sqliteDurability(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return &sqliteStore{db: db}, nil
}

// sqliteDurability switches to WAL with full fsync. A recorded attempt is
// only crash safe with both, so failing to set them fails the open.
func sqliteDurability(ctx context.Context, db *sql.DB) error {
	var mode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode = WAL").Scan(&mode); err != nil {
		return fmt.Errorf("sqlite journal_mode: %w", err)
	}
	if !strings.EqualFold(mode, "wal") {
		return fmt.Errorf("sqlite journal_mode: got %q, want wal", mode)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA synchronous = FULL"); err != nil {
		return fmt.Errorf("sqlite synchronous: %w", err)
	}
	var sync int
	if err := db.QueryRowContext(ctx, "PRAGMA synchronous").Scan(&sync); err != nil {
		return fmt.Errorf("sqlite synchronous: %w", err)
	}
	if sync != 2 {
		return fmt.Errorf("sqlite synchronous: got %d, want 2 (FULL)", sync)
	}
	return nil
}

func (s *sqliteStore) HasSucceeded(ctx context.Context, key string) (bool, error) {
	st, err := lookupOne(ctx, s, key)
	return st.Succeeded, err
}

func (s *sqliteStore) AttemptCount(ctx context.Context, key string) (int, error) {
	st, err := lookupOne(ctx, s, key)
	return st.Attempts, err
}

func (s *sqliteStore) RecordAttempt(ctx context.Context, a Attempt) error {
	if err := prepare(&a); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO dispatch_attempts(dispatch_key, task_id, attempt_no, outcome, detail, attempted_at)
SELECT ?1, ?2, COALESCE(MAX(attempt_no), 0) + 1, ?3, ?4, ?5
FROM dispatch_attempts
WHERE dispatch_key = ?1
ON CONFLICT (dispatch_key) WHERE outcome = 'success' DO NOTHING`,
		a.Key, a.TaskID, string(a.Outcome), a.Detail, a.At.UnixMilli())
	if err != nil {
		return fmt.Errorf("record attempt %s: %w", a.Key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAlreadySucceeded
	}
	return nil
}

func (s *sqliteStore) Lookup(ctx context.Context, keys []string) (map[string]State, error) {
	out := make(map[string]State, len(keys))
	for start := 0; start < len(keys); start += sqliteLookupChunk {
		end := min(start+sqliteLookupChunk, len(keys))
		if err := s.lookupChunk(ctx, keys[start:end], out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *sqliteStore) lookupChunk(ctx context.Context, keys []string, out map[string]State) error {
	marks := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT dispatch_key,
       COUNT(*),
       MAX(outcome = 'success'),
       MAX(outcome = 'permanent_failure'),
       MAX(attempted_at)
FROM dispatch_attempts
WHERE dispatch_key IN (`+marks+`)
GROUP BY dispatch_key`, args...)
	if err != nil {
		return fmt.Errorf("lookup attempts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var st State
		var last int64
		if err := rows.Scan(&st.Key, &st.Attempts, &st.Succeeded, &st.Permanent, &last); err != nil {
			return err
		}
		st.LastAttemptAt = time.UnixMilli(last).UTC()
		out[st.Key] = st
	}
	if err := rows.Err(); err != nil {
		return err
	}

	brows, err := s.db.QueryContext(ctx, `SELECT dispatch_key, reason FROM dispatch_blocks WHERE dispatch_key IN (`+marks+`)`, args...)
	if err != nil {
		return fmt.Errorf("lookup blocks: %w", err)
	}
	defer brows.Close()
	for brows.Next() {
		var key, reason string
		if err := brows.Scan(&key, &reason); err != nil {
			return err
		}
		st := out[key]
		st.Key = key
		st.Blocked = true
		st.BlockReason = reason
		out[key] = st
	}
	return brows.Err()
}

func (s *sqliteStore) Block(ctx context.Context, key, reason string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO dispatch_blocks(dispatch_key, reason, blocked_at) VALUES (?, ?, ?)
ON CONFLICT(dispatch_key) DO UPDATE SET reason = excluded.reason, blocked_at = excluded.blocked_at`,
		key, reason, time.Now().UnixMilli())
	return err
}

func (s *sqliteStore) Unblock(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dispatch_blocks WHERE dispatch_key = ?`, key)
	return err
}

func (s *sqliteStore) History(ctx context.Context, key string) ([]Attempt, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT dispatch_key, task_id, outcome, attempted_at, attempt_no, detail
FROM dispatch_attempts
WHERE dispatch_key = ?
ORDER BY attempt_no ASC, id ASC`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var a Attempt
		var outcome string
		var at int64
		if err := rows.Scan(&a.Key, &a.TaskID, &outcome, &at, &a.Number, &a.Detail); err != nil {
			return nil, err
		}
		a.Outcome = Outcome(outcome)
		a.At = time.UnixMilli(at).UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
