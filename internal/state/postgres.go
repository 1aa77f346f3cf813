package state

import (
	"context"
	"fmt"
	"time"

	"github.com/example/sheet-mailer/internal/db"
)

// postgresStore keeps the trail in dispatch_attempts. The partial unique
// index dispatch_attempts_one_success enforces one success per key; see
// internal/migrate.
type postgresStore struct {
	db *db.DB
}

func NewPostgres(d *db.DB) Store { return &postgresStore{db: d} }

func (s *postgresStore) HasSucceeded(ctx context.Context, key string) (bool, error) {
	var ok bool
	err := s.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM dispatch_attempts WHERE dispatch_key=$1 AND outcome='success')`, key).Scan(&ok)
	return ok, db.WrapNotFound(err)
}

func (s *postgresStore) AttemptCount(ctx context.Context, key string) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM dispatch_attempts WHERE dispatch_key=$1`, key).Scan(&n)
	return n, db.WrapNotFound(err)
}

func (s *postgresStore) RecordAttempt(ctx context.Context, a Attempt) error {
	if err := prepare(&a); err != nil {
		return err
	}
	n, err := s.db.ExecRows(ctx, `
INSERT INTO dispatch_attempts(dispatch_key, task_id, attempt_no, outcome, detail, attempted_at)
SELECT $1::text, $2::text, COALESCE(MAX(attempt_no), 0) + 1, $3::text, $4::text, $5::timestamptz
FROM dispatch_attempts
WHERE dispatch_key = $1
ON CONFLICT (dispatch_key) WHERE outcome = 'success' DO NOTHING`,
		a.Key, a.TaskID, string(a.Outcome), a.Detail, a.At)
	if err != nil {
		return fmt.Errorf("record attempt %s: %w", a.Key, err)
	}
	if n == 0 {
		return ErrAlreadySucceeded
	}
	return nil
}

func (s *postgresStore) Lookup(ctx context.Context, keys []string) (map[string]State, error) {
	out := make(map[string]State, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	rows, err := s.db.Query(ctx, `
SELECT dispatch_key,
       COUNT(*),
       BOOL_OR(outcome = 'success'),
       BOOL_OR(outcome = 'permanent_failure'),
       MAX(attempted_at)
FROM dispatch_attempts
WHERE dispatch_key = ANY($1)
GROUP BY dispatch_key`, keys)
	if err != nil {
		return nil, fmt.Errorf("lookup attempts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var st State
		var last time.Time
		if err := rows.Scan(&st.Key, &st.Attempts, &st.Succeeded, &st.Permanent, &last); err != nil {
			return nil, err
		}
		st.LastAttemptAt = last.UTC()
		out[st.Key] = st
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	brows, err := s.db.Query(ctx, `SELECT dispatch_key, reason FROM dispatch_blocks WHERE dispatch_key = ANY($1)`, keys)
	if err != nil {
		return nil, fmt.Errorf("lookup blocks: %w", err)
	}
	defer brows.Close()
	for brows.Next() {
		var key, reason string
		if err := brows.Scan(&key, &reason); err != nil {
			return nil, err
		}
		st := out[key]
		st.Key = key
		st.Blocked = true
		st.BlockReason = reason
		out[key] = st
	}
	return out, brows.Err()
}

func (s *postgresStore) Block(ctx context.Context, key, reason string) error {
	return s.db.Exec(ctx, `
INSERT INTO dispatch_blocks(dispatch_key, reason) VALUES ($1, $2)
ON CONFLICT (dispatch_key) DO UPDATE SET reason = EXCLUDED.reason, blocked_at = now()`, key, reason)
}

func (s *postgresStore) Unblock(ctx context.Context, key string) error {
	return s.db.Exec(ctx, `DELETE FROM dispatch_blocks WHERE dispatch_key=$1`, key)
}

func (s *postgresStore) History(ctx context.Context, key string) ([]Attempt, error) {
	rows, err := s.db.Query(ctx, `
SELECT dispatch_key, task_id, outcome, attempted_at, attempt_no, detail
FROM dispatch_attempts
WHERE dispatch_key=$1
ORDER BY attempt_no ASC, id ASC`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var a Attempt
		var outcome string
		if err := rows.Scan(&a.Key, &a.TaskID, &outcome, &a.At, &a.Number, &a.Detail); err != nil {
			return nil, err
		}
		a.Outcome = Outcome(outcome)
		a.At = a.At.UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *postgresStore) Close() error {
	s.db.Close()
	return nil
}
