package state

import (
	"context"
	"sync"
)

// memoryStore is process-local. It loses everything on restart and is meant
// for tests and dry runs.
type memoryStore struct {
	mu       sync.Mutex
	attempts map[string][]Attempt
	blocks   map[string]string
}

func NewMemory() Store {
	return &memoryStore{
		attempts: make(map[string][]Attempt),
		blocks:   make(map[string]string),
	}
}

func (m *memoryStore) HasSucceeded(ctx context.Context, key string) (bool, error) {
	st, err := lookupOne(ctx, m, key)
	return st.Succeeded, err
}

func (m *memoryStore) AttemptCount(ctx context.Context, key string) (int, error) {
	st, err := lookupOne(ctx, m, key)
	return st.Attempts, err
}

func (m *memoryStore) RecordAttempt(ctx context.Context, a Attempt) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := prepare(&a); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	trail := m.attempts[a.Key]
	if a.Outcome == OutcomeSuccess {
		for _, prev := range trail {
			if prev.Outcome == OutcomeSuccess {
				return ErrAlreadySucceeded
			}
		}
	}
	a.Number = len(trail) + 1
	m.attempts[a.Key] = append(trail, a)
	return nil
}

func (m *memoryStore) Lookup(ctx context.Context, keys []string) (map[string]State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]State, len(keys))
	for _, k := range keys {
		trail, seen := m.attempts[k]
		reason, blocked := m.blocks[k]
		if !seen && !blocked {
			continue
		}
		st := State{Key: k, Attempts: len(trail), Blocked: blocked, BlockReason: reason}
		for _, a := range trail {
			switch a.Outcome {
			case OutcomeSuccess:
				st.Succeeded = true
			case OutcomePermanentFailure:
				st.Permanent = true
			}
			if a.At.After(st.LastAttemptAt) {
				st.LastAttemptAt = a.At
			}
		}
		out[k] = st
	}
	return out, nil
}

func (m *memoryStore) Block(_ context.Context, key, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocks[key] = reason
	return nil
}

func (m *memoryStore) Unblock(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blocks, key)
	return nil
}

func (m *memoryStore) History(_ context.Context, key string) ([]Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Attempt(nil), m.attempts[key]...), nil
}

func (m *memoryStore) Close() error { return nil }
