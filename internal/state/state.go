// Package state keeps the durable record of dispatch attempts.
//
// The store is the only authority on whether a dispatch key has been sent.
// Every driver guarantees at most one success per key: recording a second
// success fails with ErrAlreadySucceeded and writes nothing.
package state

import (
	"context"
	"errors"
	"time"
)

var (
	ErrAlreadySucceeded = errors.New("dispatch already succeeded")
	ErrUnknownDriver    = errors.New("unknown state driver")
)

type Outcome string

const (
	OutcomeSuccess          Outcome = "success"
	OutcomeTransientFailure Outcome = "transient_failure"
	OutcomePermanentFailure Outcome = "permanent_failure"
)

func (o Outcome) Valid() bool {
	switch o {
	case OutcomeSuccess, OutcomeTransientFailure, OutcomePermanentFailure:
		return true
	}
	return false
}

// Attempt is one row of the audit trail. Number is assigned by the store.
type Attempt struct {
	Key     string    `json:"key" dynamodbav:"dispatch_key"`
	TaskID  string    `json:"task_id" dynamodbav:"task_id"`
	Outcome Outcome   `json:"outcome" dynamodbav:"outcome"`
	At      time.Time `json:"at" dynamodbav:"at"`
	Number  int       `json:"number" dynamodbav:"attempt_no"`
	Detail  string    `json:"detail,omitempty" dynamodbav:"detail,omitempty"`
}

// State summarises the attempts of one key. The zero value is a key that
// was never attempted.
type State struct {
	Key           string
	Attempts      int
	Succeeded     bool
	Permanent     bool
	Blocked       bool
	BlockReason   string
	LastAttemptAt time.Time
}

type Store interface {
	HasSucceeded(ctx context.Context, key string) (bool, error)
	AttemptCount(ctx context.Context, key string) (int, error)
	// RecordAttempt appends a to the trail. A success for a key that already
	// succeeded returns ErrAlreadySucceeded.
	RecordAttempt(ctx context.Context, a Attempt) error
	// Lookup returns the state of many keys at once. Unknown keys are absent.
	Lookup(ctx context.Context, keys []string) (map[string]State, error)
	Block(ctx context.Context, key, reason string) error
	Unblock(ctx context.Context, key string) error
	History(ctx context.Context, key string) ([]Attempt, error)
	Close() error
}

func lookupOne(ctx context.Context, s Store, key string) (State, error) {
	m, err := s.Lookup(ctx, []string{key})
	if err != nil {
		return State{}, err
	}
	return m[key], nil
}

func prepare(a *Attempt) error {
	if a.Key == "" {
		return errors.New("state: attempt key required")
	}
	if !a.Outcome.Valid() {
		return errors.New("state: invalid outcome " + string(a.Outcome))
	}
	if a.At.IsZero() {
		a.At = time.Now()
	}
	a.At = a.At.UTC()
	return nil
}
