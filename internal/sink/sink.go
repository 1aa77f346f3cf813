// Package sink delivers dispatch messages to an email transport.
//
// Every Sink reports failures through Permanent or Transient so the
// dispatcher can tell a retry-eligible error (network, throttling) from a
// terminal one (invalid recipient or content).
package sink

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrPermanent marks an error that will not succeed on retry.
	ErrPermanent = errors.New("permanent sink failure")
	// ErrTransient marks an error that may succeed on a later attempt.
	ErrTransient = errors.New("transient sink failure")
)

// Message is one send request.
type Message struct {
	TaskID      string    `json:"task_id"`
	DispatchKey string    `json:"dispatch_key"`
	To          string    `json:"to"`
	Subject     string    `json:"subject,omitempty"`
	ContentRef  string    `json:"content_ref,omitempty"`
	ScheduledAt time.Time `json:"scheduled_at"`
}

type Sink interface {
	Send(ctx context.Context, msg Message) error
}

// Func adapts a function to Sink.
type Func func(ctx context.Context, msg Message) error

func (f Func) Send(ctx context.Context, msg Message) error { return f(ctx, msg) }

type classified struct {
	class error
	err   error
}

func (c *classified) Error() string { return c.err.Error() }

func (c *classified) Unwrap() []error { return []error{c.class, c.err} }

// Permanent wraps err so that errors.Is(err, ErrPermanent) holds.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &classified{class: ErrPermanent, err: err}
}

// Transient wraps err so that errors.Is(err, ErrTransient) holds.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classified{class: ErrTransient, err: err}
}

// Permanentf is a shorthand for Permanent(fmt.Errorf(...)).
func Permanentf(format string, args ...any) error {
	return Permanent(fmt.Errorf(format, args...))
}

// IsPermanent reports whether err was classified as permanent.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}
