package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/sheet-mailer/internal/sink"
	"github.com/example/sheet-mailer/internal/state"
)

const (
	defaultSendTimeout  = 30 * time.Second
	defaultStoreTimeout = 10 * time.Second
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// SystemClock uses the system time in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// Classifier maps a send error to the outcome recorded for it. It is only
// called with non-nil errors.
type Classifier func(err error) state.Outcome

// DefaultClassifier treats timeouts and unmarked errors as transient and
// errors marked by sink.Permanent as permanent.
func DefaultClassifier(err error) state.Outcome {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return state.OutcomeTransientFailure
	case sink.IsPermanent(err):
		return state.OutcomePermanentFailure
	default:
		return state.OutcomeTransientFailure
	}
}

type config struct {
	sendTimeout  time.Duration
	storeTimeout time.Duration
	classify     Classifier
	clock        Clock
	log          zerolog.Logger
	dryRun       bool
}

func (c config) withDefaults() config {
	if c.sendTimeout <= 0 {
		c.sendTimeout = defaultSendTimeout
	}
	if c.storeTimeout <= 0 {
		c.storeTimeout = defaultStoreTimeout
	}
	if c.classify == nil {
		c.classify = DefaultClassifier
	}
	if c.clock == nil {
		c.clock = SystemClock{}
	}
	return c
}

type Option func(*config)

// WithSendTimeout bounds a single sink call.
func WithSendTimeout(d time.Duration) Option {
	return func(c *config) { c.sendTimeout = d }
}

// WithStoreTimeout bounds a single state write.
func WithStoreTimeout(d time.Duration) Option {
	return func(c *config) { c.storeTimeout = d }
}

func WithClassifier(fn Classifier) Option {
	return func(c *config) { c.classify = fn }
}

func WithClock(clock Clock) Option {
	return func(c *config) { c.clock = clock }
}

func WithLogger(log zerolog.Logger) Option {
	return func(c *config) { c.log = log }
}

// WithDryRun starts the dispatcher in dry-run mode; see SetDryRun.
func WithDryRun(enabled bool) Option {
	return func(c *config) { c.dryRun = enabled }
}
