// Package dispatch performs one send per due item and records its outcome.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/sheet-mailer/internal/selector"
	"github.com/example/sheet-mailer/internal/sink"
	"github.com/example/sheet-mailer/internal/state"
)

var (
	// ErrStateInconsistency means a message was sent but its success could
	// not be recorded. The key is blocked and must be cleared by an
	// operator.
	ErrStateInconsistency = errors.New("sent but success not recorded")
	// ErrQuarantined is returned for keys quarantined by this process.
	ErrQuarantined = errors.New("dispatch key quarantined")
)

type Outcome string

const (
	Sent             Outcome = "sent"
	TransientFailure Outcome = "transient_failure"
	PermanentFailure Outcome = "permanent_failure"
	// Discarded is a send whose success lost the race to another writer.
	Discarded    Outcome = "discarded"
	Inconsistent Outcome = "inconsistent"
	Quarantined  Outcome = "quarantined"
	DryRun       Outcome = "dry_run"
)

type Result struct {
	Key     string
	TaskID  string
	Outcome Outcome
	Attempt int
	Err     error
	Took    time.Duration
}

type Dispatcher struct {
	sink  sink.Sink
	store state.Store
	cfg   config
	log   zerolog.Logger

	dryRun atomic.Bool

	mu         sync.Mutex
	quarantine map[string]string
}

func New(s sink.Sink, st state.Store, opts ...Option) *Dispatcher {
	var cfg config
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg = cfg.withDefaults()
	d := &Dispatcher{
		sink:       s,
		store:      st,
		cfg:        cfg,
		log:        cfg.log.With().Str("component", "dispatch").Logger(),
		quarantine: make(map[string]string),
	}
	d.dryRun.Store(cfg.dryRun)
	return d
}

func (d *Dispatcher) SetDryRun(enabled bool) { d.dryRun.Store(enabled) }

func (d *Dispatcher) DryRun() bool { return d.dryRun.Load() }

// Quarantined reports whether key is held back in this process. Only keys
// whose durable block could not be written are held here; a durable block
// is seen by the selector and cleared with Store.Unblock.
func (d *Dispatcher) Quarantined(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.quarantine[key]
	return ok
}

// Dispatch sends item once and records the outcome. Once started, the send
// and the record run to completion even if ctx is cancelled; each is
// bounded by its own timeout instead.
//
// The returned error is non-nil only when the outcome could not be
// recorded as it happened (ErrStateInconsistency, a failed failure write)
// or the key is quarantined.
func (d *Dispatcher) Dispatch(ctx context.Context, item selector.Item) (Result, error) {
	res := Result{Key: item.Key, TaskID: item.Task.ID, Attempt: item.Attempts + 1}
	log := d.log.With().Str("key", item.Key).Str("task_id", item.Task.ID).Int("attempt", res.Attempt).Logger()

	if d.Quarantined(item.Key) {
		res.Outcome = Quarantined
		return res, ErrQuarantined
	}

	msg := sink.Message{
		TaskID:      item.Task.ID,
		DispatchKey: item.Key,
		To:          item.Task.Recipient,
		Subject:     item.Task.Subject,
		ContentRef:  item.Task.ContentRef,
		ScheduledAt: item.Occurrence,
	}

	if d.dryRun.Load() {
		res.Outcome = DryRun
		log.Info().Str("to", msg.To).Time("occurrence", item.Occurrence).Msg("dry run: would send")
		return res, nil
	}

	base := context.WithoutCancel(ctx)
	start := d.cfg.clock.Now()

	sendCtx, cancel := context.WithTimeout(base, d.cfg.sendTimeout)
	sendErr := d.sink.Send(sendCtx, msg)
	cancel()
	res.Took = d.cfg.clock.Now().Sub(start)

	outcome := state.OutcomeSuccess
	detail := ""
	if sendErr != nil {
		outcome = d.cfg.classify(sendErr)
		detail = sendErr.Error()
		res.Err = sendErr
	}

	storeCtx, cancel := context.WithTimeout(base, d.cfg.storeTimeout)
	recErr := d.store.RecordAttempt(storeCtx, state.Attempt{
		Key:     item.Key,
		TaskID:  item.Task.ID,
		Outcome: outcome,
		At:      d.cfg.clock.Now(),
		Detail:  detail,
	})
	cancel()

	if outcome == state.OutcomeSuccess {
		switch {
		case recErr == nil:
			res.Outcome = Sent
			log.Info().Dur("took", res.Took).Msg("sent")
			return res, nil
		case errors.Is(recErr, state.ErrAlreadySucceeded):
			res.Outcome = Discarded
			log.Warn().Msg("success already recorded by another writer; attempt discarded")
			return res, nil
		default:
			res.Outcome = Inconsistent
			res.Err = recErr
			d.quarantineKey(base, item.Key, recErr, log)
			return res, fmt.Errorf("%w: %s: %w", ErrStateInconsistency, item.Key, recErr)
		}
	}

	if outcome == state.OutcomePermanentFailure {
		res.Outcome = PermanentFailure
		log.Warn().Err(sendErr).Msg("permanent failure")
	} else {
		res.Outcome = TransientFailure
		log.Warn().Err(sendErr).Msg("transient failure")
	}
	if recErr != nil {
		log.Error().Err(recErr).Str("outcome", string(outcome)).Msg("failed to record attempt")
		return res, fmt.Errorf("record %s attempt for %s: %w", outcome, item.Key, recErr)
	}
	return res, nil
}

func (d *Dispatcher) quarantineKey(base context.Context, key string, cause error, log zerolog.Logger) {
	reason := "sent but success not recorded: " + cause.Error()

	ctx, cancel := context.WithTimeout(base, d.cfg.storeTimeout)
	defer cancel()
	if err := d.store.Block(ctx, key, reason); err != nil {
		d.mu.Lock()
		d.quarantine[key] = reason
		d.mu.Unlock()
		log.Error().Err(cause).AnErr("block_err", err).
			Msg("state inconsistency: message sent, success not recorded, durable block failed; key quarantined in this process until restart")
		return
	}
	log.Error().Err(cause).Msg("state inconsistency: message sent, success not recorded; key blocked until unblocked by an operator")
}
