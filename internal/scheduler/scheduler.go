package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/example/sheet-mailer/internal/dispatch"
	"github.com/example/sheet-mailer/internal/selector"
	"github.com/example/sheet-mailer/internal/source"
	"github.com/example/sheet-mailer/internal/state"
)

// ErrCycleInProgress is returned by RunCycle while another cycle runs.
var ErrCycleInProgress = errors.New("poll cycle already in progress")

type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseFetching
	PhaseSelecting
	PhaseDispatching
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseFetching:
		return "fetching"
	case PhaseSelecting:
		return "selecting"
	case PhaseDispatching:
		return "dispatching"
	case PhaseError:
		return "error"
	default:
		return fmt.Sprintf("phase(%d)", int32(p))
	}
}

// Source is the task source read once per cycle.
type Source interface {
	FetchTasks(ctx context.Context) (source.Result, error)
}

// Settings are the knobs that can change while the scheduler runs.
type Settings struct {
	PollInterval time.Duration
	RetryCeiling int
	// RetryBackoff is the minimum wait before a failed key is retried.
	RetryBackoff time.Duration
	Workers      int
	FetchTimeout time.Duration
	Enabled      bool
	DryRun       bool
}

func (s Settings) policy() selector.Policy {
	return selector.Policy{Ceiling: s.RetryCeiling, Backoff: s.RetryBackoff}
}

func (s Settings) normalized() Settings {
	if s.PollInterval <= 0 {
		s.PollInterval = time.Minute
	}
	if s.RetryCeiling < 1 {
		s.RetryCeiling = 1
	}
	if s.RetryBackoff < 0 {
		s.RetryBackoff = 0
	}
	if s.Workers < 1 {
		s.Workers = 1
	}
	if s.FetchTimeout <= 0 {
		s.FetchTimeout = 30 * time.Second
	}
	return s
}

type Config struct {
	Source     Source
	Store      state.Store
	Dispatcher *dispatch.Dispatcher
	Settings   Settings
	Clock      dispatch.Clock
	Logger     zerolog.Logger
}

// Scheduler runs poll cycles: fetch the source, select due items against
// the state store and dispatch them through a bounded worker pool.
type Scheduler struct {
	src   Source
	store state.Store
	disp  *dispatch.Dispatcher
	clock dispatch.Clock
	log   zerolog.Logger

	mu       sync.Mutex
	settings Settings
	last     Report

	running      atomic.Bool
	phase        atomic.Int32
	skippedWakes atomic.Int64
	reload       chan struct{}
}

func New(cfg Config) *Scheduler {
	clock := cfg.Clock
	if clock == nil {
		clock = dispatch.SystemClock{}
	}
	s := &Scheduler{
		src:      cfg.Source,
		store:    cfg.Store,
		disp:     cfg.Dispatcher,
		clock:    clock,
		log:      cfg.Logger.With().Str("component", "scheduler").Logger(),
		settings: cfg.Settings.normalized(),
		reload:   make(chan struct{}, 1),
	}
	s.disp.SetDryRun(s.settings.DryRun)
	return s
}

func (s *Scheduler) Phase() Phase { return Phase(s.phase.Load()) }

func (s *Scheduler) Settings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// LastReport returns the report of the most recent finished cycle.
func (s *Scheduler) LastReport() Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// SkippedWakes counts timer wake-ups dropped because a cycle overran.
func (s *Scheduler) SkippedWakes() int64 { return s.skippedWakes.Load() }

// Apply swaps the runtime settings. It takes effect from the next cycle;
// a changed poll interval resets the timer.
func (s *Scheduler) Apply(next Settings) {
	next = next.normalized()
	s.mu.Lock()
	prev := s.settings
	s.settings = next
	s.mu.Unlock()

	s.disp.SetDryRun(next.DryRun)
	if prev.PollInterval != next.PollInterval {
		select {
		case s.reload <- struct{}{}:
		default:
		}
	}
	s.log.Info().
		Dur("poll_interval", next.PollInterval).
		Int("retry_ceiling", next.RetryCeiling).
		Dur("retry_backoff", next.RetryBackoff).
		Int("workers", next.Workers).
		Bool("enabled", next.Enabled).
		Bool("dry_run", next.DryRun).
		Msg("settings applied")
}

// Run runs a cycle immediately and then on every poll interval until ctx is
// cancelled. It returns nil on shutdown, after the in-flight dispatches of
// the current cycle have finished.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := s.Settings().PollInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.tick(ctx, ticker, interval)
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("scheduler stopped")
			return nil
		case <-s.reload:
			interval = s.Settings().PollInterval
			ticker.Reset(interval)
			s.log.Info().Dur("poll_interval", interval).Msg("poll interval changed")
		case <-ticker.C:
			s.tick(ctx, ticker, interval)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, ticker *time.Ticker, interval time.Duration) {
	start := time.Now()
	if _, err := s.RunCycle(ctx); err != nil && !errors.Is(err, ErrCycleInProgress) {
		s.log.Error().Err(err).Msg("poll cycle failed")
	}
	if ctx.Err() != nil {
		return
	}

	skipped := int64(time.Since(start) / interval)
	select {
	case <-ticker.C:
		if skipped == 0 {
			skipped = 1
		}
	default:
	}
	if skipped > 0 {
		s.skippedWakes.Add(skipped)
		s.log.Warn().Int64("skipped", skipped).Dur("interval", interval).Msg("cycle overran poll interval; wakes skipped")
	}
}

// RunCycle performs one poll cycle. A source or state read failure aborts
// the cycle before anything is sent. Once ctx is cancelled no further
// dispatch starts; the remaining due items are reported as deferred.
func (s *Scheduler) RunCycle(ctx context.Context) (Report, error) {
	if !s.running.CompareAndSwap(false, true) {
		return Report{}, ErrCycleInProgress
	}
	defer s.running.Store(false)

	settings := s.Settings()
	rep := Report{CycleID: uuid.NewString(), Started: s.clock.Now()}
	log := s.log.With().Str("cycle", rep.CycleID).Logger()
	start := time.Now()

	finish := func(err error) (Report, error) {
		rep.Took = time.Since(start)
		if err != nil {
			rep.Err = err.Error()
			s.phase.Store(int32(PhaseError))
		}
		s.mu.Lock()
		s.last = rep
		s.mu.Unlock()
		rep.log(log, err)
		// Error lasts until the failure is logged; the loop carries on.
		s.phase.Store(int32(PhaseIdle))
		return rep, err
	}

	if !settings.Enabled {
		rep.Disabled = true
		return finish(nil)
	}

	s.phase.Store(int32(PhaseFetching))
	fctx, cancel := context.WithTimeout(ctx, settings.FetchTimeout)
	fetched, err := s.src.FetchTasks(fctx)
	cancel()
	if err != nil {
		return finish(fmt.Errorf("fetch tasks: %w", err))
	}
	rep.Fetched = len(fetched.Tasks)
	rep.Malformed = fetched.Malformed
	rep.Duplicates = fetched.Duplicates

	s.phase.Store(int32(PhaseSelecting))
	now := s.clock.Now()
	lctx, cancel := context.WithTimeout(ctx, settings.FetchTimeout)
	states, err := s.store.Lookup(lctx, selector.Keys(fetched.Tasks, now))
	cancel()
	if err != nil {
		return finish(fmt.Errorf("lookup state: %w", err))
	}
	sel := selector.Select(now, fetched.Tasks, states, settings.policy())
	rep.Verdicts = sel.Counts
	rep.Due = len(sel.Due)

	s.phase.Store(int32(PhaseDispatching))
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(settings.Workers)
	for _, it := range sel.Due {
		if ctx.Err() != nil {
			mu.Lock()
			rep.Deferred++
			mu.Unlock()
			continue
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				mu.Lock()
				rep.Deferred++
				mu.Unlock()
				return nil
			}
			res, derr := s.disp.Dispatch(ctx, it)
			mu.Lock()
			rep.add(res)
			mu.Unlock()
			if derr != nil && !errors.Is(derr, dispatch.ErrStateInconsistency) {
				log.Error().Err(derr).Str("key", it.Key).Msg("dispatch")
			}
			return nil
		})
	}
	_ = g.Wait()

	if rep.Deferred > 0 {
		log.Info().Int("deferred", rep.Deferred).Msg("shutdown requested; remaining due items deferred to next run")
	}
	return finish(nil)
}

// Preview evaluates every task without dispatching anything.
func (s *Scheduler) Preview(ctx context.Context) ([]selector.Evaluation, source.Result, error) {
	settings := s.Settings()
	fctx, cancel := context.WithTimeout(ctx, settings.FetchTimeout)
	fetched, err := s.src.FetchTasks(fctx)
	cancel()
	if err != nil {
		return nil, source.Result{}, err
	}
	now := s.clock.Now()
	states, err := s.store.Lookup(ctx, selector.Keys(fetched.Tasks, now))
	if err != nil {
		return nil, fetched, err
	}
	evs := make([]selector.Evaluation, 0, len(fetched.Tasks))
	for _, t := range fetched.Tasks {
		evs = append(evs, selector.Evaluate(t, now, states, settings.policy()))
	}
	return evs, fetched, nil
}
