package tasks

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// SecondOptional allows both 5-field and 6-field (with seconds) specs.
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Windows searched backwards from now for the latest occurrence. Starting
// small keeps dense schedules cheap.
var searchWindows = []time.Duration{
	time.Hour,
	24 * time.Hour,
	32 * 24 * time.Hour,
	367 * 24 * time.Hour,
}

const maxForwardSteps = 100000

// Recurrence is a parsed recurrence descriptor.
//
// Supported forms:
//   - Cron: "0 9 * * MON", "0 0 9 * * *", "@daily", "CRON_TZ=Europe/Berlin 0 8 * * *"
//   - Fixed interval: "@every 24h" or a bare duration like "72h"
//
// Fixed intervals are anchored on the task's scheduled time; cron schedules
// fire on their own calendar but never before the scheduled time.
type Recurrence struct {
	Spec string

	sched cron.Schedule
	every time.Duration
	loc   *time.Location
}

// ParseRecurrence parses spec. loc is used to evaluate cron fields when the
// spec does not carry its own CRON_TZ; nil means UTC.
func ParseRecurrence(spec string, loc *time.Location) (*Recurrence, error) {
	s := strings.TrimSpace(spec)
	if s == "" {
		return nil, fmt.Errorf("recurrence required")
	}
	if loc == nil {
		loc = time.UTC
	}
	r := &Recurrence{Spec: s, loc: loc}

	if !strings.ContainsAny(s, " \t@=") {
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("invalid recurrence %q (use cron like '0 9 * * *', '@daily' or a duration like '72h')", spec)
		}
		s = "@every " + d.String()
	}

	sched, err := parser.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("invalid recurrence %q: %w", spec, err)
	}
	if cd, ok := sched.(cron.ConstantDelaySchedule); ok {
		if cd.Delay < time.Second {
			return nil, fmt.Errorf("recurrence interval must be >= 1s")
		}
		r.every = cd.Delay
	}
	r.sched = sched
	return r, nil
}

func (r *Recurrence) String() string { return r.Spec }

// Latest returns the most recent occurrence in [anchor, now].
func (r *Recurrence) Latest(anchor, now time.Time) (time.Time, bool) {
	if r == nil || anchor.After(now) {
		return time.Time{}, false
	}
	if r.every > 0 {
		n := now.Sub(anchor) / r.every
		return anchor.Add(n * r.every), true
	}

	// Next is exclusive and second-aligned; stepping back a nanosecond lets
	// an occurrence that falls exactly on the anchor count.
	floor := anchor.Add(-time.Nanosecond)
	for _, w := range searchWindows {
		start := now.Add(-w)
		clamped := false
		if !start.After(floor) {
			start, clamped = floor, true
		}
		if at, ok := r.scan(start, now); ok {
			return at, true
		}
		if clamped {
			return time.Time{}, false
		}
	}
	return r.scan(floor, now)
}

func (r *Recurrence) scan(from, now time.Time) (time.Time, bool) {
	first := r.sched.Next(from.In(r.loc))
	if first.IsZero() || first.After(now) {
		return time.Time{}, false
	}
	last := first
	for i := 0; i < maxForwardSteps; i++ {
		next := r.sched.Next(last)
		if next.IsZero() || next.After(now) {
			break
		}
		last = next
	}
	return last, true
}
