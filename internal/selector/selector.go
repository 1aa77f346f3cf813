// Package selector decides which tasks are due for dispatch at a given
// instant, from a source snapshot and the dispatch state.
package selector

import (
	"sort"
	"time"

	"github.com/example/sheet-mailer/internal/state"
	"github.com/example/sheet-mailer/internal/tasks"
)

type Verdict string

const (
	VerdictDue       Verdict = "due"
	VerdictFuture    Verdict = "future"
	VerdictSent      Verdict = "sent"
	VerdictExhausted Verdict = "exhausted"
	VerdictPermanent Verdict = "permanent"
	VerdictBlocked   Verdict = "blocked"
	VerdictSkipped   Verdict = "skipped"
	// VerdictBackoff is a failed key waiting out the retry backoff.
	VerdictBackoff Verdict = "backoff"
)

// Policy bounds retries of failed keys.
type Policy struct {
	// Ceiling is the maximum number of attempts per key; values below 1
	// mean a single attempt.
	Ceiling int
	// Backoff is the minimum time between two attempts at the same key.
	Backoff time.Duration
}

// Status is the task status implied by a verdict.
func (v Verdict) Status() tasks.Status {
	switch v {
	case VerdictSent:
		return tasks.StatusSent
	case VerdictExhausted, VerdictPermanent, VerdictBlocked:
		return tasks.StatusFailed
	case VerdictSkipped:
		return tasks.StatusSkipped
	default:
		return tasks.StatusPending
	}
}

// Item is one dispatch the selector found due.
type Item struct {
	Task       tasks.Task
	Key        string
	Occurrence time.Time
	// Attempts already recorded for Key.
	Attempts int
}

// Evaluation is the verdict for one task.
type Evaluation struct {
	Task       tasks.Task
	Key        string
	Occurrence time.Time
	Verdict    Verdict
	State      state.State
}

// Candidate is the dispatch key a task would use at now. ok is false when
// the task has no occurrence at or before now.
func Candidate(t tasks.Task, now time.Time) (key string, occurrence time.Time, ok bool) {
	occ, ok := t.Occurrence(now)
	if !ok {
		return "", time.Time{}, false
	}
	return t.DispatchKey(occ), occ, true
}

// Keys returns the dispatch keys to look up for ts at now.
func Keys(ts []tasks.Task, now time.Time) []string {
	keys := make([]string, 0, len(ts))
	for _, t := range ts {
		if k, _, ok := Candidate(t, now); ok {
			keys = append(keys, k)
		}
	}
	return keys
}

// Evaluate classifies t.
func Evaluate(t tasks.Task, now time.Time, states map[string]state.State, p Policy) Evaluation {
	ceiling := max(p.Ceiling, 1)
	ev := Evaluation{Task: t}
	if t.Status == tasks.StatusSkipped {
		ev.Verdict = VerdictSkipped
		return ev
	}
	key, occ, ok := Candidate(t, now)
	if !ok {
		ev.Verdict = VerdictFuture
		return ev
	}
	ev.Key, ev.Occurrence = key, occ
	st := states[key]
	ev.State = st

	switch {
	case st.Succeeded:
		ev.Verdict = VerdictSent
	case st.Blocked:
		ev.Verdict = VerdictBlocked
	case st.Permanent:
		ev.Verdict = VerdictPermanent
	case st.Attempts >= ceiling:
		ev.Verdict = VerdictExhausted
	case st.Attempts > 0 && p.Backoff > 0 && now.Before(st.LastAttemptAt.Add(p.Backoff)):
		ev.Verdict = VerdictBackoff
	default:
		ev.Verdict = VerdictDue
	}
	return ev
}

type Result struct {
	Due    []Item
	Counts map[Verdict]int
}

// Select returns the due items of ts, oldest occurrence first and then by
// task id. It has no side effects.
func Select(now time.Time, ts []tasks.Task, states map[string]state.State, p Policy) Result {
	res := Result{Counts: make(map[Verdict]int)}
	for _, t := range ts {
		ev := Evaluate(t, now, states, p)
		res.Counts[ev.Verdict]++
		if ev.Verdict != VerdictDue {
			continue
		}
		res.Due = append(res.Due, Item{
			Task:       t,
			Key:        ev.Key,
			Occurrence: ev.Occurrence,
			Attempts:   ev.State.Attempts,
		})
	}
	sort.SliceStable(res.Due, func(i, j int) bool {
		a, b := res.Due[i], res.Due[j]
		if !a.Occurrence.Equal(b.Occurrence) {
			return a.Occurrence.Before(b.Occurrence)
		}
		return a.Task.ID < b.Task.ID
	})
	return res
}
