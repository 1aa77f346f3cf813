package tasks

import (
	"fmt"
	"strings"
	"time"
)

// Status is the task status as it appears in the source sheet.
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// ParseStatus accepts an empty cell as pending.
func ParseStatus(s string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(s))) {
	case "", StatusPending:
		return StatusPending, nil
	case StatusSent:
		return StatusSent, nil
	case StatusFailed:
		return StatusFailed, nil
	case StatusSkipped:
		return StatusSkipped, nil
	default:
		return "", fmt.Errorf("unknown status %q", s)
	}
}

// Task is one scheduling record read from the source. Tasks are rebuilt on
// every poll and never mutated by the scheduler.
type Task struct {
	ID          string
	Recipient   string
	Subject     string
	ContentRef  string
	ScheduledAt time.Time
	Recurrence  *Recurrence
	Status      Status

	// Row is the 1-based source row, for operator messages.
	Row int
}

// Occurrence returns the occurrence of t that should be considered at now.
// A one-off task has a single occurrence at ScheduledAt. A recurring task
// yields only its most recent occurrence at or before now, so a backlog of
// missed occurrences collapses into one.
func (t Task) Occurrence(now time.Time) (time.Time, bool) {
	if t.Recurrence == nil {
		if t.ScheduledAt.After(now) {
			return time.Time{}, false
		}
		return t.ScheduledAt, true
	}
	return t.Recurrence.Latest(t.ScheduledAt, now)
}

// DispatchKey identifies one dispatch of t. One-off tasks are keyed by their
// id alone so a later edit of the scheduled time never re-sends.
func (t Task) DispatchKey(occurrence time.Time) string {
	if t.Recurrence == nil {
		return t.ID
	}
	return DispatchKey(t.ID, occurrence)
}

// DispatchKey builds the key of a recurring task occurrence.
func DispatchKey(id string, occurrence time.Time) string {
	return id + "@" + occurrence.UTC().Format(time.RFC3339)
}

// TaskID returns the task id part of a dispatch key.
func TaskID(key string) string {
	if i := strings.LastIndex(key, "@"); i > 0 {
		if _, err := time.Parse(time.RFC3339, key[i+1:]); err == nil {
			return key[:i]
		}
	}
	return key
}

func (t Task) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("id required")
	}
	if strings.TrimSpace(t.Recipient) == "" {
		return fmt.Errorf("recipient required")
	}
	if t.ScheduledAt.IsZero() {
		return fmt.Errorf("scheduled_at required")
	}
	return nil
}
