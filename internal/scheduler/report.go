package scheduler

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/example/sheet-mailer/internal/dispatch"
	"github.com/example/sheet-mailer/internal/selector"
)

// Report summarises one poll cycle.
type Report struct {
	CycleID  string    `json:"cycle_id"`
	Started  time.Time `json:"started"`
	Disabled bool      `json:"disabled,omitempty"`

	Fetched    int `json:"fetched"`
	Malformed  int `json:"malformed"`
	Duplicates int `json:"duplicates"`
	Due        int `json:"due"`

	Sent         int `json:"sent"`
	Transient    int `json:"transient"`
	Permanent    int `json:"permanent"`
	Discarded    int `json:"discarded"`
	Inconsistent int `json:"inconsistent"`
	Quarantined  int `json:"quarantined"`
	Deferred     int `json:"deferred"`
	DryRun       int `json:"dry_run"`

	Verdicts map[selector.Verdict]int `json:"verdicts,omitempty"`
	Took     time.Duration            `json:"took"`
	Err      string                   `json:"error,omitempty"`
}

func (r *Report) add(res dispatch.Result) {
	switch res.Outcome {
	case dispatch.Sent:
		r.Sent++
	case dispatch.TransientFailure:
		r.Transient++
	case dispatch.PermanentFailure:
		r.Permanent++
	case dispatch.Discarded:
		r.Discarded++
	case dispatch.Inconsistent:
		r.Inconsistent++
	case dispatch.Quarantined:
		r.Quarantined++
	case dispatch.DryRun:
		r.DryRun++
	}
}

func (r Report) log(log zerolog.Logger, err error) {
	var ev *zerolog.Event
	switch {
	case err != nil:
		ev = log.Error().Err(err)
	case r.Disabled:
		log.Debug().Msg("scheduler disabled; cycle skipped")
		return
	case r.Inconsistent > 0:
		ev = log.Error()
	default:
		ev = log.Info()
	}
	ev.Int("fetched", r.Fetched).
		Int("malformed", r.Malformed).
		Int("duplicates", r.Duplicates).
		Int("due", r.Due).
		Int("sent", r.Sent).
		Int("transient", r.Transient).
		Int("permanent", r.Permanent).
		Int("discarded", r.Discarded).
		Int("inconsistent", r.Inconsistent).
		Int("quarantined", r.Quarantined).
		Int("deferred", r.Deferred).
		Int("dry_run", r.DryRun).
		Dur("took", r.Took).
		Msg("poll cycle")
}
