package selector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/sheet-mailer/internal/state"
	"github.com/example/sheet-mailer/internal/tasks"
)

var now = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func oneOff(id string, at time.Time) tasks.Task {
	return tasks.Task{ID: id, Recipient: id + "@x.com", ScheduledAt: at, Status: tasks.StatusPending}
}

func TestSelectVerdicts(t *testing.T) {
	t.Parallel()
	past := now.Add(-time.Hour)

	skipped := oneOff("skip", past)
	skipped.Status = tasks.StatusSkipped

	ts := []tasks.Task{
		oneOff("due", past),
		oneOff("future", now.Add(time.Minute)),
		oneOff("sent", past),
		oneOff("exhausted", past),
		oneOff("perm", past),
		oneOff("blocked", past),
		oneOff("retry", past),
		skipped,
	}
	states := map[string]state.State{
		"sent":      {Key: "sent", Attempts: 1, Succeeded: true},
		"exhausted": {Key: "exhausted", Attempts: 3},
		"perm":      {Key: "perm", Attempts: 1, Permanent: true},
		"blocked":   {Key: "blocked", Blocked: true},
		"retry":     {Key: "retry", Attempts: 2},
	}

	res := Select(now, ts, states, Policy{Ceiling: 3})
	require.Len(t, res.Due, 2)
	require.Equal(t, "due", res.Due[0].Task.ID)
	require.Equal(t, "retry", res.Due[1].Task.ID)
	require.Equal(t, 2, res.Due[1].Attempts)

	require.Equal(t, map[Verdict]int{
		VerdictDue:       2,
		VerdictFuture:    1,
		VerdictSent:      1,
		VerdictExhausted: 1,
		VerdictPermanent: 1,
		VerdictBlocked:   1,
		VerdictSkipped:   1,
	}, res.Counts)
}

func TestFutureTaskIsNeverDue(t *testing.T) {
	t.Parallel()
	task := oneOff("f", now.Add(time.Nanosecond))
	res := Select(now, []tasks.Task{task}, nil, Policy{Ceiling: 5})
	require.Empty(t, res.Due)

	res = Select(now.Add(time.Nanosecond), []tasks.Task{task}, nil, Policy{Ceiling: 5})
	require.Len(t, res.Due, 1)
	require.Equal(t, "f", res.Due[0].Key)
}

func TestSelectOrder(t *testing.T) {
	t.Parallel()
	ts := []tasks.Task{
		oneOff("b", now.Add(-time.Hour)),
		oneOff("c", now.Add(-2*time.Hour)),
		oneOff("a", now.Add(-time.Hour)),
	}
	res := Select(now, ts, nil, Policy{Ceiling: 1})
	var ids []string
	for _, it := range res.Due {
		ids = append(ids, it.Task.ID)
	}
	require.Equal(t, []string{"c", "a", "b"}, ids)
}

func TestRecurringBacklogYieldsOneItem(t *testing.T) {
	t.Parallel()
	r, err := tasks.ParseRecurrence("0 9 * * *", time.UTC)
	require.NoError(t, err)
	task := tasks.Task{
		ID:          "daily",
		Recipient:   "d@x.com",
		ScheduledAt: now.Add(-5 * 24 * time.Hour),
		Recurrence:  r,
	}

	res := Select(now, []tasks.Task{task}, nil, Policy{Ceiling: 3})
	require.Len(t, res.Due, 1)
	wantOcc := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	require.True(t, res.Due[0].Occurrence.Equal(wantOcc))
	require.Equal(t, "daily@2026-03-10T09:00:00Z", res.Due[0].Key)

	// once today's occurrence is sent, nothing is due until tomorrow
	states := map[string]state.State{res.Due[0].Key: {Succeeded: true, Attempts: 1}}
	require.Empty(t, Select(now, []tasks.Task{task}, states, Policy{Ceiling: 3}).Due)
	require.Len(t, Select(now.Add(24*time.Hour), []tasks.Task{task}, states, Policy{Ceiling: 3}).Due, 1)
}

func TestFailedKeyWaitsOutBackoff(t *testing.T) {
	t.Parallel()
	task := oneOff("7", now.Add(-2*time.Hour))
	states := map[string]state.State{
		"7": {Key: "7", Attempts: 1, LastAttemptAt: now.Add(-10 * time.Minute)},
	}
	p := Policy{Ceiling: 3, Backoff: 30 * time.Minute}

	ev := Evaluate(task, now, states, p)
	require.Equal(t, VerdictBackoff, ev.Verdict)
	require.Equal(t, tasks.StatusPending, ev.Verdict.Status())
	require.Empty(t, Select(now, []tasks.Task{task}, states, p).Due)

	later := now.Add(20 * time.Minute)
	require.Len(t, Select(later, []tasks.Task{task}, states, p).Due, 1)

	// no backoff configured: retried on the next poll
	require.Len(t, Select(now, []tasks.Task{task}, states, Policy{Ceiling: 3}).Due, 1)

	// the ceiling wins over the backoff
	states["7"] = state.State{Key: "7", Attempts: 3, LastAttemptAt: now.Add(-time.Minute)}
	require.Equal(t, VerdictExhausted, Evaluate(task, now, states, p).Verdict)
}

func TestKeys(t *testing.T) {
	t.Parallel()
	keys := Keys([]tasks.Task{oneOff("a", now.Add(-time.Minute)), oneOff("b", now.Add(time.Minute))}, now)
	require.Equal(t, []string{"a"}, keys)
}

func TestVerdictStatus(t *testing.T) {
	t.Parallel()
	require.Equal(t, tasks.StatusPending, VerdictDue.Status())
	require.Equal(t, tasks.StatusPending, VerdictFuture.Status())
	require.Equal(t, tasks.StatusSent, VerdictSent.Status())
	require.Equal(t, tasks.StatusFailed, VerdictExhausted.Status())
	require.Equal(t, tasks.StatusFailed, VerdictBlocked.Status())
	require.Equal(t, tasks.StatusSkipped, VerdictSkipped.Status())
}
