package source

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/example/sheet-mailer/internal/tasks"
)

type staticReader struct {
	rows [][]string
	err  error
}

func (r staticReader) Read(context.Context) ([][]string, error) { return r.rows, r.err }

func newAdapter(rows [][]string) *Adapter {
	return NewAdapter(staticReader{rows: rows}, Options{Logger: zerolog.Nop()})
}

var header = []string{"ID", "Recipient", "Subject", "Content_Ref", "Scheduled_At", "Recurrence", "Status"}

func TestFetchTasksParsesRows(t *testing.T) {
	t.Parallel()
	a := newAdapter([][]string{
		header,
		{"7", "Ann <a@x.com>", "Hello", "welcome", "2026-03-01 09:00:00", "", ""},
		{"8", "b@x.com", "Weekly", "digest", "2026-03-02T08:00:00+01:00", "@weekly", "pending"},
		{"", "", "", "", "", "", ""},
	})

	res, err := a.FetchTasks(context.Background())
	require.NoError(t, err)
	require.Zero(t, res.Malformed)
	require.Len(t, res.Tasks, 2)

	first := res.Tasks[0]
	require.Equal(t, "7", first.ID)
	require.Equal(t, "a@x.com", first.Recipient)
	require.Equal(t, tasks.StatusPending, first.Status)
	require.Nil(t, first.Recurrence)
	require.True(t, first.ScheduledAt.Equal(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)))
	require.Equal(t, 2, first.Row)

	second := res.Tasks[1]
	require.NotNil(t, second.Recurrence)
	require.True(t, second.ScheduledAt.Equal(time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)))
}

func TestFetchTasksMalformedRows(t *testing.T) {
	t.Parallel()
	a := newAdapter([][]string{
		header,
		{"", "a@x.com", "", "", "2026-03-01", "", ""},
		{"2", "not an address", "", "", "2026-03-01", "", ""},
		{"3", "c@x.com", "", "", "next tuesday", "", ""},
		{"4", "d@x.com", "", "", "2026-03-01", "every so often", ""},
		{"5", "e@x.com", "", "", "2026-03-01", "", "archived"},
		{"6", "f@x.com", "", "", "", "", ""},
		{"7", "g@x.com", "", "", "2026-03-01", "", ""},
	})

	res, err := a.FetchTasks(context.Background())
	require.NoError(t, err)
	require.Equal(t, 6, res.Malformed)
	require.Len(t, res.Problems, 6)
	require.Len(t, res.Tasks, 1)
	require.Equal(t, "7", res.Tasks[0].ID)

	cols := make([]string, 0, len(res.Problems))
	for _, p := range res.Problems {
		cols = append(cols, p.Column)
	}
	require.Equal(t, []string{"id", "recipient", "scheduled_at", "recurrence", "status", "scheduled_at"}, cols)
}

func TestFetchTasksRejectsEveryDuplicate(t *testing.T) {
	t.Parallel()
	a := newAdapter([][]string{
		header,
		{"1", "a@x.com", "", "", "2026-03-01", "", ""},
		{"1", "b@x.com", "", "", "2026-03-02", "", ""},
		{"2", "c@x.com", "", "", "2026-03-01", "", ""},
	})

	res, err := a.FetchTasks(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, res.Duplicates)
	require.Len(t, res.Tasks, 1)
	require.Equal(t, "2", res.Tasks[0].ID)
}

func TestFetchTasksUnavailable(t *testing.T) {
	t.Parallel()

	_, err := NewAdapter(staticReader{err: errors.New("connection reset")}, Options{}).FetchTasks(context.Background())
	require.ErrorIs(t, err, ErrSourceUnavailable)

	_, err = newAdapter(nil).FetchTasks(context.Background())
	require.ErrorIs(t, err, ErrSourceUnavailable)

	_, err = newAdapter([][]string{{"id", "subject"}}).FetchTasks(context.Background())
	require.ErrorIs(t, err, ErrSourceUnavailable)
}

func TestCustomColumns(t *testing.T) {
	t.Parallel()
	a := NewAdapter(staticReader{rows: [][]string{
		{"Task", "Email", "When"},
		{"x1", "a@x.com", "2026-03-01 10:30"},
	}}, Options{Columns: Columns{ID: "task", Recipient: "email", ScheduledAt: "when"}})

	res, err := a.FetchTasks(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Tasks, 1)
	require.Equal(t, "x1", res.Tasks[0].ID)
}

func TestParseTime(t *testing.T) {
	t.Parallel()
	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)

	tests := []struct {
		in   string
		loc  *time.Location
		want time.Time
	}{
		{in: "2026-03-01T09:00:00Z", want: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
		{in: "2026-03-01T09:00:00-05:00", want: time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)},
		{in: "2026-03-01 09:00:00 UTC", loc: berlin, want: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
		{in: "2026-03-01 09:00:00", loc: berlin, want: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)},
		{in: "2026-03-01 09:00", want: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
		{in: "2026-03-01", want: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		got, err := ParseTime(tt.in, tt.loc)
		require.NoError(t, err, tt.in)
		require.Truef(t, tt.want.Equal(got), "%s: want %s got %s", tt.in, tt.want, got)
	}

	_, err = ParseTime("03/01/2026", nil)
	require.Error(t, err)
}

func TestCSVReader(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "tasks.csv")
	require.NoError(t, os.WriteFile(path, []byte("id,recipient,scheduled_at\n7,a@x.com,2026-03-01\n8,b@x.com\n"), 0o600))

	rows, err := CSVReader{Path: path}.Read(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Len(t, rows[2], 2)

	_, err = CSVReader{Path: filepath.Join(t.TempDir(), "missing.csv")}.Read(context.Background())
	require.ErrorIs(t, err, ErrSourceUnavailable)
}

func TestHTTPReader(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer k" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"range":"Sheet1!A1:C3","values":[["id","recipient","scheduled_at"],[7,"a@x.com","2026-03-01"],[true,null,1.5]]}`))
	}))
	defer srv.Close()

	rows, err := HTTPReader{URL: srv.URL, Headers: map[string]string{"Authorization": "Bearer k"}}.Read(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"7", "a@x.com", "2026-03-01"}, rows[1])
	require.Equal(t, []string{"true", "", "1.5"}, rows[2])

	_, err = HTTPReader{URL: srv.URL}.Read(context.Background())
	require.ErrorIs(t, err, ErrSourceUnavailable)
}
