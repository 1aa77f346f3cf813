// Package source reads scheduling tasks from a tabular source (a shared
// spreadsheet export or a local CSV file).
package source

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/sheet-mailer/internal/tasks"
)

// ErrSourceUnavailable means the source could not be read or interpreted at
// all. Callers must not treat it as "no tasks".
var ErrSourceUnavailable = errors.New("task source unavailable")

// Reader returns the raw table, header row first.
type Reader interface {
	Read(ctx context.Context) ([][]string, error)
}

// Columns maps task fields to header names.
type Columns struct {
	ID          string `yaml:"id"`
	Recipient   string `yaml:"recipient"`
	Subject     string `yaml:"subject"`
	ContentRef  string `yaml:"content_ref"`
	ScheduledAt string `yaml:"scheduled_at"`
	Recurrence  string `yaml:"recurrence"`
	Status      string `yaml:"status"`
}

func DefaultColumns() Columns {
	return Columns{
		ID:          "id",
		Recipient:   "recipient",
		Subject:     "subject",
		ContentRef:  "content_ref",
		ScheduledAt: "scheduled_at",
		Recurrence:  "recurrence",
		Status:      "status",
	}
}

func (c Columns) withDefaults() Columns {
	d := DefaultColumns()
	pick := func(v, def string) string {
		if strings.TrimSpace(v) == "" {
			return def
		}
		return v
	}
	return Columns{
		ID:          pick(c.ID, d.ID),
		Recipient:   pick(c.Recipient, d.Recipient),
		Subject:     pick(c.Subject, d.Subject),
		ContentRef:  pick(c.ContentRef, d.ContentRef),
		ScheduledAt: pick(c.ScheduledAt, d.ScheduledAt),
		Recurrence:  pick(c.Recurrence, d.Recurrence),
		Status:      pick(c.Status, d.Status),
	}
}

type Options struct {
	Columns Columns
	// Location applies to timestamps without a zone. Defaults to UTC.
	Location *time.Location
	Logger   zerolog.Logger
}

// RowError describes why a row was rejected.
type RowError struct {
	Row    int
	Column string
	Reason string
}

func (e RowError) Error() string {
	if e.Column == "" {
		return fmt.Sprintf("row %d: %s", e.Row, e.Reason)
	}
	return fmt.Sprintf("row %d: %s: %s", e.Row, e.Column, e.Reason)
}

// Result is one snapshot of the source.
type Result struct {
	Tasks      []tasks.Task
	Malformed  int
	Duplicates int
	Problems   []RowError
}

type Adapter struct {
	reader Reader
	cols   Columns
	loc    *time.Location
	log    zerolog.Logger
}

func NewAdapter(r Reader, opts Options) *Adapter {
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	return &Adapter{
		reader: r,
		cols:   opts.Columns.withDefaults(),
		loc:    loc,
		log:    opts.Logger.With().Str("component", "source").Logger(),
	}
}

// FetchTasks reads the whole source once. Malformed rows and rows sharing a
// duplicated id are left out of Tasks and reported in Problems. The source
// is never written.
func (a *Adapter) FetchTasks(ctx context.Context) (Result, error) {
	rows, err := a.reader.Read(ctx)
	if err != nil {
		if errors.Is(err, ErrSourceUnavailable) {
			return Result{}, err
		}
		return Result{}, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}
	if len(rows) == 0 {
		return Result{}, fmt.Errorf("%w: missing header row", ErrSourceUnavailable)
	}
	idx, err := a.headerIndex(rows[0])
	if err != nil {
		return Result{}, err
	}

	var res Result
	parsed := make([]tasks.Task, 0, len(rows)-1)
	seen := make(map[string]int)
	for i, row := range rows[1:] {
		rowNum := i + 2
		if blank(row) {
			continue
		}
		t, rerr := a.parseRow(rowNum, row, idx)
		if rerr != nil {
			res.Malformed++
			res.Problems = append(res.Problems, *rerr)
			a.log.Warn().Int("row", rowNum).Str("column", rerr.Column).Str("reason", rerr.Reason).Msg("malformed row skipped")
			continue
		}
		seen[t.ID]++
		parsed = append(parsed, t)
	}

	for _, t := range parsed {
		if n := seen[t.ID]; n > 1 {
			res.Duplicates++
			res.Problems = append(res.Problems, RowError{Row: t.Row, Column: a.cols.ID, Reason: fmt.Sprintf("duplicate id %q (%d rows)", t.ID, n)})
			a.log.Warn().Int("row", t.Row).Str("task_id", t.ID).Msg("duplicate id, row rejected")
			continue
		}
		res.Tasks = append(res.Tasks, t)
	}
	return res, nil
}

type fieldIndex map[string]int

func (f fieldIndex) get(row []string, col string) string {
	i, ok := f[strings.ToLower(col)]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func (a *Adapter) headerIndex(header []string) (fieldIndex, error) {
	idx := make(fieldIndex, len(header))
	for i, h := range header {
		name := strings.ToLower(strings.TrimSpace(h))
		if name == "" {
			continue
		}
		if _, dup := idx[name]; !dup {
			idx[name] = i
		}
	}
	var missing []string
	for _, col := range []string{a.cols.ID, a.cols.Recipient, a.cols.ScheduledAt} {
		if _, ok := idx[strings.ToLower(col)]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: header missing columns %s", ErrSourceUnavailable, strings.Join(missing, ", "))
	}
	return idx, nil
}

func (a *Adapter) parseRow(rowNum int, row []string, idx fieldIndex) (tasks.Task, *RowError) {
	bad := func(col, reason string) *RowError {
		return &RowError{Row: rowNum, Column: col, Reason: reason}
	}

	t := tasks.Task{
		ID:         idx.get(row, a.cols.ID),
		Subject:    idx.get(row, a.cols.Subject),
		ContentRef: idx.get(row, a.cols.ContentRef),
		Row:        rowNum,
	}
	if t.ID == "" {
		return t, bad(a.cols.ID, "empty id")
	}

	rawTo := idx.get(row, a.cols.Recipient)
	if rawTo == "" {
		return t, bad(a.cols.Recipient, "empty recipient")
	}
	addr, err := mail.ParseAddress(rawTo)
	if err != nil {
		return t, bad(a.cols.Recipient, fmt.Sprintf("invalid address %q", rawTo))
	}
	t.Recipient = addr.Address

	rawAt := idx.get(row, a.cols.ScheduledAt)
	if rawAt == "" {
		return t, bad(a.cols.ScheduledAt, "empty scheduled time")
	}
	at, err := ParseTime(rawAt, a.loc)
	if err != nil {
		return t, bad(a.cols.ScheduledAt, err.Error())
	}
	t.ScheduledAt = at

	if raw := idx.get(row, a.cols.Recurrence); raw != "" {
		r, err := tasks.ParseRecurrence(raw, a.loc)
		if err != nil {
			return t, bad(a.cols.Recurrence, err.Error())
		}
		t.Recurrence = r
	}

	st, err := tasks.ParseStatus(idx.get(row, a.cols.Status))
	if err != nil {
		return t, bad(a.cols.Status, err.Error())
	}
	t.Status = st
	return t, nil
}

func blank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05Z",
	"2006-01-02 15:04:05 UTC",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseTime accepts the timestamp formats commonly produced by spreadsheet
// exports. Values without a zone are read in loc.
func ParseTime(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		var (
			t   time.Time
			err error
		)
		switch layout {
		case time.RFC3339, "2006-01-02T15:04:05Z", "2006-01-02 15:04:05 UTC":
			t, err = time.Parse(layout, s)
		default:
			t, err = time.ParseInLocation(layout, s, loc)
		}
		if err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised time %q", s)
}
