package source

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"
)

// CSVReader reads a local CSV export.
type CSVReader struct {
	Path string
}

func (r CSVReader) Read(ctx context.Context) ([][]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}
	f, err := os.Open(r.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}
	defer f.Close()

	cr := csv.NewReader(f)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: parse %s: %w", ErrSourceUnavailable, r.Path, err)
	}
	return rows, nil
}

// HTTPReader fetches a spreadsheet values document, the shape returned by
// the Sheets v4 values.get endpoint:
//
//	{"range": "...", "values": [["id", "recipient", ...], ...]}
type HTTPReader struct {
	URL     string
	Headers map[string]string

	Client *http.Client
}

type valuesDoc struct {
	Values [][]any `json:"values"`
}

func (r HTTPReader) Read(ctx context.Context) ([][]string, error) {
	hc := r.Client
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<10))
		return nil, fmt.Errorf("%w: status=%d body=%q", ErrSourceUnavailable, resp.StatusCode, string(b))
	}

	var doc valuesDoc
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: decode: %w", ErrSourceUnavailable, err)
	}
	rows := make([][]string, len(doc.Values))
	for i, row := range doc.Values {
		out := make([]string, len(row))
		for j, cell := range row {
			out[j] = cellString(cell)
		}
		rows[i] = out
	}
	return rows, nil
}

func cellString(v any) string {
	switch c := v.(type) {
	case nil:
		return ""
	case string:
		return c
	case float64:
		return strconv.FormatFloat(c, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(c)
	default:
		return fmt.Sprint(c)
	}
}
