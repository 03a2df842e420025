// Package channelcsv imports and exports channel lineups as CSV. Stream
// URLs ride along in a pipe-separated column so a lineup can be rebuilt
// against a different upstream.
package channelcsv

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/snarg/ecm/internal/upstream"
)

var header = []string{
	"channel_number", "name", "group_name", "tvg_id", "gracenote_id", "logo_url", "stream_urls",
}

// Row is one imported or exported channel.
type Row struct {
	ChannelNumber *float64 `json:"channel_number,omitempty"`
	Name          string   `json:"name"`
	GroupName     string   `json:"group_name,omitempty"`
	TvgID         string   `json:"tvg_id,omitempty"`
	GracenoteID   string   `json:"gracenote_id,omitempty"`
	LogoURL       string   `json:"logo_url,omitempty"`
	StreamURLs    []string `json:"stream_urls,omitempty"`
}

// RowError is a structured per-line import issue.
type RowError struct {
	Line    int    `json:"line"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *RowError) Error() string {
	return fmt.Sprintf("line %d: %s: %s", e.Line, e.Field, e.Message)
}

// ImportResult carries the parsed rows and any per-line issues. Rows with
// errors are dropped; the rest import normally.
type ImportResult struct {
	Rows   []Row      `json:"rows"`
	Errors []RowError `json:"errors"`
}

// Export writes the channels as CSV, sorted by channel number ascending.
// Auto-created channels are excluded: they are reproducible from their
// rules and would collide on re-import.
func Export(w io.Writer, channels []upstream.Channel, groupNames map[int64]string, streamURLs map[int64][]string) error {
	rows := make([]upstream.Channel, 0, len(channels))
	for _, ch := range channels {
		if ch.AutoCreated {
			continue
		}
		rows = append(rows, ch)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].ChannelNumber < rows[j].ChannelNumber
	})

	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, ch := range rows {
		group := ""
		if ch.ChannelGroupID != nil {
			group = groupNames[*ch.ChannelGroupID]
		}
		rec := []string{
			formatNumber(ch.ChannelNumber),
			ch.Name,
			group,
			ch.TvgID,
			ch.GracenoteID,
			ch.LogoURL,
			strings.Join(streamURLs[ch.ID], "|"),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Parse reads a CSV lineup. Blank lines and lines starting with '#' are
// ignored. Field validation failures are collected per line rather than
// aborting the whole import.
func Parse(r io.Reader) (*ImportResult, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	// The csv package has no comment-aware line accounting for errors we
	// want to report, so strip comments first while keeping line numbers.
	lines := strings.Split(string(data), "\n")
	var filtered []string
	lineOf := []int{}
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		filtered = append(filtered, line)
		lineOf = append(lineOf, i+1)
	}
	if len(filtered) == 0 {
		return nil, fmt.Errorf("empty CSV input")
	}

	cr := csv.NewReader(strings.NewReader(strings.Join(filtered, "\n")))
	cr.FieldsPerRecord = -1
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("invalid CSV: %w", err)
	}

	cols, err := headerIndex(records[0])
	if err != nil {
		return nil, err
	}

	res := &ImportResult{}
	for i, rec := range records[1:] {
		line := lineOf[i+1]
		row, errs := parseRow(rec, cols, line)
		if len(errs) > 0 {
			res.Errors = append(res.Errors, errs...)
			continue
		}
		res.Rows = append(res.Rows, row)
	}
	return res, nil
}

func headerIndex(rec []string) (map[string]int, error) {
	cols := map[string]int{}
	for i, name := range rec {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	if _, ok := cols["name"]; !ok {
		return nil, fmt.Errorf("header is missing the required %q column", "name")
	}
	return cols, nil
}

func parseRow(rec []string, cols map[string]int, line int) (Row, []RowError) {
	field := func(name string) string {
		i, ok := cols[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	var errs []RowError
	row := Row{
		Name:        field("name"),
		GroupName:   field("group_name"),
		TvgID:       field("tvg_id"),
		GracenoteID: field("gracenote_id"),
		LogoURL:     field("logo_url"),
	}

	if row.Name == "" {
		errs = append(errs, RowError{Line: line, Field: "name", Message: "name is required"})
	}

	if raw := field("channel_number"); raw != "" {
		n, err := strconv.ParseFloat(raw, 64)
		if err != nil || n <= 0 {
			errs = append(errs, RowError{Line: line, Field: "channel_number",
				Message: fmt.Sprintf("%q is not a positive number", raw)})
		} else {
			row.ChannelNumber = &n
		}
	}

	if row.LogoURL != "" && !strings.HasPrefix(row.LogoURL, "http://") &&
		!strings.HasPrefix(row.LogoURL, "https://") {
		errs = append(errs, RowError{Line: line, Field: "logo_url",
			Message: "must be an http(s) URL"})
	}

	if raw := field("stream_urls"); raw != "" {
		for _, u := range strings.Split(raw, "|") {
			if u = strings.TrimSpace(u); u != "" {
				row.StreamURLs = append(row.StreamURLs, u)
			}
		}
	}
	return row, errs
}

// ExportBytes is Export into a buffer.
func ExportBytes(channels []upstream.Channel, groupNames map[int64]string, streamURLs map[int64][]string) ([]byte, error) {
	var buf bytes.Buffer
	if err := Export(&buf, channels, groupNames, streamURLs); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func formatNumber(n float64) string {
	if n == 0 {
		return ""
	}
	if n == float64(int64(n)) {
		return strconv.FormatInt(int64(n), 10)
	}
	return strconv.FormatFloat(n, 'f', -1, 64)
}
