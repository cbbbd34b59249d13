// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

// Package metriccrunch folds a day's raw segment rows into one
// DailyMetricsRecord. Each segment is tagged with the report it came
// from, since the same column name means different things across
// reports. Folding is sum-based, so segment order never changes the
// result.
package metriccrunch

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
)

// ErrUnparsable means every segment for the date failed to parse. The
// caller skips the date as unavailable; a partial record would be wrong.
var ErrUnparsable = errors.New("no parsable segments")

// SegmentKind tags a segment payload with the report that produced it.
type SegmentKind int

const (
	KindDownloads SegmentKind = iota
	KindDeletions
	KindSessions
)

func (k SegmentKind) String() string {
	switch k {
	case KindDownloads:
		return "downloads"
	case KindDeletions:
		return "deletions"
	case KindSessions:
		return "sessions"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Segment is one decompressed payload plus the report kind it belongs to.
type Segment struct {
	Kind SegmentKind
	Data []byte
}

// Segment rows are tab-delimited with a header row.
const delimiter = '\t'

// Column vocabulary of the analytics reports. Unknown columns are ignored.
const (
	colDate          = "Date"
	colDownloadType  = "Download Type"
	colCounts        = "Counts"
	colUniqueDevices = "Unique Devices"
	colSessions      = "Sessions"
	colEvent         = "Event"

	eventDelete = "Delete"
)

// dedupKeyCols identify a download row. Instances of the downloads
// report overlap across processing dates, so the same row can appear in
// more than one segment; rows with an identical key are counted once.
var dedupKeyCols = []string{
	"Date", "App Name", "App Apple Identifier", "Event", "Download Type",
	"App Version", "Device", "Platform Version", "Source Type", "Source Info",
	"Campaign", "Page Type", "Page Title", "App Download Date", "Territory",
	"Unique Devices",
}

// Aggregate decodes the date's segment payloads and merges their rows into
// a single record. Malformed rows and unparsable segments are skipped with
// a warning; ErrUnparsable is returned only when nothing at all parsed.
func Aggregate(date time.Time, segments []Segment) (DailyMetricsRecord, error) {
	rec := DailyMetricsRecord{Date: date}
	seen := make(map[string]struct{})

	var errs *multierror.Error
	parsed := 0
	for i, seg := range segments {
		var err error
		switch seg.Kind {
		case KindDownloads:
			err = foldDownloads(&rec, date, seg.Data, seen)
		case KindDeletions:
			err = foldDeletions(&rec, date, seg.Data)
		case KindSessions:
			err = foldSessions(&rec, date, seg.Data)
		default:
			err = fmt.Errorf("unknown segment kind %d", int(seg.Kind))
		}
		if err != nil {
			slog.Warn("Skipping unparsable segment",
				slog.String("date", date.Format("2006-01-02")),
				slog.Int("segment", i),
				slog.String("kind", seg.Kind.String()),
				slog.Any("error", err))
			errs = multierror.Append(errs, fmt.Errorf("%s segment %d: %w", seg.Kind, i, err))
			continue
		}
		parsed++
	}
	if len(segments) > 0 && parsed == 0 {
		return DailyMetricsRecord{}, fmt.Errorf("%w: %v", ErrUnparsable, errs.ErrorOrNil())
	}

	rec.finalize()
	return rec, nil
}

// foldDownloads adds a downloads-report segment. Rows are deduplicated on
// dedupKeyCols across all of the date's downloads segments before their
// counts are categorized by download type.
func foldDownloads(rec *DailyMetricsRecord, date time.Time, payload []byte, seen map[string]struct{}) error {
	return forEachRow(date, payload, func(get func(string) (string, bool)) {
		key := dedupKey(get)
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}

		dt, ok := get(colDownloadType)
		if !ok || dt == "" {
			return
		}
		count := countValue(get)
		dtl := strings.ToLower(dt)
		switch {
		case strings.Contains(dtl, "update"):
			rec.Updates += count
		case strings.Contains(dtl, "first") && strings.Contains(dtl, "time"):
			rec.FirstTimeDownload += count
		case strings.Contains(dtl, "redownload"):
			rec.Redownload += count
		}
	})
}

// foldDeletions adds a deletions-report segment: Counts of rows whose
// Event is Delete.
func foldDeletions(rec *DailyMetricsRecord, date time.Time, payload []byte) error {
	return forEachRow(date, payload, func(get func(string) (string, bool)) {
		if ev, ok := get(colEvent); !ok || ev != eventDelete {
			return
		}
		if v, ok := get(colCounts); ok {
			rec.Deletions += parseCount(v)
		}
	})
}

// foldSessions adds a sessions-report segment. Sessions and Unique
// Devices are read independently; an empty or missing cell counts as
// zero, never drops the row.
func foldSessions(rec *DailyMetricsRecord, date time.Time, payload []byte) error {
	return forEachRow(date, payload, func(get func(string) (string, bool)) {
		s, _ := get(colSessions)
		d, _ := get(colUniqueDevices)
		rec.TotalSessions += parseCount(s)
		rec.TotalActiveDevices += parseCount(d)
	})
}

// forEachRow walks a segment's TSV rows, dropping rows stamped with a
// different (or unparsable) date, and calls fn with a by-column getter
// for each surviving row.
func forEachRow(date time.Time, payload []byte, fn func(get func(string) (string, bool))) error {
	r := csv.NewReader(bytes.NewReader(payload))
	r.Comma = delimiter
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	header, err := r.Read()
	if err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.TrimSpace(name)] = i
	}

	for {
		row, err := r.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			slog.Warn("Skipping malformed row", slog.Any("error", err))
			continue
		}

		get := func(name string) (string, bool) {
			i, ok := col[name]
			if !ok || i >= len(row) {
				return "", false
			}
			return strings.TrimSpace(row[i]), true
		}

		if ds, ok := get(colDate); ok && ds != "" {
			rowDate, err := time.Parse("2006-01-02", ds[:min(len(ds), 10)])
			if err != nil {
				slog.Warn("Skipping row with unparsable date", slog.String("value", ds))
				continue
			}
			if !rowDate.Equal(date) {
				continue
			}
		}

		fn(get)
	}
}

// dedupKey joins the row's identifying columns; missing columns join as
// empty so key shape is stable across header variants.
func dedupKey(get func(string) (string, bool)) string {
	var b strings.Builder
	for _, name := range dedupKeyCols {
		v, _ := get(name)
		b.WriteString(v)
		b.WriteByte(0x1f)
	}
	return b.String()
}

// countValue prefers the Counts column and falls back to Unique Devices,
// matching the downloads report's older segment layout.
func countValue(get func(string) (string, bool)) int64 {
	if v, ok := get(colCounts); ok && v != "" {
		return parseCount(v)
	}
	if v, ok := get(colUniqueDevices); ok {
		return parseCount(v)
	}
	return 0
}

// parseCount reads a count cell tolerantly: thousands separators are
// stripped and junk parses to 0.
func parseCount(s string) int64 {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	if s == "" {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
