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

// Package runner drives one extraction: resolve the report set,
// enumerate each report's instances in the window, fetch and aggregate
// each date across reports, and emit records and state. Date-level
// failures skip the date; everything else aborts the run.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/datamundo-lasha/test-unistream-meltano/internal/ascclient"
	"github.com/datamundo-lasha/test-unistream-meltano/internal/cursor"
	"github.com/datamundo-lasha/test-unistream-meltano/internal/metriccrunch"
	"github.com/datamundo-lasha/test-unistream-meltano/internal/reports"
)

// StreamName is the Singer stream all records belong to.
const StreamName = "app_analytics"

// Sink receives the run's output messages. *singer.Emitter satisfies it.
type Sink interface {
	WriteSchema(stream string, schema any, keyProperties []string) error
	WriteRecord(stream string, record any) error
	WriteState(value any) error
}

// recordSchema describes the emitted record shape.
var recordSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"date":                    map[string]any{"type": "string", "format": "date"},
		"first_time_download":     map[string]any{"type": "integer"},
		"redownload":              map[string]any{"type": "integer"},
		"updates":                 map[string]any{"type": "integer"},
		"deletions":               map[string]any{"type": "integer"},
		"total_sessions":          map[string]any{"type": "integer"},
		"total_active_devices":    map[string]any{"type": "integer"},
		"avg_sessions_per_device": map[string]any{"type": "number"},
		"user_loss_rate_percent":  map[string]any{"type": "number"},
	},
}

// sourceInstance pairs a report instance with the segment kind its
// payloads carry.
type sourceInstance struct {
	inst reports.ReportInstance
	kind metriccrunch.SegmentKind
}

// dateWork is everything to fetch for one date: at most one instance per
// resolved report.
type dateWork struct {
	date    time.Time
	sources []sourceInstance
}

// Runner owns the per-run pipeline stages. Build one per invocation.
type Runner struct {
	catalog    *reports.Catalog
	enumerator *reports.Enumerator
	fetcher    *reports.Fetcher
	sink       Sink

	appID     string
	startDate time.Time
	endDate   time.Time
	now       func() time.Time
}

func New(client *ascclient.Client, sink Sink, appID string, startDate, endDate time.Time) *Runner {
	return &Runner{
		catalog:    reports.NewCatalog(client),
		enumerator: reports.NewEnumerator(client),
		fetcher:    reports.NewFetcher(client),
		sink:       sink,
		appID:      appID,
		startDate:  startDate,
		endDate:    endDate,
		now:        time.Now,
	}
}

// Run performs one incremental extraction and returns the advanced
// cursor. The returned cursor is valid even when err is non-nil: dates
// already emitted stay completed.
func (r *Runner) Run(ctx context.Context, prior cursor.SyncCursor) (cursor.SyncCursor, error) {
	tracker := cursor.NewTracker(prior)

	if err := r.sink.WriteSchema(StreamName, recordSchema, []string{"date"}); err != nil {
		return tracker.Cursor(), err
	}

	window := cursor.NextWindow(r.startDate, r.endDate, prior, r.now())
	if window.Empty() {
		slog.Info("Nothing to extract, cursor is caught up",
			slog.String("cursor", prior.LastCompletedDate.Format("2006-01-02")))
		return tracker.Cursor(), r.sink.WriteState(tracker.Cursor())
	}
	slog.Info("Extraction window",
		slog.String("start", window.Start.Format("2006-01-02")),
		slog.String("end", window.End.Format("2006-01-02")))

	if err := ctx.Err(); err != nil {
		return tracker.Cursor(), err
	}
	set, err := r.catalog.Resolve(ctx, r.appID)
	if err != nil {
		return tracker.Cursor(), fmt.Errorf("resolve reports: %w", err)
	}
	slog.Info("Resolved reports",
		slog.String("downloads", set.Downloads.ID),
		slog.String("deletions", set.Deletions.ID),
		slog.String("sessions", set.Sessions.ID))

	work, err := r.collectInstances(ctx, set, window)
	if err != nil {
		return tracker.Cursor(), err
	}
	slog.Info("Dates in window", slog.Int("count", len(work)))

	for _, w := range work {
		if err := ctx.Err(); err != nil {
			return tracker.Cursor(), err
		}
		if err := r.processDate(ctx, w, tracker); err != nil {
			return tracker.Cursor(), err
		}
	}

	return tracker.Cursor(), r.sink.WriteState(tracker.Cursor())
}

// collectInstances drains each report's enumeration and groups instances
// by date, ascending. When a report's listing repeats a date the first
// instance wins.
func (r *Runner) collectInstances(ctx context.Context, set reports.ReportSet, w cursor.Window) ([]dateWork, error) {
	type reportSource struct {
		desc reports.ReportDescriptor
		kind metriccrunch.SegmentKind
	}
	sources := []reportSource{
		{set.Downloads, metriccrunch.KindDownloads},
		{set.Deletions, metriccrunch.KindDeletions},
	}
	if set.HasSessions() {
		sources = append(sources, reportSource{set.Sessions, metriccrunch.KindSessions})
	}

	byDate := make(map[string]*dateWork)
	for _, src := range sources {
		it := r.enumerator.Instances(src.desc, w.Start, w.End)
		seen := make(map[string]bool)
		for {
			inst, err := it.Next(ctx)
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("enumerate instances: %w", err)
			}
			key := inst.ProcessingDate.Format("2006-01-02")
			if seen[key] {
				slog.Warn("Duplicate instance for date, keeping first",
					slog.String("date", key),
					slog.String("reportID", inst.ReportID),
					slog.String("instanceID", inst.InstanceID))
				continue
			}
			seen[key] = true
			dw, ok := byDate[key]
			if !ok {
				dw = &dateWork{date: inst.ProcessingDate}
				byDate[key] = dw
			}
			dw.sources = append(dw.sources, sourceInstance{inst: inst, kind: src.kind})
		}
	}

	out := make([]dateWork, 0, len(byDate))
	for _, dw := range byDate {
		out = append(out, *dw)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].date.Before(out[j].date)
	})
	return out, nil
}

// processDate fetches every report's segments for a single date, merges
// them, and emits the record. Date-level conditions are logged and
// swallowed; only sink failures and context cancellation propagate. A
// not-ready instance skips the whole date so a partial record is never
// emitted.
func (r *Runner) processDate(ctx context.Context, w dateWork, tracker *cursor.Tracker) error {
	dateStr := w.date.Format("2006-01-02")

	var segments []metriccrunch.Segment
	for _, src := range w.sources {
		payloads, err := r.fetcher.FetchSegments(ctx, src.inst)
		switch {
		case errors.Is(err, reports.ErrInstanceNotReady):
			slog.Warn("Instance not ready, skipping date",
				slog.String("date", dateStr),
				slog.String("kind", src.kind.String()))
			return nil
		case errors.Is(err, reports.ErrNoData):
			continue
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return err
		case err != nil:
			slog.Warn("Segment fetch failed, skipping date",
				slog.String("date", dateStr),
				slog.String("kind", src.kind.String()),
				slog.Any("error", err))
			return nil
		}
		for _, p := range payloads {
			segments = append(segments, metriccrunch.Segment{Kind: src.kind, Data: p})
		}
	}
	if len(segments) == 0 {
		slog.Info("No data for date, skipping", slog.String("date", dateStr))
		return nil
	}

	rec, err := metriccrunch.Aggregate(w.date, segments)
	if err != nil {
		slog.Warn("Aggregation failed, skipping date",
			slog.String("date", dateStr), slog.Any("error", err))
		return nil
	}

	if err := r.sink.WriteRecord(StreamName, rec); err != nil {
		return err
	}
	tracker.Advance(w.date)
	if err := r.sink.WriteState(tracker.Cursor()); err != nil {
		return err
	}
	slog.Info("Date extracted", slog.String("date", dateStr))
	return nil
}
