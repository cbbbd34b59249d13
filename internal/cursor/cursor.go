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

// Package cursor tracks incremental extraction progress as a single
// last-completed date, and derives the date window a run should cover.
package cursor

import (
	"encoding/json"
	"fmt"
	"time"
)

const dayFormat = "2006-01-02"

// Lookback bounds a cold start: with no prior cursor and no configured
// start date, a run reaches this many days into the past.
const Lookback = 30 * 24 * time.Hour

// SyncCursor is the persisted progress marker. A zero LastCompletedDate
// means no run has completed a date yet.
type SyncCursor struct {
	LastCompletedDate time.Time
}

type cursorJSON struct {
	LastCompletedDate string `json:"last_completed_date"`
}

func (c SyncCursor) MarshalJSON() ([]byte, error) {
	var s string
	if !c.LastCompletedDate.IsZero() {
		s = c.LastCompletedDate.Format(dayFormat)
	}
	return json.Marshal(cursorJSON{LastCompletedDate: s})
}

func (c *SyncCursor) UnmarshalJSON(b []byte) error {
	var raw cursorJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if raw.LastCompletedDate == "" {
		c.LastCompletedDate = time.Time{}
		return nil
	}
	d, err := time.Parse(dayFormat, raw.LastCompletedDate)
	if err != nil {
		return fmt.Errorf("last_completed_date %q: %w", raw.LastCompletedDate, err)
	}
	c.LastCompletedDate = d.UTC()
	return nil
}

// Window is the inclusive date range a run covers. Empty reports whether
// there is nothing to do.
type Window struct {
	Start time.Time
	End   time.Time
}

func (w Window) Empty() bool {
	return w.Start.After(w.End)
}

// NextWindow derives the window for a run. configuredStart and
// configuredEnd may be zero. A prior cursor resumes at the day after it;
// otherwise the window opens at configuredStart or, failing that, the
// lookback bound. The window closes at configuredEnd or yesterday,
// whichever is configured, since today's report is never final.
func NextWindow(configuredStart, configuredEnd time.Time, prior SyncCursor, now time.Time) Window {
	now = now.UTC().Truncate(24 * time.Hour)

	start := configuredStart
	if start.IsZero() {
		start = now.Add(-Lookback)
	}
	if !prior.LastCompletedDate.IsZero() {
		if resumed := prior.LastCompletedDate.AddDate(0, 0, 1); resumed.After(start) {
			start = resumed
		}
	}

	end := configuredEnd
	if end.IsZero() {
		end = now.AddDate(0, 0, -1)
	}

	return Window{Start: start, End: end}
}

// Tracker accumulates completed dates during a run. Advance is
// monotonic: out-of-order completions never move the cursor backward.
type Tracker struct {
	cur SyncCursor
}

func NewTracker(prior SyncCursor) *Tracker {
	return &Tracker{cur: prior}
}

// Advance records date as completed if it is beyond the current cursor.
func (t *Tracker) Advance(date time.Time) {
	if date.After(t.cur.LastCompletedDate) {
		t.cur.LastCompletedDate = date
	}
}

// Cursor returns the progress marker to persist.
func (t *Tracker) Cursor() SyncCursor {
	return t.cur
}
