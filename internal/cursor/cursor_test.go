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

package cursor

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestCursorJSONRoundTrip(t *testing.T) {
	c := SyncCursor{LastCompletedDate: day(2024, 1, 3)}
	b, err := json.Marshal(c)
	require.NoError(t, err)
	assert.JSONEq(t, `{"last_completed_date":"2024-01-03"}`, string(b))

	var got SyncCursor
	require.NoError(t, json.Unmarshal(b, &got))
	assert.True(t, got.LastCompletedDate.Equal(c.LastCompletedDate))
}

func TestCursorJSONZero(t *testing.T) {
	b, err := json.Marshal(SyncCursor{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"last_completed_date":""}`, string(b))

	var got SyncCursor
	require.NoError(t, json.Unmarshal(b, &got))
	assert.True(t, got.LastCompletedDate.IsZero())
}

func TestCursorJSONBadDate(t *testing.T) {
	var got SyncCursor
	err := json.Unmarshal([]byte(`{"last_completed_date":"not-a-date"}`), &got)
	require.Error(t, err)
}

func TestNextWindow(t *testing.T) {
	now := time.Date(2024, 2, 10, 13, 45, 0, 0, time.UTC)

	tests := []struct {
		name       string
		start, end time.Time
		prior      SyncCursor
		wantStart  time.Time
		wantEnd    time.Time
		wantEmpty  bool
	}{
		{
			name:      "cold start defaults to lookback through yesterday",
			wantStart: day(2024, 1, 11),
			wantEnd:   day(2024, 2, 9),
		},
		{
			name:      "configured start wins over lookback",
			start:     day(2024, 2, 1),
			wantStart: day(2024, 2, 1),
			wantEnd:   day(2024, 2, 9),
		},
		{
			name:      "prior cursor resumes the day after",
			start:     day(2024, 1, 1),
			prior:     SyncCursor{LastCompletedDate: day(2024, 2, 5)},
			wantStart: day(2024, 2, 6),
			wantEnd:   day(2024, 2, 9),
		},
		{
			name:      "cursor behind configured start does not rewind it",
			start:     day(2024, 2, 8),
			prior:     SyncCursor{LastCompletedDate: day(2024, 1, 20)},
			wantStart: day(2024, 2, 8),
			wantEnd:   day(2024, 2, 9),
		},
		{
			name:      "configured end caps the window",
			start:     day(2024, 1, 1),
			end:       day(2024, 1, 31),
			wantStart: day(2024, 1, 1),
			wantEnd:   day(2024, 1, 31),
		},
		{
			name:      "caught up cursor yields empty window",
			prior:     SyncCursor{LastCompletedDate: day(2024, 2, 9)},
			wantStart: day(2024, 2, 10),
			wantEnd:   day(2024, 2, 9),
			wantEmpty: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := NextWindow(tt.start, tt.end, tt.prior, now)
			assert.True(t, w.Start.Equal(tt.wantStart), "start: got %v want %v", w.Start, tt.wantStart)
			assert.True(t, w.End.Equal(tt.wantEnd), "end: got %v want %v", w.End, tt.wantEnd)
			assert.Equal(t, tt.wantEmpty, w.Empty())
		})
	}
}

func TestTrackerMonotonic(t *testing.T) {
	tr := NewTracker(SyncCursor{LastCompletedDate: day(2024, 1, 5)})

	tr.Advance(day(2024, 1, 3)) // behind, ignored
	assert.True(t, tr.Cursor().LastCompletedDate.Equal(day(2024, 1, 5)))

	tr.Advance(day(2024, 1, 7))
	tr.Advance(day(2024, 1, 6)) // out of order, ignored
	assert.True(t, tr.Cursor().LastCompletedDate.Equal(day(2024, 1, 7)))
}

func TestTrackerColdStart(t *testing.T) {
	tr := NewTracker(SyncCursor{})
	assert.True(t, tr.Cursor().LastCompletedDate.IsZero())
	tr.Advance(day(2024, 1, 1))
	assert.True(t, tr.Cursor().LastCompletedDate.Equal(day(2024, 1, 1)))
}
