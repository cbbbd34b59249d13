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

package metriccrunch

import (
	"encoding/json"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testDate = time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)

const downloadsSegment = "Date\tApp Name\tDownload Type\tCounts\tUnique Devices\n" +
	"2024-01-15\tMyApp\tFirst-time download\t5\t4\n" +
	"2024-01-15\tMyApp\tRedownload\t2\t2\n" +
	"2024-01-15\tMyApp\tAuto-update\t10\t9\n" +
	"2024-01-15\tMyApp\tManual update\t3\t3\n"

const deletionsSegment = "Date\tEvent\tCounts\n" +
	"2024-01-15\tDelete\t4\n" +
	"2024-01-15\tInstall\t7\n" +
	"2024-01-15\tDelete\t1\n"

const sessionsSegment = "Date\tSessions\tUnique Devices\n" +
	"2024-01-15\t120\t30\n" +
	"2024-01-15\t80\t20\n"

func downloads(tsv string) Segment { return Segment{Kind: KindDownloads, Data: []byte(tsv)} }
func deletions(tsv string) Segment { return Segment{Kind: KindDeletions, Data: []byte(tsv)} }
func sessions(tsv string) Segment  { return Segment{Kind: KindSessions, Data: []byte(tsv)} }

func TestAggregateMergesSegments(t *testing.T) {
	rec, err := Aggregate(testDate, []Segment{
		downloads(downloadsSegment),
		deletions(deletionsSegment),
		sessions(sessionsSegment),
	})
	require.NoError(t, err)

	assert.Equal(t, int64(5), rec.FirstTimeDownload)
	assert.Equal(t, int64(2), rec.Redownload)
	assert.Equal(t, int64(13), rec.Updates)
	assert.Equal(t, int64(5), rec.Deletions)
	assert.Equal(t, int64(200), rec.TotalSessions)
	assert.Equal(t, int64(50), rec.TotalActiveDevices)
	assert.Equal(t, 4.0, rec.AvgSessionsPerDevice)
	assert.Equal(t, 100.0, rec.UserLossRatePercent)
}

func TestAggregateDeduplicatesDownloadRows(t *testing.T) {
	// Overlapping downloads instances repeat the same rows; identical rows
	// count once, a row differing in any key column counts on its own.
	dupe := "Date\tApp Name\tDownload Type\tCounts\n" +
		"2024-01-15\tMyApp\tFirst-time download\t5\n"
	distinct := "Date\tApp Name\tDownload Type\tCounts\n" +
		"2024-01-15\tMyApp\tFirst-time download\t5\n" +
		"2024-01-15\tOtherApp\tFirst-time download\t5\n"

	rec, err := Aggregate(testDate, []Segment{downloads(dupe), downloads(dupe)})
	require.NoError(t, err)
	assert.Equal(t, int64(5), rec.FirstTimeDownload)

	rec, err = Aggregate(testDate, []Segment{downloads(distinct)})
	require.NoError(t, err)
	assert.Equal(t, int64(10), rec.FirstTimeDownload)
}

func TestAggregateOrderIndependent(t *testing.T) {
	segments := []Segment{
		downloads(downloadsSegment),
		deletions(deletionsSegment),
		sessions(sessionsSegment),
	}

	want, err := Aggregate(testDate, segments)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(42))
	for range 10 {
		shuffled := make([]Segment, len(segments))
		copy(shuffled, segments)
		rng.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})
		got, err := Aggregate(testDate, shuffled)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestAggregateSessionsCellsReadIndependently(t *testing.T) {
	// A row with an empty Sessions cell still contributes its device
	// count, and vice versa.
	segment := "Date\tSessions\tUnique Devices\n" +
		"2024-01-15\t\t30\n" +
		"2024-01-15\t40\t\n"

	rec, err := Aggregate(testDate, []Segment{sessions(segment)})
	require.NoError(t, err)
	assert.Equal(t, int64(40), rec.TotalSessions)
	assert.Equal(t, int64(30), rec.TotalActiveDevices)
}

func TestAggregateKindsDoNotCrossTalk(t *testing.T) {
	// Delete events inside a downloads segment are not deletions, and a
	// downloads row's Unique Devices never feeds the device totals.
	segment := "Date\tEvent\tDownload Type\tCounts\tUnique Devices\n" +
		"2024-01-15\tDelete\t\t9\t9\n" +
		"2024-01-15\t\tFirst-time download\t5\t4\n"

	rec, err := Aggregate(testDate, []Segment{downloads(segment)})
	require.NoError(t, err)
	assert.Equal(t, int64(5), rec.FirstTimeDownload)
	assert.Equal(t, int64(0), rec.Deletions)
	assert.Equal(t, int64(0), rec.TotalActiveDevices)
}

func TestAggregateZeroDenominators(t *testing.T) {
	segment := "Date\tApp Name\tDownload Type\tCounts\n" +
		"2024-01-15\tA\tFirst-time download\t5\n" +
		"2024-01-15\tB\tFirst-time download\t3\n"
	empty := "Date\tSessions\tUnique Devices\n" +
		"2024-01-15\t0\t0\n"

	rec, err := Aggregate(testDate, []Segment{downloads(segment), sessions(empty)})
	require.NoError(t, err)

	assert.Equal(t, int64(8), rec.FirstTimeDownload)
	assert.Equal(t, int64(0), rec.TotalActiveDevices)
	assert.Equal(t, 0.0, rec.AvgSessionsPerDevice)
	assert.Equal(t, 0.0, rec.UserLossRatePercent)
	assert.False(t, math.IsNaN(rec.AvgSessionsPerDevice))
	assert.False(t, math.IsInf(rec.AvgSessionsPerDevice, 0))
}

func TestAggregateNoFirstTimeDownloads(t *testing.T) {
	rec, err := Aggregate(testDate, []Segment{deletions(deletionsSegment)})
	require.NoError(t, err)
	assert.Equal(t, int64(5), rec.Deletions)
	assert.Equal(t, 0.0, rec.UserLossRatePercent, "loss rate must be 0 when no first-time downloads")
}

func TestAggregateSkipsForeignAndMalformedDates(t *testing.T) {
	segment := "Date\tApp Name\tDownload Type\tCounts\n" +
		"2024-01-14\tA\tFirst-time download\t100\n" +
		"garbage\tA\tFirst-time download\t100\n" +
		"2024-01-15\tA\tFirst-time download\t7\n" +
		"2024-01-15T00:00:00Z\tB\tFirst-time download\t2\n"

	rec, err := Aggregate(testDate, []Segment{downloads(segment)})
	require.NoError(t, err)
	// The ISO-stamped row still belongs to the date: only its first 10
	// characters are significant.
	assert.Equal(t, int64(9), rec.FirstTimeDownload)
}

func TestAggregateTolerantCounts(t *testing.T) {
	segment := "Date\tApp Name\tDownload Type\tCounts\tUnique Devices\n" +
		"2024-01-15\tA\tFirst-time download\t1,234\t\n" +
		"2024-01-15\tB\tFirst-time download\tnot-a-number\t\n" +
		"2024-01-15\tC\tRedownload\t\t11\n"

	rec, err := Aggregate(testDate, []Segment{downloads(segment)})
	require.NoError(t, err)
	assert.Equal(t, int64(1234), rec.FirstTimeDownload)
	assert.Equal(t, int64(11), rec.Redownload, "empty Counts falls back to Unique Devices")
}

func TestAggregateAllSegmentsUnparsable(t *testing.T) {
	_, err := Aggregate(testDate, []Segment{downloads(""), sessions("")})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnparsable)
}

func TestAggregatePartialParseSucceeds(t *testing.T) {
	rec, err := Aggregate(testDate, []Segment{downloads(""), sessions(sessionsSegment)})
	require.NoError(t, err)
	assert.Equal(t, int64(200), rec.TotalSessions)
}

func TestRecordJSONShape(t *testing.T) {
	rec, err := Aggregate(testDate, []Segment{
		downloads(downloadsSegment),
		sessions(sessionsSegment),
	})
	require.NoError(t, err)

	b, err := json.Marshal(rec)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	assert.Equal(t, "2024-01-15", m["date"])
	assert.Equal(t, float64(5), m["first_time_download"])
	assert.Equal(t, float64(50), m["total_active_devices"])
	assert.Contains(t, m, "avg_sessions_per_device")
	assert.Contains(t, m, "user_loss_rate_percent")
}
