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
	"time"
)

// DailyMetricsRecord is one day's merged analytics metrics. Primary key is
// Date; the record is immutable once emitted.
type DailyMetricsRecord struct {
	Date               time.Time
	FirstTimeDownload  int64
	Redownload         int64
	Updates            int64
	Deletions          int64
	TotalSessions      int64
	TotalActiveDevices int64

	// Derived after summation; always finite, 0 on a zero denominator.
	AvgSessionsPerDevice float64
	UserLossRatePercent  float64
}

// MarshalJSON serializes the record in the shape the host pipeline
// declares: date as "YYYY-MM-DD", counters as integers, derived metrics
// as numbers.
func (r DailyMetricsRecord) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{
		"date":                    r.Date.Format("2006-01-02"),
		"first_time_download":     r.FirstTimeDownload,
		"redownload":              r.Redownload,
		"updates":                 r.Updates,
		"deletions":               r.Deletions,
		"total_sessions":          r.TotalSessions,
		"total_active_devices":    r.TotalActiveDevices,
		"avg_sessions_per_device": r.AvgSessionsPerDevice,
		"user_loss_rate_percent":  r.UserLossRatePercent,
	})
}

// finalize computes the derived metrics. Division by zero never happens:
// a zero denominator yields a defined zero value.
func (r *DailyMetricsRecord) finalize() {
	if r.TotalActiveDevices > 0 {
		r.AvgSessionsPerDevice = round2(float64(r.TotalSessions) / float64(r.TotalActiveDevices))
	}
	if r.FirstTimeDownload > 0 {
		r.UserLossRatePercent = round2(float64(r.Deletions) / float64(r.FirstTimeDownload) * 100)
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
