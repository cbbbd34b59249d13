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

package reports

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/datamundo-lasha/test-unistream-meltano/internal/ascclient"
)

// ErrEnumeration means instance listing failed after the retry budget was
// spent. Fatal for the run.
var ErrEnumeration = errors.New("instance enumeration")

// ReportInstance is one server-side unit of data: one report, one
// processing date. Produced by enumeration, consumed exactly once by the
// fetch stage.
type ReportInstance struct {
	ReportID       string
	InstanceID     string
	ProcessingDate time.Time
	Granularity    string
}

type instanceResource struct {
	ID         string `json:"id"`
	Attributes struct {
		Granularity    string `json:"granularity"`
		ProcessingDate string `json:"processingDate"`
	} `json:"attributes"`
}

// Enumerator lists report instances within a date window.
type Enumerator struct {
	client *ascclient.Client
}

func NewEnumerator(client *ascclient.Client) *Enumerator {
	return &Enumerator{client: client}
}

// Instances returns a lazy iterator over the report's instances whose
// processing date falls in [start, end]. Pages are fetched on demand, so
// the caller can stop between pages; calling Instances again restarts the
// listing (narrower windows included).
func (e *Enumerator) Instances(desc ReportDescriptor, start, end time.Time) *InstanceIter {
	return &InstanceIter{
		pager:    e.client.NewPager(fmt.Sprintf("/analyticsReports/%s/instances", desc.ID), nil),
		reportID: desc.ID,
		start:    start,
		end:      end,
	}
}

// InstanceIter yields in-window instances one at a time. Next returns
// io.EOF when the listing is exhausted.
type InstanceIter struct {
	pager    *ascclient.Pager
	reportID string
	start    time.Time
	end      time.Time

	buf []json.RawMessage
}

func (it *InstanceIter) Next(ctx context.Context) (ReportInstance, error) {
	for {
		for len(it.buf) > 0 {
			raw := it.buf[0]
			it.buf = it.buf[1:]

			var res instanceResource
			if err := json.Unmarshal(raw, &res); err != nil {
				slog.Warn("Skipping undecodable report instance", slog.Any("error", err))
				continue
			}
			if res.Attributes.ProcessingDate == "" {
				slog.Warn("Skipping report instance with no processing date",
					slog.String("instanceID", res.ID))
				continue
			}
			date, err := time.Parse("2006-01-02", res.Attributes.ProcessingDate)
			if err != nil {
				slog.Warn("Skipping report instance with unparsable processing date",
					slog.String("instanceID", res.ID),
					slog.String("processingDate", res.Attributes.ProcessingDate))
				continue
			}
			if date.Before(it.start) || date.After(it.end) {
				continue
			}
			return ReportInstance{
				ReportID:       it.reportID,
				InstanceID:     res.ID,
				ProcessingDate: date,
				Granularity:    res.Attributes.Granularity,
			}, nil
		}

		data, err := it.pager.Next(ctx)
		if err == io.EOF {
			return ReportInstance{}, io.EOF
		}
		if err != nil {
			return ReportInstance{}, fmt.Errorf("%w: %v", ErrEnumeration, err)
		}
		it.buf = data
	}
}
