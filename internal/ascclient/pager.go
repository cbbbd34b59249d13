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

package ascclient

import (
	"context"
	"encoding/json"
	"io"
	"net/url"
)

// page is the collection envelope every listing endpoint returns.
type page struct {
	Data  []json.RawMessage `json:"data"`
	Links struct {
		Next string `json:"next"`
	} `json:"links"`
}

// Pager walks a paginated listing one page at a time, fetching pages on
// demand so a caller can stop (or be cancelled) between pages.
type Pager struct {
	c    *Client
	next string
	done bool
}

// NewPager starts a pager at baseURL+path with the given query.
func (c *Client) NewPager(path string, query url.Values) *Pager {
	return &Pager{c: c, next: c.buildURL(path, query)}
}

// Next returns the next page's resources, or io.EOF when the listing is
// exhausted.
func (p *Pager) Next(ctx context.Context) ([]json.RawMessage, error) {
	if p.done || p.next == "" {
		return nil, io.EOF
	}
	var pg page
	if err := p.c.GetJSONURL(ctx, p.next, &pg); err != nil {
		return nil, err
	}
	p.next = pg.Links.Next
	if p.next == "" {
		p.done = true
	}
	return pg.Data, nil
}

// All drains the remaining pages into one slice.
func (p *Pager) All(ctx context.Context) ([]json.RawMessage, error) {
	var all []json.RawMessage
	for {
		data, err := p.Next(ctx)
		if err == io.EOF {
			return all, nil
		}
		if err != nil {
			return nil, err
		}
		all = append(all, data...)
	}
}
