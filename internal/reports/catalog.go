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

// Package reports navigates the App Store Connect analytics hierarchy:
// report request -> report definitions -> per-day instances -> segments.
package reports

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/datamundo-lasha/test-unistream-meltano/internal/ascclient"
)

// ErrCatalog means a required report definition does not exist for this
// app. Fatal: nothing can be enumerated without it.
var ErrCatalog = errors.New("report catalog")

const (
	// The metric set spans three report definitions: downloads by exact
	// name, deletions by name preference within the usage category, and
	// sessions by exact name within the usage category. Sessions is
	// optional; the other two are required.
	DownloadsReportName = "App Downloads Standard"
	SessionsReportName  = "App Sessions Standard"
	UsageReportCategory = "APP_USAGE"

	accessTypeOngoing = "ONGOING"
	pageLimit         = "200"
)

// deletionsPreference orders the name keywords accepted for the
// deletions report, best first.
var deletionsPreference = []string{"Installation and Deletion", "Install", "Deletion"}

// ReportDescriptor identifies a report definition. Resolved once per run,
// read-only afterward.
type ReportDescriptor struct {
	ID       string
	Name     string
	Category string
}

// ReportSet holds the resolved definitions for one app. Sessions is the
// zero descriptor when the sessions report is absent.
type ReportSet struct {
	Downloads ReportDescriptor
	Deletions ReportDescriptor
	Sessions  ReportDescriptor
}

// HasSessions reports whether the optional sessions report resolved.
func (s ReportSet) HasSessions() bool {
	return s.Sessions.ID != ""
}

type reportResource struct {
	ID         string `json:"id"`
	Attributes struct {
		Name         string `json:"name"`
		Category     string `json:"category"`
		AccessType   string `json:"accessType"`
		InstanceType string `json:"instanceType"`
	} `json:"attributes"`
}

// Catalog resolves the report definitions for an app.
type Catalog struct {
	client *ascclient.Client
}

func NewCatalog(client *ascclient.Client) *Catalog {
	return &Catalog{client: client}
}

// Resolve finds the report definitions carrying the tap's metrics. Each
// listing is fully drained before selection; a first-match against an
// incomplete listing would be a correctness bug. Returns ErrCatalog when
// the downloads or deletions definition is missing; a missing sessions
// definition only logs a warning.
func (c *Catalog) Resolve(ctx context.Context, appID string) (ReportSet, error) {
	requestID, err := c.ensureRequest(ctx, appID)
	if err != nil {
		return ReportSet{}, err
	}
	slog.Debug("Using analytics report request", slog.String("requestID", requestID))

	all, err := c.listReports(ctx, requestID, "")
	if err != nil {
		return ReportSet{}, err
	}
	usage, err := c.listReports(ctx, requestID, UsageReportCategory)
	if err != nil {
		return ReportSet{}, err
	}

	var set ReportSet
	set.Downloads, err = matchExact(all, DownloadsReportName)
	if err != nil {
		return ReportSet{}, err
	}
	set.Deletions, err = matchPreferred(usage, deletionsPreference)
	if err != nil {
		return ReportSet{}, err
	}
	if sessions, err := matchExact(usage, SessionsReportName); err != nil {
		slog.Warn("Sessions report not found, session metrics will be zero",
			slog.Any("error", err))
	} else {
		set.Sessions = sessions
	}
	return set, nil
}

func (c *Catalog) listReports(ctx context.Context, requestID, category string) ([]ReportDescriptor, error) {
	query := url.Values{"limit": {pageLimit}}
	if category != "" {
		query.Set("filter[category]", category)
	}
	pager := c.client.NewPager(fmt.Sprintf("/analyticsReportRequests/%s/reports", requestID), query)
	raw, err := pager.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list reports: %v", ErrCatalog, err)
	}

	out := make([]ReportDescriptor, 0, len(raw))
	for _, item := range raw {
		var rr reportResource
		if err := json.Unmarshal(item, &rr); err != nil {
			slog.Warn("Skipping undecodable report resource", slog.Any("error", err))
			continue
		}
		out = append(out, ReportDescriptor{
			ID:       rr.ID,
			Name:     rr.Attributes.Name,
			Category: rr.Attributes.Category,
		})
	}
	return out, nil
}

// matchExact selects the report whose name equals want, case-insensitive.
func matchExact(reports []ReportDescriptor, want string) (ReportDescriptor, error) {
	target := strings.ToLower(strings.TrimSpace(want))
	for _, r := range reports {
		if strings.ToLower(strings.TrimSpace(r.Name)) == target {
			return r, nil
		}
	}
	return ReportDescriptor{}, fmt.Errorf("%w: no report named %q", ErrCatalog, want)
}

// matchPreferred selects the report whose name contains the
// earliest-listed keyword; among equal matches the first listed report
// wins.
func matchPreferred(reports []ReportDescriptor, prefer []string) (ReportDescriptor, error) {
	best := ReportDescriptor{}
	bestScore := 0
	for _, r := range reports {
		name := strings.ToLower(r.Name)
		for i, keyword := range prefer {
			if strings.Contains(name, strings.ToLower(keyword)) {
				if score := len(prefer) - i; score > bestScore {
					best, bestScore = r, score
				}
				break
			}
		}
	}
	if bestScore == 0 {
		return ReportDescriptor{}, fmt.Errorf("%w: no report matching any of %q", ErrCatalog, prefer)
	}
	return best, nil
}

// ensureRequest returns the app's ONGOING analytics report request,
// creating it when absent. A 409 on create means another client raced the
// creation, so the listing is read again.
func (c *Catalog) ensureRequest(ctx context.Context, appID string) (string, error) {
	id, err := c.findRequest(ctx, appID)
	if err != nil {
		return "", err
	}
	if id != "" {
		return id, nil
	}

	slog.Info("Creating analytics report request", slog.String("appID", appID))
	body := map[string]any{
		"data": map[string]any{
			"type":       "analyticsReportRequests",
			"attributes": map[string]any{"accessType": accessTypeOngoing},
			"relationships": map[string]any{
				"app": map[string]any{
					"data": map[string]any{"type": "apps", "id": appID},
				},
			},
		},
	}
	var created struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	err = c.client.PostJSON(ctx, "/analyticsReportRequests", body, &created)
	if err == nil {
		return created.Data.ID, nil
	}
	if ascclient.IsStatus(err, http.StatusConflict) {
		id, err := c.findRequest(ctx, appID)
		if err != nil {
			return "", err
		}
		if id != "" {
			return id, nil
		}
	}
	return "", fmt.Errorf("%w: create report request: %v", ErrCatalog, err)
}

func (c *Catalog) findRequest(ctx context.Context, appID string) (string, error) {
	pager := c.client.NewPager(
		fmt.Sprintf("/apps/%s/analyticsReportRequests", appID),
		url.Values{"limit": {pageLimit}},
	)
	raw, err := pager.All(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: list report requests: %v", ErrCatalog, err)
	}
	for _, item := range raw {
		var rr reportResource
		if err := json.Unmarshal(item, &rr); err != nil {
			slog.Warn("Skipping undecodable report request resource", slog.Any("error", err))
			continue
		}
		if rr.Attributes.AccessType == accessTypeOngoing {
			return rr.ID, nil
		}
	}
	return "", nil
}
