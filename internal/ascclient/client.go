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

// Package ascclient is the HTTP layer for the App Store Connect API:
// authorized JSON requests with bounded retry, plus segment downloads.
// Transient failures (timeouts, 429, 5xx) are retried with jittered
// exponential backoff; a 429 honors the server's Retry-After hint.
package ascclient

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	defaultMaxAttempts     = 5
	defaultInitialInterval = 500 * time.Millisecond
	maxResponseBytes       = 512 * 1024 * 1024 // 512 MB
)

// TokenProvider supplies a fresh-enough bearer token for each request.
type TokenProvider interface {
	Token() (string, error)
}

// StatusError is a non-2xx API response after any retries.
type StatusError struct {
	Status int
	URL    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d", e.URL, e.Status)
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Status == code
}

// Client issues authorized requests against one API base URL.
type Client struct {
	baseURL string
	hc      *http.Client
	tokens  TokenProvider

	maxAttempts     uint
	initialInterval time.Duration
}

// Option adjusts client behavior, mainly the retry policy.
type Option func(*Client)

// WithMaxAttempts bounds the total tries per request (first try included).
func WithMaxAttempts(n uint) Option {
	return func(c *Client) { c.maxAttempts = n }
}

// WithRetryInterval sets the base delay before the first retry.
func WithRetryInterval(d time.Duration) Option {
	return func(c *Client) { c.initialInterval = d }
}

func New(baseURL string, timeout time.Duration, tokens TokenProvider, opts ...Option) *Client {
	c := &Client{
		baseURL:         strings.TrimRight(baseURL, "/"),
		hc:              &http.Client{Timeout: timeout},
		tokens:          tokens,
		maxAttempts:     defaultMaxAttempts,
		initialInterval: defaultInitialInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetJSON fetches baseURL+path with the given query and decodes the JSON
// response into out.
func (c *Client) GetJSON(ctx context.Context, path string, query url.Values, out any) error {
	return c.GetJSONURL(ctx, c.buildURL(path, query), out)
}

// GetJSONURL is GetJSON for an absolute URL, as found in pagination links.
func (c *Client) GetJSONURL(ctx context.Context, fullURL string, out any) error {
	body, err := c.do(ctx, http.MethodGet, fullURL, nil, true)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response from %s: %w", fullURL, err)
	}
	return nil
}

// PostJSON sends body as JSON to baseURL+path and decodes the response.
func (c *Client) PostJSON(ctx context.Context, path string, reqBody, out any) error {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("encode request body: %w", err)
	}
	fullURL := c.buildURL(path, nil)
	body, err := c.do(ctx, http.MethodPost, fullURL, payload, true)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response from %s: %w", fullURL, err)
	}
	return nil
}

// Download fetches an absolute URL without authorization (segment URLs are
// pre-signed) and gunzips the body in memory.
func (c *Client) Download(ctx context.Context, fullURL string) ([]byte, error) {
	raw, err := c.do(ctx, http.MethodGet, fullURL, nil, false)
	if err != nil {
		return nil, err
	}
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("gunzip %s: %w", fullURL, err)
	}
	defer func() { _ = zr.Close() }()
	data, err := io.ReadAll(io.LimitReader(zr, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("gunzip %s: %w", fullURL, err)
	}
	return data, nil
}

func (c *Client) buildURL(path string, query url.Values) string {
	u := c.baseURL + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// do performs one HTTP request with the shared retry policy and returns
// the response body.
func (c *Client) do(ctx context.Context, method, fullURL string, reqBody []byte, authorized bool) ([]byte, error) {
	operation := func() ([]byte, error) {
		var bodyReader io.Reader
		if reqBody != nil {
			bodyReader = bytes.NewReader(reqBody)
		}
		req, err := http.NewRequestWithContext(ctx, method, fullURL, bodyReader)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		if reqBody != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if authorized {
			token, err := c.tokens.Token()
			if err != nil {
				return nil, backoff.Permanent(err)
			}
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := c.hc.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(ctx.Err())
			}
			return nil, err
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
			if err != nil {
				return nil, err
			}
			return data, nil
		}

		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		serr := &StatusError{Status: resp.StatusCode, URL: fullURL}
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			if d := retryAfter(resp); d > 0 {
				return nil, &backoff.RetryAfterError{Duration: d}
			}
			return nil, serr
		case resp.StatusCode >= 500:
			return nil, serr
		default:
			return nil, backoff.Permanent(serr)
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.initialInterval
	bo.Multiplier = 2

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(c.maxAttempts),
	)
}

func retryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		return time.Until(at)
	}
	return 0
}
