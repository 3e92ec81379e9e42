// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/staysafer/evacsync/internal/evac"
	"github.com/staysafer/evacsync/pkg/logging"
)

// DefaultTimeout is the default timeout for backend requests.
const DefaultTimeout = 15 * time.Second

// TokenSource supplies the current session token for each request.
// It is a function so role changes and token refreshes propagate without
// rebuilding the client.
type TokenSource func() string

// Client talks to the authoritative evacuation backend.
//
// # Thread Safety
//
// Client is safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      TokenSource
	logger     *logging.Logger

	// onAuthExpired, when set, is invoked once per request that fails
	// with ErrAuthExpired. The session owner registers the teardown here.
	onAuthExpired func()
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client (tests, proxies).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithAuthExpiredHook registers a callback invoked when the backend
// reports token expiry.
func WithAuthExpiredHook(fn func()) Option {
	return func(c *Client) { c.onAuthExpired = fn }
}

// NewClient creates a backend client.
//
// # Inputs
//
//   - baseURL: backend base URL (e.g. "https://api.staysafer.app").
//   - token: supplies the bearer token per request.
//   - logger: structured logger; must not be nil.
func NewClient(baseURL string, token TokenSource, logger *logging.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		token:      token,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchRoster returns the full company roster keyed by member id.
func (c *Client) FetchRoster(ctx context.Context, companyID string) (map[string]evac.Member, error) {
	var out map[string]evac.Member
	err := c.get(ctx, fmt.Sprintf("/v1/companies/%s/roster", companyID), &out)
	return out, err
}

// FetchLists returns every evacuation list of the company keyed by list id.
func (c *Client) FetchLists(ctx context.Context, companyID string) (map[string]evac.EvacList, error) {
	var out map[string]evac.EvacList
	err := c.get(ctx, fmt.Sprintf("/v1/companies/%s/lists", companyID), &out)
	return out, err
}

// FetchPoints returns the company's evacuation points keyed by point id.
func (c *Client) FetchPoints(ctx context.Context, companyID string) (map[string]evac.EvacPoint, error) {
	var out map[string]evac.EvacPoint
	err := c.get(ctx, fmt.Sprintf("/v1/companies/%s/points", companyID), &out)
	return out, err
}

// FetchEvacuation returns the company's active evacuation. A backend 404
// maps to the idle zero value, not an error: "no active evacuation" is a
// normal state.
func (c *Client) FetchEvacuation(ctx context.Context, companyID string) (evac.Evacuation, error) {
	var out evac.Evacuation
	err := c.get(ctx, fmt.Sprintf("/v1/companies/%s/evacuation", companyID), &out)
	if isNotFound(err) {
		return evac.Evacuation{Mode: evac.ModeIdle}, nil
	}
	return out, err
}

// FetchInvites returns the user's pending invites keyed by invite id.
func (c *Client) FetchInvites(ctx context.Context, userID string) (map[string]evac.Invite, error) {
	var out map[string]evac.Invite
	err := c.get(ctx, fmt.Sprintf("/v1/users/%s/invites", userID), &out)
	return out, err
}

// FetchCheckins returns the check-in document of an evacuation keyed by
// subject id.
func (c *Client) FetchCheckins(ctx context.Context, evacuationID string) (map[string]evac.CheckinRecord, error) {
	var out map[string]evac.CheckinRecord
	err := c.get(ctx, fmt.Sprintf("/v1/evacuations/%s/checkins", evacuationID), &out)
	return out, err
}

// FetchHistory returns the company's evacuation event history.
func (c *Client) FetchHistory(ctx context.Context, companyID string) ([]evac.HistoryEvent, error) {
	var out []evac.HistoryEvent
	err := c.get(ctx, fmt.Sprintf("/v1/companies/%s/history", companyID), &out)
	return out, err
}

// get issues a GET and decodes the JSON body into out.
func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return c.do(req, out)
}

// post issues a POST with a JSON body and decodes the response into out.
func (c *Client) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

// notFoundError marks a 404 so fetch helpers can map it to an empty value.
type notFoundError struct{ path string }

func (e *notFoundError) Error() string { return "not found: " + e.path }

func isNotFound(err error) bool {
	var nf *notFoundError
	return errors.As(err, &nf)
}

func (c *Client) do(req *http.Request, out any) error {
	if tok := c.token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", ErrNetwork, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return c.authExpired()
	case resp.StatusCode == http.StatusNotFound:
		return &notFoundError{path: req.URL.Path}
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: backend status %d", ErrNetwork, resp.StatusCode)
	case resp.StatusCode >= 400:
		return fmt.Errorf("%w: status %d: %s", ErrBackendRejected, resp.StatusCode, truncate(body, 256))
	}

	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrNetwork, err)
	}
	return nil
}

func (c *Client) authExpired() error {
	c.logger.Warn("session token expired, triggering teardown")
	if c.onAuthExpired != nil {
		c.onAuthExpired()
	}
	return ErrAuthExpired
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
