// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/staysafer/evacsync/internal/api"
	"github.com/staysafer/evacsync/internal/config"
	"github.com/staysafer/evacsync/internal/evac"
	"github.com/staysafer/evacsync/internal/push"
	"github.com/staysafer/evacsync/internal/session"
	"github.com/staysafer/evacsync/pkg/logging"
)

func testLogger() *logging.Logger {
	return logging.New(logging.Config{Quiet: true})
}

// fakeBackend serves the fetch endpoints over httptest with canned
// documents.
type fakeBackend struct {
	mux    *http.ServeMux
	server *httptest.Server
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	fb := &fakeBackend{mux: http.NewServeMux()}
	fb.server = httptest.NewServer(fb.mux)
	t.Cleanup(fb.server.Close)
	return fb
}

func (fb *fakeBackend) serveJSON(path string, doc any) {
	fb.mux.HandleFunc(path, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(doc)
	})
}

func (fb *fakeBackend) serveDefaults() {
	fb.serveJSON("/v1/companies/co-1/roster", map[string]evac.Member{
		"u-1": {ID: "u-1", CompanyID: "co-1", Role: evac.RoleOperator, IsCompanyMember: true},
	})
	fb.serveJSON("/v1/companies/co-1/lists", map[string]evac.EvacList{
		"list-1": {ID: "list-1", CompanyID: "co-1", Name: "HQ", MemberIDs: []string{"u-1"}},
	})
	fb.serveJSON("/v1/companies/co-1/points", map[string]evac.EvacPoint{})
	fb.serveJSON("/v1/companies/co-1/evacuation", evac.Evacuation{Mode: evac.ModeIdle})
	fb.serveJSON("/v1/companies/co-1/history", []evac.HistoryEvent{})
	fb.serveJSON("/v1/users/u-1/invites", map[string]evac.Invite{})
	fb.serveJSON("/v1/evacuations/ev-1/checkins", map[string]evac.CheckinRecord{
		"u-1": {SubjectID: "u-1", IsCompanyMember: true},
	})
}

func testConfig(baseURL string) config.Config {
	cfg := config.Default()
	cfg.Backend.BaseURL = baseURL
	cfg.Backend.PushURL = "ws://unused"
	return cfg
}

// startAgent runs an agent against the fake backend and a mock channel,
// returning after the session bindings are live.
func startAgent(t *testing.T, fb *fakeBackend) (*Agent, *push.MockChannel, <-chan error) {
	t.Helper()
	channel := push.NewMockChannel()
	sess := session.New(session.Identity{UserID: "u-1", CompanyID: "co-1", Role: evac.RoleOperator, Token: "tok"})
	a := New(testConfig(fb.server.URL), sess, nil, testLogger(), nil, WithChannel(channel))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	waitFor(t, func() bool { return channel.Subscribed("roster/co-1") }, "bindings not opened")
	return a, channel, done
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestRunSeedsStoresFromFetch(t *testing.T) {
	fb := newFakeBackend(t)
	fb.serveDefaults()
	a, channel, _ := startAgent(t, fb)

	for _, topic := range []string{
		"roster/co-1", "lists/co-1", "points/co-1",
		"evacuation/co-1", "history/co-1", "invites/u-1",
	} {
		assert.True(t, channel.Subscribed(topic), "missing subscription %s", topic)
	}

	waitFor(t, func() bool {
		roster, ok := a.Stores().Roster.Current("co-1")
		return ok && roster["u-1"].Role == evac.RoleOperator
	}, "roster not seeded from fetch")

	ev, ok := a.Stores().Evacs.Current("co-1")
	require.True(t, ok)
	assert.Equal(t, evac.ModeIdle, ev.Mode)
}

func TestPushSnapshotUpdatesStore(t *testing.T) {
	fb := newFakeBackend(t)
	fb.serveDefaults()
	a, channel, _ := startAgent(t, fb)

	doc, _ := json.Marshal(map[string]evac.Member{
		"u-1": {ID: "u-1", CompanyID: "co-1", Role: evac.RoleAdmin, IsCompanyMember: true},
	})
	require.True(t, channel.Deliver(push.Delivery{
		Topic: "roster/co-1", Exists: true, Document: doc,
	}))

	waitFor(t, func() bool {
		roster, ok := a.Stores().Roster.Current("co-1")
		return ok && roster["u-1"].Role == evac.RoleAdmin
	}, "push snapshot not applied")
}

func TestCheckinBindingFollowsEvacuation(t *testing.T) {
	fb := newFakeBackend(t)
	fb.serveDefaults()
	a, channel, _ := startAgent(t, fb)

	active, _ := json.Marshal(evac.Evacuation{
		ID: "ev-1", CompanyID: "co-1", ListID: "list-1", Mode: evac.ModeAlarm,
	})
	require.True(t, channel.Deliver(push.Delivery{
		Topic: "evacuation/co-1", Exists: true, Document: active,
	}))

	waitFor(t, func() bool { return channel.Subscribed("checkins/ev-1") },
		"check-in binding not opened for active evacuation")
	waitFor(t, func() bool {
		records, ok := a.Stores().Checkins.Current("ev-1")
		return ok && records["u-1"].SubjectID == "u-1"
	}, "check-in document not seeded")

	idle, _ := json.Marshal(evac.Evacuation{Mode: evac.ModeIdle})
	require.True(t, channel.Deliver(push.Delivery{
		Topic: "evacuation/co-1", Exists: true, Document: idle,
	}))

	waitFor(t, func() bool { return !channel.Subscribed("checkins/ev-1") },
		"check-in binding not closed after event ended")
	_, ok := a.Stores().Checkins.Current("ev-1")
	assert.False(t, ok, "check-in scope not dropped")
}

func TestNonexistentDocumentClearsStore(t *testing.T) {
	fb := newFakeBackend(t)
	fb.serveDefaults()
	a, channel, _ := startAgent(t, fb)

	waitFor(t, func() bool {
		lists, ok := a.Stores().Lists.Current("co-1")
		return ok && len(lists) == 1
	}, "lists not seeded")

	require.True(t, channel.Deliver(push.Delivery{Topic: "lists/co-1", Exists: false}))
	waitFor(t, func() bool {
		lists, ok := a.Stores().Lists.Current("co-1")
		return ok && len(lists) == 0
	}, "deleted document not reconciled to empty")
}

func TestSubscriptionFailureMarksScope(t *testing.T) {
	fb := newFakeBackend(t)
	fb.serveDefaults()
	a, channel, _ := startAgent(t, fb)

	require.True(t, channel.Fail("roster/co-1", push.ErrChannelClosed))
	waitFor(t, func() bool {
		return a.Stores().Roster.Err("co-1") != nil
	}, "topic failure not surfaced on the store")
}

func TestAuthExpiryTearsDown(t *testing.T) {
	fb := newFakeBackend(t)
	// Roster fetch rejects the token; everything else is healthy.
	fb.mux.HandleFunc("/v1/companies/co-1/roster", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	fb.serveJSON("/v1/companies/co-1/lists", map[string]evac.EvacList{})
	fb.serveJSON("/v1/companies/co-1/points", map[string]evac.EvacPoint{})
	fb.serveJSON("/v1/companies/co-1/evacuation", evac.Evacuation{Mode: evac.ModeIdle})
	fb.serveJSON("/v1/companies/co-1/history", []evac.HistoryEvent{})
	fb.serveJSON("/v1/users/u-1/invites", map[string]evac.Invite{})

	channel := push.NewMockChannel()
	sess := session.New(session.Identity{UserID: "u-1", CompanyID: "co-1", Token: "expired"})
	a := New(testConfig(fb.server.URL), sess, nil, testLogger(), nil, WithChannel(channel))

	err := a.Run(context.Background())
	require.ErrorIs(t, err, api.ErrAuthExpired)

	// Teardown resets every store; nothing stale survives the session.
	_, ok := a.Stores().Lists.Current("co-1")
	assert.False(t, ok)
}

func TestRunStopsOnCancel(t *testing.T) {
	fb := newFakeBackend(t)
	fb.serveDefaults()

	channel := push.NewMockChannel()
	sess := session.New(session.Identity{UserID: "u-1", CompanyID: "co-1", Token: "tok"})
	a := New(testConfig(fb.server.URL), sess, nil, testLogger(), nil, WithChannel(channel))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	waitFor(t, func() bool { return channel.Subscribed("roster/co-1") }, "bindings not opened")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err, "plain cancellation must not report an error")
	case <-time.After(3 * time.Second):
		t.Fatal("agent did not stop on cancel")
	}
}
