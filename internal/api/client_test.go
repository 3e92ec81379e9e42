// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/staysafer/evacsync/internal/evac"
	"github.com/staysafer/evacsync/pkg/logging"
)

func testLogger() *logging.Logger {
	return logging.New(logging.Config{Quiet: true})
}

func staticToken(tok string) TokenSource {
	return func() string { return tok }
}

func TestFetchRoster(t *testing.T) {
	roster := map[string]evac.Member{
		"m-1": {ID: "m-1", CompanyID: "co-1", Name: "Alice", Role: evac.RoleAdmin, IsCompanyMember: true},
		"m-2": {ID: "m-2", CompanyID: "co-1", Name: "Bob", Role: evac.RoleCollaborator, IsCompanyMember: true},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/companies/co-1/roster" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Errorf("auth header = %q", got)
		}
		_ = json.NewEncoder(w).Encode(roster)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, staticToken("tok-1"), testLogger())
	got, err := client.FetchRoster(context.Background(), "co-1")
	if err != nil {
		t.Fatalf("FetchRoster: %v", err)
	}
	if len(got) != 2 || got["m-1"].Name != "Alice" {
		t.Fatalf("roster = %+v", got)
	}
}

func TestFetchEvacuationNotFoundIsIdle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, staticToken(""), testLogger())
	ev, err := client.FetchEvacuation(context.Background(), "co-1")
	if err != nil {
		t.Fatalf("FetchEvacuation: %v", err)
	}
	if ev.Active() || ev.Mode != evac.ModeIdle {
		t.Fatalf("evacuation = %+v, want idle", ev)
	}
}

func TestMutateTokenExpired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(mutationResult{OK: false, ErrorCode: "token_expired"})
	}))
	defer srv.Close()

	var torewDown bool
	client := NewClient(srv.URL, staticToken("stale"), testLogger(),
		WithAuthExpiredHook(func() { torewDown = true }))

	err := client.EndEvacuation(context.Background(), EndEvacuationRequest{EvacuationID: "ev-1"})
	if !errors.Is(err, ErrAuthExpired) {
		t.Fatalf("err = %v, want ErrAuthExpired", err)
	}
	if !torewDown {
		t.Fatal("auth-expired hook not invoked")
	}
}

func TestMutateBackendRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(mutationResult{OK: false, ErrorCode: "evacuation_active"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, staticToken("tok"), testLogger())
	_, err := client.CreateEvacuation(context.Background(), CreateEvacuationRequest{
		CompanyID: "co-1", ListID: "l-1", Mode: evac.ModeAlarm, StartedBy: "m-1",
	})
	if !errors.Is(err, ErrBackendRejected) {
		t.Fatalf("err = %v, want ErrBackendRejected", err)
	}
}

func TestMutateDecodesSnapshot(t *testing.T) {
	resp := CreateEvacuationResponse{
		Evacuation: evac.Evacuation{ID: "ev-1", CompanyID: "co-1", ListID: "l-1", Mode: evac.ModeDrill, StartedBy: "m-1"},
		Checkins: map[string]evac.CheckinRecord{
			"m-2": {SubjectID: "m-2", IsCompanyMember: true},
		},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := json.Marshal(resp)
		_ = json.NewEncoder(w).Encode(mutationResult{OK: true, Data: data})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, staticToken("tok"), testLogger())
	got, err := client.CreateEvacuation(context.Background(), CreateEvacuationRequest{
		CompanyID: "co-1", ListID: "l-1", Mode: evac.ModeDrill, StartedBy: "m-1",
	})
	if err != nil {
		t.Fatalf("CreateEvacuation: %v", err)
	}
	if got.Evacuation.ID != "ev-1" || len(got.Checkins) != 1 {
		t.Fatalf("response = %+v", got)
	}
}

func TestNetworkErrorClassification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, staticToken("tok"), testLogger())
	_, err := client.FetchRoster(context.Background(), "co-1")
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("err = %v, want ErrNetwork", err)
	}
}

func TestUpdateRoleValidatesInput(t *testing.T) {
	client := NewClient("http://unused", staticToken("tok"), testLogger())
	_, err := client.UpdateRole(context.Background(), UpdateRoleRequest{Role: "king"})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
}
