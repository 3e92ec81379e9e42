// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/staysafer/evacsync/internal/api"
	"github.com/staysafer/evacsync/internal/evac"
	"github.com/staysafer/evacsync/internal/session"
	"github.com/staysafer/evacsync/internal/store"
	"github.com/staysafer/evacsync/pkg/logging"
)

// mockBackend records mutation calls and replays canned responses.
type mockBackend struct {
	createResp api.CreateEvacuationResponse
	createErr  error
	endErr     error

	createCalls []api.CreateEvacuationRequest
	endCalls    []api.EndEvacuationRequest
}

func (m *mockBackend) CreateEvacuation(_ context.Context, req api.CreateEvacuationRequest) (api.CreateEvacuationResponse, error) {
	m.createCalls = append(m.createCalls, req)
	return m.createResp, m.createErr
}

func (m *mockBackend) EndEvacuation(_ context.Context, req api.EndEvacuationRequest) error {
	m.endCalls = append(m.endCalls, req)
	return m.endErr
}

type fixture struct {
	backend  *mockBackend
	evacs    *store.Store[evac.Evacuation]
	checkins *store.Store[map[string]evac.CheckinRecord]
	lists    *store.Store[map[string]evac.EvacList]
	ctrl     *Controller
}

const (
	testCompany = "co-1"
	testUser    = "u-1"
	testList    = "list-1"
)

func newFixture(t *testing.T, guards Guards) *fixture {
	t.Helper()
	f := &fixture{
		backend:  &mockBackend{},
		evacs:    store.New[evac.Evacuation](evac.CollectionEvacuation),
		checkins: store.New[map[string]evac.CheckinRecord](evac.CollectionCheckins),
		lists:    store.New[map[string]evac.EvacList](evac.CollectionLists),
	}
	sess := session.New(session.Identity{
		UserID:    testUser,
		CompanyID: testCompany,
		Role:      evac.RoleOperator,
	})
	f.ctrl = NewController(f.backend, sess, f.evacs, f.checkins, f.lists,
		guards, logging.New(logging.Config{Quiet: true}), nil)

	// A one-member list, so starts pass the emptiness guard by default.
	f.lists.ApplySnapshot(testCompany, map[string]evac.EvacList{
		testList: {ID: testList, CompanyID: testCompany, Name: "HQ", MemberIDs: []string{"m-1"}},
	}, nil)

	f.backend.createResp = api.CreateEvacuationResponse{
		Evacuation: evac.Evacuation{
			ID:        "ev-1",
			CompanyID: testCompany,
			ListID:    testList,
			Mode:      evac.ModeAlarm,
			StartedBy: testUser,
			StartedAt: time.Now(),
		},
		Checkins: map[string]evac.CheckinRecord{
			"m-1": {SubjectID: "m-1", IsCompanyMember: true},
		},
	}
	return f
}

func (f *fixture) startAlarm(t *testing.T) StartReceipt {
	t.Helper()
	f.backend.createResp.Evacuation.Mode = evac.ModeAlarm
	receipt, err := f.ctrl.Start(context.Background(), evac.ModeAlarm, testList, nil)
	require.NoError(t, err)
	return receipt
}

func TestStartSeedsState(t *testing.T) {
	f := newFixture(t, Guards{})
	receipt := f.startAlarm(t)

	assert.Equal(t, "ev-1", receipt.Evacuation.ID)
	assert.Empty(t, receipt.Warnings)
	assert.Equal(t, evac.ModeAlarm, f.ctrl.Current().Mode)

	records, ok := f.checkins.Current("ev-1")
	require.True(t, ok, "check-in store not seeded")
	assert.Contains(t, records, "m-1")

	require.Len(t, f.backend.createCalls, 1)
	assert.Equal(t, testCompany, f.backend.createCalls[0].CompanyID)
	assert.Equal(t, testUser, f.backend.createCalls[0].StartedBy)
}

func TestStartMutualExclusion(t *testing.T) {
	f := newFixture(t, Guards{})
	f.startAlarm(t)
	before := f.ctrl.Current()

	_, err := f.ctrl.Start(context.Background(), evac.ModeDrill, testList, nil)
	require.ErrorIs(t, err, ErrPrecondition)
	require.ErrorIs(t, err, ErrOppositeActive)

	// The rejection must not have touched state or reached the backend.
	assert.Equal(t, before, f.ctrl.Current())
	assert.Len(t, f.backend.createCalls, 1)
}

func TestStartAlreadyActive(t *testing.T) {
	f := newFixture(t, Guards{})
	f.startAlarm(t)

	_, err := f.ctrl.Start(context.Background(), evac.ModeAlarm, testList, nil)
	assert.ErrorIs(t, err, ErrAlreadyActive)
	assert.Len(t, f.backend.createCalls, 1)
}

func TestStartInvalidMode(t *testing.T) {
	f := newFixture(t, Guards{})
	_, err := f.ctrl.Start(context.Background(), evac.ModeIdle, testList, nil)
	assert.ErrorIs(t, err, ErrInvalidMode)
	assert.Empty(t, f.backend.createCalls)
}

func TestStartEmptyListFatalForAlarm(t *testing.T) {
	f := newFixture(t, Guards{AlarmRequireNonEmptyList: true})
	f.lists.ApplySnapshot(testCompany, map[string]evac.EvacList{
		testList: {ID: testList, CompanyID: testCompany, Name: "HQ"},
	}, nil)

	_, err := f.ctrl.Start(context.Background(), evac.ModeAlarm, testList, nil)
	require.ErrorIs(t, err, ErrEmptyList)
	assert.Empty(t, f.backend.createCalls)
	assert.Equal(t, evac.ModeIdle, f.ctrl.Current().Mode)
}

func TestStartEmptyListWarnsForDrill(t *testing.T) {
	f := newFixture(t, Guards{AlarmRequireNonEmptyList: true})
	f.lists.ApplySnapshot(testCompany, map[string]evac.EvacList{
		testList: {ID: testList, CompanyID: testCompany, Name: "HQ"},
	}, nil)
	f.backend.createResp.Evacuation.Mode = evac.ModeDrill

	receipt, err := f.ctrl.Start(context.Background(), evac.ModeDrill, testList, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, receipt.Warnings)
	assert.Len(t, f.backend.createCalls, 1)
}

func TestStartSelectedSubsetSkipsEmptinessGuard(t *testing.T) {
	f := newFixture(t, Guards{AlarmRequireNonEmptyList: true})
	f.lists.ApplySnapshot(testCompany, map[string]evac.EvacList{
		testList: {ID: testList, CompanyID: testCompany, Name: "HQ"},
	}, nil)

	receipt, err := f.ctrl.Start(context.Background(), evac.ModeAlarm, testList, []string{"m-9"})
	require.NoError(t, err)
	assert.Empty(t, receipt.Warnings)
	require.Len(t, f.backend.createCalls, 1)
	assert.Equal(t, []string{"m-9"}, f.backend.createCalls[0].SubjectIDs)
}

func TestStartBackendFailureLeavesStateUntouched(t *testing.T) {
	f := newFixture(t, Guards{})
	f.backend.createErr = errors.New("boom")

	_, err := f.ctrl.Start(context.Background(), evac.ModeAlarm, testList, nil)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrPrecondition)
	assert.Equal(t, evac.ModeIdle, f.ctrl.Current().Mode)
	_, ok := f.checkins.Current("ev-1")
	assert.False(t, ok)
}

func TestEndResetsToIdle(t *testing.T) {
	f := newFixture(t, Guards{})
	f.startAlarm(t)

	receipt, err := f.ctrl.End(context.Background(), evac.ModeAlarm)
	require.NoError(t, err)
	assert.Equal(t, "ev-1", receipt.EvacuationID)
	assert.Equal(t, evac.ModeIdle, f.ctrl.Current().Mode)

	_, ok := f.checkins.Current("ev-1")
	assert.False(t, ok, "check-in scope not dropped")

	require.Len(t, f.backend.endCalls, 1)
	assert.Equal(t, "ev-1", f.backend.endCalls[0].EvacuationID)
	assert.Equal(t, testUser, f.backend.endCalls[0].EndedBy)
}

func TestEndReportsMissing(t *testing.T) {
	f := newFixture(t, Guards{})
	f.startAlarm(t)

	dur := 120.0
	f.checkins.ApplySnapshot("ev-1", map[string]evac.CheckinRecord{
		"m-1": {SubjectID: "m-1", Methods: map[evac.MethodKind]evac.MethodStatus{
			evac.MethodManual: {Active: true, DurationSeconds: &dur},
		}},
		"m-2": {SubjectID: "m-2"},
		"m-3": {SubjectID: "m-3", Absent: evac.AbsentStatus{Active: true}},
	}, nil)

	receipt, err := f.ctrl.End(context.Background(), evac.ModeAlarm)
	require.NoError(t, err)
	assert.Equal(t, []string{"m-2"}, receipt.Missing)
}

func TestEndWrongMode(t *testing.T) {
	f := newFixture(t, Guards{})
	f.startAlarm(t)

	_, err := f.ctrl.End(context.Background(), evac.ModeDrill)
	require.ErrorIs(t, err, ErrNotActive)
	assert.Equal(t, evac.ModeAlarm, f.ctrl.Current().Mode)
	assert.Empty(t, f.backend.endCalls)
}

func TestEndWhileIdle(t *testing.T) {
	f := newFixture(t, Guards{})
	_, err := f.ctrl.End(context.Background(), evac.ModeAlarm)
	assert.ErrorIs(t, err, ErrNotActive)
}

func TestEndBackendFailureKeepsEventRunning(t *testing.T) {
	f := newFixture(t, Guards{})
	f.startAlarm(t)
	f.backend.endErr = errors.New("boom")

	_, err := f.ctrl.End(context.Background(), evac.ModeAlarm)
	require.Error(t, err)
	assert.Equal(t, evac.ModeAlarm, f.ctrl.Current().Mode)
	_, ok := f.checkins.Current("ev-1")
	assert.True(t, ok, "check-in scope dropped despite backend failure")
}

// A push snapshot that contradicts the optimistic start must win: the
// controller derives its view from the store, so the two-device race
// resolves toward whatever the backend last said.
func TestLatePushOverridesOptimisticStart(t *testing.T) {
	f := newFixture(t, Guards{})
	f.startAlarm(t)
	require.Equal(t, evac.ModeAlarm, f.ctrl.Current().Mode)

	f.evacs.ApplySnapshot(testCompany, evac.Evacuation{Mode: evac.ModeIdle}, nil)
	assert.Equal(t, evac.ModeIdle, f.ctrl.Current().Mode)

	// With the store idle again a drill start is permitted.
	f.backend.createResp.Evacuation = evac.Evacuation{
		ID: "ev-2", CompanyID: testCompany, ListID: testList, Mode: evac.ModeDrill,
	}
	_, err := f.ctrl.Start(context.Background(), evac.ModeDrill, testList, nil)
	require.NoError(t, err)
	assert.Equal(t, evac.ModeDrill, f.ctrl.Current().Mode)
}

func TestSetGuardsHotReload(t *testing.T) {
	f := newFixture(t, Guards{})
	f.lists.ApplySnapshot(testCompany, map[string]evac.EvacList{
		testList: {ID: testList, CompanyID: testCompany, Name: "HQ"},
	}, nil)

	f.ctrl.SetGuards(Guards{AlarmRequireNonEmptyList: true})
	_, err := f.ctrl.Start(context.Background(), evac.ModeAlarm, testList, nil)
	assert.ErrorIs(t, err, ErrEmptyList)
}
