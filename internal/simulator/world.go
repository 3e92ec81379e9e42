// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package simulator is a self-contained development backend: the REST
// fetch/mutate surface and the websocket push protocol over an in-memory
// world, so the sync agent can run end-to-end without the real service.
package simulator

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/staysafer/evacsync/internal/api"
	"github.com/staysafer/evacsync/internal/checkin"
	"github.com/staysafer/evacsync/internal/evac"
	"github.com/staysafer/evacsync/internal/push"
)

// Error codes returned in the mutation envelope.
const (
	codeEvacuationActive   = "evacuation_active"
	codeNoActiveEvacuation = "no_active_evacuation"
	codeUnknownList        = "unknown_list"
	codeUnknownMember      = "unknown_member"
	codeUnknownInvite      = "unknown_invite"
	codeUnknownEvacuation  = "unknown_evacuation"
	codeInvalidMode        = "invalid_mode"
	codeInvalidRole        = "invalid_role"
)

// broker fans push deliveries out to topic subscribers.
type broker struct {
	mu   sync.Mutex
	subs map[string]map[int]func(push.Delivery)
	next int
}

func newBroker() *broker {
	return &broker{subs: make(map[string]map[int]func(push.Delivery))}
}

// subscribe registers fn for a topic and returns its unsubscribe func.
func (b *broker) subscribe(topic string, fn func(push.Delivery)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]func(push.Delivery))
	}
	b.subs[topic][id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[topic], id)
	}
}

func (b *broker) publish(d push.Delivery) {
	b.mu.Lock()
	fns := make([]func(push.Delivery), 0, len(b.subs[d.Topic]))
	for _, fn := range b.subs[d.Topic] {
		fns = append(fns, fn)
	}
	b.mu.Unlock()
	for _, fn := range fns {
		fn(d)
	}
}

// World is the simulator's authoritative state. Every mutation holds the
// world lock, applies, then publishes the updated documents, so readers
// and push subscribers always observe whole snapshots.
type World struct {
	mu       sync.Mutex
	tokens   map[string]evac.Member
	roster   map[string]map[string]evac.Member
	lists    map[string]map[string]evac.EvacList
	points   map[string]map[string]evac.EvacPoint
	evacs    map[string]evac.Evacuation
	invites  map[string]map[string]evac.Invite
	checkins map[string]map[string]evac.CheckinRecord
	history  map[string][]evac.HistoryEvent
	strict   map[string]bool

	broker *broker
	now    func() time.Time
}

// NewWorld creates an empty world.
func NewWorld() *World {
	return &World{
		tokens:   make(map[string]evac.Member),
		roster:   make(map[string]map[string]evac.Member),
		lists:    make(map[string]map[string]evac.EvacList),
		points:   make(map[string]map[string]evac.EvacPoint),
		evacs:    make(map[string]evac.Evacuation),
		invites:  make(map[string]map[string]evac.Invite),
		checkins: make(map[string]map[string]evac.CheckinRecord),
		history:  make(map[string][]evac.HistoryEvent),
		strict:   make(map[string]bool),
		broker:   newBroker(),
		now:      time.Now,
	}
}

// SeedMember adds a roster member and binds a bearer token to them.
func (w *World) SeedMember(m evac.Member, token string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.roster[m.CompanyID] == nil {
		w.roster[m.CompanyID] = make(map[string]evac.Member)
	}
	w.roster[m.CompanyID][m.ID] = m
	if token != "" {
		w.tokens[token] = m
	}
}

// SeedList adds an evacuation list.
func (w *World) SeedList(l evac.EvacList) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lists[l.CompanyID] == nil {
		w.lists[l.CompanyID] = make(map[string]evac.EvacList)
	}
	w.lists[l.CompanyID][l.ID] = l
}

// SeedPoint adds an assembly point.
func (w *World) SeedPoint(p evac.EvacPoint) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.points[p.CompanyID] == nil {
		w.points[p.CompanyID] = make(map[string]evac.EvacPoint)
	}
	w.points[p.CompanyID][p.ID] = p
}

// SeedInvite adds a pending invite for a user.
func (w *World) SeedInvite(userID string, inv evac.Invite) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.invites[userID] == nil {
		w.invites[userID] = make(map[string]evac.Invite)
	}
	w.invites[userID][inv.ID] = inv
}

// authenticate resolves a bearer token to a roster member.
func (w *World) authenticate(token string) (evac.Member, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	m, ok := w.tokens[token]
	return m, ok
}

// RevokeToken invalidates a token; subsequent requests with it get 401.
func (w *World) RevokeToken(token string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.tokens, token)
}

// --- document reads (used by the fetch endpoints) ---

func (w *World) rosterDoc(companyID string) map[string]evac.Member {
	w.mu.Lock()
	defer w.mu.Unlock()
	return copyMap(w.roster[companyID])
}

func (w *World) listsDoc(companyID string) map[string]evac.EvacList {
	w.mu.Lock()
	defer w.mu.Unlock()
	return copyMap(w.lists[companyID])
}

func (w *World) pointsDoc(companyID string) map[string]evac.EvacPoint {
	w.mu.Lock()
	defer w.mu.Unlock()
	return copyMap(w.points[companyID])
}

func (w *World) evacuationDoc(companyID string) (evac.Evacuation, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	ev, ok := w.evacs[companyID]
	return ev, ok && ev.Active()
}

func (w *World) invitesDoc(userID string) map[string]evac.Invite {
	w.mu.Lock()
	defer w.mu.Unlock()
	return copyMap(w.invites[userID])
}

func (w *World) checkinsDoc(evacuationID string) (map[string]evac.CheckinRecord, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	records, ok := w.checkins[evacuationID]
	return copyMap(records), ok
}

func (w *World) historyDoc(companyID string) []evac.HistoryEvent {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]evac.HistoryEvent, len(w.history[companyID]))
	copy(out, w.history[companyID])
	return out
}

func copyMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// --- publishing ---

// publishLocked marshals a document and fans it out. Caller holds w.mu;
// the broker has its own lock and subscriber callbacks only enqueue.
func (w *World) publishLocked(c evac.Collection, scopeKey string, doc any, exists bool, change *evac.ChangeDescriptor) {
	topic := evac.Topic(c, scopeKey)
	if topic == "" {
		return
	}
	var raw json.RawMessage
	if exists {
		raw, _ = json.Marshal(doc)
	}
	w.broker.publish(push.Delivery{Topic: topic, Exists: exists, Document: raw, Change: change})
}

func (w *World) publishRosterLocked(companyID string, change *evac.ChangeDescriptor) {
	w.publishLocked(evac.CollectionRoster, companyID, w.roster[companyID], true, change)
}

func (w *World) publishListsLocked(companyID string, change *evac.ChangeDescriptor) {
	w.publishLocked(evac.CollectionLists, companyID, w.lists[companyID], true, change)
}

func (w *World) publishEvacuationLocked(companyID string, ev evac.Evacuation, change *evac.ChangeDescriptor) {
	w.publishLocked(evac.CollectionEvacuation, companyID, ev, true, change)
}

func (w *World) publishCheckinsLocked(evacuationID string) {
	records, ok := w.checkins[evacuationID]
	w.publishLocked(evac.CollectionCheckins, evacuationID, records, ok, nil)
}

func (w *World) publishInvitesLocked(userID string) {
	w.publishLocked(evac.CollectionInvites, userID, w.invites[userID], true, nil)
}

func (w *World) publishHistoryLocked(companyID string) {
	w.publishLocked(evac.CollectionHistory, companyID, w.history[companyID], true, nil)
}

func descriptor(action evac.Action, subjectID, actingUserID string, previous, newValue any, ts time.Time) *evac.ChangeDescriptor {
	d := &evac.ChangeDescriptor{
		Action:       action,
		SubjectID:    subjectID,
		ActingUserID: actingUserID,
		Timestamp:    ts,
	}
	if previous != nil {
		d.PreviousValue, _ = json.Marshal(previous)
	}
	if newValue != nil {
		d.NewValue, _ = json.Marshal(newValue)
	}
	return d
}

// --- mutations ---

// createEvacuation enforces the single-active-evacuation invariant: the
// world is the authority the clients' optimistic writes defer to.
func (w *World) createEvacuation(req api.CreateEvacuationRequest) (any, string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !req.Mode.Active() {
		return nil, codeInvalidMode
	}
	if current, ok := w.evacs[req.CompanyID]; ok && current.Active() {
		return nil, codeEvacuationActive
	}
	list, ok := w.lists[req.CompanyID][req.ListID]
	if !ok {
		return nil, codeUnknownList
	}

	ev := evac.Evacuation{
		ID:        uuid.NewString(),
		CompanyID: req.CompanyID,
		ListID:    req.ListID,
		Mode:      req.Mode,
		StartedBy: req.StartedBy,
		StartedAt: w.now(),
	}
	records := w.seedRecordsLocked(list, req.SubjectIDs)
	w.evacs[req.CompanyID] = ev
	w.checkins[ev.ID] = records

	change := descriptor(evac.ActionEvacuationStarted, ev.ID, req.StartedBy, nil, ev, ev.StartedAt)
	w.publishEvacuationLocked(req.CompanyID, ev, change)
	w.publishCheckinsLocked(ev.ID)

	return api.CreateEvacuationResponse{Evacuation: ev, Checkins: copyMap(records)}, ""
}

// seedRecordsLocked builds the all-inactive check-in document for the
// list (or the selected subset of it).
func (w *World) seedRecordsLocked(list evac.EvacList, selected []string) map[string]evac.CheckinRecord {
	wanted := make(map[string]bool, len(selected))
	for _, id := range selected {
		wanted[id] = true
	}
	include := func(id string) bool { return len(selected) == 0 || wanted[id] }

	records := make(map[string]evac.CheckinRecord)
	for _, memberID := range list.MemberIDs {
		if !include(memberID) {
			continue
		}
		rec := evac.CheckinRecord{SubjectID: memberID, Methods: make(map[evac.MethodKind]evac.MethodStatus)}
		if m, ok := w.roster[list.CompanyID][memberID]; ok {
			rec.SubjectName = m.Name
			rec.IsCompanyMember = m.IsCompanyMember
		}
		records[memberID] = rec
	}
	for _, contact := range list.TempContacts {
		if !include(contact.ID) {
			continue
		}
		records[contact.ID] = evac.CheckinRecord{
			SubjectID:   contact.ID,
			SubjectName: contact.Name,
			Methods:     make(map[evac.MethodKind]evac.MethodStatus),
		}
	}
	return records
}

func (w *World) endEvacuation(req api.EndEvacuationRequest, actingUserID string) (any, string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var companyID string
	var current evac.Evacuation
	for cid, ev := range w.evacs {
		if ev.ID == req.EvacuationID {
			companyID, current = cid, ev
			break
		}
	}
	if companyID == "" || !current.Active() {
		return nil, codeNoActiveEvacuation
	}

	records := w.checkins[current.ID]
	summary := checkin.Classify(records, checkin.Options{Strict: w.strict[companyID]})
	w.history[companyID] = append(w.history[companyID], evac.HistoryEvent{
		ID:         current.ID,
		CompanyID:  companyID,
		ListID:     current.ListID,
		Mode:       current.Mode,
		StartedBy:  current.StartedBy,
		StartedAt:  current.StartedAt,
		EndedBy:    req.EndedBy,
		EndedAt:    w.now(),
		SafeCount:  len(summary.Safe),
		TotalCount: len(records),
	})

	idle := evac.Evacuation{CompanyID: companyID, Mode: evac.ModeIdle}
	w.evacs[companyID] = idle
	delete(w.checkins, current.ID)

	change := descriptor(evac.ActionEvacuationEnded, current.ID, actingUserID, current, idle, w.now())
	w.publishEvacuationLocked(companyID, idle, change)
	w.publishLocked(evac.CollectionCheckins, current.ID, nil, false, nil)
	w.publishHistoryLocked(companyID)
	return nil, ""
}

func (w *World) updateRole(req api.UpdateRoleRequest) (any, string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !req.Role.Valid() {
		return nil, codeInvalidRole
	}
	member, ok := w.roster[req.CompanyID][req.MemberID]
	if !ok {
		return nil, codeUnknownMember
	}
	previous := member
	member.Role = req.Role
	w.roster[req.CompanyID][req.MemberID] = member

	change := descriptor(evac.ActionRoleUpdate, member.ID, req.UpdatedBy, previous, member, w.now())
	w.publishRosterLocked(req.CompanyID, change)
	return member, ""
}

func (w *World) changeListMember(req api.ListMemberRequest, companyID string, add bool, actingUserID string) (any, string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	list, ok := w.lists[companyID][req.ListID]
	if !ok {
		return nil, codeUnknownList
	}
	if _, ok := w.roster[companyID][req.MemberID]; !ok {
		return nil, codeUnknownMember
	}

	action := evac.ActionMemberJoined
	if add {
		for _, id := range list.MemberIDs {
			if id == req.MemberID {
				return list, "" // already there, idempotent
			}
		}
		list.MemberIDs = append(list.MemberIDs, req.MemberID)
	} else {
		action = evac.ActionMemberRemoved
		kept := list.MemberIDs[:0]
		for _, id := range list.MemberIDs {
			if id != req.MemberID {
				kept = append(kept, id)
			}
		}
		list.MemberIDs = kept
	}
	w.lists[companyID][req.ListID] = list

	change := descriptor(action, req.MemberID, actingUserID, nil, list, w.now())
	w.publishListsLocked(companyID, change)
	return list, ""
}

func (w *World) changeTempContact(req api.TempContactRequest, companyID string, add bool, actingUserID string) (any, string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	list, ok := w.lists[companyID][req.ListID]
	if !ok {
		return nil, codeUnknownList
	}

	action := evac.ActionContactAdded
	if add {
		contact := req.Contact
		if contact.ID == "" {
			contact.ID = uuid.NewString()
		}
		contact.ListID = req.ListID
		list.TempContacts = append(list.TempContacts, contact)
	} else {
		action = evac.ActionContactRemoved
		kept := list.TempContacts[:0]
		for _, c := range list.TempContacts {
			if c.ID != req.Contact.ID {
				kept = append(kept, c)
			}
		}
		list.TempContacts = kept
	}
	w.lists[companyID][req.ListID] = list

	change := descriptor(action, req.Contact.ID, actingUserID, nil, list, w.now())
	w.publishListsLocked(companyID, change)
	return list, ""
}

func (w *World) respondInvite(req api.RespondInviteRequest, user evac.Member) (any, string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	inv, ok := w.invites[user.ID][req.InviteID]
	if !ok {
		return nil, codeUnknownInvite
	}
	delete(w.invites[user.ID], req.InviteID)
	w.publishInvitesLocked(user.ID)

	if req.Accept {
		joined := evac.Member{
			ID:              user.ID,
			CompanyID:       inv.CompanyID,
			Name:            user.Name,
			Email:           inv.Email,
			Role:            inv.Role,
			IsCompanyMember: true,
		}
		if w.roster[inv.CompanyID] == nil {
			w.roster[inv.CompanyID] = make(map[string]evac.Member)
		}
		w.roster[inv.CompanyID][joined.ID] = joined
		change := descriptor(evac.ActionMemberJoined, joined.ID, user.ID, nil, joined, w.now())
		w.publishRosterLocked(inv.CompanyID, change)
	}
	return nil, ""
}

func (w *World) recordCheckin(req api.CheckinRequest) (any, string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	records, ok := w.checkins[req.EvacuationID]
	if !ok {
		return nil, codeUnknownEvacuation
	}
	rec, ok := records[req.SubjectID]
	if !ok {
		return nil, codeUnknownMember
	}
	if rec.Methods == nil {
		rec.Methods = make(map[evac.MethodKind]evac.MethodStatus)
	}

	duration := req.DurationSeconds
	if duration == nil {
		if ev, ok := w.evacuationByIDLocked(req.EvacuationID); ok {
			d := w.now().Sub(ev.StartedAt).Seconds()
			duration = &d
		}
	}
	rec.Methods[req.Method] = evac.MethodStatus{Active: true, DurationSeconds: duration}
	records[req.SubjectID] = rec
	w.publishCheckinsLocked(req.EvacuationID)
	return rec, ""
}

func (w *World) markAbsent(req api.MarkAbsentRequest) (any, string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	records, ok := w.checkins[req.EvacuationID]
	if !ok {
		return nil, codeUnknownEvacuation
	}
	rec, ok := records[req.SubjectID]
	if !ok {
		return nil, codeUnknownMember
	}
	rec.Absent = evac.AbsentStatus{Active: req.Absent}
	records[req.SubjectID] = rec
	w.publishCheckinsLocked(req.EvacuationID)
	return rec, ""
}

func (w *World) renameList(req api.RenameListRequest, companyID, actingUserID string) (any, string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	list, ok := w.lists[companyID][req.ListID]
	if !ok {
		return nil, codeUnknownList
	}
	previous := list
	list.Name = req.Name
	w.lists[companyID][req.ListID] = list

	change := descriptor(evac.ActionListRenamed, req.ListID, actingUserID, previous, list, w.now())
	w.publishListsLocked(companyID, change)
	return list, ""
}

func (w *World) assignEvacPoint(req api.AssignEvacPointRequest, actingUserID string) (any, string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	member, ok := w.roster[req.CompanyID][req.MemberID]
	if !ok {
		return nil, codeUnknownMember
	}
	previous := member
	member.EvacPointID = req.PointID
	w.roster[req.CompanyID][req.MemberID] = member

	change := descriptor(evac.ActionPointAssigned, req.MemberID, actingUserID, previous, member, w.now())
	w.publishRosterLocked(req.CompanyID, change)
	return member, ""
}

func (w *World) updateSettings(req api.UpdateSettingsRequest) (any, string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.strict[req.CompanyID] = req.StrictCheckin
	return nil, ""
}

func (w *World) evacuationByIDLocked(evacuationID string) (evac.Evacuation, bool) {
	for _, ev := range w.evacs {
		if ev.ID == evacuationID {
			return ev, true
		}
	}
	return evac.Evacuation{}, false
}
