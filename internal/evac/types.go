// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package evac defines the domain model shared by the sync engine:
// roster members, evacuation lists, active evacuations, check-in records,
// invites, and the change descriptors delivered over the push channel.
//
// Types here are plain data. All reconciliation and classification logic
// lives in the store, lifecycle, and checkin packages.
package evac

import "time"

// Role is a member's permission level within a company.
type Role string

const (
	RoleAdmin        Role = "admin"
	RoleOperator     Role = "operator"
	RoleCollaborator Role = "collaborator"
)

// Valid reports whether the role is one of the known levels.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleOperator, RoleCollaborator:
		return true
	}
	return false
}

// Mode is the operational state of a company: no event, a drill, or a
// real alarm. Drill and alarm are mutually exclusive per company.
type Mode string

const (
	ModeIdle  Mode = "idle"
	ModeDrill Mode = "drill"
	ModeAlarm Mode = "alarm"
)

// Active reports whether the mode represents a running evacuation.
func (m Mode) Active() bool {
	return m == ModeDrill || m == ModeAlarm
}

// Member is a single company roster entry.
type Member struct {
	ID          string `json:"id"`
	CompanyID   string `json:"companyId"`
	Name        string `json:"name"`
	Email       string `json:"email"`
	Role        Role   `json:"role"`
	EvacPointID string `json:"evacPointId,omitempty"`

	// IsCompanyMember distinguishes employees from external contacts that
	// were promoted onto the roster (visitors, contractors). It controls
	// the strict-mode check-in threshold.
	IsCompanyMember bool `json:"isCompanyMember"`
}

// TempContact is an external or temporary contact attached to a single
// evacuation list rather than the company roster.
type TempContact struct {
	ID     string `json:"id"`
	ListID string `json:"listId"`
	Name   string `json:"name"`
	Phone  string `json:"phone,omitempty"`
}

// EvacList is an evacuation list: the set of people expected at an
// evacuation point when an event for this list starts.
type EvacList struct {
	ID           string        `json:"id"`
	CompanyID    string        `json:"companyId"`
	Name         string        `json:"name"`
	MemberIDs    []string      `json:"memberIds"`
	TempContacts []TempContact `json:"tempContacts,omitempty"`
}

// EvacPoint is a physical assembly point.
type EvacPoint struct {
	ID        string `json:"id"`
	CompanyID string `json:"companyId"`
	Name      string `json:"name"`
}

// Evacuation is an active evacuation event. The zero value (Mode empty or
// ModeIdle) means no event is running for the company.
type Evacuation struct {
	ID        string    `json:"id"`
	CompanyID string    `json:"companyId"`
	ListID    string    `json:"listId"`
	Mode      Mode      `json:"mode"`
	StartedBy string    `json:"startedBy"`
	StartedAt time.Time `json:"startedAt"`
}

// Active reports whether this value describes a running evacuation.
func (e Evacuation) Active() bool {
	return e.ID != "" && e.Mode.Active()
}

// MethodKind identifies a check-in method.
type MethodKind string

const (
	MethodManual MethodKind = "manual"
	MethodGPS    MethodKind = "gps"
	MethodNFC    MethodKind = "nfc"
	MethodBeacon MethodKind = "beacon"
)

// MethodKinds lists every check-in method in a stable order.
var MethodKinds = []MethodKind{MethodManual, MethodGPS, MethodNFC, MethodBeacon}

// MethodStatus is the state of one check-in method for one person.
type MethodStatus struct {
	Active bool `json:"active"`

	// DurationSeconds is the time from evacuation start to this check-in.
	// Nil when the backend did not record a duration (legacy clients).
	DurationSeconds *float64 `json:"durationSeconds"`
}

// AbsentStatus marks a person as reported absent (out of office, on leave).
type AbsentStatus struct {
	Active bool `json:"active"`
}

// CheckinRecord is the per-person check-in state during an evacuation.
//
// Invariant: an active method always outranks the absent marker. A record
// with both is classified as present; absence is authoritative only when
// no method is active.
type CheckinRecord struct {
	SubjectID       string                      `json:"subjectId"`
	SubjectName     string                      `json:"subjectName,omitempty"`
	IsCompanyMember bool                        `json:"isCompanyMember"`
	Methods         map[MethodKind]MethodStatus `json:"methods"`
	Absent          AbsentStatus                `json:"absent"`
}

// ActiveMethods returns the statuses of all active methods in MethodKinds
// order. The slice is freshly allocated.
func (r CheckinRecord) ActiveMethods() []MethodStatus {
	var out []MethodStatus
	for _, kind := range MethodKinds {
		if s, ok := r.Methods[kind]; ok && s.Active {
			out = append(out, s)
		}
	}
	return out
}

// Invite is a pending invitation for a user to join a company.
type Invite struct {
	ID        string    `json:"id"`
	CompanyID string    `json:"companyId"`
	Email     string    `json:"email"`
	Role      Role      `json:"role"`
	InvitedBy string    `json:"invitedBy"`
	CreatedAt time.Time `json:"createdAt"`
}

// HistoryEvent is one entry of the company's evacuation event history.
type HistoryEvent struct {
	ID         string    `json:"id"`
	CompanyID  string    `json:"companyId"`
	ListID     string    `json:"listId"`
	Mode       Mode      `json:"mode"`
	StartedBy  string    `json:"startedBy"`
	StartedAt  time.Time `json:"startedAt"`
	EndedBy    string    `json:"endedBy,omitempty"`
	EndedAt    time.Time `json:"endedAt,omitempty"`
	SafeCount  int       `json:"safeCount"`
	TotalCount int       `json:"totalCount"`
}
