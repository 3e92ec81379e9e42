// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package evac

import (
	"encoding/json"
	"time"
)

// Action classifies what a push event changed.
type Action string

const (
	ActionRoleUpdate        Action = "role_update"
	ActionMemberJoined      Action = "member_joined"
	ActionMemberRemoved     Action = "member_removed"
	ActionContactAdded      Action = "contact_added"
	ActionContactRemoved    Action = "contact_removed"
	ActionEvacuationStarted Action = "evacuation_started"
	ActionEvacuationEnded   Action = "evacuation_ended"
	ActionListRenamed       Action = "list_renamed"
	ActionPointAssigned     Action = "point_assigned"
)

// ChangeDescriptor describes a single change carried by a push event.
//
// Descriptors exist so the UI can say *what* changed ("Alice is now an
// admin") rather than diffing snapshots. They are produced exactly once
// per push event but may be re-delivered; consumers must be idempotent.
//
// PreviousValue and NewValue are raw JSON because the value shape depends
// on the action (a Role for role_update, a Member for member_joined, ...).
type ChangeDescriptor struct {
	Action         Action          `json:"action"`
	SubjectID      string          `json:"subjectId"`
	SubjectName    string          `json:"subjectName,omitempty"`
	PreviousValue  json.RawMessage `json:"previousValue,omitempty"`
	NewValue       json.RawMessage `json:"newValue,omitempty"`
	ActingUserID   string          `json:"actingUserId,omitempty"`
	ActingUserName string          `json:"actingUserName,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

// DecodeNewValue unmarshals NewValue into v. Returns false when the
// descriptor carries no new value.
func (d *ChangeDescriptor) DecodeNewValue(v any) (bool, error) {
	if d == nil || len(d.NewValue) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(d.NewValue, v); err != nil {
		return false, err
	}
	return true, nil
}

// DecodePreviousValue unmarshals PreviousValue into v. Returns false when
// the descriptor carries no previous value.
func (d *ChangeDescriptor) DecodePreviousValue(v any) (bool, error) {
	if d == nil || len(d.PreviousValue) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(d.PreviousValue, v); err != nil {
		return false, err
	}
	return true, nil
}
