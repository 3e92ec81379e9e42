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
	"context"
	"encoding/json"
	"fmt"

	"github.com/staysafer/evacsync/internal/evac"
)

// Operation names a backend mutation.
type Operation string

const (
	OpCreateEvacuation  Operation = "create_evacuation"
	OpEndEvacuation     Operation = "end_evacuation"
	OpAddListMember     Operation = "add_list_member"
	OpRemoveListMember  Operation = "remove_list_member"
	OpAddTempContact    Operation = "add_temp_contact"
	OpRemoveTempContact Operation = "remove_temp_contact"
	OpUpdateRole        Operation = "update_role"
	OpRespondInvite     Operation = "respond_invite"
	OpUpdateSettings    Operation = "update_settings"
	OpRenameList        Operation = "rename_list"
	OpAssignEvacPoint   Operation = "assign_evac_point"
	OpCheckin           Operation = "checkin"
	OpMarkAbsent        Operation = "mark_absent"
)

// mutationResult is the backend's wire envelope for mutations.
type mutationResult struct {
	OK        bool            `json:"ok"`
	Data      json.RawMessage `json:"data,omitempty"`
	ErrorCode string          `json:"errorCode,omitempty"`
}

// Mutate issues a mutation and decodes the result payload into out
// (out may be nil when the caller only needs success/failure).
//
// A non-ok result with errorCode "token_expired" returns ErrAuthExpired
// and fires the auth-expired hook; any other non-ok result returns
// ErrBackendRejected carrying the code.
func (c *Client) Mutate(ctx context.Context, op Operation, payload, out any) error {
	var result mutationResult
	if err := c.post(ctx, fmt.Sprintf("/v1/mutate/%s", op), payload, &result); err != nil {
		return err
	}

	if !result.OK {
		if result.ErrorCode == errorCodeTokenExpired {
			return c.authExpired()
		}
		return fmt.Errorf("%w: %s (code %q)", ErrBackendRejected, op, result.ErrorCode)
	}

	if out == nil || len(result.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(result.Data, out); err != nil {
		return fmt.Errorf("%w: decode %s result: %v", ErrNetwork, op, err)
	}
	return nil
}

// CreateEvacuationRequest starts a drill or alarm for a list.
type CreateEvacuationRequest struct {
	CompanyID  string    `json:"companyId"`
	ListID     string    `json:"listId"`
	Mode       evac.Mode `json:"mode"`
	StartedBy  string    `json:"startedBy"`
	SubjectIDs []string  `json:"subjectIds,omitempty"`
}

// CreateEvacuationResponse is the backend's snapshot of the new event.
// Checkins seeds the local check-in store; every expected subject starts
// with an all-inactive record.
type CreateEvacuationResponse struct {
	Evacuation evac.Evacuation               `json:"evacuation"`
	Checkins   map[string]evac.CheckinRecord `json:"checkins"`
}

// CreateEvacuation starts an evacuation. The backend enforces the
// single-active-evacuation invariant; a concurrent start from another
// device surfaces as ErrBackendRejected.
func (c *Client) CreateEvacuation(ctx context.Context, req CreateEvacuationRequest) (CreateEvacuationResponse, error) {
	var resp CreateEvacuationResponse
	err := c.Mutate(ctx, OpCreateEvacuation, req, &resp)
	return resp, err
}

// EndEvacuationRequest ends the active event.
type EndEvacuationRequest struct {
	EvacuationID string `json:"evacuationId"`
	EndedBy      string `json:"endedBy"`
}

// EndEvacuation ends an evacuation.
func (c *Client) EndEvacuation(ctx context.Context, req EndEvacuationRequest) error {
	return c.Mutate(ctx, OpEndEvacuation, req, nil)
}

// UpdateRoleRequest changes a member's role.
type UpdateRoleRequest struct {
	CompanyID string    `json:"companyId"`
	MemberID  string    `json:"memberId"`
	Role      evac.Role `json:"role"`
	UpdatedBy string    `json:"updatedBy"`
}

// UpdateRole changes a member's role and returns the updated member.
func (c *Client) UpdateRole(ctx context.Context, req UpdateRoleRequest) (evac.Member, error) {
	if !req.Role.Valid() {
		return evac.Member{}, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, req.Role)
	}
	var member evac.Member
	err := c.Mutate(ctx, OpUpdateRole, req, &member)
	return member, err
}

// ListMemberRequest adds or removes a roster member on a list.
type ListMemberRequest struct {
	ListID   string `json:"listId"`
	MemberID string `json:"memberId"`
}

// AddListMember adds a member to a list and returns the updated list.
func (c *Client) AddListMember(ctx context.Context, req ListMemberRequest) (evac.EvacList, error) {
	var list evac.EvacList
	err := c.Mutate(ctx, OpAddListMember, req, &list)
	return list, err
}

// RemoveListMember removes a member from a list and returns the updated list.
func (c *Client) RemoveListMember(ctx context.Context, req ListMemberRequest) (evac.EvacList, error) {
	var list evac.EvacList
	err := c.Mutate(ctx, OpRemoveListMember, req, &list)
	return list, err
}

// TempContactRequest adds or removes an external contact on a list.
type TempContactRequest struct {
	ListID  string           `json:"listId"`
	Contact evac.TempContact `json:"contact"`
}

// AddTempContact attaches an external contact to a list.
func (c *Client) AddTempContact(ctx context.Context, req TempContactRequest) (evac.EvacList, error) {
	var list evac.EvacList
	err := c.Mutate(ctx, OpAddTempContact, req, &list)
	return list, err
}

// RemoveTempContact detaches an external contact from a list.
func (c *Client) RemoveTempContact(ctx context.Context, req TempContactRequest) (evac.EvacList, error) {
	var list evac.EvacList
	err := c.Mutate(ctx, OpRemoveTempContact, req, &list)
	return list, err
}

// RespondInviteRequest accepts or declines a pending invite.
type RespondInviteRequest struct {
	InviteID string `json:"inviteId"`
	Accept   bool   `json:"accept"`
}

// RespondInvite answers a pending invite.
func (c *Client) RespondInvite(ctx context.Context, req RespondInviteRequest) error {
	return c.Mutate(ctx, OpRespondInvite, req, nil)
}

// CheckinRequest records a check-in method for a subject.
type CheckinRequest struct {
	EvacuationID    string          `json:"evacuationId"`
	SubjectID       string          `json:"subjectId"`
	Method          evac.MethodKind `json:"method"`
	DurationSeconds *float64        `json:"durationSeconds,omitempty"`
}

// Checkin records a method check-in and returns the updated record.
func (c *Client) Checkin(ctx context.Context, req CheckinRequest) (evac.CheckinRecord, error) {
	var rec evac.CheckinRecord
	err := c.Mutate(ctx, OpCheckin, req, &rec)
	return rec, err
}

// MarkAbsentRequest flags a subject as absent for the evacuation.
type MarkAbsentRequest struct {
	EvacuationID string `json:"evacuationId"`
	SubjectID    string `json:"subjectId"`
	Absent       bool   `json:"absent"`
}

// MarkAbsent flags or unflags a subject as absent.
func (c *Client) MarkAbsent(ctx context.Context, req MarkAbsentRequest) (evac.CheckinRecord, error) {
	var rec evac.CheckinRecord
	err := c.Mutate(ctx, OpMarkAbsent, req, &rec)
	return rec, err
}

// RenameListRequest renames an evacuation list.
type RenameListRequest struct {
	ListID string `json:"listId"`
	Name   string `json:"name"`
}

// RenameList renames a list and returns the updated list.
func (c *Client) RenameList(ctx context.Context, req RenameListRequest) (evac.EvacList, error) {
	if req.Name == "" {
		return evac.EvacList{}, fmt.Errorf("%w: empty list name", ErrInvalidInput)
	}
	var list evac.EvacList
	err := c.Mutate(ctx, OpRenameList, req, &list)
	return list, err
}

// AssignEvacPointRequest assigns a member's assembly point.
type AssignEvacPointRequest struct {
	CompanyID string `json:"companyId"`
	MemberID  string `json:"memberId"`
	PointID   string `json:"pointId"`
}

// AssignEvacPoint assigns (or clears, with an empty point id) a member's
// assembly point and returns the updated member.
func (c *Client) AssignEvacPoint(ctx context.Context, req AssignEvacPointRequest) (evac.Member, error) {
	var member evac.Member
	err := c.Mutate(ctx, OpAssignEvacPoint, req, &member)
	return member, err
}

// UpdateSettingsRequest changes the company's check-in policy settings.
type UpdateSettingsRequest struct {
	CompanyID     string `json:"companyId"`
	StrictCheckin bool   `json:"strictCheckin"`
}

// UpdateSettings changes company-wide settings.
func (c *Client) UpdateSettings(ctx context.Context, req UpdateSettingsRequest) error {
	return c.Mutate(ctx, OpUpdateSettings, req, nil)
}
