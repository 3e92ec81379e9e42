// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session holds the current user's session: an explicit object
// with a defined lifecycle (created at login, torn down at logout or
// token expiry) instead of process-wide globals, durable storage for it,
// and the propagator that patches it when another operator mutates the
// user's roster record.
package session

import (
	"sync"

	"github.com/staysafer/evacsync/internal/evac"
)

// Identity is the session's snapshot of the current user. It duplicates
// the user's roster entry; the Propagator is the only component allowed
// to reconcile the two.
type Identity struct {
	UserID    string    `json:"userId"`
	CompanyID string    `json:"companyId"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Role      evac.Role `json:"role"`
	Token     string    `json:"token"`
}

// Session is the live, mutable session object shared by reference with
// the components that need it.
//
// # Thread Safety
//
// Session is safe for concurrent use.
type Session struct {
	mu sync.RWMutex
	id Identity
}

// New creates a session from a freshly authenticated identity.
func New(id Identity) *Session {
	return &Session{id: id}
}

// Identity returns a copy of the current identity.
func (s *Session) Identity() Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id
}

// UserID returns the session's user id.
func (s *Session) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id.UserID
}

// CompanyID returns the session's company id. Empty until the user
// belongs to a company.
func (s *Session) CompanyID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id.CompanyID
}

// Token returns the current auth token. Suitable as an api.TokenSource:
//
//	api.NewClient(url, sess.Token, logger)
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id.Token
}

// Patch applies fn to the identity under the write lock and returns the
// result. Only the Propagator and the login/logout flows may call this;
// every other component treats the session as read-only.
func (s *Session) Patch(fn func(*Identity)) Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.id)
	return s.id
}
