// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"context"

	"github.com/staysafer/evacsync/internal/evac"
	"github.com/staysafer/evacsync/internal/store"
	"github.com/staysafer/evacsync/pkg/logging"
)

// Roster is the reconciled roster collection the propagator watches.
type Roster = map[string]evac.Member

// Propagator patches the session in place when a roster change event
// targets the current user — the mechanism by which a role change made
// by another operator takes effect without the affected user logging
// out.
//
// Descriptors whose SubjectID differs from the session user never touch
// the session. The propagator must be stopped before the session id
// changes; a still-running propagator against a stale session would
// patch the wrong user.
type Propagator struct {
	session *Session
	persist *Store
	logger  *logging.Logger
}

// NewPropagator creates a propagator for the session. persist may be
// nil when durable storage is unavailable (patches then apply in memory
// only).
func NewPropagator(sess *Session, persist *Store, logger *logging.Logger) *Propagator {
	return &Propagator{session: sess, persist: persist, logger: logger}
}

// Run subscribes to the roster store for the session's company and
// applies matching changes until ctx is cancelled. Blocks; run in a
// goroutine.
func (p *Propagator) Run(ctx context.Context, roster *store.Store[Roster]) {
	companyID := p.session.CompanyID()
	updates, cancel := roster.Subscribe(companyID)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			p.apply(u)
		}
	}
}

// apply inspects one roster update and patches the session when the
// change targets the current user. Idempotent: re-delivery of an
// already-applied descriptor finds no difference and writes nothing.
func (p *Propagator) apply(u store.Update[Roster]) {
	change := u.Change
	if change == nil {
		return
	}
	userID := p.session.UserID()
	if change.SubjectID != userID {
		return
	}

	var updated evac.Member
	ok, err := change.DecodeNewValue(&updated)
	if err != nil {
		p.logger.Warn("undecodable identity change dropped", "action", change.Action, "error", err)
		return
	}
	if !ok {
		// Descriptor without a payload: fall back to the snapshot.
		updated, ok = u.Value[userID]
		if !ok {
			return
		}
	}

	current := p.session.Identity()
	if current.Role == updated.Role && current.Name == updated.Name && current.Email == updated.Email {
		return
	}

	patched := p.session.Patch(func(id *Identity) {
		id.Role = updated.Role
		id.Name = updated.Name
		id.Email = updated.Email
	})
	p.logger.Info("session identity patched",
		"action", change.Action,
		"role", patched.Role,
		"acting_user", change.ActingUserID,
	)

	if p.persist != nil {
		if err := p.persist.Save(patched); err != nil {
			p.logger.Error("failed to persist patched session", "error", err)
		}
	}
}
