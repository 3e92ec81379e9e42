// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/staysafer/evacsync/internal/api"
	"github.com/staysafer/evacsync/internal/checkin"
	"github.com/staysafer/evacsync/internal/evac"
	"github.com/staysafer/evacsync/internal/observability"
	"github.com/staysafer/evacsync/internal/session"
	"github.com/staysafer/evacsync/internal/store"
	"github.com/staysafer/evacsync/pkg/logging"
)

// Backend is the slice of the fetch client the controller mutates
// through.
type Backend interface {
	CreateEvacuation(ctx context.Context, req api.CreateEvacuationRequest) (api.CreateEvacuationResponse, error)
	EndEvacuation(ctx context.Context, req api.EndEvacuationRequest) error
}

// Guards configures the start-transition soft guards per mode.
type Guards struct {
	// AlarmRequireNonEmptyList makes an empty list fatal for alarms.
	AlarmRequireNonEmptyList bool

	// DrillRequireNonEmptyList makes an empty list fatal for drills.
	DrillRequireNonEmptyList bool

	// Strict selects the two-method presence policy for the
	// end-of-evacuation missing-contacts computation.
	Strict bool
}

// fatalEmpty reports whether an empty list blocks the given mode.
func (g Guards) fatalEmpty(mode evac.Mode) bool {
	if mode == evac.ModeAlarm {
		return g.AlarmRequireNonEmptyList
	}
	return g.DrillRequireNonEmptyList
}

// StartReceipt reports a successful start.
type StartReceipt struct {
	Evacuation evac.Evacuation

	// Warnings are non-blocking guard findings (e.g. empty list when the
	// mode's configuration does not declare emptiness fatal).
	Warnings []string
}

// EndReceipt reports a successful end.
type EndReceipt struct {
	EvacuationID string
	Mode         evac.Mode

	// Missing are the subject ids that were neither safe nor absent
	// under the configured policy when the event ended. Shown in the
	// operator's confirmation message; informational only.
	Missing []string
}

// Controller drives evacuation start/end transitions.
//
// The controller never caches its own mode flag: every transition
// re-reads the evacuation store, so a late push event that contradicts
// an optimistic start (the two-device race the client cannot prevent)
// reverts the controller's view automatically.
//
// # Thread Safety
//
// Controller is safe for concurrent use; transitions are serialized by
// the evacuation store's state, not a local lock, because the backend
// holds the real invariant.
type Controller struct {
	backend  Backend
	sess     *session.Session
	evacs    *store.Store[evac.Evacuation]
	checkins *store.Store[map[string]evac.CheckinRecord]
	lists    *store.Store[map[string]evac.EvacList]
	logger   *logging.Logger
	metrics  *observability.Metrics

	guardsMu sync.RWMutex
	guards   Guards
}

// NewController wires a controller over the shared stores.
func NewController(
	backend Backend,
	sess *session.Session,
	evacs *store.Store[evac.Evacuation],
	checkins *store.Store[map[string]evac.CheckinRecord],
	lists *store.Store[map[string]evac.EvacList],
	guards Guards,
	logger *logging.Logger,
	metrics *observability.Metrics,
) *Controller {
	if metrics == nil {
		metrics = observability.Nop()
	}
	return &Controller{
		backend:  backend,
		sess:     sess,
		evacs:    evacs,
		checkins: checkins,
		lists:    lists,
		guards:   guards,
		logger:   logger,
		metrics:  metrics,
	}
}

// SetGuards replaces the guard configuration (config hot reload).
func (c *Controller) SetGuards(g Guards) {
	c.guardsMu.Lock()
	c.guards = g
	c.guardsMu.Unlock()
}

// Guards returns the current guard configuration.
func (c *Controller) Guards() Guards {
	c.guardsMu.RLock()
	defer c.guardsMu.RUnlock()
	return c.guards
}

// Current returns the latest known evacuation state for the session's
// company.
func (c *Controller) Current() evac.Evacuation {
	ev, ok := c.evacs.Current(c.sess.CompanyID())
	if !ok {
		return evac.Evacuation{Mode: evac.ModeIdle}
	}
	if ev.Mode == "" {
		ev.Mode = evac.ModeIdle
	}
	return ev
}

// Start begins a drill or alarm for the list.
//
// Soft guards reject with an ErrPrecondition error and never mutate
// state. On backend success the response snapshot becomes the
// optimistic evacuation state and seeds the check-in store; the push
// channel confirms (or contradicts) it asynchronously.
//
// selected optionally narrows the event to a subset of the list; empty
// means the whole list.
func (c *Controller) Start(ctx context.Context, mode evac.Mode, listID string, selected []string) (StartReceipt, error) {
	if !mode.Active() {
		c.count(mode, "start", "rejected")
		return StartReceipt{}, ErrInvalidMode
	}

	current := c.Current()
	if current.Active() {
		c.count(mode, "start", "rejected")
		if current.Mode == mode {
			return StartReceipt{}, ErrAlreadyActive
		}
		return StartReceipt{}, ErrOppositeActive
	}

	receipt := StartReceipt{}
	if empty := c.listEmpty(listID, selected); empty {
		if c.Guards().fatalEmpty(mode) {
			c.count(mode, "start", "rejected")
			return StartReceipt{}, fmt.Errorf("%w (list %s)", ErrEmptyList, listID)
		}
		receipt.Warnings = append(receipt.Warnings,
			fmt.Sprintf("list %s has nobody to evacuate", listID))
	}

	companyID := c.sess.CompanyID()
	resp, err := c.backend.CreateEvacuation(ctx, api.CreateEvacuationRequest{
		CompanyID:  companyID,
		ListID:     listID,
		Mode:       mode,
		StartedBy:  c.sess.UserID(),
		SubjectIDs: selected,
	})
	if err != nil {
		c.count(mode, "start", "failed")
		return StartReceipt{}, fmt.Errorf("start %s: %w", mode, err)
	}

	// The mutation response is an authoritative snapshot; apply it ahead
	// of the push confirmation.
	c.evacs.ApplyOptimistic(companyID, resp.Evacuation)
	c.checkins.ApplySnapshot(resp.Evacuation.ID, resp.Checkins, nil)
	c.count(mode, "start", "ok")
	c.logger.Info("evacuation started",
		"mode", mode,
		"evacuation_id", resp.Evacuation.ID,
		"list_id", listID,
		"subjects", len(resp.Checkins),
	)

	receipt.Evacuation = resp.Evacuation
	return receipt, nil
}

// End finishes the active evacuation of the given mode.
//
// The missing-contacts set in the receipt is advisory: it feeds the
// operator's confirmation message and never blocks the transition.
func (c *Controller) End(ctx context.Context, mode evac.Mode) (EndReceipt, error) {
	if !mode.Active() {
		c.count(mode, "end", "rejected")
		return EndReceipt{}, ErrInvalidMode
	}

	current := c.Current()
	if !current.Active() || current.Mode != mode {
		c.count(mode, "end", "rejected")
		return EndReceipt{}, ErrNotActive
	}

	var missing []string
	if records, ok := c.checkins.Current(current.ID); ok {
		start := time.Now()
		missing = checkin.Missing(records, checkin.MissingPolicy{Strict: c.Guards().Strict})
		c.metrics.ClassifyDurationSeconds.Observe(time.Since(start).Seconds())
	}

	err := c.backend.EndEvacuation(ctx, api.EndEvacuationRequest{
		EvacuationID: current.ID,
		EndedBy:      c.sess.UserID(),
	})
	if err != nil {
		c.count(mode, "end", "failed")
		return EndReceipt{}, fmt.Errorf("end %s: %w", mode, err)
	}

	// Clear local check-in state and reset to idle; other devices
	// converge through the push channel on their own.
	c.checkins.Drop(current.ID)
	c.evacs.ApplyOptimistic(c.sess.CompanyID(), evac.Evacuation{Mode: evac.ModeIdle})
	c.count(mode, "end", "ok")
	c.logger.Info("evacuation ended",
		"mode", mode,
		"evacuation_id", current.ID,
		"missing", len(missing),
	)

	return EndReceipt{EvacuationID: current.ID, Mode: mode, Missing: missing}, nil
}

// listEmpty reports whether the start would target nobody.
func (c *Controller) listEmpty(listID string, selected []string) bool {
	if len(selected) > 0 {
		return false
	}
	lists, ok := c.lists.Current(c.sess.CompanyID())
	if !ok {
		return true
	}
	list, ok := lists[listID]
	if !ok {
		return true
	}
	return len(list.MemberIDs)+len(list.TempContacts) == 0
}

func (c *Controller) count(mode evac.Mode, transition, outcome string) {
	c.metrics.LifecycleTransitionsTotal.WithLabelValues(string(mode), transition, outcome).Inc()
}
