// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package agent is the composition root of the sync engine: it wires the
// fetch client, push channel, reconciliation stores, identity propagator,
// and lifecycle controller into one running unit per login session.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/staysafer/evacsync/internal/api"
	"github.com/staysafer/evacsync/internal/config"
	"github.com/staysafer/evacsync/internal/evac"
	"github.com/staysafer/evacsync/internal/lifecycle"
	"github.com/staysafer/evacsync/internal/observability"
	"github.com/staysafer/evacsync/internal/push"
	"github.com/staysafer/evacsync/internal/session"
	"github.com/staysafer/evacsync/internal/store"
	"github.com/staysafer/evacsync/pkg/logging"
)

// Stores bundles the reconciliation stores the agent keeps in sync.
// They are shared references: UI code reads and subscribes, the agent
// writes.
type Stores struct {
	Roster   *store.Store[session.Roster]
	Lists    *store.Store[map[string]evac.EvacList]
	Points   *store.Store[map[string]evac.EvacPoint]
	Evacs    *store.Store[evac.Evacuation]
	Invites  *store.Store[map[string]evac.Invite]
	Checkins *store.Store[map[string]evac.CheckinRecord]
	History  *store.Store[[]evac.HistoryEvent]
}

// NewStores creates one empty store per synced collection.
func NewStores() *Stores {
	return &Stores{
		Roster:   store.New[session.Roster](evac.CollectionRoster),
		Lists:    store.New[map[string]evac.EvacList](evac.CollectionLists),
		Points:   store.New[map[string]evac.EvacPoint](evac.CollectionPoints),
		Evacs:    store.New[evac.Evacuation](evac.CollectionEvacuation),
		Invites:  store.New[map[string]evac.Invite](evac.CollectionInvites),
		Checkins: store.New[map[string]evac.CheckinRecord](evac.CollectionCheckins),
		History:  store.New[[]evac.HistoryEvent](evac.CollectionHistory),
	}
}

// Dialer opens the push transport. Swapped for a MockChannel in tests.
type Dialer func(ctx context.Context) (push.Channel, error)

// Option configures an Agent.
type Option func(*Agent)

// WithDialer replaces the websocket dialer.
func WithDialer(d Dialer) Option {
	return func(a *Agent) { a.dial = d }
}

// WithChannel pins the push transport to an already-open channel.
func WithChannel(ch push.Channel) Option {
	return func(a *Agent) {
		a.dial = func(context.Context) (push.Channel, error) { return ch, nil }
	}
}

// Agent owns the per-session sync machinery.
//
// Lifetime: construct after login, Run until logout or auth expiry,
// discard. An agent is never reused across sessions; the propagator and
// the subscription scope keys are bound to the identity it was built
// with.
type Agent struct {
	cfg     config.Config
	sess    *session.Session
	persist *session.Store
	logger  *logging.Logger
	metrics *observability.Metrics

	client *api.Client
	dial   Dialer
	stores *Stores
	ctrl   *lifecycle.Controller

	authExpired chan struct{}
	expireOnce  sync.Once
}

// New wires an agent for the session. persist may be nil (in-memory
// session only).
func New(cfg config.Config, sess *session.Session, persist *session.Store, logger *logging.Logger, metrics *observability.Metrics, opts ...Option) *Agent {
	if metrics == nil {
		metrics = observability.Nop()
	}
	a := &Agent{
		cfg:         cfg,
		sess:        sess,
		persist:     persist,
		logger:      logger,
		metrics:     metrics,
		stores:      NewStores(),
		authExpired: make(chan struct{}),
	}
	a.client = api.NewClient(cfg.Backend.BaseURL, sess.Token, logger,
		api.WithTimeout(cfg.Timeout()),
		api.WithAuthExpiredHook(a.expire),
	)
	a.ctrl = lifecycle.NewController(a.client, sess,
		a.stores.Evacs, a.stores.Checkins, a.stores.Lists,
		guardsFrom(cfg), logger, metrics)
	a.dial = func(ctx context.Context) (push.Channel, error) {
		return push.DialWebsocket(ctx, cfg.Backend.PushURL, sess.Token(), logger, metrics)
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func guardsFrom(cfg config.Config) lifecycle.Guards {
	return lifecycle.Guards{
		AlarmRequireNonEmptyList: cfg.Lifecycle.Alarm.RequireNonEmptyList,
		DrillRequireNonEmptyList: cfg.Lifecycle.Drill.RequireNonEmptyList,
		Strict:                   cfg.Classifier.Strict,
	}
}

// Stores returns the shared reconciliation stores.
func (a *Agent) Stores() *Stores { return a.stores }

// Controller returns the lifecycle controller bound to this agent.
func (a *Agent) Controller() *lifecycle.Controller { return a.ctrl }

// Client returns the authoritative fetch client.
func (a *Agent) Client() *api.Client { return a.client }

// Reload applies a hot-reloaded configuration. Only the guard flags and
// strictness take effect on a live agent; transport settings need a
// restart.
func (a *Agent) Reload(cfg config.Config) {
	a.ctrl.SetGuards(guardsFrom(cfg))
	a.logger.Info("agent guards reloaded",
		"alarm_require_non_empty", cfg.Lifecycle.Alarm.RequireNonEmptyList,
		"drill_require_non_empty", cfg.Lifecycle.Drill.RequireNonEmptyList,
		"strict", cfg.Classifier.Strict,
	)
}

// Run connects the push channel, opens the session's subscriptions,
// seeds every store with an authoritative fetch, and keeps reconciling
// until ctx is cancelled (logout) or the token expires.
//
// Returns api.ErrAuthExpired on token expiry, after clearing the
// persisted session; returns nil on plain cancellation.
func (a *Agent) Run(ctx context.Context) error {
	channel, err := a.dial(ctx)
	if err != nil {
		return fmt.Errorf("dial push channel: %w", err)
	}
	manager := push.NewManager(channel, a.logger, a.metrics)
	defer func() { _ = manager.Close() }()

	if err := a.openSessionBindings(ctx, manager); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	propagator := session.NewPropagator(a.sess, a.persist, a.logger)
	g.Go(func() error {
		propagator.Run(gctx, a.stores.Roster)
		return nil
	})
	g.Go(func() error {
		return a.watchCheckins(gctx, manager)
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-a.authExpired:
			return api.ErrAuthExpired
		}
	})

	err = g.Wait()
	if errors.Is(err, api.ErrAuthExpired) {
		a.logger.Warn("session expired, tearing down sync agent", "user_id", a.sess.UserID())
		a.resetStores()
		if a.persist != nil {
			if cerr := a.persist.Clear(); cerr != nil {
				a.logger.Error("failed to clear expired session", "error", cerr)
			}
		}
	}
	return err
}

// resetStores drops every reconciled value. Stale emergency state must
// not survive into the next login.
func (a *Agent) resetStores() {
	a.stores.Roster.Reset()
	a.stores.Lists.Reset()
	a.stores.Points.Reset()
	a.stores.Evacs.Reset()
	a.stores.Invites.Reset()
	a.stores.Checkins.Reset()
	a.stores.History.Reset()
}

// openSessionBindings opens the subscriptions that live for the whole
// session: the company collections plus the user's invites. The
// evacuation-scoped check-in binding is managed by watchCheckins.
func (a *Agent) openSessionBindings(ctx context.Context, manager *push.Manager) error {
	companyID := a.sess.CompanyID()
	userID := a.sess.UserID()

	if err := bind(ctx, a, manager, a.stores.Roster, companyID, func(c context.Context) (session.Roster, error) {
		return a.client.FetchRoster(c, companyID)
	}); err != nil {
		return err
	}
	if err := bind(ctx, a, manager, a.stores.Lists, companyID, func(c context.Context) (map[string]evac.EvacList, error) {
		return a.client.FetchLists(c, companyID)
	}); err != nil {
		return err
	}
	if err := bind(ctx, a, manager, a.stores.Points, companyID, func(c context.Context) (map[string]evac.EvacPoint, error) {
		return a.client.FetchPoints(c, companyID)
	}); err != nil {
		return err
	}
	if err := bind(ctx, a, manager, a.stores.Evacs, companyID, func(c context.Context) (evac.Evacuation, error) {
		return a.client.FetchEvacuation(c, companyID)
	}); err != nil {
		return err
	}
	if err := bind(ctx, a, manager, a.stores.History, companyID, func(c context.Context) ([]evac.HistoryEvent, error) {
		return a.client.FetchHistory(c, companyID)
	}); err != nil {
		return err
	}
	if err := bind(ctx, a, manager, a.stores.Invites, userID, func(c context.Context) (map[string]evac.Invite, error) {
		return a.client.FetchInvites(c, userID)
	}); err != nil {
		return err
	}
	return nil
}

// bind ties one store scope to its push topic and seeds it with a fetch.
//
// Subscribe happens before the fetch so no frame falls into a gap; the
// store's last-arrival-wins rule resolves any interleaving. A fetch
// failure marks the scope failed but keeps the subscription: the next
// push snapshot clears the error.
func bind[T any](ctx context.Context, a *Agent, manager *push.Manager, st *store.Store[T], scopeKey string, fetch func(context.Context) (T, error)) error {
	collection := st.Collection()
	_, err := manager.Open(collection, scopeKey,
		func(d push.Delivery) {
			var value T
			if d.Exists && len(d.Document) > 0 {
				if err := json.Unmarshal(d.Document, &value); err != nil {
					a.logger.Warn("undecodable push document dropped",
						"topic", d.Topic, "error", err)
					return
				}
			}
			st.ApplySnapshot(scopeKey, value, d.Change)
			a.metrics.SnapshotsTotal.WithLabelValues(string(collection), "push").Inc()
		},
		func(err error) {
			st.Fail(scopeKey, err)
		},
	)
	if err != nil {
		return fmt.Errorf("subscribe %s/%s: %w", collection, scopeKey, err)
	}

	value, err := fetch(ctx)
	if err != nil {
		a.logger.Warn("initial fetch failed, waiting for push",
			"collection", collection, "scope", scopeKey, "error", err)
		st.Fail(scopeKey, err)
		return nil
	}
	st.ApplySnapshot(scopeKey, value, nil)
	a.metrics.SnapshotsTotal.WithLabelValues(string(collection), "fetch").Inc()
	return nil
}

// watchCheckins follows the evacuation state and keeps exactly one
// check-in binding open: none while idle, one for the active event. The
// binding moves when the active evacuation id changes (end plus start
// observed as a single transition).
func (a *Agent) watchCheckins(ctx context.Context, manager *push.Manager) error {
	updates, cancel := a.stores.Evacs.Subscribe(a.sess.CompanyID())
	defer cancel()

	var open *push.Handle
	var openID string
	closeOpen := func() {
		if open == nil {
			return
		}
		open.Cancel()
		a.stores.Checkins.Drop(openID)
		open, openID = nil, ""
	}
	defer closeOpen()

	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			ev := u.Value
			switch {
			case ev.Active() && ev.ID != openID:
				closeOpen()
				handle, err := manager.Open(evac.CollectionCheckins, ev.ID,
					a.checkinHandler(ev.ID),
					func(err error) { a.stores.Checkins.Fail(ev.ID, err) },
				)
				if err != nil {
					a.stores.Checkins.Fail(ev.ID, err)
					continue
				}
				open, openID = handle, ev.ID
				a.seedCheckins(ctx, ev.ID)
			case !ev.Active():
				closeOpen()
			}
		}
	}
}

func (a *Agent) checkinHandler(evacuationID string) push.Handler {
	return func(d push.Delivery) {
		var records map[string]evac.CheckinRecord
		if d.Exists && len(d.Document) > 0 {
			if err := json.Unmarshal(d.Document, &records); err != nil {
				a.logger.Warn("undecodable check-in document dropped",
					"topic", d.Topic, "error", err)
				return
			}
		}
		a.stores.Checkins.ApplySnapshot(evacuationID, records, d.Change)
		a.metrics.SnapshotsTotal.WithLabelValues(string(evac.CollectionCheckins), "push").Inc()
	}
}

// seedCheckins fetches the authoritative check-in document. A local
// start already seeded the scope optimistically; the fetch re-applies
// whatever the backend holds.
func (a *Agent) seedCheckins(ctx context.Context, evacuationID string) {
	records, err := a.client.FetchCheckins(ctx, evacuationID)
	if err != nil {
		a.logger.Warn("check-in fetch failed, waiting for push",
			"evacuation_id", evacuationID, "error", err)
		return
	}
	a.stores.Checkins.ApplySnapshot(evacuationID, records, nil)
	a.metrics.SnapshotsTotal.WithLabelValues(string(evac.CollectionCheckins), "fetch").Inc()
}

func (a *Agent) expire() {
	a.expireOnce.Do(func() { close(a.authExpired) })
}
