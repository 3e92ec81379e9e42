// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package push

import (
	"sync"

	"github.com/google/uuid"

	"github.com/staysafer/evacsync/internal/evac"
	"github.com/staysafer/evacsync/internal/observability"
	"github.com/staysafer/evacsync/pkg/logging"
)

// Manager multiplexes local listeners onto upstream topic subscriptions.
//
// Guarantees:
//   - at most one live upstream subscription per (collection, scope key);
//     opening a duplicate reuses it and fans out to all listeners;
//   - Handle.Cancel is idempotent and safe after teardown — a cancelled
//     handle never sees another delivery;
//   - a listener panic is recovered and logged, never killing delivery
//     to other listeners;
//   - an unavailable scope (empty key) yields a no-op handle, not an error.
//
// # Thread Safety
//
// Manager is safe for concurrent use.
type Manager struct {
	channel Channel
	logger  *logging.Logger
	metrics *observability.Metrics

	mu     sync.Mutex
	topics map[string]*topicState
	closed bool
}

type topicState struct {
	listeners map[string]*listener
}

type listener struct {
	deliver Handler
	fail    ErrorHandler
}

// Handle cancels one listener's interest in a subscription.
type Handle struct {
	m     *Manager
	topic string
	id    string
	once  sync.Once
}

// NewManager creates a subscription manager over the channel.
func NewManager(channel Channel, logger *logging.Logger, metrics *observability.Metrics) *Manager {
	if metrics == nil {
		metrics = observability.Nop()
	}
	return &Manager{
		channel: channel,
		logger:  logger,
		metrics: metrics,
		topics:  make(map[string]*topicState),
	}
}

// Open subscribes onDelivery to the (collection, scopeKey) topic.
//
// An empty scope key (e.g. the user has no company yet) returns a no-op
// handle and nil error. The first listener on a topic opens the upstream
// subscription; later listeners share it.
func (m *Manager) Open(collection evac.Collection, scopeKey string, onDelivery Handler, onError ErrorHandler) (*Handle, error) {
	topic := evac.Topic(collection, scopeKey)
	if topic == "" {
		return &Handle{}, nil
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrChannelClosed
	}

	id := uuid.NewString()
	st, live := m.topics[topic]
	if !live {
		st = &topicState{listeners: make(map[string]*listener)}
		m.topics[topic] = st
	}
	st.listeners[id] = &listener{deliver: onDelivery, fail: onError}
	m.mu.Unlock()

	if !live {
		err := m.channel.Subscribe(topic,
			func(d Delivery) { m.fanOut(topic, d) },
			func(err error) { m.failTopic(topic, err) },
		)
		if err != nil {
			m.mu.Lock()
			delete(st.listeners, id)
			if len(st.listeners) == 0 {
				delete(m.topics, topic)
			}
			m.mu.Unlock()
			return nil, err
		}
		m.metrics.ActiveSubscriptions.Inc()
		m.logger.Debug("opened push subscription", "topic", topic)
	}

	return &Handle{m: m, topic: topic, id: id}, nil
}

// Cancel detaches the listener. Idempotent; safe to call after the
// owning component's lifetime ends. The last cancel on a topic closes
// the upstream subscription.
func (h *Handle) Cancel() {
	if h.m == nil {
		return // no-op handle
	}
	h.once.Do(func() {
		h.m.mu.Lock()
		st, ok := h.m.topics[h.topic]
		if !ok {
			h.m.mu.Unlock()
			return
		}
		delete(st.listeners, h.id)
		last := len(st.listeners) == 0
		if last {
			delete(h.m.topics, h.topic)
		}
		h.m.mu.Unlock()

		if last {
			h.m.channel.Unsubscribe(h.topic)
			h.m.metrics.ActiveSubscriptions.Dec()
			h.m.logger.Debug("closed push subscription", "topic", h.topic)
		}
	})
}

// Close tears down every subscription and the transport. Subsequent
// Open calls fail with ErrChannelClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	topics := make([]string, 0, len(m.topics))
	for topic := range m.topics {
		topics = append(topics, topic)
	}
	m.topics = make(map[string]*topicState)
	m.mu.Unlock()

	for _, topic := range topics {
		m.channel.Unsubscribe(topic)
		m.metrics.ActiveSubscriptions.Dec()
	}
	return m.channel.Close()
}

// OpenCount returns the number of live upstream topics.
func (m *Manager) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.topics)
}

func (m *Manager) fanOut(topic string, d Delivery) {
	m.mu.Lock()
	st, ok := m.topics[topic]
	if !ok {
		m.mu.Unlock()
		return
	}
	listeners := make([]*listener, 0, len(st.listeners))
	for _, l := range st.listeners {
		listeners = append(listeners, l)
	}
	m.mu.Unlock()

	for _, l := range listeners {
		m.safeDeliver(l.deliver, topic, d)
	}
}

func (m *Manager) failTopic(topic string, err error) {
	m.mu.Lock()
	st, ok := m.topics[topic]
	if !ok {
		m.mu.Unlock()
		return
	}
	listeners := make([]*listener, 0, len(st.listeners))
	for _, l := range st.listeners {
		listeners = append(listeners, l)
	}
	m.mu.Unlock()

	m.logger.Warn("push subscription failed", "topic", topic, "error", err)
	for _, l := range listeners {
		if l.fail != nil {
			l.fail(err)
		}
	}
}

// safeDeliver invokes a handler with panic recovery so one misbehaving
// consumer cannot stop delivery to the rest.
func (m *Manager) safeDeliver(h Handler, topic string, d Delivery) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("push handler panicked", "topic", topic, "panic", r)
		}
	}()
	h(d)
}
