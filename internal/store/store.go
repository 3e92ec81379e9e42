// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store implements the reconciliation store: per-collection,
// scope-keyed state merged from authoritative fetch snapshots and push
// deliveries.
//
// # Merge policy
//
// A full snapshot from either source replaces current state
// unconditionally — last writer wins by arrival order, not timestamp.
// The push channel and fetch responses are not causally ordered relative
// to each other, and the backend is the single source of truth, so the
// store never attempts timestamp or vector-clock reconciliation. An
// optimistic write is immediately visible but superseded by whichever
// snapshot arrives next.
//
// # Failure handling
//
// A subscription error is sticky per scope and cleared only by the next
// successful snapshot; the store never retries on its own. A fresh fetch,
// typically triggered on screen re-entry, is the designated recovery path.
//
// # Thread Safety
//
// Store is safe for concurrent use. It is written only by the push
// delivery callback and explicit fetch/optimistic applies; consumers
// read through Current and Subscribe.
package store

import (
	"sync"

	"github.com/google/uuid"

	"github.com/staysafer/evacsync/internal/evac"
)

// Update is one delivery to a subscriber: the new snapshot value plus the
// change descriptor when the snapshot came from a push event.
type Update[T any] struct {
	Value  T
	Change *evac.ChangeDescriptor

	// Optimistic marks values applied locally ahead of confirmation.
	Optimistic bool
}

// CancelFunc detaches a subscriber. Idempotent.
type CancelFunc func()

// Store holds the reconciled state of one entity collection across all
// of its scope keys.
type Store[T any] struct {
	collection evac.Collection

	mu     sync.RWMutex
	scopes map[string]*scopeState[T]
}

type scopeState[T any] struct {
	value      T
	populated  bool
	err        error
	lastChange *evac.ChangeDescriptor
	subs       map[string]chan Update[T]
}

// New creates an empty store for the collection.
func New[T any](collection evac.Collection) *Store[T] {
	return &Store[T]{
		collection: collection,
		scopes:     make(map[string]*scopeState[T]),
	}
}

// Collection returns the collection this store reconciles.
func (s *Store[T]) Collection() evac.Collection {
	return s.collection
}

func (s *Store[T]) scope(key string) *scopeState[T] {
	st, ok := s.scopes[key]
	if !ok {
		st = &scopeState[T]{subs: make(map[string]chan Update[T])}
		s.scopes[key] = st
	}
	return st
}

// Subscribe returns a channel of updates for the scope and a cancel
// function. The current value, if any, is delivered immediately.
//
// Delivery is latest-value: each subscriber has a one-slot buffer and a
// slow consumer observes the newest snapshot, possibly skipping
// intermediate ones. Subscribers must not close the channel themselves.
func (s *Store[T]) Subscribe(scopeKey string) (<-chan Update[T], CancelFunc) {
	ch := make(chan Update[T], 1)
	id := uuid.NewString()

	s.mu.Lock()
	st := s.scope(scopeKey)
	st.subs[id] = ch
	if st.populated {
		ch <- Update[T]{Value: st.value, Change: st.lastChange}
	}
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			if st, ok := s.scopes[scopeKey]; ok {
				delete(st.subs, id)
			}
			s.mu.Unlock()
		})
	}
	return ch, cancel
}

// Current returns the latest value for the scope and whether any
// snapshot or optimistic write has populated it.
func (s *Store[T]) Current(scopeKey string) (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.scopes[scopeKey]; ok && st.populated {
		return st.value, true
	}
	var zero T
	return zero, false
}

// LastChange returns the descriptor of the most recent push snapshot for
// the scope, or nil when state came only from fetches.
func (s *Store[T]) LastChange(scopeKey string) *evac.ChangeDescriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.scopes[scopeKey]; ok {
		return st.lastChange
	}
	return nil
}

// ApplySnapshot replaces the scope's state with an authoritative
// snapshot from either source and clears any sticky error. The change
// descriptor is recorded and fanned out when non-nil.
func (s *Store[T]) ApplySnapshot(scopeKey string, value T, change *evac.ChangeDescriptor) {
	s.mu.Lock()
	st := s.scope(scopeKey)
	st.value = value
	st.populated = true
	st.err = nil
	if change != nil {
		st.lastChange = change
	}
	s.fanOut(st, Update[T]{Value: value, Change: change})
	s.mu.Unlock()
}

// ApplyOptimistic makes a locally-known-good value visible ahead of
// confirmation. The next snapshot from any source supersedes it; callers
// must not assume it is durable. Sticky errors are left in place.
func (s *Store[T]) ApplyOptimistic(scopeKey string, value T) {
	s.mu.Lock()
	st := s.scope(scopeKey)
	st.value = value
	st.populated = true
	s.fanOut(st, Update[T]{Value: value, Optimistic: true})
	s.mu.Unlock()
}

// Fail records a sticky subscription error for the scope. State already
// held stays readable; only the next ApplySnapshot clears the error.
func (s *Store[T]) Fail(scopeKey string, err error) {
	s.mu.Lock()
	s.scope(scopeKey).err = err
	s.mu.Unlock()
}

// Err returns the scope's sticky error, if any.
func (s *Store[T]) Err(scopeKey string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.scopes[scopeKey]; ok {
		return st.err
	}
	return nil
}

// Drop releases all state and subscribers for a scope. Subscriber
// channels are closed.
func (s *Store[T]) Drop(scopeKey string) {
	s.mu.Lock()
	if st, ok := s.scopes[scopeKey]; ok {
		for _, ch := range st.subs {
			close(ch)
		}
		delete(s.scopes, scopeKey)
	}
	s.mu.Unlock()
}

// Reset drops every scope. Used on session teardown (logout, token
// expiry).
func (s *Store[T]) Reset() {
	s.mu.Lock()
	for key, st := range s.scopes {
		for _, ch := range st.subs {
			close(ch)
		}
		delete(s.scopes, key)
	}
	s.mu.Unlock()
}

// fanOut pushes an update to every subscriber with latest-value
// semantics. Caller holds s.mu.
func (s *Store[T]) fanOut(st *scopeState[T], u Update[T]) {
	for _, ch := range st.subs {
		select {
		case ch <- u:
		default:
			// Slot occupied: replace the stale update with the newer one.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- u:
			default:
			}
		}
	}
}
