// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package push implements the push subscription manager: one logical
// upstream subscription per (collection, scope key) pair, fanned out to
// any number of local listeners with idempotent cancel handles.
package push

import (
	"encoding/json"
	"errors"

	"github.com/staysafer/evacsync/internal/evac"
)

// Sentinel errors for subscription management.
var (
	// ErrChannelClosed is returned by Open after the manager or its
	// transport has been closed.
	ErrChannelClosed = errors.New("push channel closed")
)

// Delivery is one decoded push frame for a topic.
//
// Exists=false means the backing document does not exist; consumers
// treat that as an empty collection, not an error.
type Delivery struct {
	Topic    string                 `json:"topic"`
	Exists   bool                   `json:"exists"`
	Document json.RawMessage        `json:"document,omitempty"`
	Change   *evac.ChangeDescriptor `json:"change,omitempty"`
}

// Handler consumes deliveries for one subscription.
type Handler func(Delivery)

// ErrorHandler consumes a subscription failure. The failure is terminal
// for the upstream subscription; recovery is a fresh fetch plus re-open.
type ErrorHandler func(error)

// Channel is the transport under the manager: a document-style
// subscription protocol keyed by topic.
//
// Implementations deliver frames for a topic to the deliver callback and
// report terminal topic failures to fail. Both callbacks may be invoked
// from the transport's read loop; they must not block.
type Channel interface {
	Subscribe(topic string, deliver func(Delivery), fail func(error)) error
	Unsubscribe(topic string)
	Close() error
}
