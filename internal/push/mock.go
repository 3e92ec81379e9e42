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

import "sync"

// MockChannel is an in-memory Channel for tests and the offline agent.
// Deliveries are injected with Deliver and Fail.
type MockChannel struct {
	mu           sync.Mutex
	subs         map[string]*wsSub
	closed       bool
	SubscribeErr error
}

// NewMockChannel creates an empty MockChannel.
func NewMockChannel() *MockChannel {
	return &MockChannel{subs: make(map[string]*wsSub)}
}

// Subscribe records the topic callbacks.
func (c *MockChannel) Subscribe(topic string, deliver func(Delivery), fail func(error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SubscribeErr != nil {
		return c.SubscribeErr
	}
	if c.closed {
		return ErrChannelClosed
	}
	c.subs[topic] = &wsSub{deliver: deliver, fail: fail}
	return nil
}

// Unsubscribe drops the topic.
func (c *MockChannel) Unsubscribe(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, topic)
}

// Close marks the channel closed.
func (c *MockChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.subs = make(map[string]*wsSub)
	return nil
}

// Deliver injects a frame for its topic. Returns false when no
// subscription is live for the topic.
func (c *MockChannel) Deliver(d Delivery) bool {
	c.mu.Lock()
	sub, ok := c.subs[d.Topic]
	c.mu.Unlock()
	if !ok {
		return false
	}
	sub.deliver(d)
	return true
}

// Fail injects a terminal failure for a topic.
func (c *MockChannel) Fail(topic string, err error) bool {
	c.mu.Lock()
	sub, ok := c.subs[topic]
	delete(c.subs, topic)
	c.mu.Unlock()
	if !ok || sub.fail == nil {
		return false
	}
	sub.fail(err)
	return true
}

// Subscribed reports whether a live subscription exists for the topic.
func (c *MockChannel) Subscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[topic]
	return ok
}
