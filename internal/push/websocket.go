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
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/staysafer/evacsync/internal/evac"
	"github.com/staysafer/evacsync/internal/observability"
	"github.com/staysafer/evacsync/pkg/logging"
)

// controlFrame is the client-to-server subscription control message.
type controlFrame struct {
	Action string `json:"action"` // "subscribe" | "unsubscribe"
	Topic  string `json:"topic"`
}

// WebsocketChannel is the production Channel over a single websocket
// connection to the push endpoint.
//
// One read loop decodes frames and dispatches by topic. A malformed
// frame is logged and dropped; it never tears down the connection or
// affects other topics. A read-loop error is terminal: every subscribed
// topic's fail callback fires and the channel closes.
type WebsocketChannel struct {
	conn    *websocket.Conn
	logger  *logging.Logger
	metrics *observability.Metrics

	mu     sync.Mutex // guards writes, subs, closed
	subs   map[string]*wsSub
	closed bool
	done   chan struct{}
}

type wsSub struct {
	deliver func(Delivery)
	fail    func(error)
}

// DialWebsocket connects to the push endpoint and starts the read loop.
//
// # Inputs
//
//   - ctx: dial context (cancellation/timeout).
//   - url: websocket URL (ws:// or wss://).
//   - token: session token, sent as a bearer header.
func DialWebsocket(ctx context.Context, url, token string, logger *logging.Logger, metrics *observability.Metrics) (*WebsocketChannel, error) {
	if metrics == nil {
		metrics = observability.Nop()
	}

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial push channel: %w", err)
	}

	c := &WebsocketChannel{
		conn:    conn,
		logger:  logger,
		metrics: metrics,
		subs:    make(map[string]*wsSub),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Subscribe registers the topic upstream and routes its frames to
// deliver. Called by the Manager, once per live topic.
func (c *WebsocketChannel) Subscribe(topic string, deliver func(Delivery), fail func(error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrChannelClosed
	}
	if err := c.conn.WriteJSON(controlFrame{Action: "subscribe", Topic: topic}); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	c.subs[topic] = &wsSub{deliver: deliver, fail: fail}
	return nil
}

// Unsubscribe drops the topic. Best-effort: a write failure here only
// logs, since the read loop will surface any real connection problem.
func (c *WebsocketChannel) Unsubscribe(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, topic)
	if c.closed {
		return
	}
	if err := c.conn.WriteJSON(controlFrame{Action: "unsubscribe", Topic: topic}); err != nil {
		c.logger.Warn("unsubscribe write failed", "topic", topic, "error", err)
	}
}

// Close shuts the connection down and stops the read loop.
func (c *WebsocketChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.conn.Close()
	<-c.done
	return err
}

func (c *WebsocketChannel) readLoop() {
	defer close(c.done)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.failAll(err)
			return
		}
		c.dispatch(data)
	}
}

// dispatch decodes and routes one frame. Malformed payloads are dropped
// with a warning so a single bad document cannot corrupt unrelated
// collections or kill the loop.
func (c *WebsocketChannel) dispatch(data []byte) {
	var d Delivery
	if err := json.Unmarshal(data, &d); err != nil {
		c.logger.Warn("malformed push frame dropped", "error", err)
		c.metrics.PushFramesTotal.WithLabelValues("unknown", "malformed").Inc()
		return
	}

	collection, _, err := evac.ParseTopic(d.Topic)
	if err != nil {
		c.logger.Warn("push frame with bad topic dropped", "topic", d.Topic, "error", err)
		c.metrics.PushFramesTotal.WithLabelValues("unknown", "malformed").Inc()
		return
	}

	c.mu.Lock()
	sub, ok := c.subs[d.Topic]
	c.mu.Unlock()
	if !ok {
		// Frame for a topic cancelled moments ago; drop silently.
		c.metrics.PushFramesTotal.WithLabelValues(string(collection), "dropped").Inc()
		return
	}

	outcome := "applied"
	if !d.Exists {
		outcome = "empty"
	}
	c.metrics.PushFramesTotal.WithLabelValues(string(collection), outcome).Inc()
	sub.deliver(d)
}

func (c *WebsocketChannel) failAll(err error) {
	c.mu.Lock()
	wasClosed := c.closed
	c.closed = true
	subs := make([]*wsSub, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.subs = make(map[string]*wsSub)
	c.mu.Unlock()

	if wasClosed {
		return // deliberate Close, not a failure
	}
	c.logger.Error("push channel read loop failed", "error", err)
	for _, s := range subs {
		if s.fail != nil {
			s.fail(err)
		}
	}
}
