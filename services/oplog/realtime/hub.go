// Copyright (C) 2026 Driftboard Labs (eng@driftboard.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package realtime fans accepted operations out to the owner's live
// sessions so every open client converges on the same history.
//
// Subscribers that fall behind are dropped rather than allowed to
// stall the recorder; a reconnecting client reloads history from the
// durable log and loses nothing.
package realtime

import (
	"log/slog"
	"sync"

	"github.com/driftboard/canvasops/services/oplog/datatypes"
)

// DefaultBufferSize is the per-subscriber channel depth.
const DefaultBufferSize = 64

// Subscription is one live listener on a user's operation feed.
type Subscription struct {
	// C delivers the user's accepted operations in acceptance order.
	// Closed when the subscription ends.
	C <-chan *datatypes.Operation

	hub    *Hub
	userID string
	ch     chan *datatypes.Operation
	once   sync.Once
}

// Unsubscribe detaches the listener and closes C. Safe to call more
// than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.hub.remove(s.userID, s.ch)
		close(s.ch)
	})
}

// Hub routes operations to per-user subscriber sets.
//
// Thread Safety: safe for concurrent use.
type Hub struct {
	logger *slog.Logger
	buffer int

	mu   sync.RWMutex
	subs map[string][]chan *datatypes.Operation
}

// NewHub creates a Hub. bufferSize <= 0 means DefaultBufferSize.
func NewHub(bufferSize int, logger *slog.Logger) *Hub {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger: logger.With(slog.String("component", "realtime_hub")),
		buffer: bufferSize,
		subs:   make(map[string][]chan *datatypes.Operation),
	}
}

// Subscribe registers a listener on a user's feed.
func (h *Hub) Subscribe(userID string) *Subscription {
	ch := make(chan *datatypes.Operation, h.buffer)

	h.mu.Lock()
	h.subs[userID] = append(h.subs[userID], ch)
	h.mu.Unlock()

	return &Subscription{C: ch, hub: h, userID: userID, ch: ch}
}

func (h *Hub) remove(userID string, ch chan *datatypes.Operation) {
	h.mu.Lock()
	defer h.mu.Unlock()

	chans := h.subs[userID]
	for i, c := range chans {
		if c == ch {
			h.subs[userID] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(h.subs[userID]) == 0 {
		delete(h.subs, userID)
	}
}

// Publish delivers an operation to every subscriber of its owner.
// Never blocks: a full subscriber buffer drops the message for that
// subscriber only.
func (h *Hub) Publish(op *datatypes.Operation) {
	if op == nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.subs[op.UserID] {
		select {
		case ch <- op:
		default:
			h.logger.Warn("subscriber buffer full, dropping operation",
				slog.String("user_id", op.UserID),
				slog.String("op_id", op.ID))
		}
	}
}

// SubscriberCount reports the number of live subscriptions for a user.
func (h *Hub) SubscriberCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[userID])
}
