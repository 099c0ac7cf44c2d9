// Copyright (C) 2026 Driftboard Labs (eng@driftboard.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package realtime

import (
	"context"
	"log/slog"
	"time"

	"github.com/driftboard/canvasops/services/oplog/datatypes"
	"github.com/driftboard/canvasops/services/oplog/engine"
)

// refreshTimeout bounds a single sibling-session history reload.
const refreshTimeout = 5 * time.Second

// Synchronizer sits between the engine and the hub. On every accepted
// operation it fans out to subscribers and refreshes the owner's other
// live sessions from the durable log.
//
// Sibling stacks are always re-derived from the log, never spliced in
// memory: the log is the source of truth, and reload converges even
// when deliveries race.
type Synchronizer struct {
	engine *engine.Engine
	hub    *Hub
	logger *slog.Logger
}

// NewSynchronizer creates a Synchronizer over an engine and a hub.
func NewSynchronizer(eng *engine.Engine, hub *Hub, logger *slog.Logger) *Synchronizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchronizer{
		engine: eng,
		hub:    hub,
		logger: logger.With(slog.String("component", "synchronizer")),
	}
}

// Publish implements engine.Publisher. Fan-out and sibling refresh are
// asynchronous; the recording path never waits on them.
func (s *Synchronizer) Publish(op *datatypes.Operation) {
	s.hub.Publish(op)
	go s.refreshSiblings(op)
}

func (s *Synchronizer) refreshSiblings(op *datatypes.Operation) {
	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()

	for _, sess := range s.engine.SessionsOf(op.UserID) {
		if sess.SessionID() == op.SessionID {
			continue
		}
		if err := sess.LoadHistory(ctx); err != nil {
			s.logger.Warn("sibling session refresh failed",
				slog.String("user_id", op.UserID),
				slog.String("session_id", sess.SessionID()),
				slog.String("error", err.Error()))
		}
	}
}

var _ engine.Publisher = (*Synchronizer)(nil)
