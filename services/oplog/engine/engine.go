// Copyright (C) 2026 Driftboard Labs (eng@driftboard.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/driftboard/canvasops/services/oplog/datatypes"
	"github.com/driftboard/canvasops/services/oplog/store"
)

// Publisher fans an accepted operation out to the owner's live
// sessions. Publish must not block; the realtime hub buffers and drops
// rather than stalling the recorder.
type Publisher interface {
	Publish(op *datatypes.Operation)
}

// NewSessionID returns a fresh session identifier for a client
// instance.
func NewSessionID() string {
	return uuid.New().String()
}

// Engine is the public entry point of the operation log: it validates,
// timestamps, persists, and fans out new operations, and routes
// undo/redo calls to the right Session.
//
// Thread Safety: safe for concurrent use.
type Engine struct {
	store     *store.Store
	publisher Publisher
	logger    *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// New creates an Engine. publisher may be nil when no realtime fan-out
// is wanted (tests, batch tools).
func New(st *store.Store, publisher Publisher, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:     st,
		publisher: publisher,
		logger:    logger.With(slog.String("component", "engine")),
		sessions:  make(map[string]*Session),
	}
}

// SetPublisher attaches the fan-out sink. Called once during startup,
// before the engine serves requests; the publisher and the engine
// reference each other, so one of them has to be wired late.
func (e *Engine) SetPublisher(p Publisher) {
	e.publisher = p
}

func sessionKey(userID, sessionID string) string {
	return userID + "\x00" + sessionID
}

// Session returns the stack context for (userID, sessionID), creating
// it and loading its history from the durable log on first use.
func (e *Engine) Session(ctx context.Context, userID, sessionID string) (*Session, error) {
	key := sessionKey(userID, sessionID)

	e.mu.Lock()
	sess, ok := e.sessions[key]
	e.mu.Unlock()
	if ok {
		return sess, nil
	}

	sess = NewSession(e.store, userID, sessionID, e.logger)
	if err := sess.LoadHistory(ctx); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	// Another caller may have raced us here; prefer the registered one
	// so all callers share a single stack context per session.
	if existing, ok := e.sessions[key]; ok {
		return existing, nil
	}
	e.sessions[key] = sess
	return sess, nil
}

// CloseSession tears down the in-memory context for a session. The
// durable log and stack membership are untouched; a later Session call
// rebuilds the context from them.
func (e *Engine) CloseSession(userID, sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sessions, sessionKey(userID, sessionID))
}

// SessionsOf returns the currently registered sessions of a user.
func (e *Engine) SessionsOf(userID string) []*Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*Session
	for _, sess := range e.sessions {
		if sess.UserID() == userID {
			out = append(out, sess)
		}
	}
	return out
}

// Record validates, timestamps, persists, and fans out a new
// operation, returning the accepted record with its assigned ID and
// sequence number.
//
// Acceptance is atomic: on a persistence failure nothing is pushed and
// the caller's stacks are unchanged. On success the session's redo
// stack is cleared, both durably and in memory.
func (e *Engine) Record(ctx context.Context, req *datatypes.RecordOperationRequest) (*datatypes.Operation, error) {
	ctx, span := otel.Tracer("oplog").Start(ctx, "engine.Record")
	defer span.End()

	if err := req.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation failed")
		return nil, err
	}

	span.SetAttributes(
		attribute.String("user_id", req.UserID),
		attribute.String("session_id", req.SessionID),
		attribute.String("operation_type", string(req.Type)),
	)

	sess, err := e.Session(ctx, req.UserID, req.SessionID)
	if err != nil {
		return nil, err
	}

	metadata := req.Metadata
	if metadata.ProducerType == "" {
		metadata.ProducerType = datatypes.ProducerHuman
	}

	op := &datatypes.Operation{
		ID:            uuid.New().String(),
		UserID:        req.UserID,
		SessionID:     req.SessionID,
		Type:          req.Type,
		TargetTable:   req.TargetTable,
		TargetID:      req.TargetID,
		PreviousState: req.PreviousState,
		NextState:     req.NextState,
		Metadata:      metadata,
		RecordedAt:    time.Now().UTC(),
	}

	if err := e.store.Append(ctx, op); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "append failed")
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	sess.push(op)

	if e.publisher != nil {
		e.publisher.Publish(op)
	}

	e.logger.Info("operation recorded",
		slog.String("op_id", op.ID),
		slog.String("user_id", op.UserID),
		slog.String("session_id", op.SessionID),
		slog.String("type", string(op.Type)),
		slog.String("producer", string(op.Metadata.ProducerType)))
	return op, nil
}

// Undo pops the caller session's most recent operation and returns its
// restore descriptor.
func (e *Engine) Undo(ctx context.Context, req *datatypes.UndoRedoRequest) (*datatypes.UndoRedoResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	sess, err := e.Session(ctx, req.UserID, req.SessionID)
	if err != nil {
		return nil, err
	}
	return sess.Undo(ctx)
}

// Redo reinstates the caller session's most recently undone operation.
func (e *Engine) Redo(ctx context.Context, req *datatypes.UndoRedoRequest) (*datatypes.UndoRedoResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	sess, err := e.Session(ctx, req.UserID, req.SessionID)
	if err != nil {
		return nil, err
	}
	return sess.Redo(ctx)
}

// RefreshHistory re-derives a session's stacks from the durable log.
func (e *Engine) RefreshHistory(ctx context.Context, userID, sessionID string) error {
	sess, err := e.Session(ctx, userID, sessionID)
	if err != nil {
		return err
	}
	return sess.LoadHistory(ctx)
}

// History returns operations from the durable log in log order,
// optionally filtered to one session. A limit of zero returns
// everything.
func (e *Engine) History(ctx context.Context, userID, sessionID string, limit int) ([]*datatypes.Operation, error) {
	var (
		ops []*datatypes.Operation
		err error
	)
	if sessionID != "" {
		ops, err = e.store.ListBySession(ctx, userID, sessionID, limit)
	} else {
		ops, err = e.store.ListByUser(ctx, userID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return ops, nil
}

// Truncate deletes the user's operations with sequence numbers at or
// below uptoSeq, then reloads any registered sessions of that user so
// their stacks drop references to the deleted entries.
func (e *Engine) Truncate(ctx context.Context, userID string, uptoSeq uint64) (int, error) {
	deleted, err := e.store.Truncate(ctx, userID, uptoSeq)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	for _, sess := range e.SessionsOf(userID) {
		if err := sess.LoadHistory(ctx); err != nil {
			e.logger.Warn("stack reload after truncate failed",
				slog.String("user_id", userID),
				slog.String("session_id", sess.SessionID()),
				slog.String("error", err.Error()))
		}
	}

	e.logger.Info("history truncated",
		slog.String("user_id", userID),
		slog.Uint64("upto_seq", uptoSeq),
		slog.Int("deleted", deleted))
	return deleted, nil
}
