// Copyright (C) 2026 Driftboard Labs (eng@driftboard.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package engine implements the operation recorder and the per-session
// undo/redo stack manager.
//
// Stacks are held in an explicit Session object created per
// (user, session) pair, never in package-level state, so two sessions
// can never couple through hidden globals. The durable log is the
// single source of truth: everything a Session holds in memory is
// rebuildable from the store via LoadHistory.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/driftboard/canvasops/services/oplog/datatypes"
	"github.com/driftboard/canvasops/services/oplog/store"
)

// Session is the per-(user, session) undo/redo context.
//
// The undo and redo stacks are ordered most-recent-last. A Session
// never mutates application state; undo and redo return a restore
// descriptor and the caller writes it back into the live model.
//
// Thread Safety: safe for concurrent use. Stack transitions are
// serialized by an internal mutex; the durable transition is persisted
// before the in-memory stacks change, so a persistence failure leaves
// the session exactly as it was.
type Session struct {
	userID    string
	sessionID string
	store     *store.Store
	logger    *slog.Logger

	mu   sync.Mutex
	undo []*datatypes.Operation
	redo []*datatypes.Operation
}

// NewSession creates an empty session context. Call LoadHistory to
// populate the stacks from the durable log.
func NewSession(st *store.Store, userID, sessionID string, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		userID:    userID,
		sessionID: sessionID,
		store:     st,
		logger: logger.With(
			slog.String("component", "session"),
			slog.String("user_id", userID),
			slog.String("session_id", sessionID)),
	}
}

// UserID returns the owning user.
func (s *Session) UserID() string { return s.userID }

// SessionID returns the session identifier.
func (s *Session) SessionID() string { return s.sessionID }

// CanUndo reports whether the undo stack is non-empty. The answer is
// stale until any in-flight Record/Undo/Redo call has resolved.
func (s *Session) CanUndo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.undo) > 0
}

// CanRedo reports whether the redo stack is non-empty.
func (s *Session) CanRedo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.redo) > 0
}

// UndoStack returns a copy of the undo stack, most-recent-last.
func (s *Session) UndoStack() []*datatypes.Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*datatypes.Operation, len(s.undo))
	copy(out, s.undo)
	return out
}

// RedoStack returns a copy of the redo stack, most-recent-last.
func (s *Session) RedoStack() []*datatypes.Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*datatypes.Operation, len(s.redo))
	copy(out, s.redo)
	return out
}

// push appends a freshly recorded operation to the undo stack and
// clears the redo stack. The durable side of this transition was
// already written atomically by store.Append; push only brings the
// in-memory cache in line.
func (s *Session) push(op *datatypes.Operation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.undo = append(s.undo, op)
	s.redo = nil
}

// LoadHistory rebuilds both stacks from the durable log, replacing any
// in-memory state. Called on session start and whenever a remote
// operation invalidates the cached view.
//
// Sequence numbers that no longer resolve (removed by retention) are
// dropped silently.
func (s *Session) LoadHistory(ctx context.Context) error {
	state, err := s.store.GetStackState(ctx, s.userID, s.sessionID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	undo, err := s.resolve(ctx, state.UndoSeqs)
	if err != nil {
		return err
	}
	redo, err := s.resolve(ctx, state.RedoSeqs)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.undo = undo
	s.redo = redo
	s.mu.Unlock()

	s.logger.Debug("history loaded",
		slog.Int("undo_depth", len(undo)),
		slog.Int("redo_depth", len(redo)))
	return nil
}

// resolve maps sequence numbers to operations, skipping truncated ones.
func (s *Session) resolve(ctx context.Context, seqs []uint64) ([]*datatypes.Operation, error) {
	ops := make([]*datatypes.Operation, 0, len(seqs))
	for _, seq := range seqs {
		op, err := s.store.Get(ctx, s.userID, seq)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// Undo pops the most recent operation off the undo stack, moves it to
// the redo stack, and returns the restore descriptor pointing at the
// operation's previous state.
//
// For a create operation the restore state is nil; the caller
// interprets that as "delete the target". This one generic rule is
// what lets a single algorithm serve every operation type.
//
// The membership transition is persisted before the in-memory stacks
// change. Undo never writes a new operation record; undoing must not
// itself be undoable, or redo-of-undo loops become possible.
func (s *Session) Undo(ctx context.Context) (*datatypes.UndoRedoResult, error) {
	ctx, span := otel.Tracer("oplog").Start(ctx, "session.Undo")
	defer span.End()
	span.SetAttributes(
		attribute.String("user_id", s.userID),
		attribute.String("session_id", s.sessionID),
	)

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.undo) == 0 {
		span.SetAttributes(attribute.Bool("empty_stack", true))
		return &datatypes.UndoRedoResult{
			Success: false,
			Error:   ErrNoOperationToUndo.Error(),
		}, ErrNoOperationToUndo
	}

	op := s.undo[len(s.undo)-1]

	next := &store.StackState{
		UndoSeqs: seqsOf(s.undo[:len(s.undo)-1]),
		RedoSeqs: append(seqsOf(s.redo), op.Seq),
	}
	if err := s.store.SetStackState(ctx, s.userID, s.sessionID, next); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist transition failed")
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	s.undo = s.undo[:len(s.undo)-1]
	s.redo = append(s.redo, op)

	s.logger.Debug("operation undone",
		slog.String("op_id", op.ID),
		slog.String("type", string(op.Type)))

	return &datatypes.UndoRedoResult{
		Success:       true,
		OperationID:   op.ID,
		TargetTable:   op.TargetTable,
		TargetID:      op.TargetID,
		RestoreState:  op.PreviousState,
		OperationType: op.Type,
	}, nil
}

// Redo is the symmetric transition: pop from the redo stack, push back
// onto the undo stack, restore descriptor points at the next state.
func (s *Session) Redo(ctx context.Context) (*datatypes.UndoRedoResult, error) {
	ctx, span := otel.Tracer("oplog").Start(ctx, "session.Redo")
	defer span.End()
	span.SetAttributes(
		attribute.String("user_id", s.userID),
		attribute.String("session_id", s.sessionID),
	)

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.redo) == 0 {
		span.SetAttributes(attribute.Bool("empty_stack", true))
		return &datatypes.UndoRedoResult{
			Success: false,
			Error:   ErrNoOperationToRedo.Error(),
		}, ErrNoOperationToRedo
	}

	op := s.redo[len(s.redo)-1]

	next := &store.StackState{
		UndoSeqs: append(seqsOf(s.undo), op.Seq),
		RedoSeqs: seqsOf(s.redo[:len(s.redo)-1]),
	}
	if err := s.store.SetStackState(ctx, s.userID, s.sessionID, next); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist transition failed")
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	s.redo = s.redo[:len(s.redo)-1]
	s.undo = append(s.undo, op)

	s.logger.Debug("operation redone",
		slog.String("op_id", op.ID),
		slog.String("type", string(op.Type)))

	return &datatypes.UndoRedoResult{
		Success:       true,
		OperationID:   op.ID,
		TargetTable:   op.TargetTable,
		TargetID:      op.TargetID,
		RestoreState:  op.NextState,
		OperationType: op.Type,
	}, nil
}

func seqsOf(ops []*datatypes.Operation) []uint64 {
	seqs := make([]uint64, len(ops))
	for i, op := range ops {
		seqs[i] = op.Seq
	}
	return seqs
}
