// Copyright (C) 2026 Driftboard Labs (eng@driftboard.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package store implements the durable operation log over BadgerDB.
//
// The log is append-only: an Operation is written once at acceptance
// and never mutated. Undo and redo do not rewrite records; they update
// a small per-session stack-membership document that lists which
// sequence numbers currently sit on the undo and redo stacks. History
// reloads read that document and resolve it against the log.
//
// Key layout:
//
//	op:{user_id}:{seq:016d}      CRC32 + JSON-encoded Operation
//	stack:{user_id}:{session_id} CRC32 + JSON-encoded stack membership
//
// Sequence numbers are per user and provide the total order of that
// user's log. Keys are zero-padded so lexicographic iteration equals
// numeric order.
package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	dgbadger "github.com/dgraph-io/badger/v4"
	"github.com/driftboard/canvasops/services/oplog/datatypes"
	"github.com/driftboard/canvasops/services/oplog/observability"
	"github.com/driftboard/canvasops/services/oplog/storage/badger"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrClosed is returned when operations are called on a closed store.
	ErrClosed = errors.New("operation store is closed")

	// ErrCorrupted is returned when a stored entry fails its CRC check.
	ErrCorrupted = errors.New("stored entry corrupted (CRC mismatch)")

	// ErrNotFound is returned when a requested operation does not exist.
	ErrNotFound = errors.New("operation not found")

	// ErrNilOperation is returned when appending a nil operation.
	ErrNilOperation = errors.New("operation must not be nil")
)

// -----------------------------------------------------------------------------
// Stack membership
// -----------------------------------------------------------------------------

// StackState lists which log sequence numbers currently sit on a
// session's undo and redo stacks, most-recent-last.
//
// The undo and redo lists are disjoint. Sequence numbers absent from
// both belong to history that was undone and then superseded by a new
// divergent edit.
type StackState struct {
	UndoSeqs []uint64 `json:"undo_seqs"`
	RedoSeqs []uint64 `json:"redo_seqs"`
}

// -----------------------------------------------------------------------------
// Store
// -----------------------------------------------------------------------------

// Store is the durable operation log.
//
// Thread Safety: safe for concurrent use. Sequence allocation is
// serialized per store; Badger transactions provide isolation for the
// rest.
type Store struct {
	db     *badger.DB
	logger *slog.Logger

	// lastSeq caches the highest allocated sequence number per user.
	// Lazily initialized from the log on first touch.
	mu      sync.Mutex
	lastSeq map[string]uint64

	maxUndoDepth int
	closed       bool
}

// Config configures the Store.
type Config struct {
	// MaxUndoDepth bounds the per-session undo stack. When exceeded,
	// the oldest entry falls off the bottom (it stays in the log but
	// is no longer undoable). Zero means DefaultMaxUndoDepth.
	MaxUndoDepth int

	// Logger for store operations. Nil means slog.Default().
	Logger *slog.Logger
}

// DefaultMaxUndoDepth is the undo depth used when Config.MaxUndoDepth
// is zero.
const DefaultMaxUndoDepth = 500

// New creates a Store over an open database.
func New(db *badger.DB, cfg Config) (*Store, error) {
	if db == nil {
		return nil, errors.New("db must not be nil")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxDepth := cfg.MaxUndoDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxUndoDepth
	}
	return &Store{
		db:           db,
		logger:       logger.With(slog.String("component", "opstore")),
		lastSeq:      make(map[string]uint64),
		maxUndoDepth: maxDepth,
	}, nil
}

// -----------------------------------------------------------------------------
// Keys and encoding
// -----------------------------------------------------------------------------

func opKeyPrefix(userID string) string {
	return fmt.Sprintf("op:%s:", userID)
}

func opKey(userID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%016d", opKeyPrefix(userID), seq))
}

func stackKey(userID, sessionID string) []byte {
	return []byte(fmt.Sprintf("stack:%s:%s", userID, sessionID))
}

// encodeEntry wraps JSON-encoded data with a CRC32 checksum:
// [4-byte CRC][JSON].
func encodeEntry(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json encode: %w", err)
	}
	crc := crc32.ChecksumIEEE(data)
	result := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(result[:4], crc)
	copy(result[4:], data)
	return result, nil
}

// decodeEntry validates the CRC32 checksum and unmarshals into v.
func decodeEntry(raw []byte, v any) error {
	if len(raw) < 5 {
		return fmt.Errorf("%w: entry too short", ErrCorrupted)
	}
	stored := binary.BigEndian.Uint32(raw[:4])
	data := raw[4:]
	if computed := crc32.ChecksumIEEE(data); stored != computed {
		return fmt.Errorf("%w: stored=%08x computed=%08x", ErrCorrupted, stored, computed)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("json decode: %w", err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Sequence allocation
// -----------------------------------------------------------------------------

// nextSeq allocates the next sequence number for a user, scanning the
// log for the current maximum on first touch.
func (s *Store) nextSeq(ctx context.Context, userID string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.lastSeq[userID]; !ok {
		max, err := s.scanMaxSeq(ctx, userID)
		if err != nil {
			return 0, err
		}
		s.lastSeq[userID] = max
	}
	s.lastSeq[userID]++
	return s.lastSeq[userID], nil
}

// scanMaxSeq finds the highest existing sequence number for a user via
// a reverse prefix scan.
func (s *Store) scanMaxSeq(ctx context.Context, userID string) (uint64, error) {
	prefix := opKeyPrefix(userID)
	var max uint64

	err := s.db.View(ctx, func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = true

		it := txn.NewIterator(opts)
		defer it.Close()

		seekKey := append([]byte(prefix), 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF)
		it.Seek(seekKey)

		if it.ValidForPrefix([]byte(prefix)) {
			key := it.Item().Key()
			var seq uint64
			if _, err := fmt.Sscanf(string(key[len(prefix):]), "%016d", &seq); err == nil {
				max = seq
			}
		}
		return nil
	})
	return max, err
}

// -----------------------------------------------------------------------------
// Append
// -----------------------------------------------------------------------------

// Append persists a new operation and updates its session's stack
// membership in a single transaction: the new sequence number is
// pushed onto the undo list and the redo list is cleared.
//
// On success op.Seq is set to the allocated sequence number. On error
// nothing is persisted and no stack state changes.
func (s *Store) Append(ctx context.Context, op *datatypes.Operation) error {
	if op == nil {
		return ErrNilOperation
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.isClosed() {
		return ErrClosed
	}

	ctx, span := otel.Tracer("oplog").Start(ctx, "store.Append")
	defer span.End()
	span.SetAttributes(
		attribute.String("user_id", op.UserID),
		attribute.String("session_id", op.SessionID),
		attribute.String("operation_type", string(op.Type)),
	)

	seq, err := s.nextSeq(ctx, op.UserID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "sequence allocation failed")
		return fmt.Errorf("allocate sequence: %w", err)
	}
	op.Seq = seq

	opData, err := encodeEntry(op)
	if err != nil {
		s.releaseSeq(op.UserID, seq)
		span.RecordError(err)
		return fmt.Errorf("encode operation: %w", err)
	}

	start := time.Now()
	err = s.db.Update(ctx, func(txn *dgbadger.Txn) error {
		state, err := readStackState(txn, op.UserID, op.SessionID)
		if err != nil {
			return err
		}

		state.UndoSeqs = append(state.UndoSeqs, seq)
		if len(state.UndoSeqs) > s.maxUndoDepth {
			state.UndoSeqs = state.UndoSeqs[len(state.UndoSeqs)-s.maxUndoDepth:]
		}
		// A new divergent edit invalidates everything that was undone.
		state.RedoSeqs = nil

		stackData, err := encodeEntry(state)
		if err != nil {
			return err
		}

		if err := txn.Set(opKey(op.UserID, seq), opData); err != nil {
			return err
		}
		return txn.Set(stackKey(op.UserID, op.SessionID), stackData)
	})
	if err != nil {
		s.releaseSeq(op.UserID, seq)
		span.RecordError(err)
		span.SetStatus(codes.Error, "append failed")
		return fmt.Errorf("append operation: %w", err)
	}
	observability.AppendDuration.Observe(time.Since(start).Seconds())

	span.SetAttributes(attribute.Int64("seq", int64(seq)))
	s.logger.Debug("operation appended",
		slog.Uint64("seq", seq),
		slog.String("user_id", op.UserID),
		slog.String("session_id", op.SessionID),
		slog.String("type", string(op.Type)))
	return nil
}

// releaseSeq rolls back a sequence allocation after a failed append so
// the number is reused rather than leaving a gap.
func (s *Store) releaseSeq(userID string, seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastSeq[userID] == seq {
		s.lastSeq[userID] = seq - 1
	}
}

// -----------------------------------------------------------------------------
// Stack state
// -----------------------------------------------------------------------------

// readStackState reads a session's membership document inside a
// transaction, returning an empty state when none exists yet.
func readStackState(txn *dgbadger.Txn, userID, sessionID string) (*StackState, error) {
	item, err := txn.Get(stackKey(userID, sessionID))
	if errors.Is(err, dgbadger.ErrKeyNotFound) {
		return &StackState{}, nil
	}
	if err != nil {
		return nil, err
	}

	var state StackState
	err = item.Value(func(val []byte) error {
		return decodeEntry(val, &state)
	})
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// GetStackState returns the current stack membership for a session.
// A session with no recorded operations gets an empty state.
func (s *Store) GetStackState(ctx context.Context, userID, sessionID string) (*StackState, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}

	var state *StackState
	err := s.db.View(ctx, func(txn *dgbadger.Txn) error {
		var err error
		state, err = readStackState(txn, userID, sessionID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("read stack state: %w", err)
	}
	return state, nil
}

// SetStackState persists a session's stack membership. Used by the
// stack manager to record undo/redo transitions; the operation records
// themselves are never touched.
func (s *Store) SetStackState(ctx context.Context, userID, sessionID string, state *StackState) error {
	if state == nil {
		return errors.New("state must not be nil")
	}
	if s.isClosed() {
		return ErrClosed
	}

	data, err := encodeEntry(state)
	if err != nil {
		return fmt.Errorf("encode stack state: %w", err)
	}
	err = s.db.Update(ctx, func(txn *dgbadger.Txn) error {
		return txn.Set(stackKey(userID, sessionID), data)
	})
	if err != nil {
		return fmt.Errorf("write stack state: %w", err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Reads
// -----------------------------------------------------------------------------

// Get returns one operation by sequence number.
func (s *Store) Get(ctx context.Context, userID string, seq uint64) (*datatypes.Operation, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}

	var op datatypes.Operation
	err := s.db.View(ctx, func(txn *dgbadger.Txn) error {
		item, err := txn.Get(opKey(userID, seq))
		if errors.Is(err, dgbadger.ErrKeyNotFound) {
			return fmt.Errorf("%w: user %s seq %d", ErrNotFound, userID, seq)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return decodeEntry(val, &op)
		})
	})
	if err != nil {
		return nil, err
	}
	return &op, nil
}

// GetMany resolves a list of sequence numbers to operations, preserving
// input order. Missing sequences fail the whole call.
func (s *Store) GetMany(ctx context.Context, userID string, seqs []uint64) ([]*datatypes.Operation, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}

	ops := make([]*datatypes.Operation, 0, len(seqs))
	err := s.db.View(ctx, func(txn *dgbadger.Txn) error {
		for _, seq := range seqs {
			item, err := txn.Get(opKey(userID, seq))
			if errors.Is(err, dgbadger.ErrKeyNotFound) {
				return fmt.Errorf("%w: user %s seq %d", ErrNotFound, userID, seq)
			}
			if err != nil {
				return err
			}
			var op datatypes.Operation
			err = item.Value(func(val []byte) error {
				return decodeEntry(val, &op)
			})
			if err != nil {
				return err
			}
			ops = append(ops, &op)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ops, nil
}

// ListByUser returns the user's operations in log order. A limit of
// zero returns everything.
func (s *Store) ListByUser(ctx context.Context, userID string, limit int) ([]*datatypes.Operation, error) {
	return s.list(ctx, userID, "", limit)
}

// ListBySession returns the session's operations in log order. A limit
// of zero returns everything.
func (s *Store) ListBySession(ctx context.Context, userID, sessionID string, limit int) ([]*datatypes.Operation, error) {
	return s.list(ctx, userID, sessionID, limit)
}

func (s *Store) list(ctx context.Context, userID, sessionID string, limit int) ([]*datatypes.Operation, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}

	var ops []*datatypes.Operation
	prefix := []byte(opKeyPrefix(userID))

	err := s.db.View(ctx, func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.PrefetchValues = true

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var op datatypes.Operation
			err := it.Item().Value(func(val []byte) error {
				return decodeEntry(val, &op)
			})
			if err != nil {
				return err
			}
			if sessionID != "" && op.SessionID != sessionID {
				continue
			}
			ops = append(ops, &op)
			if limit > 0 && len(ops) >= limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	return ops, nil
}

// -----------------------------------------------------------------------------
// Retention
// -----------------------------------------------------------------------------

// Truncate deletes a user's operations with sequence numbers at or
// below uptoSeq. Retention policy is external; this is the mechanism.
// Stack membership documents are left alone: sessions referencing
// truncated sequences will drop them on their next reload.
func (s *Store) Truncate(ctx context.Context, userID string, uptoSeq uint64) (int, error) {
	if s.isClosed() {
		return 0, ErrClosed
	}

	ctx, span := otel.Tracer("oplog").Start(ctx, "store.Truncate")
	defer span.End()
	span.SetAttributes(
		attribute.String("user_id", userID),
		attribute.Int64("upto_seq", int64(uptoSeq)),
	)

	deleted := 0
	prefix := []byte(opKeyPrefix(userID))
	err := s.db.Update(ctx, func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			var seq uint64
			if _, err := fmt.Sscanf(string(key[len(prefix):]), "%016d", &seq); err != nil {
				continue
			}
			if seq > uptoSeq {
				break
			}
			if err := txn.Delete(key); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "truncate failed")
		return 0, fmt.Errorf("truncate operations: %w", err)
	}

	s.logger.Info("log truncated",
		slog.String("user_id", userID),
		slog.Uint64("upto_seq", uptoSeq),
		slog.Int("deleted", deleted))
	return deleted, nil
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close marks the store closed. The caller owns the database handle
// and closes it separately.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
