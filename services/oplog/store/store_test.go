// Copyright (C) 2026 Driftboard Labs (eng@driftboard.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/driftboard/canvasops/services/oplog/datatypes"
	"github.com/driftboard/canvasops/services/oplog/storage/badger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := badger.OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	st, err := New(db, Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return st
}

func testOp(userID, sessionID string, opType datatypes.OperationType) *datatypes.Operation {
	op := &datatypes.Operation{
		ID:          fmt.Sprintf("op-%d", time.Now().UnixNano()),
		UserID:      userID,
		SessionID:   sessionID,
		Type:        opType,
		TargetTable: "shapes",
		TargetID:    "shape-1",
		RecordedAt:  time.Now().UTC(),
	}
	switch opType {
	case datatypes.OpCreate:
		op.NextState = json.RawMessage(`{"x":1}`)
	case datatypes.OpDelete:
		op.PreviousState = json.RawMessage(`{"x":1}`)
	default:
		op.PreviousState = json.RawMessage(`{"x":1}`)
		op.NextState = json.RawMessage(`{"x":2}`)
	}
	return op
}

func TestAppendAssignsSequential(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		op := testOp("alice", "sess-1", datatypes.OpUpdate)
		if err := st.Append(ctx, op); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
		if op.Seq != uint64(i) {
			t.Errorf("op %d: Seq = %d, want %d", i, op.Seq, i)
		}
	}
}

func TestAppendNil(t *testing.T) {
	st := newTestStore(t)
	if err := st.Append(context.Background(), nil); !errors.Is(err, ErrNilOperation) {
		t.Errorf("Append(nil) = %v, want ErrNilOperation", err)
	}
}

func TestAppendUpdatesStackState(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	op1 := testOp("alice", "sess-1", datatypes.OpCreate)
	op2 := testOp("alice", "sess-1", datatypes.OpUpdate)
	if err := st.Append(ctx, op1); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := st.Append(ctx, op2); err != nil {
		t.Fatalf("Append: %v", err)
	}

	state, err := st.GetStackState(ctx, "alice", "sess-1")
	if err != nil {
		t.Fatalf("GetStackState: %v", err)
	}
	if len(state.UndoSeqs) != 2 || state.UndoSeqs[0] != op1.Seq || state.UndoSeqs[1] != op2.Seq {
		t.Errorf("UndoSeqs = %v, want [%d %d]", state.UndoSeqs, op1.Seq, op2.Seq)
	}
	if len(state.RedoSeqs) != 0 {
		t.Errorf("RedoSeqs = %v, want empty", state.RedoSeqs)
	}
}

func TestAppendClearsRedo(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	op1 := testOp("alice", "sess-1", datatypes.OpCreate)
	if err := st.Append(ctx, op1); err != nil {
		t.Fatalf("Append: %v", err)
	}

	// Simulate an undo: move seq 1 to the redo stack.
	err := st.SetStackState(ctx, "alice", "sess-1", &StackState{
		RedoSeqs: []uint64{op1.Seq},
	})
	if err != nil {
		t.Fatalf("SetStackState: %v", err)
	}

	op2 := testOp("alice", "sess-1", datatypes.OpCreate)
	if err := st.Append(ctx, op2); err != nil {
		t.Fatalf("Append: %v", err)
	}

	state, err := st.GetStackState(ctx, "alice", "sess-1")
	if err != nil {
		t.Fatalf("GetStackState: %v", err)
	}
	if len(state.RedoSeqs) != 0 {
		t.Errorf("RedoSeqs after new append = %v, want empty", state.RedoSeqs)
	}
	if len(state.UndoSeqs) != 1 || state.UndoSeqs[0] != op2.Seq {
		t.Errorf("UndoSeqs = %v, want [%d]", state.UndoSeqs, op2.Seq)
	}
}

func TestGetRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	op := testOp("alice", "sess-1", datatypes.OpUpdate)
	op.Metadata = datatypes.OperationMetadata{
		TargetTitle:  "Q3 Roadmap",
		ProducerType: datatypes.ProducerAI,
		ProducerContext: map[string]any{
			"source":    "ai-assistant",
			"tool_name": "updateShape",
		},
		SecurityLevel: datatypes.SecurityElevated,
	}
	if err := st.Append(ctx, op); err != nil {
		t.Fatalf("Append: %v", err)
	}

	got, err := st.Get(ctx, "alice", op.Seq)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != op.ID {
		t.Errorf("ID = %q, want %q", got.ID, op.ID)
	}
	if got.Metadata.TargetTitle != "Q3 Roadmap" {
		t.Errorf("TargetTitle = %q", got.Metadata.TargetTitle)
	}
	if got.Metadata.ProducerType != datatypes.ProducerAI {
		t.Errorf("ProducerType = %q", got.Metadata.ProducerType)
	}
	if got.Metadata.ProducerContext["tool_name"] != "updateShape" {
		t.Errorf("ProducerContext = %v", got.Metadata.ProducerContext)
	}
	if string(got.PreviousState) != `{"x":1}` {
		t.Errorf("PreviousState = %s", got.PreviousState)
	}
}

func TestGetNotFound(t *testing.T) {
	st := newTestStore(t)
	_, err := st.Get(context.Background(), "alice", 42)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get missing = %v, want ErrNotFound", err)
	}
}

func TestGetStackStateEmpty(t *testing.T) {
	st := newTestStore(t)
	state, err := st.GetStackState(context.Background(), "alice", "never-seen")
	if err != nil {
		t.Fatalf("GetStackState: %v", err)
	}
	if len(state.UndoSeqs) != 0 || len(state.RedoSeqs) != 0 {
		t.Errorf("expected empty state, got %+v", state)
	}
}

func TestListByUserOrder(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 4; i++ {
		op := testOp("alice", "sess-1", datatypes.OpUpdate)
		op.ID = fmt.Sprintf("op-%d", i)
		if err := st.Append(ctx, op); err != nil {
			t.Fatalf("Append: %v", err)
		}
		ids = append(ids, op.ID)
	}

	ops, err := st.ListByUser(ctx, "alice", 0)
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if len(ops) != 4 {
		t.Fatalf("len = %d, want 4", len(ops))
	}
	for i, op := range ops {
		if op.ID != ids[i] {
			t.Errorf("ops[%d].ID = %q, want %q", i, op.ID, ids[i])
		}
	}
}

func TestListBySessionFilters(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	for _, sess := range []string{"sess-a", "sess-b", "sess-a"} {
		if err := st.Append(ctx, testOp("alice", sess, datatypes.OpUpdate)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	ops, err := st.ListBySession(ctx, "alice", "sess-a", 0)
	if err != nil {
		t.Fatalf("ListBySession: %v", err)
	}
	if len(ops) != 2 {
		t.Fatalf("len = %d, want 2", len(ops))
	}
	for _, op := range ops {
		if op.SessionID != "sess-a" {
			t.Errorf("SessionID = %q", op.SessionID)
		}
	}
}

func TestUserIsolation(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if err := st.Append(ctx, testOp("alice", "s", datatypes.OpUpdate)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := st.Append(ctx, testOp("bob", "s", datatypes.OpUpdate)); err != nil {
		t.Fatalf("Append: %v", err)
	}

	aliceOps, err := st.ListByUser(ctx, "alice", 0)
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if len(aliceOps) != 1 || aliceOps[0].UserID != "alice" {
		t.Errorf("alice sees %d ops", len(aliceOps))
	}

	// Per-user sequences are independent.
	bobOps, _ := st.ListByUser(ctx, "bob", 0)
	if bobOps[0].Seq != 1 {
		t.Errorf("bob first Seq = %d, want 1", bobOps[0].Seq)
	}
}

func TestGetMany(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	var seqs []uint64
	for i := 0; i < 3; i++ {
		op := testOp("alice", "s", datatypes.OpUpdate)
		if err := st.Append(ctx, op); err != nil {
			t.Fatalf("Append: %v", err)
		}
		seqs = append(seqs, op.Seq)
	}

	ops, err := st.GetMany(ctx, "alice", []uint64{seqs[2], seqs[0]})
	if err != nil {
		t.Fatalf("GetMany: %v", err)
	}
	if len(ops) != 2 {
		t.Fatalf("len = %d, want 2", len(ops))
	}
	if ops[0].Seq != seqs[2] || ops[1].Seq != seqs[0] {
		t.Errorf("order not preserved: %d, %d", ops[0].Seq, ops[1].Seq)
	}
}

func TestTruncate(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := st.Append(ctx, testOp("alice", "s", datatypes.OpUpdate)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	deleted, err := st.Truncate(ctx, "alice", 3)
	if err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if deleted != 3 {
		t.Errorf("deleted = %d, want 3", deleted)
	}

	ops, err := st.ListByUser(ctx, "alice", 0)
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if len(ops) != 2 {
		t.Fatalf("remaining = %d, want 2", len(ops))
	}
	if ops[0].Seq != 4 {
		t.Errorf("first remaining Seq = %d, want 4", ops[0].Seq)
	}

	// Sequence allocation continues past truncated history.
	op := testOp("alice", "s", datatypes.OpUpdate)
	if err := st.Append(ctx, op); err != nil {
		t.Fatalf("Append after truncate: %v", err)
	}
	if op.Seq != 6 {
		t.Errorf("Seq after truncate = %d, want 6", op.Seq)
	}
}

func TestMaxUndoDepthTrim(t *testing.T) {
	db, err := badger.OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	st, err := New(db, Config{MaxUndoDepth: 3})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := st.Append(ctx, testOp("alice", "s", datatypes.OpUpdate)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	state, err := st.GetStackState(ctx, "alice", "s")
	if err != nil {
		t.Fatalf("GetStackState: %v", err)
	}
	if len(state.UndoSeqs) != 3 {
		t.Fatalf("UndoSeqs len = %d, want 3", len(state.UndoSeqs))
	}
	// The oldest entries fell off the bottom.
	if state.UndoSeqs[0] != 3 || state.UndoSeqs[2] != 5 {
		t.Errorf("UndoSeqs = %v, want [3 4 5]", state.UndoSeqs)
	}
}

func TestClosedStore(t *testing.T) {
	st := newTestStore(t)
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := st.Append(context.Background(), testOp("a", "s", datatypes.OpUpdate)); !errors.Is(err, ErrClosed) {
		t.Errorf("Append after Close = %v, want ErrClosed", err)
	}
	if _, err := st.ListByUser(context.Background(), "a", 0); !errors.Is(err, ErrClosed) {
		t.Errorf("ListByUser after Close = %v, want ErrClosed", err)
	}
}

func TestEntryCodecCorruption(t *testing.T) {
	op := testOp("alice", "s", datatypes.OpUpdate)
	raw, err := encodeEntry(op)
	if err != nil {
		t.Fatalf("encodeEntry: %v", err)
	}

	var decoded datatypes.Operation
	if err := decodeEntry(raw, &decoded); err != nil {
		t.Fatalf("decodeEntry: %v", err)
	}
	if decoded.ID != op.ID {
		t.Errorf("ID = %q, want %q", decoded.ID, op.ID)
	}

	raw[len(raw)-1] ^= 0xFF
	if err := decodeEntry(raw, &decoded); !errors.Is(err, ErrCorrupted) {
		t.Errorf("decode flipped entry = %v, want ErrCorrupted", err)
	}

	if err := decodeEntry([]byte{1, 2}, &decoded); !errors.Is(err, ErrCorrupted) {
		t.Errorf("decode short entry = %v, want ErrCorrupted", err)
	}
}
