// Copyright (C) 2026 Driftboard Labs (eng@driftboard.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes defines the wire and storage types of the
// operation-log service.
//
// The central type is Operation: an immutable, reversible record of one
// mutation to a canvas entity, carrying opaque before/after snapshots.
// The engine stores and returns snapshots verbatim and never interprets
// them; that is what keeps undo generic across operation types.
package datatypes

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Constants and Limits
// =============================================================================

const (
	// MaxSnapshotBytes is the maximum size of a single state snapshot.
	// Oversized snapshots are rejected before any I/O to prevent
	// memory exhaustion from unbounded payloads.
	MaxSnapshotBytes = 256 * 1024 // 256KB

	// MaxTitleBytes bounds the target title carried in metadata.
	MaxTitleBytes = 1024
)

// ErrValidation is the sentinel for malformed requests. All validation
// failures wrap it so callers can branch with errors.Is.
var ErrValidation = errors.New("validation failed")

// =============================================================================
// Operation Types
// =============================================================================

// OperationType tags the kind of mutation an Operation records.
type OperationType string

const (
	OpCreate      OperationType = "create"
	OpUpdate      OperationType = "update"
	OpDelete      OperationType = "delete"
	OpMove        OperationType = "move"
	OpResize      OperationType = "resize"
	OpStyleChange OperationType = "style_change"
)

// Valid reports whether t is a known operation type.
func (t OperationType) Valid() bool {
	switch t {
	case OpCreate, OpUpdate, OpDelete, OpMove, OpResize, OpStyleChange:
		return true
	default:
		return false
	}
}

// ProducerType identifies the originator of an operation.
type ProducerType string

const (
	// ProducerHuman marks operations from direct UI actions.
	ProducerHuman ProducerType = "human"

	// ProducerAI marks operations from tool executors acting under
	// delegated authority.
	ProducerAI ProducerType = "ai"
)

// Valid reports whether p is a known producer type.
func (p ProducerType) Valid() bool {
	return p == ProducerHuman || p == ProducerAI
}

// SecurityLevel is a coarse criticality tag attached to AI-originated
// operations. It drives UI and audit emphasis, not access control.
type SecurityLevel string

const (
	SecurityLow      SecurityLevel = "low"
	SecurityNormal   SecurityLevel = "normal"
	SecurityElevated SecurityLevel = "elevated"
	SecurityCritical SecurityLevel = "critical"
)

// Valid reports whether s is a known security level.
func (s SecurityLevel) Valid() bool {
	switch s {
	case SecurityLow, SecurityNormal, SecurityElevated, SecurityCritical:
		return true
	default:
		return false
	}
}

// =============================================================================
// Operation
// =============================================================================

// OperationMetadata carries descriptive and attribution data for an
// Operation. ProducerType is required; the rest is optional.
type OperationMetadata struct {
	// TargetTitle is a human-readable label for the mutated entity,
	// shown in history UIs ("Undo delete of 'Q3 Roadmap'").
	TargetTitle string `json:"target_title,omitempty"`

	// CanvasID locates the canvas the target lives on. Optional.
	CanvasID string `json:"canvas_id,omitempty"`

	// FolderID locates the folder the target lives in. Optional.
	FolderID string `json:"folder_id,omitempty"`

	// ProducerType is "human" or "ai".
	ProducerType ProducerType `json:"producer_type"`

	// ProducerID identifies the producing session or conversation
	// for AI operations. Optional for human operations.
	ProducerID string `json:"producer_id,omitempty"`

	// ProducerContext holds producer-specific details: source,
	// tool name, request ID. Stored verbatim.
	ProducerContext map[string]any `json:"producer_context,omitempty"`

	// SecurityLevel is set for AI operations; empty means normal.
	SecurityLevel SecurityLevel `json:"security_level,omitempty"`
}

// Operation is an immutable record of one reversible mutation.
//
// Applying NextState then PreviousState to the same target is lossless,
// so a single generic algorithm serves undo for all operation types:
// the restore state is simply whichever snapshot sits on the opposite
// side of the transition.
//
// A nil PreviousState means the target did not exist before (create);
// a nil NextState means it does not exist after (delete). The caller
// interprets "restore nil" as "delete the target".
type Operation struct {
	// ID is assigned at acceptance time (UUID).
	ID string `json:"id"`

	// UserID owns the operation; all stack operations are scoped to
	// this owner only.
	UserID string `json:"user_id"`

	// SessionID is the logical editing session that originated the
	// operation. Undo/redo stacks are scoped per session.
	SessionID string `json:"session_id"`

	// Type tags the mutation kind.
	Type OperationType `json:"operation_type"`

	// TargetTable and TargetID point at the mutated entity in the
	// collaborating data store. Opaque beyond equality.
	TargetTable string `json:"target_table"`
	TargetID    string `json:"target_id"`

	// PreviousState and NextState are opaque snapshots. Nullable per
	// the create/delete rules above.
	PreviousState json.RawMessage `json:"previous_state,omitempty"`
	NextState     json.RawMessage `json:"next_state,omitempty"`

	// Metadata carries attribution and display data.
	Metadata OperationMetadata `json:"metadata"`

	// RecordedAt is assigned at acceptance time. Monotonically
	// increasing within a user's log (see Seq for the total order).
	RecordedAt time.Time `json:"recorded_at"`

	// Seq is the store-assigned sequence number providing the total
	// order of the user's durable log.
	Seq uint64 `json:"seq"`
}

// UndoRedoResult is the restore descriptor returned by undo/redo.
//
// The engine never mutates application state; the caller writes
// RestoreState back into the live model. A nil RestoreState instructs
// the caller to delete the target.
type UndoRedoResult struct {
	Success       bool            `json:"success"`
	OperationID   string          `json:"operation_id,omitempty"`
	TargetTable   string          `json:"target_table,omitempty"`
	TargetID      string          `json:"target_id,omitempty"`
	RestoreState  json.RawMessage `json:"restore_state,omitempty"`
	OperationType OperationType   `json:"operation_type,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// =============================================================================
// Requests and Validation
// =============================================================================

// opValidate is the validator instance for oplog datatypes.
// Initialized in init() with custom validators.
var opValidate *validator.Validate

func init() {
	opValidate = validator.New()
	_ = opValidate.RegisterValidation("snapshotbytes", validateSnapshotBytes)
}

// validateSnapshotBytes enforces MaxSnapshotBytes on raw snapshot
// fields. Checks byte length, not rune count.
func validateSnapshotBytes(fl validator.FieldLevel) bool {
	raw, ok := fl.Field().Interface().(json.RawMessage)
	if !ok {
		return true
	}
	return len(raw) <= MaxSnapshotBytes
}

// RecordOperationRequest is the payload for recording a new operation.
type RecordOperationRequest struct {
	UserID        string            `json:"user_id" validate:"required"`
	SessionID     string            `json:"session_id" validate:"required"`
	Type          OperationType     `json:"operation_type" validate:"required,oneof=create update delete move resize style_change"`
	TargetTable   string            `json:"target_table" validate:"required"`
	TargetID      string            `json:"target_id" validate:"required"`
	PreviousState json.RawMessage   `json:"previous_state,omitempty" validate:"snapshotbytes"`
	NextState     json.RawMessage   `json:"next_state,omitempty" validate:"snapshotbytes"`
	Metadata      OperationMetadata `json:"metadata"`
}

// Validate checks the request against tag rules plus the structural
// snapshot rules: create must have no previous state, delete must have
// no next state, and every other type needs both sides.
//
// All failures wrap ErrValidation.
func (r *RecordOperationRequest) Validate() error {
	if err := opValidate.Struct(r); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if r.Metadata.ProducerType != "" && !r.Metadata.ProducerType.Valid() {
		return fmt.Errorf("%w: unknown producer_type %q", ErrValidation, r.Metadata.ProducerType)
	}
	if r.Metadata.SecurityLevel != "" && !r.Metadata.SecurityLevel.Valid() {
		return fmt.Errorf("%w: unknown security_level %q", ErrValidation, r.Metadata.SecurityLevel)
	}
	if len(r.Metadata.TargetTitle) > MaxTitleBytes {
		return fmt.Errorf("%w: target_title exceeds %d bytes", ErrValidation, MaxTitleBytes)
	}

	switch r.Type {
	case OpCreate:
		if !isNilSnapshot(r.PreviousState) {
			return fmt.Errorf("%w: create must have null previous_state", ErrValidation)
		}
		if isNilSnapshot(r.NextState) {
			return fmt.Errorf("%w: create requires next_state", ErrValidation)
		}
	case OpDelete:
		if !isNilSnapshot(r.NextState) {
			return fmt.Errorf("%w: delete must have null next_state", ErrValidation)
		}
		if isNilSnapshot(r.PreviousState) {
			return fmt.Errorf("%w: delete requires previous_state", ErrValidation)
		}
	default:
		if isNilSnapshot(r.PreviousState) || isNilSnapshot(r.NextState) {
			return fmt.Errorf("%w: %s requires both previous_state and next_state", ErrValidation, r.Type)
		}
	}
	return nil
}

// isNilSnapshot treats absent fields and JSON null as "no state".
func isNilSnapshot(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

// UndoRedoRequest identifies whose stack to operate on.
type UndoRedoRequest struct {
	UserID    string `json:"user_id" validate:"required"`
	SessionID string `json:"session_id" validate:"required"`
}

// Validate checks the request fields. Failures wrap ErrValidation.
func (r *UndoRedoRequest) Validate() error {
	if err := opValidate.Struct(r); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}
