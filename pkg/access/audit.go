// Copyright (C) 2026 Driftboard Labs (eng@driftboard.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package access

import (
	"context"
	"time"
)

// AuditEvent represents a security-relevant event for compliance
// logging.
//
// Events are categorized by type for filtering and alerting:
//   - Authorization: "permission.denied", "permission.granted"
//   - Rate limiting: "ratelimit.exceeded"
//   - Operations: "operation.recorded", "operation.undone", "operation.redone"
//   - Tools: "tool.executed", "tool.failed"
//
// For compliance always populate UserID, Timestamp, and the resource
// fields; they drive right-to-know requests and data lineage.
type AuditEvent struct {
	// EventType categorizes the event, "category.action" form.
	EventType string `json:"event_type"`

	// Timestamp is when the event occurred (UTC). If zero,
	// implementations set it to time.Now().UTC().
	Timestamp time.Time `json:"timestamp"`

	// UserID identifies who performed the action. Use "system" for
	// automated actions.
	UserID string `json:"user_id"`

	// Action describes the operation attempted: "create", "delete",
	// "undo", "execute", ...
	Action string `json:"action"`

	// ResourceType is the category of resource involved, e.g.
	// "operation", "tool", "canvas_item".
	ResourceType string `json:"resource_type"`

	// ResourceID is the specific resource instance. Optional.
	ResourceID string `json:"resource_id,omitempty"`

	// Outcome is "success", "failure", "blocked", or "error".
	Outcome string `json:"outcome"`

	// Details holds event-specific data: tool name, security level,
	// denial reason, duration, request ID.
	Details map[string]any `json:"details,omitempty"`
}

// AuditLogger records security-relevant events.
//
// Implementations must be safe for concurrent use. Logging is
// best-effort from the engine's point of view: a failed audit write
// must never veto or fail the decision that produced it, so callers
// log the error and continue.
type AuditLogger interface {
	// Log records an event. Implementations should set Timestamp if
	// zero and return quickly.
	Log(ctx context.Context, event AuditEvent) error

	// Flush persists buffered events. Called before shutdown.
	Flush(ctx context.Context) error
}

// NopAuditLogger discards all events. Appropriate for local
// single-user deployments where audit trails aren't required.
type NopAuditLogger struct{}

// Log discards the event.
func (l *NopAuditLogger) Log(_ context.Context, _ AuditEvent) error { return nil }

// Flush is a no-op.
func (l *NopAuditLogger) Flush(_ context.Context) error { return nil }

var _ AuditLogger = (*NopAuditLogger)(nil)
