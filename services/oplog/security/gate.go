// Copyright (C) 2026 Driftboard Labs (eng@driftboard.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package security gates AI-originated canvas mutations.
//
// Every tool execution passes three stations in order: the rate
// limiter (one fixed window per user and tool), the permission check
// (when the tool's policy requires one), and only then the executor.
// A request rejected at either of the first two stations never reaches
// the executor. Accepted mutations are recorded into the operation log
// with producer metadata identifying the AI origin, so they land on
// the same undo stack as human edits. Per-tool behavior — required
// permission, security level, recording, rate budget — comes from
// ToolPolicy, never from the request.
//
// Thread Safety:
//
//	All types in this package are designed for concurrent use.
package security

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/driftboard/canvasops/pkg/access"
	"github.com/driftboard/canvasops/services/oplog/datatypes"
	"github.com/driftboard/canvasops/services/oplog/observability"
	"github.com/driftboard/canvasops/services/oplog/ratelimit"
)

var (
	// ErrPermissionDenied is returned when the caller's role does not
	// grant the requested tool.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrRateLimited is returned when the caller exhausted the tool
	// execution window. Use errors.As with *ratelimit.LimitExceededError
	// for the retry-after detail.
	ErrRateLimited = errors.New("rate limited")

	// ErrExecution is returned when the tool itself failed. Nothing is
	// recorded in that case.
	ErrExecution = errors.New("tool execution failed")
)

// Mutation describes the state change a tool performed, in the shape
// the operation log records.
type Mutation struct {
	Type          datatypes.OperationType `json:"operation_type"`
	TargetTable   string                  `json:"target_table"`
	TargetID      string                  `json:"target_id"`
	TargetTitle   string                  `json:"target_title,omitempty"`
	CanvasID      string                  `json:"canvas_id,omitempty"`
	FolderID      string                  `json:"folder_id,omitempty"`
	PreviousState json.RawMessage         `json:"previous_state,omitempty"`
	NextState     json.RawMessage         `json:"next_state,omitempty"`
}

// Executor runs a named tool against the canvas data store and reports
// the resulting mutation. Implementations must capture the target's
// state before mutating so undo has something to restore.
type Executor interface {
	Execute(ctx context.Context, toolName string, input json.RawMessage) (*Mutation, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, toolName string, input json.RawMessage) (*Mutation, error)

func (f ExecutorFunc) Execute(ctx context.Context, toolName string, input json.RawMessage) (*Mutation, error) {
	return f(ctx, toolName, input)
}

// Recorder is the slice of the engine the gate needs.
type Recorder interface {
	Record(ctx context.Context, req *datatypes.RecordOperationRequest) (*datatypes.Operation, error)
}

// ExecuteRequest is one gated tool execution.
//
// The request carries identity and input only. Sensitivity, required
// permissions, and recording behavior come from the tool's policy:
// the producer of a request must not get to tag its own criticality.
type ExecuteRequest struct {
	UserID    string          `json:"user_id"`
	SessionID string          `json:"session_id" binding:"required"`
	ToolName  string          `json:"tool_name" binding:"required"`
	Input     json.RawMessage `json:"input,omitempty"`

	// RequestID correlates the execution with the caller's request.
	// Assigned when empty.
	RequestID string `json:"request_id,omitempty"`

	// ProducerID identifies the AI conversation or agent session.
	ProducerID string `json:"producer_id,omitempty"`
}

// ToolPolicy configures how the gate treats one tool. The zero value
// is the permissive policy: no extra permission, normal sensitivity,
// mutations recorded, default rate budget.
type ToolPolicy struct {
	// RequiredPermission is checked against the caller's role, e.g.
	// "content:delete". Empty skips the permission check.
	RequiredPermission string

	// SecurityLevel tags operations this tool records: low for
	// read/search tools up to critical for delete tools. Empty means
	// normal.
	SecurityLevel datatypes.SecurityLevel

	// SkipRecord executes the tool without writing to the operation
	// log. For read-only tools whose mutations would be meaningless
	// to undo.
	SkipRecord bool

	// DefaultTargetTable is recorded when the tool's mutation names no
	// table of its own, e.g. "ai_operations" for tools without a
	// canvas target.
	DefaultTargetTable string

	// RateRule overrides the limiter's default budget for this tool.
	RateRule *ratelimit.Rule
}

// ExecuteResult is the outcome of an accepted execution.
type ExecuteResult struct {
	Operation *datatypes.Operation `json:"operation"`
	Mutation  *Mutation            `json:"mutation"`
	Duration  time.Duration        `json:"duration"`
}

// Config configures the Gate.
type Config struct {
	Limiter  *ratelimit.Limiter
	Roles    access.RoleResolver
	Audit    access.AuditLogger
	Recorder Recorder
	Executor Executor
	Logger   *slog.Logger

	// Policies maps tool names to their gate policy. Tools without an
	// entry get the zero ToolPolicy.
	Policies map[string]ToolPolicy
}

// Gate is the security gate for AI-originated mutations.
type Gate struct {
	limiter  *ratelimit.Limiter
	roles    access.RoleResolver
	audit    access.AuditLogger
	recorder Recorder
	executor Executor
	policies map[string]ToolPolicy
	logger   *slog.Logger
}

// toolAction is the limiter key for one tool, so each tool draws from
// its own per-user window.
func toolAction(toolName string) string {
	return "tool:" + toolName
}

// New creates a Gate. Limiter, Roles, Recorder, and Executor are
// required; Audit defaults to a no-op logger. Per-tool rate rules from
// Policies are installed into the limiter here.
func New(cfg Config) (*Gate, error) {
	if cfg.Limiter == nil {
		return nil, errors.New("limiter is required")
	}
	if cfg.Roles == nil {
		return nil, errors.New("role resolver is required")
	}
	if cfg.Recorder == nil {
		return nil, errors.New("recorder is required")
	}
	if cfg.Executor == nil {
		return nil, errors.New("executor is required")
	}
	audit := cfg.Audit
	if audit == nil {
		audit = &access.NopAuditLogger{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	for name, policy := range cfg.Policies {
		if policy.RateRule != nil {
			cfg.Limiter.SetRule(toolAction(name), *policy.RateRule)
		}
	}
	return &Gate{
		limiter:  cfg.Limiter,
		roles:    cfg.Roles,
		audit:    audit,
		recorder: cfg.Recorder,
		executor: cfg.Executor,
		policies: cfg.Policies,
		logger:   logger.With(slog.String("component", "security_gate")),
	}, nil
}

// Execute runs one tool through the gate.
//
// Check order is fixed: rate limit first, permission second, then the
// executor. A rejected request never invokes the executor and records
// nothing. Audit failures are logged but never veto the decision
// already made.
func (g *Gate) Execute(ctx context.Context, req *ExecuteRequest) (*ExecuteResult, error) {
	ctx, span := otel.Tracer("oplog").Start(ctx, "gate.Execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("user_id", req.UserID),
		attribute.String("tool_name", req.ToolName),
	)

	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}
	policy := g.policies[req.ToolName]

	action := toolAction(req.ToolName)
	if err := g.limiter.Allow(req.UserID, action); err != nil {
		observability.RateLimited.WithLabelValues(action).Inc()
		span.SetAttributes(attribute.Bool("rate_limited", true))
		g.logger.Warn("tool execution rate limited",
			slog.String("user_id", req.UserID),
			slog.String("tool_name", req.ToolName))
		return nil, fmt.Errorf("%w: %w", ErrRateLimited, err)
	}

	if policy.RequiredPermission != "" {
		if err := g.checkPermission(ctx, req, policy.RequiredPermission); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	mutation, err := g.executor.Execute(ctx, req.ToolName, req.Input)
	duration := time.Since(start)
	if err != nil {
		observability.ToolDuration.WithLabelValues(req.ToolName, "error").Observe(duration.Seconds())
		span.RecordError(err)
		span.SetStatus(codes.Error, "executor failed")
		return nil, fmt.Errorf("%w: %v", ErrExecution, err)
	}
	observability.ToolDuration.WithLabelValues(req.ToolName, "ok").Observe(duration.Seconds())

	if policy.SkipRecord {
		g.logger.Info("gated tool executed without recording",
			slog.String("user_id", req.UserID),
			slog.String("tool_name", req.ToolName),
			slog.Duration("duration", duration))
		return &ExecuteResult{Mutation: mutation, Duration: duration}, nil
	}
	if mutation == nil {
		span.SetStatus(codes.Error, "no mutation returned")
		return nil, fmt.Errorf("%w: tool %q returned no mutation", ErrExecution, req.ToolName)
	}

	targetTable := mutation.TargetTable
	if targetTable == "" {
		targetTable = policy.DefaultTargetTable
	}
	level := policy.SecurityLevel
	if level == "" {
		level = datatypes.SecurityNormal
	}

	op, err := g.recorder.Record(ctx, &datatypes.RecordOperationRequest{
		UserID:        req.UserID,
		SessionID:     req.SessionID,
		Type:          mutation.Type,
		TargetTable:   targetTable,
		TargetID:      mutation.TargetID,
		PreviousState: mutation.PreviousState,
		NextState:     mutation.NextState,
		Metadata: datatypes.OperationMetadata{
			TargetTitle:  mutation.TargetTitle,
			CanvasID:     mutation.CanvasID,
			FolderID:     mutation.FolderID,
			ProducerType: datatypes.ProducerAI,
			ProducerID:   req.ProducerID,
			ProducerContext: map[string]any{
				"source":     "ai-assistant",
				"tool_name":  req.ToolName,
				"request_id": req.RequestID,
			},
			SecurityLevel: level,
		},
	})
	if err != nil {
		// The mutation already happened; surface the recording failure
		// loudly so the caller knows undo will not cover it.
		span.RecordError(err)
		span.SetStatus(codes.Error, "record failed")
		g.logger.Error("mutation executed but not recorded",
			slog.String("user_id", req.UserID),
			slog.String("tool_name", req.ToolName),
			slog.String("error", err.Error()))
		return nil, fmt.Errorf("record gated mutation: %w", err)
	}

	g.logger.Info("gated tool executed",
		slog.String("user_id", req.UserID),
		slog.String("tool_name", req.ToolName),
		slog.String("op_id", op.ID),
		slog.Duration("duration", duration))

	return &ExecuteResult{Operation: op, Mutation: mutation, Duration: duration}, nil
}

// checkPermission resolves the caller's role and verifies it grants
// the tool's required permission. Denials emit exactly one audit
// event.
func (g *Gate) checkPermission(ctx context.Context, req *ExecuteRequest, permission string) error {
	role, err := g.roles.ResolveRole(ctx, req.UserID)
	if err != nil {
		return fmt.Errorf("resolve role: %w", err)
	}

	if role.Grants(permission) {
		return nil
	}

	observability.PermissionDenied.WithLabelValues(req.ToolName).Inc()
	if err := g.audit.Log(ctx, access.AuditEvent{
		EventType:    "permission.denied",
		UserID:       req.UserID,
		Action:       permission,
		ResourceType: "tool",
		ResourceID:   req.ToolName,
		Outcome:      "denied",
		Details: map[string]any{
			"role":       role.Name,
			"request_id": req.RequestID,
			"session_id": req.SessionID,
		},
	}); err != nil {
		g.logger.Error("audit write failed", slog.String("error", err.Error()))
	}

	g.logger.Warn("tool execution denied",
		slog.String("user_id", req.UserID),
		slog.String("tool_name", req.ToolName),
		slog.String("role", role.Name))
	return fmt.Errorf("%w: role %q does not grant %q", ErrPermissionDenied, role.Name, permission)
}
