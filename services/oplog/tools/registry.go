// Copyright (C) 2026 Driftboard Labs (eng@driftboard.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package tools is the executor registry behind the security gate.
// Canvas tools register a handler by name; the gate resolves the name
// at execution time. The registry itself knows nothing about
// permissions or rate limits, those checks happen before it is called.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/driftboard/canvasops/services/oplog/security"
)

// ErrUnknownTool is returned when no handler is registered under the
// requested name.
var ErrUnknownTool = errors.New("unknown tool")

// ToolFunc executes one tool call and reports the resulting mutation.
type ToolFunc func(ctx context.Context, input json.RawMessage) (*security.Mutation, error)

// Registry maps tool names to handlers.
//
// Thread Safety: safe for concurrent use. Registration normally
// happens during startup, but late registration is allowed.
type Registry struct {
	logger *slog.Logger

	mu    sync.RWMutex
	tools map[string]ToolFunc
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger: logger.With(slog.String("component", "tool_registry")),
		tools:  make(map[string]ToolFunc),
	}
}

// Register adds a tool handler. Registering an existing name replaces
// the previous handler.
func (r *Registry) Register(name string, fn ToolFunc) error {
	if name == "" {
		return errors.New("tool name must not be empty")
	}
	if fn == nil {
		return errors.New("tool handler must not be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		r.logger.Warn("replacing registered tool", slog.String("tool_name", name))
	}
	r.tools[name] = fn
	return nil
}

// Names returns the registered tool names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// Execute implements security.Executor.
func (r *Registry) Execute(ctx context.Context, toolName string, input json.RawMessage) (*security.Mutation, error) {
	r.mu.RLock()
	fn, ok := r.tools[toolName]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, toolName)
	}
	return fn(ctx, input)
}

var _ security.Executor = (*Registry)(nil)
