// Copyright (C) 2026 Driftboard Labs (eng@driftboard.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability holds the Prometheus metrics of the operation
// log service. Metrics are registered on the default registry via
// promauto and served by the /metrics endpoint.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OperationsRecorded counts accepted operations by type and producer.
	OperationsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oplog_operations_recorded_total",
		Help: "Operations accepted into the log",
	}, []string{"type", "producer"})

	// UndoTotal counts undo calls by outcome (ok, empty, error).
	UndoTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oplog_undo_total",
		Help: "Undo requests by outcome",
	}, []string{"outcome"})

	// RedoTotal counts redo calls by outcome (ok, empty, error).
	RedoTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oplog_redo_total",
		Help: "Redo requests by outcome",
	}, []string{"outcome"})

	// RateLimited counts requests rejected by the rate limiter.
	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oplog_rate_limited_total",
		Help: "Requests rejected by the rate limiter",
	}, []string{"action"})

	// PermissionDenied counts tool executions rejected by the security
	// gate's permission check.
	PermissionDenied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oplog_permission_denied_total",
		Help: "Tool executions rejected by the permission check",
	}, []string{"tool"})

	// ToolDuration observes wall time of gated tool executions.
	ToolDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "oplog_tool_duration_seconds",
		Help:    "Wall time of gated tool executions",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"tool", "outcome"})

	// AppendDuration observes log append latency.
	AppendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "oplog_append_duration_seconds",
		Help:    "Durable log append latency",
		Buckets: []float64{0.0001, 0.001, 0.01, 0.05, 0.1, 0.5},
	})
)
