// Copyright (C) 2026 Driftboard Labs (eng@driftboard.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/driftboard/canvasops/pkg/access"
	"github.com/driftboard/canvasops/services/oplog/engine"
	"github.com/driftboard/canvasops/services/oplog/handlers"
	"github.com/driftboard/canvasops/services/oplog/middleware"
	"github.com/driftboard/canvasops/services/oplog/ratelimit"
	"github.com/driftboard/canvasops/services/oplog/realtime"
	"github.com/driftboard/canvasops/services/oplog/security"
)

// SetupRoutes wires the HTTP surface of the operation log service.
// The limiter is shared with the security gate; the editing endpoints
// draw from the "record", "undo", and "redo" windows.
func SetupRoutes(router *gin.Engine, eng *engine.Engine, gate *security.Gate,
	hub *realtime.Hub, limiter *ratelimit.Limiter, provider access.AuthProvider) {

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API version 1 group
	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(provider))
	{
		ops := v1.Group("/operations")
		{
			ops.POST("", middleware.RateLimit(limiter, "record"), handlers.RecordOperation(eng))
			ops.GET("", handlers.GetHistory(eng))
			ops.POST("/undo", middleware.RateLimit(limiter, "undo"), handlers.Undo(eng))
			ops.POST("/redo", middleware.RateLimit(limiter, "redo"), handlers.Redo(eng))
			ops.GET("/stream", handlers.StreamOperations(hub))
		}

		sessions := v1.Group("/sessions")
		{
			sessions.GET("/:sessionId/stacks", handlers.GetStacks(eng))
			sessions.DELETE("/:sessionId", handlers.CloseSession(eng))
		}

		tools := v1.Group("/tools")
		{
			tools.POST("/execute", handlers.ExecuteTool(gate))
		}

		admin := v1.Group("/admin")
		{
			admin.POST("/operations/truncate", handlers.TruncateHistory(eng))
		}
	}
}
