// Copyright (C) 2026 Driftboard Labs (eng@driftboard.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/driftboard/canvasops/services/oplog/ratelimit"
	"github.com/driftboard/canvasops/services/oplog/security"
)

// ExecuteTool handles POST /v1/tools/execute: an AI-originated canvas
// mutation routed through the security gate.
//
// Status mapping:
//
//	429  rate limit exceeded (Retry-After header set)
//	403  role does not grant the tool
//	502  the tool itself failed
func ExecuteTool(gate *security.Gate) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := callerID(c)
		if !ok {
			return
		}

		var req security.ExecuteRequest
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		req.UserID = userID
		if req.SessionID == "" || req.ToolName == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "session_id and tool_name are required"})
			return
		}

		res, err := gate.Execute(c.Request.Context(), &req)
		if err != nil {
			var limErr *ratelimit.LimitExceededError
			switch {
			case errors.As(err, &limErr):
				c.Header("Retry-After", strconv.Itoa(int(limErr.RetryAfter.Seconds())+1))
				c.JSON(http.StatusTooManyRequests, gin.H{"error": limErr.Error()})
			case errors.Is(err, security.ErrRateLimited):
				c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
			case errors.Is(err, security.ErrPermissionDenied):
				c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
			case errors.Is(err, security.ErrExecution):
				c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			default:
				slog.Error("tool execution failed", "user_id", userID,
					"tool_name", req.ToolName, "error", err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "tool execution failed"})
			}
			return
		}

		c.JSON(http.StatusOK, res)
	}
}
