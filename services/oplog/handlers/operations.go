// Copyright (C) 2026 Driftboard Labs (eng@driftboard.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers implements the HTTP surface of the operation log
// service. Handlers are thin: bind, resolve the caller from the auth
// context, call the engine, map errors to status codes.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/driftboard/canvasops/services/oplog/datatypes"
	"github.com/driftboard/canvasops/services/oplog/engine"
	"github.com/driftboard/canvasops/services/oplog/middleware"
	"github.com/driftboard/canvasops/services/oplog/observability"
)

// callerID resolves the authenticated user, writing a 401 when the
// auth middleware did not run or rejected the request.
func callerID(c *gin.Context) (string, bool) {
	info := middleware.GetAuthInfo(c)
	if info == nil || info.UserID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
		return "", false
	}
	return info.UserID, true
}

// RecordOperation handles POST /v1/operations. The owner is always
// the authenticated caller; a user_id in the body is ignored.
func RecordOperation(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := callerID(c)
		if !ok {
			return
		}

		var req datatypes.RecordOperationRequest
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		req.UserID = userID

		op, err := eng.Record(c.Request.Context(), &req)
		if err != nil {
			if errors.Is(err, datatypes.ErrValidation) {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			slog.Error("record failed", "user_id", userID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record operation"})
			return
		}

		observability.OperationsRecorded.WithLabelValues(
			string(op.Type), string(op.Metadata.ProducerType)).Inc()
		c.JSON(http.StatusCreated, op)
	}
}

// undoRedoBody is the request body of the undo and redo endpoints.
// The owner comes from the auth context, not the body.
type undoRedoBody struct {
	SessionID string `json:"session_id" binding:"required"`
}

// Undo handles POST /v1/operations/undo.
//
// An empty undo stack is not an error at the HTTP level: the client
// gets a 200 with success=false and keeps its undo button in sync.
func Undo(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := callerID(c)
		if !ok {
			return
		}
		var body undoRedoBody
		if err := c.BindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "session_id is required"})
			return
		}

		res, err := eng.Undo(c.Request.Context(), &datatypes.UndoRedoRequest{
			UserID:    userID,
			SessionID: body.SessionID,
		})
		switch {
		case errors.Is(err, engine.ErrNoOperationToUndo):
			observability.UndoTotal.WithLabelValues("empty").Inc()
			c.JSON(http.StatusOK, res)
		case err != nil:
			observability.UndoTotal.WithLabelValues("error").Inc()
			slog.Error("undo failed", "user_id", userID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "undo failed"})
		default:
			observability.UndoTotal.WithLabelValues("ok").Inc()
			c.JSON(http.StatusOK, res)
		}
	}
}

// Redo handles POST /v1/operations/redo.
func Redo(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := callerID(c)
		if !ok {
			return
		}
		var body undoRedoBody
		if err := c.BindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "session_id is required"})
			return
		}

		res, err := eng.Redo(c.Request.Context(), &datatypes.UndoRedoRequest{
			UserID:    userID,
			SessionID: body.SessionID,
		})
		switch {
		case errors.Is(err, engine.ErrNoOperationToRedo):
			observability.RedoTotal.WithLabelValues("empty").Inc()
			c.JSON(http.StatusOK, res)
		case err != nil:
			observability.RedoTotal.WithLabelValues("error").Inc()
			slog.Error("redo failed", "user_id", userID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "redo failed"})
		default:
			observability.RedoTotal.WithLabelValues("ok").Inc()
			c.JSON(http.StatusOK, res)
		}
	}
}

// GetHistory handles GET /v1/operations. Query parameters:
//
//	session_id  filter to one session (optional)
//	limit       cap the result count (optional)
func GetHistory(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := callerID(c)
		if !ok {
			return
		}

		limit := 0
		if raw := c.Query("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed < 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
				return
			}
			limit = parsed
		}

		ops, err := eng.History(c.Request.Context(), userID, c.Query("session_id"), limit)
		if err != nil {
			slog.Error("history failed", "user_id", userID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load history"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"operations": ops,
			"count":      len(ops),
		})
	}
}

// GetStacks handles GET /v1/sessions/:sessionId/stacks: the current
// undo/redo stack contents for one of the caller's sessions.
func GetStacks(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := callerID(c)
		if !ok {
			return
		}
		sessionID := c.Param("sessionId")
		if sessionID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "sessionId is required"})
			return
		}

		sess, err := eng.Session(c.Request.Context(), userID, sessionID)
		if err != nil {
			slog.Error("session load failed", "user_id", userID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load session"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"session_id": sessionID,
			"undo_stack": sess.UndoStack(),
			"redo_stack": sess.RedoStack(),
			"can_undo":   sess.CanUndo(),
			"can_redo":   sess.CanRedo(),
		})
	}
}

// CloseSession handles DELETE /v1/sessions/:sessionId: drop the
// in-memory stack context for one of the caller's sessions. Clients
// call it on disconnect; the durable log and stack membership are
// untouched, so a later request rebuilds the context.
func CloseSession(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := callerID(c)
		if !ok {
			return
		}
		sessionID := c.Param("sessionId")
		if sessionID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "sessionId is required"})
			return
		}

		eng.CloseSession(userID, sessionID)
		c.JSON(http.StatusOK, gin.H{"closed": sessionID})
	}
}

// HealthCheck handles GET /health.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "oplog"})
}
