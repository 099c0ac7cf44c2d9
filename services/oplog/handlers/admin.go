// Copyright (C) 2026 Driftboard Labs (eng@driftboard.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/driftboard/canvasops/services/oplog/engine"
)

// truncateBody is the request body of the retention endpoint.
type truncateBody struct {
	UptoSeq uint64 `json:"upto_seq" binding:"required"`
}

// TruncateHistory handles POST /v1/admin/operations/truncate: delete
// the caller's operations with sequence numbers at or below upto_seq.
//
// Retention policy lives with the operator; this endpoint is only the
// mechanism. Truncated operations silently drop off undo stacks on the
// next session reload.
func TruncateHistory(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := callerID(c)
		if !ok {
			return
		}
		var body truncateBody
		if err := c.BindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "upto_seq is required"})
			return
		}

		deleted, err := eng.Truncate(c.Request.Context(), userID, body.UptoSeq)
		if err != nil {
			slog.Error("truncate failed", "user_id", userID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to truncate history"})
			return
		}

		slog.Info("history truncated",
			"user_id", userID, "upto_seq", body.UptoSeq, "deleted", deleted)
		c.JSON(http.StatusOK, gin.H{
			"deleted":  deleted,
			"upto_seq": body.UptoSeq,
		})
	}
}
