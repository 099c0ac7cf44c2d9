// Copyright (C) 2026 Driftboard Labs (eng@driftboard.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package middleware

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/driftboard/canvasops/services/oplog/observability"
	"github.com/driftboard/canvasops/services/oplog/ratelimit"
)

// RateLimit rejects requests once the caller exhausts the fixed
// window for action ("record", "undo", ...). It must run after
// AuthMiddleware; without an identity it lets the request through for
// the auth layer to reject.
func RateLimit(limiter *ratelimit.Limiter, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		info := GetAuthInfo(c)
		if info == nil || info.UserID == "" {
			c.Next()
			return
		}

		if err := limiter.Allow(info.UserID, action); err != nil {
			observability.RateLimited.WithLabelValues(action).Inc()
			var limErr *ratelimit.LimitExceededError
			if errors.As(err, &limErr) {
				c.Header("Retry-After", strconv.Itoa(int(limErr.RetryAfter.Seconds())+1))
			}
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
			return
		}
		c.Next()
	}
}
