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
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/driftboard/canvasops/services/oplog/datatypes"
	"github.com/driftboard/canvasops/services/oplog/realtime"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 64 * 1024,
}

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

// streamEvent is one websocket frame on the operation stream.
type streamEvent struct {
	Event     string               `json:"event"`
	Operation *datatypes.Operation `json:"operation,omitempty"`
}

// StreamOperations handles GET /v1/operations/stream: a websocket
// feed of the caller's accepted operations, in acceptance order.
//
// Clients treat each event as an invalidation signal and reload their
// stacks over the REST API; the frame carries the operation for
// display purposes only.
func StreamOperations(hub *realtime.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := callerID(c)
		if !ok {
			return
		}

		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("websocket upgrade failed", "error", err)
			return
		}
		defer ws.Close()

		sub := hub.Subscribe(userID)
		defer sub.Unsubscribe()

		slog.Info("operation stream connected", "user_id", userID)

		// Reader goroutine: we never expect client frames, but reading
		// is what surfaces close and pong events.
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if _, _, err := ws.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()

		for {
			select {
			case op, open := <-sub.C:
				if !open {
					return
				}
				_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := ws.WriteJSON(streamEvent{Event: "operation_recorded", Operation: op}); err != nil {
					slog.Info("operation stream disconnected", "user_id", userID, "error", err.Error())
					return
				}
			case <-ticker.C:
				_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-done:
				slog.Info("operation stream closed by client", "user_id", userID)
				return
			case <-c.Request.Context().Done():
				return
			}
		}
	}
}
