// Copyright (C) 2026 Driftboard Labs (eng@driftboard.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/driftboard/canvasops/pkg/access"
	"github.com/driftboard/canvasops/services/oplog/datatypes"
	"github.com/driftboard/canvasops/services/oplog/engine"
	"github.com/driftboard/canvasops/services/oplog/middleware"
	"github.com/driftboard/canvasops/services/oplog/ratelimit"
	"github.com/driftboard/canvasops/services/oplog/security"
	"github.com/driftboard/canvasops/services/oplog/storage/badger"
	"github.com/driftboard/canvasops/services/oplog/store"
	"github.com/driftboard/canvasops/services/oplog/tools"
)

// newTestRouter builds the handler stack against an in-memory
// database with permissive auth and two registered tools: updateShape
// (no permission, budget toolLimit/min) and deleteItem (requires
// content:delete, critical, 5/min). Routes are declared inline rather
// than importing the routes package, which would create an import
// cycle with this test's helpers.
func newTestRouter(t *testing.T, toolLimit int) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := badger.OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	st, err := store.New(db, store.Config{})
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	eng := engine.New(st, nil, nil)

	registry := tools.NewRegistry(nil)
	_ = registry.Register("updateShape", func(_ context.Context, input json.RawMessage) (*security.Mutation, error) {
		return &security.Mutation{
			Type:          datatypes.OpUpdate,
			TargetTable:   "shapes",
			TargetID:      "shape-1",
			PreviousState: json.RawMessage(`{"color":"red"}`),
			NextState:     input,
		}, nil
	})
	_ = registry.Register("deleteItem", func(_ context.Context, _ json.RawMessage) (*security.Mutation, error) {
		return &security.Mutation{
			Type:          datatypes.OpDelete,
			TargetTable:   "shapes",
			TargetID:      "shape-9",
			PreviousState: json.RawMessage(`{"color":"green","x":4}`),
		}, nil
	})

	limiter := ratelimit.New(ratelimit.Config{})
	roles := &access.StaticRoleResolver{
		RolesByUser: map[string]access.Role{
			"local-user": {Name: "editor", Permissions: []string{"content:delete"}},
		},
	}
	gate, err := security.New(security.Config{
		Limiter:  limiter,
		Roles:    roles,
		Recorder: eng,
		Executor: registry,
		Policies: map[string]security.ToolPolicy{
			"updateShape": {
				RateRule: &ratelimit.Rule{Limit: toolLimit, Window: time.Minute},
			},
			"deleteItem": {
				RequiredPermission: "content:delete",
				SecurityLevel:      datatypes.SecurityCritical,
				RateRule:           &ratelimit.Rule{Limit: 5, Window: time.Minute},
			},
		},
	})
	if err != nil {
		t.Fatalf("security.New: %v", err)
	}

	r := gin.New()
	v1 := r.Group("/v1")
	v1.Use(middleware.AuthMiddleware(&access.NopAuthProvider{}))
	v1.POST("/operations", middleware.RateLimit(limiter, "record"), RecordOperation(eng))
	v1.GET("/operations", GetHistory(eng))
	v1.POST("/operations/undo", middleware.RateLimit(limiter, "undo"), Undo(eng))
	v1.POST("/operations/redo", middleware.RateLimit(limiter, "redo"), Redo(eng))
	v1.GET("/sessions/:sessionId/stacks", GetStacks(eng))
	v1.DELETE("/sessions/:sessionId", CloseSession(eng))
	v1.POST("/tools/execute", ExecuteTool(gate))
	v1.POST("/admin/operations/truncate", TruncateHistory(eng))
	return r
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func recordBody(sessionID string, opType datatypes.OperationType) map[string]any {
	body := map[string]any{
		"session_id":     sessionID,
		"operation_type": string(opType),
		"target_table":   "shapes",
		"target_id":      "shape-1",
	}
	switch opType {
	case datatypes.OpCreate:
		body["next_state"] = map[string]any{"x": 1}
	case datatypes.OpDelete:
		body["previous_state"] = map[string]any{"x": 1}
	default:
		body["previous_state"] = map[string]any{"x": 1}
		body["next_state"] = map[string]any{"x": 2}
	}
	return body
}

func TestRecordEndpoint(t *testing.T) {
	r := newTestRouter(t, 10)

	w := doJSON(t, r, http.MethodPost, "/v1/operations", recordBody("sess-1", datatypes.OpCreate))
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var op datatypes.Operation
	if err := json.Unmarshal(w.Body.Bytes(), &op); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if op.ID == "" || op.Seq != 1 {
		t.Errorf("op = %+v", op)
	}
	// The owner is the authenticated caller, regardless of the body.
	if op.UserID != "local-user" {
		t.Errorf("UserID = %q, want local-user", op.UserID)
	}
}

func TestRecordEndpointValidation(t *testing.T) {
	r := newTestRouter(t, 10)

	body := recordBody("sess-1", datatypes.OpCreate)
	body["operation_type"] = "teleport"
	w := doJSON(t, r, http.MethodPost, "/v1/operations", body)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestUndoRedoEndpoints(t *testing.T) {
	r := newTestRouter(t, 10)

	if w := doJSON(t, r, http.MethodPost, "/v1/operations", recordBody("sess-1", datatypes.OpUpdate)); w.Code != http.StatusCreated {
		t.Fatalf("record status = %d", w.Code)
	}

	w := doJSON(t, r, http.MethodPost, "/v1/operations/undo", map[string]any{"session_id": "sess-1"})
	if w.Code != http.StatusOK {
		t.Fatalf("undo status = %d, body = %s", w.Code, w.Body.String())
	}
	var res datatypes.UndoRedoResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !res.Success || string(res.RestoreState) != `{"x":1}` {
		t.Errorf("undo result = %+v", res)
	}

	w = doJSON(t, r, http.MethodPost, "/v1/operations/redo", map[string]any{"session_id": "sess-1"})
	if w.Code != http.StatusOK {
		t.Fatalf("redo status = %d", w.Code)
	}
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !res.Success || string(res.RestoreState) != `{"x":2}` {
		t.Errorf("redo result = %+v", res)
	}
}

func TestUndoEmptyStackIsOK(t *testing.T) {
	r := newTestRouter(t, 10)

	w := doJSON(t, r, http.MethodPost, "/v1/operations/undo", map[string]any{"session_id": "sess-1"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var res datatypes.UndoRedoResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Success {
		t.Error("Success = true on empty stack")
	}
	if res.Error == "" {
		t.Error("expected an error message")
	}
}

func TestHistoryEndpoint(t *testing.T) {
	r := newTestRouter(t, 10)

	for _, sess := range []string{"a", "b", "a"} {
		if w := doJSON(t, r, http.MethodPost, "/v1/operations", recordBody(sess, datatypes.OpUpdate)); w.Code != http.StatusCreated {
			t.Fatalf("record status = %d", w.Code)
		}
	}

	w := doJSON(t, r, http.MethodGet, "/v1/operations?session_id=a", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Operations []datatypes.Operation `json:"operations"`
		Count      int                   `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count != 2 {
		t.Errorf("count = %d, want 2", resp.Count)
	}

	if w := doJSON(t, r, http.MethodGet, "/v1/operations?limit=bogus", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", w.Code)
	}
}

func TestStacksEndpoint(t *testing.T) {
	r := newTestRouter(t, 10)

	if w := doJSON(t, r, http.MethodPost, "/v1/operations", recordBody("sess-1", datatypes.OpUpdate)); w.Code != http.StatusCreated {
		t.Fatalf("record status = %d", w.Code)
	}

	w := doJSON(t, r, http.MethodGet, "/v1/sessions/sess-1/stacks", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		CanUndo   bool                  `json:"can_undo"`
		CanRedo   bool                  `json:"can_redo"`
		UndoStack []datatypes.Operation `json:"undo_stack"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.CanUndo || resp.CanRedo {
		t.Errorf("can_undo = %v, can_redo = %v", resp.CanUndo, resp.CanRedo)
	}
	if len(resp.UndoStack) != 1 {
		t.Errorf("undo_stack len = %d, want 1", len(resp.UndoStack))
	}
}

func TestToolExecuteEndpoint(t *testing.T) {
	r := newTestRouter(t, 10)

	w := doJSON(t, r, http.MethodPost, "/v1/tools/execute", map[string]any{
		"session_id": "sess-1",
		"tool_name":  "updateShape",
		"input":      map[string]any{"color": "blue"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var res security.ExecuteResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Operation == nil || res.Operation.Metadata.ProducerType != datatypes.ProducerAI {
		t.Errorf("operation = %+v", res.Operation)
	}

	// The gated mutation is undoable like any human edit.
	w = doJSON(t, r, http.MethodPost, "/v1/operations/undo", map[string]any{"session_id": "sess-1"})
	if w.Code != http.StatusOK {
		t.Fatalf("undo status = %d", w.Code)
	}
	var undo datatypes.UndoRedoResult
	if err := json.Unmarshal(w.Body.Bytes(), &undo); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !undo.Success || string(undo.RestoreState) != `{"color":"red"}` {
		t.Errorf("undo result = %+v", undo)
	}
}

func TestDeleteToolEndToEnd(t *testing.T) {
	r := newTestRouter(t, 10)
	body := map[string]any{
		"session_id": "sess-1",
		"tool_name":  "deleteItem",
	}

	w := doJSON(t, r, http.MethodPost, "/v1/tools/execute", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var res security.ExecuteResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Operation == nil || res.Operation.Type != datatypes.OpDelete {
		t.Fatalf("operation = %+v", res.Operation)
	}
	if res.Operation.Metadata.SecurityLevel != datatypes.SecurityCritical {
		t.Errorf("SecurityLevel = %q, want critical", res.Operation.Metadata.SecurityLevel)
	}

	// Undoing the AI delete restores the item's last state.
	w = doJSON(t, r, http.MethodPost, "/v1/operations/undo", map[string]any{"session_id": "sess-1"})
	if w.Code != http.StatusOK {
		t.Fatalf("undo status = %d", w.Code)
	}
	var undo datatypes.UndoRedoResult
	if err := json.Unmarshal(w.Body.Bytes(), &undo); err != nil {
		t.Fatalf("decode undo: %v", err)
	}
	if !undo.Success || string(undo.RestoreState) != `{"color":"green","x":4}` {
		t.Errorf("undo result = %+v", undo)
	}

	// deleteItem carries its own 5/min budget; the sixth call in the
	// window is rejected without touching other tools.
	for i := 0; i < 4; i++ {
		if w := doJSON(t, r, http.MethodPost, "/v1/tools/execute", body); w.Code != http.StatusOK {
			t.Fatalf("delete %d status = %d", i+2, w.Code)
		}
	}
	if w := doJSON(t, r, http.MethodPost, "/v1/tools/execute", body); w.Code != http.StatusTooManyRequests {
		t.Errorf("sixth delete status = %d, want 429", w.Code)
	}
	if w := doJSON(t, r, http.MethodPost, "/v1/tools/execute", map[string]any{
		"session_id": "sess-1",
		"tool_name":  "updateShape",
		"input":      map[string]any{"color": "blue"},
	}); w.Code != http.StatusOK {
		t.Errorf("updateShape after deleteItem exhaustion status = %d, want 200", w.Code)
	}
}

func TestToolExecuteRateLimit(t *testing.T) {
	r := newTestRouter(t, 2)
	body := map[string]any{
		"session_id": "sess-1",
		"tool_name":  "updateShape",
		"input":      map[string]any{},
	}

	for i := 0; i < 2; i++ {
		if w := doJSON(t, r, http.MethodPost, "/v1/tools/execute", body); w.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i+1, w.Code)
		}
	}

	w := doJSON(t, r, http.MethodPost, "/v1/tools/execute", body)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header missing")
	}
}

func TestCloseSessionEndpoint(t *testing.T) {
	r := newTestRouter(t, 10)

	if w := doJSON(t, r, http.MethodPost, "/v1/operations", recordBody("sess-1", datatypes.OpUpdate)); w.Code != http.StatusCreated {
		t.Fatalf("record status = %d", w.Code)
	}

	w := doJSON(t, r, http.MethodDelete, "/v1/sessions/sess-1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("close status = %d, body = %s", w.Code, w.Body.String())
	}

	// The context rebuilds from the durable log on the next request.
	w = doJSON(t, r, http.MethodGet, "/v1/sessions/sess-1/stacks", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("stacks status = %d", w.Code)
	}
	var resp struct {
		CanUndo bool `json:"can_undo"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.CanUndo {
		t.Error("can_undo = false after session reload")
	}
}

func TestTruncateEndpoint(t *testing.T) {
	r := newTestRouter(t, 10)

	for i := 0; i < 3; i++ {
		if w := doJSON(t, r, http.MethodPost, "/v1/operations", recordBody("sess-1", datatypes.OpUpdate)); w.Code != http.StatusCreated {
			t.Fatalf("record %d status = %d", i+1, w.Code)
		}
	}

	w := doJSON(t, r, http.MethodPost, "/v1/admin/operations/truncate", map[string]any{"upto_seq": 2})
	if w.Code != http.StatusOK {
		t.Fatalf("truncate status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp struct {
		Deleted int `json:"deleted"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Deleted != 2 {
		t.Errorf("deleted = %d, want 2", resp.Deleted)
	}

	// The surviving operation is still listed and still undoable.
	w = doJSON(t, r, http.MethodGet, "/v1/operations", nil)
	var hist struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &hist); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if hist.Count != 1 {
		t.Errorf("count after truncate = %d, want 1", hist.Count)
	}

	w = doJSON(t, r, http.MethodGet, "/v1/sessions/sess-1/stacks", nil)
	var stacks struct {
		UndoStack []datatypes.Operation `json:"undo_stack"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &stacks); err != nil {
		t.Fatalf("decode stacks: %v", err)
	}
	if len(stacks.UndoStack) != 1 {
		t.Errorf("undo_stack len after truncate = %d, want 1", len(stacks.UndoStack))
	}

	if w := doJSON(t, r, http.MethodPost, "/v1/admin/operations/truncate", map[string]any{}); w.Code != http.StatusBadRequest {
		t.Errorf("missing upto_seq status = %d, want 400", w.Code)
	}
}

func TestToolExecuteUnknownTool(t *testing.T) {
	r := newTestRouter(t, 10)

	w := doJSON(t, r, http.MethodPost, "/v1/tools/execute", map[string]any{
		"session_id": "sess-1",
		"tool_name":  "teleportShape",
	})
	if w.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", w.Code)
	}
}
