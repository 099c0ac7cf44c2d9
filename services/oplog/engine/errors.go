// Copyright (C) 2026 Driftboard Labs (eng@driftboard.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import "errors"

var (
	// ErrNoOperationToUndo is returned when undo is called on an
	// empty undo stack. Non-fatal: the UI should disable the control
	// instead of surfacing an error dialog.
	ErrNoOperationToUndo = errors.New("no operation to undo")

	// ErrNoOperationToRedo is the redo-side counterpart.
	ErrNoOperationToRedo = errors.New("no operation to redo")

	// ErrPersistence wraps durable-store failures. The in-memory
	// stacks are guaranteed untouched when it is returned; the caller
	// decides whether to retry. The engine never retries on its own,
	// as a hidden retry could double-apply an operation.
	ErrPersistence = errors.New("persistence failure")
)
