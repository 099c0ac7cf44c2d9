// Copyright (C) 2026 Driftboard Labs (eng@driftboard.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package access

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// FileAuditLogger appends audit events to a JSON Lines file.
//
// Each event is one JSON object per line, suitable for ingestion by
// log shippers. Writes are serialized by a mutex; the file is opened
// in append mode so multiple processes interleave at line granularity.
type FileAuditLogger struct {
	path string
	mu   sync.Mutex
	file *os.File
}

// NewFileAuditLogger opens (creating if necessary) the JSONL file at
// path. The caller should Flush and close via Flush + Close on
// shutdown.
func NewFileAuditLogger(path string) (*FileAuditLogger, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
	if err != nil {
		return nil, fmt.Errorf("open audit log %s: %w", path, err)
	}
	return &FileAuditLogger{path: path, file: file}, nil
}

// Log appends the event as one JSON line. Sets Timestamp if zero.
func (l *FileAuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return fmt.Errorf("audit log %s is closed", l.path)
	}
	enc := json.NewEncoder(l.file)
	if err := enc.Encode(event); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return nil
}

// Flush syncs the file to disk.
func (l *FileAuditLogger) Flush(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	return l.file.Sync()
}

// Close syncs and closes the underlying file. Subsequent Log calls
// fail.
func (l *FileAuditLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Sync()
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	l.file = nil
	return err
}

var _ AuditLogger = (*FileAuditLogger)(nil)
