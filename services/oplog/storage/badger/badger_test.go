// Copyright (C) 2026 Driftboard Labs (eng@driftboard.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package badger

import (
	"context"
	"path/filepath"
	"testing"

	dgbadger "github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAndRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "db")
	cfg.GCInterval = 0

	db, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	err = db.Update(ctx, func(txn *dgbadger.Txn) error {
		return txn.Set([]byte("k"), []byte("v"))
	})
	require.NoError(t, err)

	var got []byte
	err = db.View(ctx, func(txn *dgbadger.Txn) error {
		item, err := txn.Get([]byte("k"))
		if err != nil {
			return err
		}
		got, err = item.ValueCopy(nil)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, "v", string(got))

	assert.NoError(t, db.Sync())
}

func TestOpenRequiresPath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Path = ""
	_, err := Open(cfg)
	require.Error(t, err)
}

func TestOpenInMemory(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	err = db.Update(context.Background(), func(txn *dgbadger.Txn) error {
		return txn.Set([]byte("k"), []byte("v"))
	})
	require.NoError(t, err)

	// Sync is a no-op for the in-memory engine.
	assert.NoError(t, db.Sync())
}

func TestContextCancellation(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = db.Update(ctx, func(txn *dgbadger.Txn) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)

	err = db.View(ctx, func(txn *dgbadger.Txn) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}
