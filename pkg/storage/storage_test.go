// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exerciseKV runs the behavior every KV implementation must share.
func exerciseKV(t *testing.T, kv KV) {
	t.Helper()

	_, ok, err := kv.Get("missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, kv.Set("chat_history_42", `[{"question":"净流入"}]`))
	v, ok, err := kv.Get("chat_history_42")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `[{"question":"净流入"}]`, v)

	require.NoError(t, kv.Set("chat_history_42", "[]"))
	v, _, err = kv.Get("chat_history_42")
	require.NoError(t, err)
	assert.Equal(t, "[]", v)

	require.NoError(t, kv.Remove("chat_history_42"))
	_, ok, err = kv.Get("chat_history_42")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, kv.Remove("never-set"), "removing a missing key is not an error")

	require.NoError(t, kv.Close())
	_, _, err = kv.Get("chat_history_42")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, kv.Set("k", "v"), ErrClosed)
	assert.ErrorIs(t, kv.Remove("k"), ErrClosed)
}

func TestMemory(t *testing.T) {
	exerciseKV(t, NewMemory())
}

func TestBadger_InMemory(t *testing.T) {
	kv, err := OpenBadger(InMemoryBadgerConfig())
	require.NoError(t, err)
	assert.True(t, kv.InMemory())
	assert.Empty(t, kv.Path())

	exerciseKV(t, kv)
	assert.NoError(t, kv.Close(), "second close is a no-op")
}

func TestBadger_PersistsAcrossReopen(t *testing.T) {
	cfg := DefaultBadgerConfig()
	cfg.Path = t.TempDir()

	kv, err := OpenBadger(cfg)
	require.NoError(t, err)
	require.NoError(t, kv.Set("chat_history_last_identity", "42"))
	require.NoError(t, kv.Close())

	reopened, err := OpenBadger(cfg)
	require.NoError(t, err)
	defer reopened.Close()

	v, ok, err := reopened.Get("chat_history_last_identity")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "42", v)
}

func TestOpenBadger_Validation(t *testing.T) {
	_, err := OpenBadger(BadgerConfig{})
	assert.Error(t, err, "path is required on disk")

	_, err = OpenBadger(BadgerConfig{InMemory: true, GCDiscardRatio: 2})
	assert.Error(t, err)
}
