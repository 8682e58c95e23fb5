// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package storage provides the durable key-value collaborator used to persist
// conversation history partitions.
//
// Two implementations satisfy KV:
//
//   - Memory: process-local map, used by tests and the --in-memory mode.
//   - Badger: embedded BadgerDB, the default for the CLI and the bridge.
//
// Values are opaque strings. Key derivation belongs to the caller.
package storage

import "errors"

// ErrClosed is returned by every KV operation after Close.
var ErrClosed = errors.New("storage is closed")

// KV is a string key-value store.
//
// # Description
//
// Get reports a missing key as ("", false, nil). Remove of a missing key is
// not an error.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type KV interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Remove(key string) error
	Close() error
}
