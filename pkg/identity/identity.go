// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package identity resolves who the chat history belongs to.
//
// The Provider interface is the collaborator contract: a synchronous cached
// lookup plus an asynchronous refresh. FileProvider implements it on top of a
// local credentials file and the dashboard's /auth/me endpoint.
package identity

import "context"

// GuestKey is the partition suffix used when nobody is signed in.
const GuestKey = "guest"

// lastIdentitySuffix names the key that records the previous session's
// identity.
const lastIdentitySuffix = "last_identity"

// Identity is an authenticated dashboard user.
type Identity struct {
	ID string
}

// Provider resolves the current identity.
//
// # Description
//
// Current returns the cached identity without blocking; nil means guest.
// Refresh revalidates against the source of truth and updates the cache.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Provider interface {
	Current() *Identity
	Stale() bool
	Refresh(ctx context.Context) (*Identity, error)
}

// Key returns the partition suffix for id: its ID, or GuestKey for nil.
func Key(id *Identity) string {
	if id == nil || id.ID == "" {
		return GuestKey
	}
	return id.ID
}

// PartitionKey derives the storage key of id's history partition.
//
// # Examples
//
//	PartitionKey("chat_history_", &Identity{ID: "42"}) // "chat_history_42"
//	PartitionKey("chat_history_", nil)                 // "chat_history_guest"
func PartitionKey(prefix string, id *Identity) string {
	return prefix + Key(id)
}

// LastIdentityKey derives the key that stores the last-known identity.
func LastIdentityKey(prefix string) string {
	return prefix + lastIdentitySuffix
}

// Static is a fixed Provider. It is never stale.
type Static struct {
	Identity *Identity
}

var _ Provider = Static{}

func (s Static) Current() *Identity { return s.Identity }

func (s Static) Stale() bool { return false }

func (s Static) Refresh(context.Context) (*Identity, error) { return s.Identity, nil }
