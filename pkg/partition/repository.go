// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package partition binds the conversation store to a durable, per-identity
// history partition.
//
// A Repository owns the mapping identity -> storage key, decides on every
// bind whether the partition is restored or started fresh, and acts as the
// store's Persister for the active partition.
package partition

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/FlowDesk/pkg/conversation"
	"github.com/AleutianAI/FlowDesk/pkg/identity"
	"github.com/AleutianAI/FlowDesk/pkg/storage"
	"golang.org/x/time/rate"
)

// DefaultPrefix is the key prefix for history partitions.
const DefaultPrefix = "chat_history_"

// DefaultPersistInterval bounds how often streaming deltas hit storage.
const DefaultPersistInterval = 250 * time.Millisecond

// documentVersion is bumped when the stored layout changes.
const documentVersion = 1

// document is the stored form of a partition.
type document struct {
	Version  int                 `json:"version"`
	Identity string              `json:"identity"`
	SavedAt  time.Time           `json:"saved_at"`
	Turns    []conversation.Turn `json:"turns"`
}

// Config configures a Repository.
//
// # Fields
//
//   - KV: Durable storage. Required.
//   - Provider: Identity source. Required.
//   - Store: The history store to bind. Required.
//   - Prefix: Key prefix. Empty selects DefaultPrefix.
//   - PersistInterval: Minimum spacing of delta writes. Zero selects
//     DefaultPersistInterval; negative persists every delta.
//   - BeforeBind: Called at the start of every Bind, typically to cancel an
//     in-flight stream.
//   - OnBind: Called after every successful Bind.
//   - Logger: Nil selects slog.Default().
type Config struct {
	KV              storage.KV
	Provider        identity.Provider
	Store           *conversation.Store
	Prefix          string
	PersistInterval time.Duration
	BeforeBind      func()
	OnBind          func(Binding)
	Logger          *slog.Logger
}

// Binding describes the outcome of a Bind.
type Binding struct {
	// Identity is the bound identity, nil for guest.
	Identity *identity.Identity

	// Key is the storage key of the active partition.
	Key string

	// Switched is true when the identity differs from the last-known one.
	Switched bool

	// Restored is true when persisted turns were loaded.
	Restored bool

	// Turns is the number of turns in the bound view.
	Turns int
}

// Repository is the identity-scoped persistence layer.
//
// # Description
//
// On Bind the current identity is compared with the last-known identity
// recorded in storage:
//
//   - Same identity: the persisted partition is loaded.
//   - Different identity: the view starts empty and any older persisted
//     copy for the target is removed, unless the target is trusted. An
//     identity is trusted when it was the last-known identity at startup or
//     has already been bound by this Repository; its partition is restored.
//
// Structural changes (append, finalize, clear) are written immediately.
// Streaming deltas are written at most once per PersistInterval; the
// finalize write always carries the complete answer.
//
// # Thread Safety
//
// Safe for concurrent use.
type Repository struct {
	kv         storage.KV
	provider   identity.Provider
	store      *conversation.Store
	prefix     string
	interval   time.Duration
	beforeBind func()
	onBind     func(Binding)
	logger     *slog.Logger

	bindMu sync.Mutex

	mu        sync.Mutex
	activeKey string
	activeID  string
	trusted   map[string]bool
	deltas    *rate.Sometimes
}

var _ conversation.Persister = (*Repository)(nil)

// New creates a Repository and installs it as cfg.Store's persister. The
// store stays detached from storage until the first Bind.
func New(cfg Config) (*Repository, error) {
	if cfg.KV == nil || cfg.Provider == nil || cfg.Store == nil {
		return nil, errors.New("partition: kv, provider and store are required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.PersistInterval == 0 {
		cfg.PersistInterval = DefaultPersistInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := &Repository{
		kv:         cfg.KV,
		provider:   cfg.Provider,
		store:      cfg.Store,
		prefix:     cfg.Prefix,
		interval:   cfg.PersistInterval,
		beforeBind: cfg.BeforeBind,
		onBind:     cfg.OnBind,
		logger:     logger,
		trusted:    make(map[string]bool),
	}

	last, ok, err := r.kv.Get(identity.LastIdentityKey(r.prefix))
	if err != nil {
		return nil, fmt.Errorf("read last identity: %w", err)
	}
	if ok {
		r.trusted[last] = true
	}

	cfg.Store.SetPersister(r)
	return r, nil
}

// Bind resolves the current identity and swaps the matching partition into
// the store.
//
// # Inputs
//
//   - ctx: Bounds the identity refresh when the cached identity is stale.
//
// # Outputs
//
//   - Binding: What was bound.
//   - error: Non-nil only when storage fails. A failed refresh degrades to
//     the cached identity and is logged.
func (r *Repository) Bind(ctx context.Context) (Binding, error) {
	r.bindMu.Lock()
	defer r.bindMu.Unlock()

	if r.beforeBind != nil {
		r.beforeBind()
	}

	id := r.provider.Current()
	if r.provider.Stale() {
		refreshed, err := r.provider.Refresh(ctx)
		if err != nil {
			r.logger.Warn("identity refresh failed, using cached identity",
				"identity", identity.Key(refreshed),
				"error", err,
			)
		}
		id = refreshed
	}

	idKey := identity.Key(id)
	target := identity.PartitionKey(r.prefix, id)
	binding := Binding{Identity: id, Key: target}

	lastKey := identity.LastIdentityKey(r.prefix)
	last, hadLast, err := r.kv.Get(lastKey)
	if err != nil {
		return Binding{}, fmt.Errorf("read last identity: %w", err)
	}
	binding.Switched = hadLast && last != idKey

	// Detach while swapping so no write lands under the wrong key.
	r.mu.Lock()
	r.activeKey = ""
	r.activeID = ""
	trusted := r.trusted[idKey]
	r.mu.Unlock()

	var turns []conversation.Turn
	if binding.Switched && !trusted {
		if err := r.kv.Remove(target); err != nil {
			return Binding{}, fmt.Errorf("remove stale partition %s: %w", target, err)
		}
		r.logger.Info("identity switched, starting fresh history",
			"from", last,
			"identity", idKey,
		)
	} else {
		turns, err = r.load(target)
		if err != nil {
			return Binding{}, err
		}
		binding.Restored = len(turns) > 0
	}

	if err := r.kv.Set(lastKey, idKey); err != nil {
		return Binding{}, fmt.Errorf("record last identity: %w", err)
	}

	r.store.Replace(turns)

	r.mu.Lock()
	r.activeKey = target
	r.activeID = idKey
	r.trusted[idKey] = true
	r.deltas = r.newThrottle()
	r.mu.Unlock()

	binding.Turns = len(turns)
	r.logger.Debug("bound history partition",
		"identity", idKey,
		"switched", binding.Switched,
		"restored", binding.Restored,
		"turns", binding.Turns,
	)
	if r.onBind != nil {
		r.onBind(binding)
	}
	return binding, nil
}

// Watch rebinds on every value received from changes until ctx is done or
// changes is closed.
func (r *Repository) Watch(ctx context.Context, changes <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-changes:
			if !ok {
				return nil
			}
			if _, err := r.Bind(ctx); err != nil {
				r.logger.Error("rebind after identity change failed", "error", err)
			}
		}
	}
}

// ActiveKey returns the storage key of the bound partition, or "" before
// the first Bind.
func (r *Repository) ActiveKey() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeKey
}

// Clear empties the active history and removes its persisted copy.
func (r *Repository) Clear() {
	r.store.Clear()
}

// Flush writes the current history to the active partition regardless of
// throttling.
func (r *Repository) Flush() error {
	turns := r.store.Snapshot()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.activeKey == "" {
		return nil
	}
	return r.writeLocked(turns)
}

// Persist implements conversation.Persister.
func (r *Repository) Persist(turns []conversation.Turn, kind conversation.ChangeKind) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.activeKey == "" {
		return nil
	}

	if kind.Structural() {
		return r.writeLocked(turns)
	}

	var err error
	r.deltas.Do(func() {
		err = r.writeLocked(turns)
	})
	return err
}

// Remove implements conversation.Persister.
func (r *Repository) Remove() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.activeKey == "" {
		return nil
	}
	if err := r.kv.Remove(r.activeKey); err != nil {
		return fmt.Errorf("remove partition %s: %w", r.activeKey, err)
	}
	return nil
}

func (r *Repository) newThrottle() *rate.Sometimes {
	if r.interval < 0 {
		return &rate.Sometimes{Every: 1}
	}
	return &rate.Sometimes{Interval: r.interval}
}

func (r *Repository) writeLocked(turns []conversation.Turn) error {
	if turns == nil {
		turns = []conversation.Turn{}
	}
	data, err := json.Marshal(document{
		Version:  documentVersion,
		Identity: r.activeID,
		SavedAt:  time.Now().UTC(),
		Turns:    turns,
	})
	if err != nil {
		return fmt.Errorf("encode partition: %w", err)
	}
	if err := r.kv.Set(r.activeKey, string(data)); err != nil {
		return fmt.Errorf("write partition %s: %w", r.activeKey, err)
	}
	return nil
}

// load reads a partition. A corrupt partition is logged, removed and
// treated as empty.
func (r *Repository) load(key string) ([]conversation.Turn, error) {
	raw, ok, err := r.kv.Get(key)
	if err != nil {
		return nil, fmt.Errorf("read partition %s: %w", key, err)
	}
	if !ok {
		return nil, nil
	}

	var doc document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil || doc.Version != documentVersion {
		r.logger.Warn("discarding unreadable history partition",
			"key", key,
			"version", doc.Version,
			"error", err,
		)
		if err := r.kv.Remove(key); err != nil {
			return nil, fmt.Errorf("remove unreadable partition %s: %w", key, err)
		}
		return nil, nil
	}
	return doc.Turns, nil
}
