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
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BadgerConfig holds configuration for the BadgerDB-backed store.
type BadgerConfig struct {
	// Path is the directory for BadgerDB files.
	// Required unless InMemory is true.
	Path string

	// InMemory keeps everything in RAM. Data is lost on Close.
	InMemory bool

	// SyncWrites fsyncs every write. History partitions are small and a
	// lost turn is visible to the user, so this defaults to true.
	SyncWrites bool

	// Logger receives BadgerDB's internal log lines.
	// If nil, BadgerDB's internal logging is disabled.
	Logger *slog.Logger

	// GCInterval is how often to run value log garbage collection.
	// Set to 0 to disable.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum ratio of discardable data before GC.
	GCDiscardRatio float64
}

// DefaultBadgerConfig returns the configuration used by the CLI.
//
// # Outputs
//
//   - BadgerConfig: SyncWrites on, 10 minute GC interval, 0.5 discard ratio.
//     Path must still be set by the caller.
func DefaultBadgerConfig() BadgerConfig {
	return BadgerConfig{
		SyncWrites:     true,
		GCInterval:     10 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryBadgerConfig returns a configuration for tests.
func InMemoryBadgerConfig() BadgerConfig {
	return BadgerConfig{InMemory: true}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Badger is a KV backed by an embedded BadgerDB.
//
// # Description
//
// Each Set and Remove is its own read-write transaction. A background
// goroutine runs value log GC when GCInterval is positive and the database
// is on disk.
//
// # Thread Safety
//
// Safe for concurrent use.
type Badger struct {
	db       *badger.DB
	path     string
	inMemory bool
	logger   *slog.Logger

	closed    atomic.Bool
	closeOnce sync.Once
	stopGC    chan struct{}
	gcDone    chan struct{}
}

var _ KV = (*Badger)(nil)

// OpenBadger opens (or creates) the database described by cfg.
//
// # Inputs
//
//   - cfg: Database configuration. Path is required unless InMemory is true.
//
// # Outputs
//
//   - *Badger: The opened store. Caller must call Close when done.
//   - error: Non-nil if the path is invalid or the database cannot be opened.
//
// # Examples
//
//	kv, err := storage.OpenBadger(storage.InMemoryBadgerConfig())
//	if err != nil {
//	    return err
//	}
//	defer kv.Close()
func OpenBadger(cfg BadgerConfig) (*Badger, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}
	if cfg.GCDiscardRatio < 0 || cfg.GCDiscardRatio > 1 {
		return nil, errors.New("gc discard ratio must be between 0 and 1")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)

	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	b := &Badger{
		db:       db,
		path:     cfg.Path,
		inMemory: cfg.InMemory,
		logger:   cfg.Logger,
	}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		b.stopGC = make(chan struct{})
		b.gcDone = make(chan struct{})
		go b.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return b, nil
}

// Get returns the value stored under key.
func (b *Badger) Get(key string) (string, bool, error) {
	if b.closed.Load() {
		return "", false, ErrClosed
	}

	var value string
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			value = string(val)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %q: %w", key, err)
	}
	return value, true, nil
}

// Set stores value under key.
func (b *Badger) Set(key, value string) error {
	if b.closed.Load() {
		return ErrClosed
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), []byte(value))
	})
	if err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	return nil
}

// Remove deletes key. Removing a missing key succeeds.
func (b *Badger) Remove(key string) error {
	if b.closed.Load() {
		return ErrClosed
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("remove %q: %w", key, err)
	}
	return nil
}

// Path returns the database directory, or "" for in-memory stores.
func (b *Badger) Path() string {
	return b.path
}

// InMemory reports whether the store keeps nothing on disk.
func (b *Badger) InMemory() bool {
	return b.inMemory
}

// Close stops GC and closes the database. Safe to call multiple times.
func (b *Badger) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		if b.stopGC != nil {
			close(b.stopGC)
			<-b.gcDone
		}
		err = b.db.Close()
	})
	return err
}

func (b *Badger) runGC(interval time.Duration, ratio float64) {
	defer close(b.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopGC:
			return
		case <-ticker.C:
			// ErrNoRewrite means nothing was worth collecting.
			err := b.db.RunValueLogGC(ratio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) && b.logger != nil {
				b.logger.Warn("badger value log GC error", slog.String("error", err.Error()))
			}
		}
	}
}
