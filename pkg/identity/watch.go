// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package identity

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce absorbs the burst of events an atomic file replace produces.
const watchDebounce = 100 * time.Millisecond

// Watch reports identity changes caused by edits to the credentials file.
//
// # Description
//
// The parent directory is watched so that the file may be created, replaced
// by rename, or deleted. After events settle the file is reloaded; a signal
// is sent only when the resolved identity actually changed. Signals coalesce
// while the receiver is busy.
//
// # Inputs
//
//   - ctx: Watching stops and the channel closes when ctx is done.
//
// # Outputs
//
//   - <-chan struct{}: Receives one value per observed identity change.
//   - error: Non-nil if the watcher could not be started.
func (p *FileProvider) Watch(ctx context.Context) (<-chan struct{}, error) {
	path, err := filepath.Abs(p.cfg.CredentialsPath)
	if err != nil {
		return nil, fmt.Errorf("resolve credentials path: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create credentials directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	changes := make(chan struct{}, 1)
	go p.watchLoop(ctx, watcher, path, changes)
	return changes, nil
}

func (p *FileProvider) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, path string, changes chan<- struct{}) {
	defer close(changes)
	defer watcher.Close()

	timer := time.NewTimer(watchDebounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			timer.Reset(watchDebounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("credentials watcher error", "error", err)

		case <-timer.C:
			changed, err := p.Reload()
			if err != nil {
				p.logger.Warn("failed to reload credentials", "path", path, "error", err)
				continue
			}
			if !changed {
				continue
			}
			p.logger.Info("identity changed on disk", "identity", Key(p.Current()))
			select {
			case changes <- struct{}{}:
			default:
			}
		}
	}
}
