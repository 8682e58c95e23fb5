// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"sync"
	"time"
)

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// Spinner animates a waiting message on one terminal line. It is single
// use: once stopped it cannot be restarted. Plain printers show nothing.
type Spinner struct {
	p          *Printer
	message    string
	stop       chan struct{}
	done       chan struct{}
	mu         sync.Mutex
	started    bool
	isRunning  bool
	frameIndex int
}

// NewSpinner creates a stopped spinner.
func NewSpinner(p *Printer, message string) *Spinner {
	return &Spinner{
		p:       p,
		message: message,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start begins the animation.
func (s *Spinner) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.isRunning = true
	s.mu.Unlock()

	if s.p.Plain() {
		close(s.done)
		return
	}

	go func() {
		ticker := time.NewTicker(80 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				s.p.Printf("\r\033[K")
				close(s.done)
				return
			case <-ticker.C:
				s.mu.Lock()
				msg := s.message
				s.mu.Unlock()
				s.p.Printf("\r%s %s", s.p.Render(Styles.Title, spinnerFrames[s.frameIndex]), s.p.Render(Styles.Muted, msg))
				s.frameIndex = (s.frameIndex + 1) % len(spinnerFrames)
			}
		}
	}()
}

// Stop halts the animation and clears its line. Safe to call repeatedly.
func (s *Spinner) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.mu.Unlock()

	if !s.p.Plain() {
		close(s.stop)
	}
	<-s.done
}

// UpdateMessage changes the message while running.
func (s *Spinner) UpdateMessage(message string) {
	s.mu.Lock()
	s.message = message
	s.mu.Unlock()
}
