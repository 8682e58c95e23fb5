// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package chat drives one streaming exchange with the dashboard's analysis
// endpoint at a time.
//
// The Controller is the stream session state machine:
//
//	idle -> opening -> streaming -> {completed | errored | aborted} -> idle
//
// It appends the turn to the conversation store, opens the request through a
// Transport, decodes frames with pkg/stream and writes every fragment into
// the in-flight turn as it arrives. Cancellation is a context cancellation
// plus an explicit Aborted finalization.
package chat

import "fmt"

// State is the controller's session state.
type State int

const (
	StateIdle State = iota
	StateOpening
	StateStreaming
	StateCompleted
	StateErrored
	StateAborted
)

var stateNames = map[State]string{
	StateIdle:      "idle",
	StateOpening:   "opening",
	StateStreaming: "streaming",
	StateCompleted: "completed",
	StateErrored:   "errored",
	StateAborted:   "aborted",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Active reports whether a stream is in flight.
func (s State) Active() bool {
	return s == StateOpening || s == StateStreaming
}

// Terminal reports whether the state is a settled outcome waiting to return
// to idle.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateErrored || s == StateAborted
}

// MarshalText renders the state name, so states encode as JSON strings.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name written by MarshalText.
func (s *State) UnmarshalText(b []byte) error {
	name := string(b)
	for state, n := range stateNames {
		if n == name {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown chat state %q", name)
}

// StateChange is delivered to state subscribers.
type StateChange struct {
	From   State
	To     State
	TurnID string
}
