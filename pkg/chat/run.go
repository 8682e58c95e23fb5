// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package chat

import (
	"sync"
	"time"

	"github.com/AleutianAI/FlowDesk/pkg/conversation"
)

// Outcome is how a run ended.
//
// # Fields
//
//   - Status: Final status of the turn.
//   - Turn: The turn as finalized.
//   - Err: Set only for errored runs. *ProtocolError for error frames,
//     *TransportError (possibly wrapped) for failed requests.
type Outcome struct {
	Status conversation.Status
	Turn   conversation.Turn
	Err    error
}

// Run is one in-flight exchange started by Submit.
type Run struct {
	turnID    string
	question  string
	startedAt time.Time
	cancel    func()
	done      chan struct{}

	// Guarded by the controller's mutex.
	finalized bool
	sawFrame  bool
	frames    int
	thinking  []byte
	text      []byte

	outcomeMu sync.RWMutex
	outcome   Outcome
}

// TurnID returns the ID of the turn this run fills in.
func (r *Run) TurnID() string {
	return r.turnID
}

// Question returns the submitted question.
func (r *Run) Question() string {
	return r.question
}

// Done is closed once the run is finalized.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the run is finalized and returns its outcome.
func (r *Run) Wait() Outcome {
	<-r.done
	r.outcomeMu.RLock()
	defer r.outcomeMu.RUnlock()
	return r.outcome
}

func (r *Run) setOutcome(o Outcome) {
	r.outcomeMu.Lock()
	r.outcome = o
	r.outcomeMu.Unlock()
	close(r.done)
}
