// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package conversation

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrEmptyQuestion is returned by Append for a blank question.
	ErrEmptyQuestion = errors.New("question is empty")

	// ErrInFlight is returned by Append while the last turn is still active.
	ErrInFlight = errors.New("a turn is already in flight")

	// ErrNotInFlight is returned by UpdateLast and FinalizeLast when the
	// last turn is not Pending or Streaming.
	ErrNotInFlight = errors.New("no turn in flight")
)

// =============================================================================
// Change Notification
// =============================================================================

// ChangeKind classifies a mutation of the store.
type ChangeKind string

const (
	ChangeAppend   ChangeKind = "append"
	ChangeUpdate   ChangeKind = "update"
	ChangeFinalize ChangeKind = "finalize"
	ChangeClear    ChangeKind = "clear"
	ChangeReplace  ChangeKind = "replace"
)

// Structural reports whether the change alters the shape of the history
// rather than streaming content into the last turn.
func (k ChangeKind) Structural() bool {
	return k != ChangeUpdate
}

// Change is delivered to observers after every mutation.
//
// # Fields
//
//   - Kind: What happened.
//   - Turn: The affected turn. Zero value for clear and replace.
//   - Snapshot: Copy of the full history after the change.
type Change struct {
	Kind     ChangeKind
	Turn     Turn
	Snapshot []Turn
}

// Observer receives changes in mutation order. Observers may read the store
// but must not mutate it from inside the callback.
type Observer func(Change)

// Persister writes the history somewhere durable. The store calls it after
// every mutation except ChangeReplace, which is how history is loaded.
type Persister interface {
	Persist(turns []Turn, kind ChangeKind) error
	Remove() error
}

// =============================================================================
// Store
// =============================================================================

// Store is the conversation history of the active identity partition.
//
// # Description
//
// Store serializes mutations with a mutex and hands every mutation a
// delivery ticket, so observers and the persister see changes in exactly the
// order they were applied even when the store is shared between goroutines.
//
// # Thread Safety
//
// Safe for concurrent use.
type Store struct {
	mu         sync.RWMutex
	notifyMu   sync.Mutex
	notifyCond *sync.Cond
	issued     uint64
	delivered  uint64
	turns      []Turn
	observers  map[int]Observer
	nextObs    int
	persister  Persister
	logger     *slog.Logger
	now        func() time.Time
}

// NewStore creates an empty store. A nil logger selects slog.Default().
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		observers: make(map[int]Observer),
		logger:    logger,
		now:       time.Now,
	}
	s.notifyCond = sync.NewCond(&s.notifyMu)
	return s
}

// SetPersister installs the durable sink. Passing nil detaches persistence.
func (s *Store) SetPersister(p Persister) {
	s.mu.Lock()
	s.persister = p
	s.mu.Unlock()
}

// Subscribe registers an observer and returns a function that removes it.
func (s *Store) Subscribe(obs Observer) func() {
	s.mu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = obs
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}
}

// Append adds a new Pending turn for question.
//
// # Outputs
//
//   - Turn: The appended turn with a fresh ID.
//   - error: ErrEmptyQuestion or ErrInFlight.
func (s *Store) Append(question string) (Turn, error) {
	if strings.TrimSpace(question) == "" {
		return Turn{}, ErrEmptyQuestion
	}

	s.mu.Lock()
	if n := len(s.turns); n > 0 && s.turns[n-1].Answer.Status.Active() {
		s.mu.Unlock()
		return Turn{}, ErrInFlight
	}

	now := s.now()
	turn := Turn{
		ID:       uuid.New().String(),
		Question: question,
		Answer: Answer{
			Status:      StatusPending,
			DisplayText: PlaceholderPending,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.turns = append(s.turns, turn)
	s.commit(Change{Kind: ChangeAppend, Turn: turn})
	return turn, nil
}

// UpdateLast applies patch to the in-flight turn and recomputes its
// DisplayText.
func (s *Store) UpdateLast(patch AnswerPatch) (Turn, error) {
	if patch.Status != "" && !patch.Status.Active() {
		return Turn{}, fmt.Errorf("update with terminal status %q: use FinalizeLast", patch.Status)
	}

	s.mu.Lock()
	last, err := s.inFlightLocked()
	if err != nil {
		s.mu.Unlock()
		return Turn{}, err
	}

	if patch.Status != "" {
		last.Answer.Status = patch.Status
	}
	if patch.Thinking != nil {
		last.Answer.Thinking = *patch.Thinking
	}
	if patch.Text != nil {
		last.Answer.Text = *patch.Text
	}
	last.Answer.DisplayText = DisplayFor(last.Answer.Status, last.Answer.Thinking, last.Answer.Text)
	last.UpdatedAt = s.now()

	turn := *last
	s.commit(Change{Kind: ChangeUpdate, Turn: turn})
	return turn, nil
}

// FinalizeLast moves the in-flight turn to a terminal status. An empty
// display selects DisplayFor's choice.
func (s *Store) FinalizeLast(status Status, display string) (Turn, error) {
	if !status.Terminal() {
		return Turn{}, fmt.Errorf("finalize with non-terminal status %q", status)
	}

	s.mu.Lock()
	last, err := s.inFlightLocked()
	if err != nil {
		s.mu.Unlock()
		return Turn{}, err
	}

	last.Answer.Status = status
	if display == "" {
		display = DisplayFor(status, last.Answer.Thinking, last.Answer.Text)
	}
	last.Answer.DisplayText = display
	last.UpdatedAt = s.now()

	turn := *last
	s.commit(Change{Kind: ChangeFinalize, Turn: turn})
	return turn, nil
}

// Clear removes every turn and the persisted copy.
func (s *Store) Clear() {
	s.mu.Lock()
	s.turns = nil
	s.commit(Change{Kind: ChangeClear})
}

// Replace swaps in a loaded history without persisting it. Turns that were
// still active when they were saved can no longer complete and are marked
// Aborted.
func (s *Store) Replace(turns []Turn) {
	loaded := make([]Turn, len(turns))
	copy(loaded, turns)
	for i := range loaded {
		if !loaded[i].Answer.Status.Terminal() {
			loaded[i].Answer.Status = StatusAborted
			loaded[i].Answer.DisplayText = DisplayFor(StatusAborted, loaded[i].Answer.Thinking, loaded[i].Answer.Text)
		}
	}

	s.mu.Lock()
	s.turns = loaded
	s.commit(Change{Kind: ChangeReplace})
}

// Snapshot returns a copy of the history.
func (s *Store) Snapshot() []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// Last returns the most recent turn, if any.
func (s *Store) Last() (Turn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.turns) == 0 {
		return Turn{}, false
	}
	return s.turns[len(s.turns)-1], true
}

// Len returns the number of turns.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.turns)
}

// Questions returns the submitted questions in order.
func (s *Store) Questions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.turns))
	for i, t := range s.turns {
		out[i] = t.Question
	}
	return out
}

func (s *Store) inFlightLocked() (*Turn, error) {
	n := len(s.turns)
	if n == 0 || !s.turns[n-1].Answer.Status.Active() {
		return nil, ErrNotInFlight
	}
	return &s.turns[n-1], nil
}

func (s *Store) snapshotLocked() []Turn {
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

// commit must be called with s.mu held for writing. It takes a delivery
// ticket, releases s.mu, and then runs persistence and observers strictly in
// ticket order.
func (s *Store) commit(change Change) {
	change.Snapshot = s.snapshotLocked()
	s.issued++
	ticket := s.issued
	persister := s.persister
	observers := make([]Observer, 0, len(s.observers))
	for id := 0; id < s.nextObs; id++ {
		if obs, ok := s.observers[id]; ok {
			observers = append(observers, obs)
		}
	}
	s.mu.Unlock()

	s.notifyMu.Lock()
	for s.delivered != ticket-1 {
		s.notifyCond.Wait()
	}
	defer func() {
		s.delivered = ticket
		s.notifyCond.Broadcast()
		s.notifyMu.Unlock()
	}()

	if persister != nil {
		var err error
		switch change.Kind {
		case ChangeClear:
			err = persister.Remove()
		case ChangeReplace:
		default:
			err = persister.Persist(change.Snapshot, change.Kind)
		}
		if err != nil {
			s.logger.Warn("failed to persist conversation history",
				"change", string(change.Kind),
				"turns", len(change.Snapshot),
				"error", err,
			)
		}
	}

	for _, obs := range observers {
		obs(change)
	}
}
