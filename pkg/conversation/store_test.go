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
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPersister struct {
	mu       sync.Mutex
	kinds    []ChangeKind
	last     []Turn
	removals int
	err      error
}

func (p *recordingPersister) Persist(turns []Turn, kind ChangeKind) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.kinds = append(p.kinds, kind)
	p.last = turns
	return p.err
}

func (p *recordingPersister) Remove() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removals++
	p.last = nil
	return p.err
}

func strPtr(s string) *string { return &s }

func TestStore_AppendCreatesPendingTurn(t *testing.T) {
	s := NewStore(nil)

	turn, err := s.Append("净流入最多的股票")

	require.NoError(t, err)
	assert.NotEmpty(t, turn.ID)
	assert.Equal(t, "净流入最多的股票", turn.Question)
	assert.Equal(t, StatusPending, turn.Answer.Status)
	assert.Equal(t, PlaceholderPending, turn.Answer.DisplayText)
	assert.False(t, turn.CreatedAt.IsZero())
}

func TestStore_AppendRejectsEmptyAndInFlight(t *testing.T) {
	s := NewStore(nil)

	_, err := s.Append("   ")
	assert.ErrorIs(t, err, ErrEmptyQuestion)

	_, err = s.Append("first question")
	require.NoError(t, err)

	_, err = s.Append("second question")
	assert.ErrorIs(t, err, ErrInFlight)
	assert.Equal(t, 1, s.Len())
}

func TestStore_UpdateLastAccumulates(t *testing.T) {
	s := NewStore(nil)
	_, err := s.Append("question one")
	require.NoError(t, err)

	_, err = s.UpdateLast(AnswerPatch{Status: StatusStreaming, Thinking: strPtr("a")})
	require.NoError(t, err)
	turn, err := s.UpdateLast(AnswerPatch{Thinking: strPtr("ab")})
	require.NoError(t, err)
	assert.Equal(t, "ab", turn.Answer.DisplayText, "thinking is shown until text arrives")

	turn, err = s.UpdateLast(AnswerPatch{Text: strPtr("c")})
	require.NoError(t, err)

	assert.Equal(t, StatusStreaming, turn.Answer.Status)
	assert.Equal(t, "ab", turn.Answer.Thinking)
	assert.Equal(t, "c", turn.Answer.Text)
	assert.Equal(t, "c", turn.Answer.DisplayText)
}

func TestStore_UpdateLastRequiresInFlight(t *testing.T) {
	s := NewStore(nil)

	_, err := s.UpdateLast(AnswerPatch{Text: strPtr("x")})
	assert.ErrorIs(t, err, ErrNotInFlight)

	_, err = s.Append("question one")
	require.NoError(t, err)
	_, err = s.FinalizeLast(StatusComplete, "")
	require.NoError(t, err)

	_, err = s.UpdateLast(AnswerPatch{Text: strPtr("x")})
	assert.ErrorIs(t, err, ErrNotInFlight)

	_, err = s.FinalizeLast(StatusAborted, "")
	assert.ErrorIs(t, err, ErrNotInFlight)
}

func TestStore_UpdateLastRejectsTerminalStatus(t *testing.T) {
	s := NewStore(nil)
	_, err := s.Append("question one")
	require.NoError(t, err)

	_, err = s.UpdateLast(AnswerPatch{Status: StatusComplete})
	assert.Error(t, err)
}

func TestStore_FinalizePlaceholders(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{StatusComplete, PlaceholderNoResult},
		{StatusAborted, PlaceholderStopped},
		{StatusErrored, MessageFailure},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			s := NewStore(nil)
			_, err := s.Append("question one")
			require.NoError(t, err)

			turn, err := s.FinalizeLast(tt.status, "")
			require.NoError(t, err)
			assert.Equal(t, tt.want, turn.Answer.DisplayText)
		})
	}
}

func TestStore_FinalizeWithOverride(t *testing.T) {
	s := NewStore(nil)
	_, err := s.Append("question one")
	require.NoError(t, err)

	turn, err := s.FinalizeLast(StatusErrored, MessageErrorPrefix+"boom")

	require.NoError(t, err)
	assert.Equal(t, StatusErrored, turn.Answer.Status)
	assert.Equal(t, MessageErrorPrefix+"boom", turn.Answer.DisplayText)
}

func TestStore_ObserversSeeChangesInOrder(t *testing.T) {
	s := NewStore(nil)
	var kinds []ChangeKind
	unsubscribe := s.Subscribe(func(c Change) {
		kinds = append(kinds, c.Kind)
	})

	_, _ = s.Append("question one")
	_, _ = s.UpdateLast(AnswerPatch{Status: StatusStreaming, Text: strPtr("x")})
	_, _ = s.FinalizeLast(StatusComplete, "")
	s.Clear()
	unsubscribe()
	_, _ = s.Append("question two")

	assert.Equal(t, []ChangeKind{ChangeAppend, ChangeUpdate, ChangeFinalize, ChangeClear}, kinds)
}

func TestStore_ObserverMayReadStore(t *testing.T) {
	s := NewStore(nil)
	var lens []int
	s.Subscribe(func(Change) {
		lens = append(lens, s.Len())
	})

	_, _ = s.Append("question one")
	_, _ = s.FinalizeLast(StatusComplete, "")

	assert.Equal(t, []int{1, 1}, lens)
}

func TestStore_SnapshotIsACopy(t *testing.T) {
	s := NewStore(nil)
	_, _ = s.Append("question one")

	snap := s.Snapshot()
	snap[0].Question = "mutated"

	last, ok := s.Last()
	require.True(t, ok)
	assert.Equal(t, "question one", last.Question)
}

func TestStore_PersisterReceivesEveryMutation(t *testing.T) {
	s := NewStore(nil)
	p := &recordingPersister{}
	s.SetPersister(p)

	_, _ = s.Append("question one")
	_, _ = s.UpdateLast(AnswerPatch{Status: StatusStreaming, Text: strPtr("x")})
	_, _ = s.FinalizeLast(StatusComplete, "")

	assert.Equal(t, []ChangeKind{ChangeAppend, ChangeUpdate, ChangeFinalize}, p.kinds)
	require.Len(t, p.last, 1)
	assert.Equal(t, StatusComplete, p.last[0].Answer.Status)

	s.Clear()
	assert.Equal(t, 1, p.removals)
	assert.Equal(t, 0, s.Len())
}

func TestStore_PersisterErrorDoesNotBlockMutation(t *testing.T) {
	s := NewStore(nil)
	s.SetPersister(&recordingPersister{err: errors.New("disk full")})

	turn, err := s.Append("question one")

	require.NoError(t, err)
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, StatusPending, turn.Answer.Status)
}

func TestStore_ReplaceDoesNotPersistAndAbortsStaleTurns(t *testing.T) {
	s := NewStore(nil)
	p := &recordingPersister{}
	s.SetPersister(p)

	s.Replace([]Turn{
		completeTurn("question one", "answer one"),
		{Question: "question two", Answer: Answer{Status: StatusStreaming, Text: "half"}},
	})

	assert.Empty(t, p.kinds)
	snap := s.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, StatusAborted, snap[1].Answer.Status)
	assert.Equal(t, "half", snap[1].Answer.DisplayText)

	_, err := s.Append("question three")
	assert.NoError(t, err, "a replaced history has nothing in flight")
}

func TestStore_ConcurrentObserversStayOrdered(t *testing.T) {
	s := NewStore(nil)
	var mu sync.Mutex
	var lengths []int
	s.Subscribe(func(c Change) {
		mu.Lock()
		lengths = append(lengths, len(c.Snapshot))
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Append("concurrent question"); err == nil {
				_, _ = s.FinalizeLast(StatusComplete, "")
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(lengths); i++ {
		assert.GreaterOrEqual(t, lengths[i], lengths[i-1], "snapshots must never go backwards")
	}
}
