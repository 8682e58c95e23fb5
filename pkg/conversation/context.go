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
	"strings"
	"unicode/utf8"
)

// DefaultMaxContextTurns caps how many prior turns are sent as context.
const DefaultMaxContextTurns = 10

// minQuestionRunes is the shortest question, after trimming, that is worth
// sending back as context. Anything of this length or shorter is noise.
const minQuestionRunes = 3

// noiseTokens mark greeting and smoke-test questions. Matching is a
// substring test on the lowercased question.
var noiseTokens = []string{"hello", "hi", "test", "你好"}

// ContextEntry is one prior exchange in the shape the analysis endpoint
// expects in its "history" field.
type ContextEntry struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// IsNoise reports whether a question should be left out of the context.
func IsNoise(question string) bool {
	trimmed := strings.TrimSpace(question)
	if utf8.RuneCountInString(trimmed) <= minQuestionRunes {
		return true
	}
	lower := strings.ToLower(trimmed)
	for _, tok := range noiseTokens {
		if strings.Contains(lower, tok) {
			return true
		}
	}
	return false
}

// SanitizedContext projects turns into conversational context.
//
// # Description
//
// Noise turns (see IsNoise) and turns still in flight are dropped; of the
// rest only the most recent maxTurns are kept, in chronological order. The
// input slice is never modified.
//
// # Inputs
//
//   - turns: History in chronological order.
//   - maxTurns: Cap on the result. Values <= 0 select DefaultMaxContextTurns.
//
// # Outputs
//
//   - []ContextEntry: Never nil, so it always encodes as a JSON array.
func SanitizedContext(turns []Turn, maxTurns int) []ContextEntry {
	if maxTurns <= 0 {
		maxTurns = DefaultMaxContextTurns
	}

	kept := make([]ContextEntry, 0, len(turns))
	for _, t := range turns {
		if t.Answer.Status.Active() || IsNoise(t.Question) {
			continue
		}
		kept = append(kept, ContextEntry{Question: t.Question, Answer: t.Answer.DisplayText})
	}

	if len(kept) > maxTurns {
		kept = kept[len(kept)-maxTurns:]
	}
	return kept
}

// SanitizedContext is the store-level projection over the current history.
func (s *Store) SanitizedContext(maxTurns int) []ContextEntry {
	return SanitizedContext(s.Snapshot(), maxTurns)
}
