// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package conversation holds the chat history of the active identity.
//
// The Store is the single source of truth for the turns shown to the user.
// It is append-only: the last turn may be mutated while its answer streams
// in, but turns are never removed individually, only cleared in bulk.
package conversation

import "time"

// =============================================================================
// Status
// =============================================================================

// Status is the lifecycle state of a turn's answer.
type Status string

const (
	StatusPending   Status = "pending"
	StatusStreaming Status = "streaming"
	StatusComplete  Status = "complete"
	StatusErrored   Status = "errored"
	StatusAborted   Status = "aborted"
)

// Active reports whether the answer is still being produced.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusStreaming
}

// Terminal reports whether the answer has been finalized.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusErrored || s == StatusAborted
}

// =============================================================================
// Placeholder Messages
// =============================================================================

// Placeholder texts shown when a turn has no content of its own. The
// dashboard is Chinese-language, so are these.
const (
	PlaceholderPending  = "思考中..."
	PlaceholderNoResult = "未获取到分析结果，请稍后重试"
	PlaceholderStopped  = "已停止生成"
	MessageFailure      = "对话失败，请稍后重试"
	MessageErrorPrefix  = "分析出错："
)

// =============================================================================
// Turn
// =============================================================================

// Answer is the assistant side of a turn.
//
// # Fields
//
//   - Status: Lifecycle state.
//   - Thinking: Accumulated reasoning fragments.
//   - Text: Accumulated answer fragments.
//   - DisplayText: What the UI shows and what is exported as context.
type Answer struct {
	Status      Status `json:"status"`
	Thinking    string `json:"thinking"`
	Text        string `json:"text"`
	DisplayText string `json:"display_text"`
}

// Turn is one question/answer exchange.
type Turn struct {
	ID        string    `json:"id"`
	Question  string    `json:"question"`
	Answer    Answer    `json:"answer"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DisplayFor computes the text shown for an answer.
//
// Text wins over thinking; when both are blank the placeholder for the
// status is used. Errored answers normally carry an explicit message and
// only reach the fallback when none was provided.
func DisplayFor(status Status, thinking, text string) string {
	if text != "" {
		return text
	}
	if thinking != "" {
		return thinking
	}
	switch status {
	case StatusComplete:
		return PlaceholderNoResult
	case StatusAborted:
		return PlaceholderStopped
	case StatusErrored:
		return MessageFailure
	default:
		return PlaceholderPending
	}
}

// AnswerPatch describes a partial update to the in-flight answer. Nil
// fields are left unchanged; an empty Status keeps the current one.
type AnswerPatch struct {
	Status   Status
	Thinking *string
	Text     *string
}
