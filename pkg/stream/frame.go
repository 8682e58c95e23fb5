// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package stream decodes the analysis endpoint's event stream into frames.
//
// The endpoint answers with newline-delimited SSE-style records:
//
//	data: {"type":"thinking","content":"分析中"}
//	data: {"type":"text","content":"前三名为..."}
//	data: [DONE]
//
// The package is layered the same way the rest of FlowDesk is:
//
//	io.Reader → Reader (chunk I/O, ctx) → Decoder (line buffering) → ParseLine → Frame
//
// Parsing is isolated here so that callers only ever see the closed set of
// frame kinds defined in this file.
package stream

// =============================================================================
// Frame Types
// =============================================================================

// FrameKind identifies one of the four frame variants on the wire.
type FrameKind string

const (
	// FrameThinking carries an incremental fragment of model reasoning.
	FrameThinking FrameKind = "thinking"

	// FrameText carries an incremental fragment of the answer.
	FrameText FrameKind = "text"

	// FrameError reports a server-side failure. The stream ends after it
	// from the consumer's point of view.
	FrameError FrameKind = "error"

	// FrameDone is the terminal sentinel. It carries no content.
	FrameDone FrameKind = "done"
)

// Frame is one decoded unit of the streaming protocol.
//
// # Fields
//
//   - Kind: The variant. Always one of the FrameKind constants.
//   - Content: Incremental fragment for thinking/text/error. Empty for done.
type Frame struct {
	Kind    FrameKind
	Content string
}

// IsTerminal reports whether the frame ends the stream.
//
// Only FrameDone is terminal at the decoder level. An error frame ends the
// exchange for the session controller, but the decoder keeps decoding so the
// server's trailing sentinel is consumed normally.
func (f Frame) IsTerminal() bool {
	return f.Kind == FrameDone
}

// Thinking returns a thinking frame. Used by tests and fakes.
func Thinking(content string) Frame { return Frame{Kind: FrameThinking, Content: content} }

// Text returns a text frame.
func Text(content string) Frame { return Frame{Kind: FrameText, Content: content} }

// Error returns an error frame.
func Error(content string) Frame { return Frame{Kind: FrameError, Content: content} }

// Done returns the terminal frame.
func Done() Frame { return Frame{Kind: FrameDone} }
