// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stream

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLine_FrameKinds(t *testing.T) {
	tests := []struct {
		name string
		line string
		want Frame
	}{
		{"thinking", `data: {"type":"thinking","content":"分析中"}`, Thinking("分析中")},
		{"text", `data: {"type":"text","content":"前三名为..."}`, Text("前三名为...")},
		{"error", `data: {"type":"error","content":"boom"}`, Error("boom")},
		{"done", `data: [DONE]`, Done()},
		{"no space after prefix", `data:{"type":"text","content":"x"}`, Text("x")},
		{"crlf", "data: {\"type\":\"text\",\"content\":\"x\"}\r", Text("x")},
		{"missing content", `data: {"type":"text"}`, Text("")},
		{"done with padding", "data:  [DONE] ", Done()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, ok, err := ParseLine(tt.line)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, tt.want, frame)
		})
	}
}

func TestParseLine_IgnoredLines(t *testing.T) {
	lines := []string{
		"",
		": keep-alive",
		"event: message",
		"id: 42",
		`{"type":"text","content":"no prefix"}`,
		"data: ",
		`data: {"type":"status","content":"unknown kind"}`,
		`data: {"type":"done"}`,
	}

	for _, line := range lines {
		_, ok, err := ParseLine(line)
		assert.NoError(t, err, "line %q", line)
		assert.False(t, ok, "line %q", line)
	}
}

func TestParseLine_MalformedPayload(t *testing.T) {
	for _, line := range []string{
		`data: {"type":"text","content":`,
		`data: not json`,
		`data: "a string"`,
	} {
		_, ok, err := ParseLine(line)
		assert.False(t, ok)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrMalformedPayload), "line %q: %v", line, err)
	}
}

func TestFrame_IsTerminal(t *testing.T) {
	assert.True(t, Done().IsTerminal())
	assert.False(t, Error("x").IsTerminal())
	assert.False(t, Text("x").IsTerminal())
	assert.False(t, Thinking("x").IsTerminal())
}
