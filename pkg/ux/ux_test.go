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
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/FlowDesk/pkg/conversation"
)

func strp(s string) *string { return &s }

func newRendered(t *testing.T) (*conversation.Store, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	store := conversation.NewStore(nil)
	r := NewTurnRenderer(NewPrinter(&buf, false))
	store.Subscribe(r.Observe)
	return store, &buf
}

func TestTurnRenderer_StreamsThinkingThenText(t *testing.T) {
	store, buf := newRendered(t)

	_, err := store.Append("净流入最多的股票")
	require.NoError(t, err)
	_, err = store.UpdateLast(conversation.AnswerPatch{Status: conversation.StatusStreaming, Thinking: strp("分析")})
	require.NoError(t, err)
	_, err = store.UpdateLast(conversation.AnswerPatch{Thinking: strp("分析中")})
	require.NoError(t, err)
	_, err = store.UpdateLast(conversation.AnswerPatch{Text: strp("前三名")})
	require.NoError(t, err)
	_, err = store.UpdateLast(conversation.AnswerPatch{Text: strp("前三名为...")})
	require.NoError(t, err)
	_, err = store.FinalizeLast(conversation.StatusComplete, "")
	require.NoError(t, err)

	assert.Equal(t, "分析中\n\n前三名为...\n\n", buf.String())
}

func TestTurnRenderer_EmptyCompletionWarns(t *testing.T) {
	store, buf := newRendered(t)

	_, _ = store.Append("净流入最多的股票")
	_, err := store.FinalizeLast(conversation.StatusComplete, "")
	require.NoError(t, err)

	assert.Equal(t, "WARN: "+conversation.PlaceholderNoResult+"\n\n", buf.String())
}

func TestTurnRenderer_AbortedKeepsPartial(t *testing.T) {
	store, buf := newRendered(t)

	_, _ = store.Append("净流入最多的股票")
	_, _ = store.UpdateLast(conversation.AnswerPatch{Status: conversation.StatusStreaming, Text: strp("前三")})
	_, err := store.FinalizeLast(conversation.StatusAborted, "")
	require.NoError(t, err)

	assert.Equal(t, "前三\n■ "+conversation.PlaceholderStopped+"\n\n", buf.String())
}

func TestTurnRenderer_Errored(t *testing.T) {
	store, buf := newRendered(t)

	_, _ = store.Append("净流入最多的股票")
	_, err := store.FinalizeLast(conversation.StatusErrored, conversation.MessageErrorPrefix+"boom")
	require.NoError(t, err)

	assert.Equal(t, "ERROR: "+conversation.MessageErrorPrefix+"boom\n\n", buf.String())
}

func TestTurnRenderer_IgnoresReplace(t *testing.T) {
	store, buf := newRendered(t)

	store.Replace([]conversation.Turn{{ID: "old", Question: "q", Answer: conversation.Answer{Status: conversation.StatusComplete, Text: "a"}}})
	store.Clear()

	assert.Empty(t, buf.String())
}

func TestRenderHistory(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, false)

	RenderHistory(p, nil)
	assert.Equal(t, "(no conversation history)\n", buf.String())

	buf.Reset()
	RenderHistory(p, []conversation.Turn{
		{Question: "第一", Answer: conversation.Answer{Status: conversation.StatusComplete, DisplayText: "答案"}},
		{Question: "第二", Answer: conversation.Answer{Status: conversation.StatusAborted, DisplayText: conversation.PlaceholderStopped}},
		{Question: "第三", Answer: conversation.Answer{Status: conversation.StatusErrored, DisplayText: "失败"}},
	})
	want := "[1] 第一\n答案\n\n" +
		"[2] 第二\n■ " + conversation.PlaceholderStopped + "\n\n" +
		"[3] 第三\nERROR: 失败\n\n"
	assert.Equal(t, want, buf.String())
}

func TestPrinter_PlainStatusLines(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, false)

	p.Success("done")
	p.Warning("careful")
	p.Error("broken")
	p.Box("Title", "body")

	assert.Equal(t, "OK: done\nWARN: careful\nERROR: broken\nTitle: body\n", buf.String())
	assert.True(t, p.Plain())
}

func TestPrinter_RichRendersIcons(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, true)

	p.Success("done")

	assert.Contains(t, buf.String(), string(IconSuccess))
	assert.Contains(t, buf.String(), "done")
}

func TestSpinner_PlainIsSilent(t *testing.T) {
	var buf bytes.Buffer
	s := NewSpinner(NewPrinter(&buf, false), "loading")

	s.Start()
	s.Start()
	s.Stop()
	s.Stop()

	assert.Empty(t, buf.String())
}

func TestSpinner_RichClearsLine(t *testing.T) {
	var buf bytes.Buffer
	s := NewSpinner(NewPrinter(&buf, true), "loading")

	s.Start()
	s.Stop()

	assert.True(t, strings.HasSuffix(buf.String(), "\r\033[K"))
}

func TestLineReader(t *testing.T) {
	r := NewLineReader(strings.NewReader("第一\n   padded  \nlast"))

	for _, want := range []string{"第一", "padded", "last"} {
		got, err := r.ReadLine()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := r.ReadLine()
	assert.ErrorIs(t, err, io.EOF)
}

func TestInputModel_HistoryNavigation(t *testing.T) {
	ti := textinput.New()
	ti.Focus()
	ti.SetValue("draft")
	var m tea.Model = newInputModel(ti, []string{"one", "two"})

	value := func() string { return m.(inputModel).textInput.Value() }

	m, _ = m.Update(tea.KeyMsg{Type: tea.KeyDown})
	assert.Equal(t, "draft", value())
	m, _ = m.Update(tea.KeyMsg{Type: tea.KeyUp})
	assert.Equal(t, "two", value())
	m, _ = m.Update(tea.KeyMsg{Type: tea.KeyUp})
	assert.Equal(t, "one", value())
	m, _ = m.Update(tea.KeyMsg{Type: tea.KeyUp})
	assert.Equal(t, "one", value())
	m, _ = m.Update(tea.KeyMsg{Type: tea.KeyDown})
	assert.Equal(t, "two", value())
	m, _ = m.Update(tea.KeyMsg{Type: tea.KeyDown})
	assert.Equal(t, "draft", value())

	m, _ = m.Update(tea.KeyMsg{Type: tea.KeyUp})
	m, _ = m.Update(tea.KeyMsg{Type: tea.KeyEsc})
	assert.Equal(t, "draft", value())
	assert.Equal(t, notRecalling, m.(inputModel).recalled)
}

func TestInputModel_CtrlC(t *testing.T) {
	ti := textinput.New()
	ti.SetValue("partial")
	m, cmd := newInputModel(ti, nil).Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	got := m.(inputModel)
	assert.Nil(t, cmd, "a typed line is cleared, the editor stays open")
	assert.Equal(t, outcomeEditing, got.outcome)
	assert.Empty(t, got.textInput.Value())

	m, cmd = got.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	got = m.(inputModel)
	assert.NotNil(t, cmd)
	assert.Equal(t, outcomeInterrupted, got.outcome)
	assert.Empty(t, got.View())
}

func TestInputModel_CtrlDAndEnter(t *testing.T) {
	m, cmd := newInputModel(textinput.New(), nil).Update(tea.KeyMsg{Type: tea.KeyEnter})
	assert.Nil(t, cmd, "enter on a blank line keeps editing")
	assert.Equal(t, outcomeEditing, m.(inputModel).outcome)

	m, cmd = m.Update(tea.KeyMsg{Type: tea.KeyCtrlD})
	assert.NotNil(t, cmd)
	assert.Equal(t, outcomeEOF, m.(inputModel).outcome)

	ti := textinput.New()
	ti.SetValue("净流入")
	m, _ = newInputModel(ti, nil).Update(tea.KeyMsg{Type: tea.KeyCtrlD})
	assert.Equal(t, outcomeEditing, m.(inputModel).outcome)

	m, cmd = m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	assert.NotNil(t, cmd)
	got := m.(inputModel)
	assert.Equal(t, outcomeSubmitted, got.outcome)
	assert.Equal(t, "净流入", got.textInput.Value())
}

func TestInteractiveInputReader_HistoryDedupAndCap(t *testing.T) {
	r := &InteractiveInputReader{maxHistory: 2}

	r.addToHistory("a")
	r.addToHistory("a")
	r.addToHistory("b")
	r.addToHistory("c")
	r.addToHistory("")

	assert.Equal(t, []string{"b", "c"}, r.History())
}
