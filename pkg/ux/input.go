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
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
)

// =============================================================================
// InputReader
// =============================================================================

// InputReader reads one line of user input at a time.
type InputReader interface {
	// ReadLine blocks until a line is submitted. It returns io.EOF when the
	// input is exhausted or the user pressed Ctrl+D, and ErrInterrupted when
	// the user pressed Ctrl+C on an empty line.
	ReadLine() (string, error)
}

// ErrInterrupted is returned by ReadLine when the user interrupts an empty
// prompt.
var ErrInterrupted = errors.New("input interrupted")

// =============================================================================
// LineReader
// =============================================================================

// LineReader reads newline-terminated input from any io.Reader. It is the
// fallback for piped input and the reader used in tests.
//
// # Thread Safety
//
// Not thread-safe. One reader per input stream.
type LineReader struct {
	reader *bufio.Reader
}

// NewLineReader wraps r.
func NewLineReader(r io.Reader) *LineReader {
	return &LineReader{reader: bufio.NewReader(r)}
}

// ReadLine returns the next line with surrounding whitespace trimmed. A
// final line without a newline is still returned before io.EOF.
func (r *LineReader) ReadLine() (string, error) {
	line, err := r.reader.ReadString('\n')
	if err != nil {
		if err == io.EOF && line != "" {
			return strings.TrimSpace(line), nil
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// =============================================================================
// InteractiveInputReader
// =============================================================================

// InteractiveInputReader reads lines through a bubbletea text input with
// up/down history navigation.
//
// # Description
//
// Supports line editing, Up and Down to walk previous questions, Esc to
// return to the draft and Enter to submit. Ctrl+C clears a typed line and
// interrupts the session on a blank one; Ctrl+D on a blank line ends it.
// History can be seeded from the persisted conversation so questions from
// an earlier session are one keypress away.
//
// # Thread Safety
//
// Not thread-safe. One reader per terminal.
type InteractiveInputReader struct {
	history    []string
	maxHistory int
	prompt     string
}

type inputModel struct {
	textInput textinput.Model
	history   []string
	recalled  int
	draft     string
	outcome   inputOutcome
}

// NewInputReader returns an InteractiveInputReader when stdin is a terminal
// and a LineReader over stdin otherwise.
func NewInputReader(maxHistory int, seed []string) InputReader {
	if !isatty.IsTerminal(os.Stdin.Fd()) && !isatty.IsCygwinTerminal(os.Stdin.Fd()) {
		return NewLineReader(os.Stdin)
	}
	r := &InteractiveInputReader{
		history:    make([]string, 0, maxHistory),
		maxHistory: maxHistory,
		prompt:     "> ",
	}
	for _, q := range seed {
		r.addToHistory(q)
	}
	return r
}

// SetPrompt sets the prompt shown by the text input.
func (r *InteractiveInputReader) SetPrompt(prompt string) {
	r.prompt = prompt
}

// History returns a copy of the remembered inputs, oldest first.
func (r *InteractiveInputReader) History() []string {
	return append([]string(nil), r.history...)
}

// ReadLine runs one bubbletea program and returns the submitted line.
func (r *InteractiveInputReader) ReadLine() (string, error) {
	ti := textinput.New()
	ti.Prompt = r.prompt
	ti.Focus()
	ti.CharLimit = 4096
	ti.Width = 80

	m := newInputModel(ti, r.history)

	p := tea.NewProgram(m, tea.WithOutput(os.Stderr))
	finalModel, err := p.Run()
	if err != nil {
		return "", err
	}
	result, ok := finalModel.(inputModel)
	if !ok {
		return "", fmt.Errorf("unexpected model type from bubbletea: %T", finalModel)
	}

	switch result.outcome {
	case outcomeInterrupted:
		return "", ErrInterrupted
	case outcomeEOF:
		return "", io.EOF
	}

	input := strings.TrimSpace(result.textInput.Value())
	r.addToHistory(input)
	return input, nil
}

func (r *InteractiveInputReader) addToHistory(input string) {
	if input == "" {
		return
	}
	if n := len(r.history); n > 0 && r.history[n-1] == input {
		return
	}
	r.history = append(r.history, input)
	if over := len(r.history) - r.maxHistory; over > 0 {
		r.history = r.history[over:]
	}
}

// =============================================================================
// inputModel
// =============================================================================

// inputOutcome is how one read of the line editor ended.
type inputOutcome int

const (
	outcomeEditing inputOutcome = iota
	outcomeSubmitted
	outcomeInterrupted
	outcomeEOF
)

// notRecalling marks that the editor shows the draft, not a history entry.
const notRecalling = -1

func newInputModel(ti textinput.Model, history []string) inputModel {
	return inputModel{textInput: ti, history: history, recalled: notRecalling}
}

func (m inputModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m inputModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	key, ok := msg.(tea.KeyMsg)
	if !ok {
		return m.edit(msg)
	}

	blank := strings.TrimSpace(m.textInput.Value()) == ""
	switch key.Type {
	case tea.KeyEnter:
		if blank {
			m.textInput.SetValue("")
			return m, nil
		}
		return m.finish(outcomeSubmitted)

	case tea.KeyCtrlC:
		// Same as an idle SIGINT: a blank line leaves the session,
		// otherwise only the line being typed is dropped.
		if blank {
			return m.finish(outcomeInterrupted)
		}
		m.resetDraft("")
		return m, nil

	case tea.KeyCtrlD:
		if blank {
			return m.finish(outcomeEOF)
		}
		return m.edit(msg)

	case tea.KeyEsc:
		if m.recalled != notRecalling {
			m.resetDraft(m.draft)
		}
		return m, nil

	case tea.KeyUp:
		m.recall(-1)
		return m, nil

	case tea.KeyDown:
		m.recall(+1)
		return m, nil
	}
	return m.edit(msg)
}

func (m inputModel) View() string {
	if m.outcome != outcomeEditing {
		return ""
	}
	return m.textInput.View()
}

func (m inputModel) edit(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	m.textInput, cmd = m.textInput.Update(msg)
	return m, cmd
}

func (m inputModel) finish(outcome inputOutcome) (tea.Model, tea.Cmd) {
	m.outcome = outcome
	if outcome != outcomeSubmitted {
		m.textInput.SetValue("")
	}
	return m, tea.Quit
}

// resetDraft leaves history recall and shows value as the draft.
func (m *inputModel) resetDraft(value string) {
	m.recalled = notRecalling
	m.draft = ""
	m.textInput.SetValue(value)
	m.textInput.CursorEnd()
}

// recall moves step entries through the question history. Walking past the
// newest entry brings back the draft that was being typed.
func (m *inputModel) recall(step int) {
	if len(m.history) == 0 {
		return
	}
	next := m.recalled + step
	switch {
	case m.recalled == notRecalling && step < 0:
		m.draft = m.textInput.Value()
		next = len(m.history) - 1
	case m.recalled == notRecalling:
		return
	case next < 0:
		next = 0
	case next >= len(m.history):
		m.resetDraft(m.draft)
		return
	}
	m.recalled = next
	m.textInput.SetValue(m.history[next])
	m.textInput.CursorEnd()
}
