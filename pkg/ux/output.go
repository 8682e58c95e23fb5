// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux renders the FlowDesk conversation in a terminal.
package ux

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// FlowDesk palette.
var (
	ColorAccent  = lipgloss.Color("#2CD7C7")
	ColorPrimary = lipgloss.Color("#20B9B4")
	ColorBorder  = lipgloss.Color("#16858E")
	ColorSlate   = lipgloss.Color("#5C7A84")

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Styles provides pre-configured lipgloss styles.
var Styles = struct {
	Title    lipgloss.Style
	Question lipgloss.Style
	Thinking lipgloss.Style
	Answer   lipgloss.Style
	Muted    lipgloss.Style
	Success  lipgloss.Style
	Warning  lipgloss.Style
	Error    lipgloss.Style
	Box      lipgloss.Style
}{
	Title:    lipgloss.NewStyle().Bold(true).Foreground(ColorAccent),
	Question: lipgloss.NewStyle().Bold(true).Foreground(ColorPrimary),
	Thinking: lipgloss.NewStyle().Faint(true).Italic(true),
	Answer:   lipgloss.NewStyle(),
	Muted:    lipgloss.NewStyle().Foreground(ColorSlate),
	Success:  lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning:  lipgloss.NewStyle().Foreground(ColorWarning),
	Error:    lipgloss.NewStyle().Foreground(ColorError),
	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorBorder).
		Padding(0, 1),
}

// Icon is a status glyph.
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconStopped Icon = "■"
	IconArrow   Icon = "→"
)

func (i Icon) style() lipgloss.Style {
	switch i {
	case IconSuccess:
		return Styles.Success
	case IconWarning:
		return Styles.Warning
	case IconError:
		return Styles.Error
	default:
		return Styles.Muted
	}
}

// =============================================================================
// Printer
// =============================================================================

// Printer writes styled lines to a terminal, or plain prefixed lines when
// the output is not a terminal.
//
// # Thread Safety
//
// Safe for concurrent use. Spinner frames and streamed text share the lock,
// so they never interleave mid-line.
type Printer struct {
	mu    sync.Mutex
	w     io.Writer
	plain bool
}

// NewPrinter writes to w, styled when rich is true.
func NewPrinter(w io.Writer, rich bool) *Printer {
	return &Printer{w: w, plain: !rich}
}

// Stdout returns a Printer on os.Stdout, styled when it is a terminal.
func Stdout() *Printer {
	fd := os.Stdout.Fd()
	return NewPrinter(os.Stdout, isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd))
}

// Plain reports whether styling is disabled.
func (p *Printer) Plain() bool {
	return p.plain
}

// Render applies style unless the printer is plain.
func (p *Printer) Render(style lipgloss.Style, s string) string {
	if p.plain {
		return s
	}
	return style.Render(s)
}

// Write implements io.Writer under the printer's lock.
func (p *Printer) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.w.Write(b)
}

// Printf formats and writes without a trailing newline.
func (p *Printer) Printf(format string, args ...any) {
	_, _ = fmt.Fprintf(p, format, args...)
}

// Println writes s followed by a newline.
func (p *Printer) Println(s string) {
	_, _ = io.WriteString(p, s+"\n")
}

func (p *Printer) status(icon Icon, label, text string) {
	if p.plain {
		p.Println(label + ": " + text)
		return
	}
	style := icon.style()
	p.Println(style.Render(string(icon)) + " " + style.Render(text))
}

// Success prints a success line.
func (p *Printer) Success(text string) { p.status(IconSuccess, "OK", text) }

// Warning prints a warning line.
func (p *Printer) Warning(text string) { p.status(IconWarning, "WARN", text) }

// Error prints an error line.
func (p *Printer) Error(text string) { p.status(IconError, "ERROR", text) }

// Muted prints secondary text. Plain printers print it unstyled.
func (p *Printer) Muted(text string) {
	p.Println(p.Render(Styles.Muted, text))
}

// Box prints content in a rounded box titled title.
func (p *Printer) Box(title, content string) {
	if p.plain {
		p.Println(title + ": " + content)
		return
	}
	p.Println(Styles.Box.Width(60).Render(Styles.Title.Render(title) + "\n" + content))
}
