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
	"fmt"
	"sync"

	"github.com/AleutianAI/FlowDesk/pkg/conversation"
)

// TurnRenderer prints the in-flight turn as it streams.
//
// # Description
//
// Subscribe Observe to a conversation store. Thinking is printed dim until
// the first answer fragment arrives, then only the answer is printed. Every
// update prints only the bytes not yet shown, so a growing accumulator
// becomes a continuous stream on screen. The finalize change closes the
// block with a status line for errored and aborted turns, or the no-result
// placeholder for an empty completion.
//
// # Thread Safety
//
// Safe for concurrent use. Observe is cheap enough to run under the
// store's lock.
type TurnRenderer struct {
	p *Printer

	mu          sync.Mutex
	turnID      string
	thinkingOut int
	textOut     int
	inText      bool
	spinner     *Spinner
}

// NewTurnRenderer writes to p.
func NewTurnRenderer(p *Printer) *TurnRenderer {
	return &TurnRenderer{p: p}
}

// Observe is a conversation.Observer.
func (r *TurnRenderer) Observe(ch conversation.Change) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch ch.Kind {
	case conversation.ChangeAppend:
		r.begin(ch.Turn)
	case conversation.ChangeUpdate:
		if ch.Turn.ID == r.turnID {
			r.stopSpinner()
			r.printDelta(ch.Turn.Answer)
		}
	case conversation.ChangeFinalize:
		if ch.Turn.ID == r.turnID {
			r.stopSpinner()
			r.printDelta(ch.Turn.Answer)
			r.finish(ch.Turn.Answer)
		}
	case conversation.ChangeClear, conversation.ChangeReplace:
		r.stopSpinner()
		r.turnID = ""
	}
}

func (r *TurnRenderer) begin(turn conversation.Turn) {
	r.stopSpinner()
	r.turnID = turn.ID
	r.thinkingOut = 0
	r.textOut = 0
	r.inText = false
	r.spinner = NewSpinner(r.p, conversation.PlaceholderPending)
	r.spinner.Start()
}

func (r *TurnRenderer) stopSpinner() {
	if r.spinner != nil {
		r.spinner.Stop()
		r.spinner = nil
	}
}

func (r *TurnRenderer) printDelta(a conversation.Answer) {
	if !r.inText && len(a.Thinking) > r.thinkingOut {
		r.p.Printf("%s", r.p.Render(Styles.Thinking, a.Thinking[r.thinkingOut:]))
		r.thinkingOut = len(a.Thinking)
	}
	if len(a.Text) > r.textOut {
		if !r.inText {
			r.inText = true
			if r.thinkingOut > 0 {
				r.p.Printf("\n\n")
			}
		}
		r.p.Printf("%s", r.p.Render(Styles.Answer, a.Text[r.textOut:]))
		r.textOut = len(a.Text)
	}
}

func (r *TurnRenderer) finish(a conversation.Answer) {
	printed := r.thinkingOut > 0 || r.textOut > 0
	if printed {
		r.p.Printf("\n")
	}
	switch a.Status {
	case conversation.StatusComplete:
		if !printed {
			r.p.Warning(a.DisplayText)
		}
	case conversation.StatusAborted:
		r.p.Muted(fmt.Sprintf("%s %s", IconStopped, conversation.PlaceholderStopped))
	case conversation.StatusErrored:
		r.p.Error(a.DisplayText)
	}
	r.p.Printf("\n")
	r.turnID = ""
}

// RenderHistory prints a whole conversation, oldest first.
func RenderHistory(p *Printer, turns []conversation.Turn) {
	if len(turns) == 0 {
		p.Muted("(no conversation history)")
		return
	}
	for i, t := range turns {
		p.Println(p.Render(Styles.Question, fmt.Sprintf("[%d] %s", i+1, t.Question)))
		switch t.Answer.Status {
		case conversation.StatusErrored:
			p.Error(t.Answer.DisplayText)
		case conversation.StatusAborted:
			if t.Answer.DisplayText != conversation.PlaceholderStopped {
				p.Println(t.Answer.DisplayText)
			}
			p.Muted(fmt.Sprintf("%s %s", IconStopped, conversation.PlaceholderStopped))
		default:
			p.Println(t.Answer.DisplayText)
		}
		p.Println("")
	}
}
