// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package bridge

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/FlowDesk/pkg/chat"
	"github.com/AleutianAI/FlowDesk/pkg/conversation"
)

const (
	liveWriteWait  = 10 * time.Second
	livePingPeriod = 30 * time.Second
	livePongWait   = 2 * livePingPeriod

	// EventSnapshot is the first message on every live connection.
	EventSnapshot = "snapshot"
	// EventState carries controller state transitions.
	EventState = "state"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 64 * 1024,
}

// LiveEvent is one message on GET /v1/chat/live.
//
// Kind is a conversation change kind ("append", "update", "finalize",
// "clear", "replace") or one of EventSnapshot and EventState. Turn is set
// for per-turn changes. Turns is set for the snapshot and for clear and
// replace, which change the whole history.
type LiveEvent struct {
	Kind  string              `json:"kind"`
	Turn  *conversation.Turn  `json:"turn,omitempty"`
	Turns []conversation.Turn `json:"turns,omitempty"`
	State *chat.State         `json:"state,omitempty"`
}

func changeEvent(ch conversation.Change) LiveEvent {
	ev := LiveEvent{Kind: string(ch.Kind)}
	switch ch.Kind {
	case conversation.ChangeClear, conversation.ChangeReplace:
		ev.Turns = ch.Snapshot
		if ev.Turns == nil {
			ev.Turns = []conversation.Turn{}
		}
	default:
		turn := ch.Turn
		ev.Turn = &turn
	}
	return ev
}

// handleLive streams history and state changes until the client goes away.
//
// Observers run under the store lock, so they only do a non-blocking send.
// A client too slow to drain its buffer is disconnected rather than allowed
// to stall the stream.
func (s *Server) handleLive(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("failed to upgrade the websocket", "error", err)
		return
	}
	defer ws.Close()

	events := make(chan LiveEvent, s.liveBuffer)
	overflow := make(chan struct{})
	var (
		pushMu     sync.Mutex
		overflowed bool
	)
	push := func(ev LiveEvent) {
		pushMu.Lock()
		defer pushMu.Unlock()
		if overflowed {
			return
		}
		select {
		case events <- ev:
		default:
			overflowed = true
			close(overflow)
		}
	}

	unsubHistory := s.history.Subscribe(func(ch conversation.Change) {
		push(changeEvent(ch))
	})
	defer unsubHistory()
	unsubState := s.session.Subscribe(func(sc chat.StateChange) {
		to := sc.To
		push(LiveEvent{Kind: EventState, State: &to})
	})
	defer unsubState()

	// Subscribed first, so nothing after the snapshot can be missed. A change
	// racing with it may show up in both.
	snapshot := s.history.Snapshot()
	if snapshot == nil {
		snapshot = []conversation.Turn{}
	}
	state := s.session.State()
	if err := ws.WriteJSON(LiveEvent{Kind: EventSnapshot, Turns: snapshot, State: &state}); err != nil {
		return
	}

	s.logger.Info("live client connected", "remote", c.ClientIP())

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		ws.SetReadLimit(4096)
		_ = ws.SetReadDeadline(time.Now().Add(livePongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(livePongWait))
		})
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(livePingPeriod)
	defer ping.Stop()

	for {
		select {
		case ev := <-events:
			_ = ws.SetWriteDeadline(time.Now().Add(liveWriteWait))
			if err := ws.WriteJSON(ev); err != nil {
				s.logger.Warn("failed to write live event", "error", err)
				return
			}
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(liveWriteWait)); err != nil {
				return
			}
		case <-overflow:
			s.logger.Warn("live client too slow, disconnecting", "remote", c.ClientIP())
			return
		case <-closed:
			s.logger.Info("live client disconnected", "remote", c.ClientIP())
			return
		}
	}
}
