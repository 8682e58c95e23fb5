// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package chat

import (
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/AleutianAI/FlowDesk/pkg/conversation"
)

var (
	// ErrBusy is returned by Submit while a stream is opening or streaming.
	ErrBusy = errors.New("a stream is already in flight")

	// ErrEmptyQuestion is returned by Submit for a blank question. It is the
	// store's sentinel, so errors.Is matches either.
	ErrEmptyQuestion = conversation.ErrEmptyQuestion

	// errStopStream tells the frame loop the run is already finalized.
	errStopStream = errors.New("stream finalized")
)

// User-facing notices. The dashboard is Chinese-language.
const (
	noticeBusy     = "上一条消息仍在生成中，请稍候"
	noticeEmpty    = "请输入问题"
	noticeNoResult = "未获取到分析结果"
)

// ProtocolError is an error frame sent by the server mid-stream.
type ProtocolError struct {
	Content string
}

func (e *ProtocolError) Error() string {
	return "server reported error: " + e.Content
}

// =============================================================================
// Notifier
// =============================================================================

// Level grades a Notice.
type Level string

const (
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Notice is a transient message for the user, separate from the permanent
// marker left on the turn.
type Notice struct {
	Level   Level
	Message string
	TurnID  string
	Err     error
}

// Notifier surfaces notices to the user.
type Notifier interface {
	Notify(Notice)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notice)

func (f NotifierFunc) Notify(n Notice) { f(n) }

// LogNotifier writes notices to a logger. It is the default Notifier.
type LogNotifier struct {
	Logger *slog.Logger
}

func (l LogNotifier) Notify(n Notice) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	args := []any{"turn_id", n.TurnID}
	if n.Err != nil {
		args = append(args, "error", n.Err)
	}
	if n.Level == LevelError {
		logger.Error(n.Message, args...)
		return
	}
	logger.Warn(n.Message, args...)
}

// =============================================================================
// Error Frame Rendering
// =============================================================================

// tableReport is the structured error the backend sends when the requested
// table is missing or empty.
type tableReport struct {
	Advice  string   `json:"advice"`
	Reasons []string `json:"reasons"`
	Risks   []string `json:"risks"`
	Detail  string   `json:"detail"`
}

// renderErrorContent turns an error frame's content into readable text.
// Plain content is returned trimmed; a table report is flattened into its
// advice, reasons and detail.
func renderErrorContent(content string) string {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "{") {
		return trimmed
	}

	var report tableReport
	if err := json.Unmarshal([]byte(trimmed), &report); err != nil {
		return trimmed
	}
	if report.Detail == "" && len(report.Reasons) == 0 {
		return trimmed
	}

	var parts []string
	if report.Advice != "" {
		parts = append(parts, report.Advice)
	}
	parts = append(parts, report.Reasons...)
	if report.Detail != "" {
		parts = append(parts, report.Detail)
	}
	return strings.Join(parts, "；")
}
