// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logging configures structured logging for FlowDesk.
//
// Every component logs through a *slog.Logger. This package builds that
// logger from configuration:
//
//   - stderr (text or JSON), unless Quiet
//   - an optional JSON file per service and day under LogDir
//
// # Usage
//
//	logger, err := logging.New(logging.Config{
//	    Level:   logging.LevelInfo,
//	    LogDir:  "~/.flowdesk/logs",
//	    Service: "flowdesk",
//	})
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//	slog.SetDefault(logger.Slog())
//
// # Security Considerations
//
// Attributes named like credentials ("token", "authorization", "password")
// are replaced with "[REDACTED]" by every handler this package builds.
// Callers should still log metadata rather than secrets:
//
//	logger.Info("login", "token_present", token != "")
package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// =============================================================================
// Log Levels
// =============================================================================

// Level is a log severity. Debug < Info < Warn < Error.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns "DEBUG", "INFO", "WARN", "ERROR", or "UNKNOWN".
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l Level) slogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseLevel maps a configuration string to a Level. Matching ignores case;
// "" selects LevelInfo and "warning" is accepted for LevelWarn.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// =============================================================================
// Configuration
// =============================================================================

// Config configures a Logger. The zero value logs Info and above to stderr
// as text.
type Config struct {
	// Level sets the minimum level. Default: LevelInfo.
	Level Level

	// LogDir enables a JSON log file "{Service}_{YYYY-MM-DD}.log" in this
	// directory, created with 0750 permissions. "~" expands to the home
	// directory.
	LogDir string

	// Service is attached to every record as the "service" attribute and
	// names the log file. Default file prefix: "flowdesk".
	Service string

	// JSON switches the stream output from text to JSON. File output is
	// always JSON.
	JSON bool

	// Quiet disables the stream output. The interactive chat uses it so log
	// lines do not interleave with streamed answers.
	Quiet bool

	// Output replaces stderr as the stream destination.
	Output io.Writer
}

// sensitiveKeys are attribute keys whose values never reach a handler.
var sensitiveKeys = map[string]bool{
	"token":         true,
	"access_token":  true,
	"authorization": true,
	"password":      true,
}

func redact(_ []string, a slog.Attr) slog.Attr {
	if sensitiveKeys[strings.ToLower(a.Key)] {
		return slog.String(a.Key, "[REDACTED]")
	}
	return a
}

// =============================================================================
// Logger
// =============================================================================

// Logger owns the handlers built from a Config and the log file, if any.
//
// # Thread Safety
//
// Safe for concurrent use.
type Logger struct {
	slog *slog.Logger
	file *os.File
	path string

	closeOnce sync.Once
	closeErr  error
}

// New builds a Logger from cfg.
//
// # Outputs
//
//   - *Logger: Ready to use. Call Close to flush the log file.
//   - error: Non-nil if LogDir is set but the file cannot be opened.
func New(cfg Config) (*Logger, error) {
	opts := &slog.HandlerOptions{
		Level:       cfg.Level.slogLevel(),
		ReplaceAttr: redact,
	}

	var handlers []slog.Handler
	if !cfg.Quiet {
		out := cfg.Output
		if out == nil {
			out = os.Stderr
		}
		if cfg.JSON {
			handlers = append(handlers, slog.NewJSONHandler(out, opts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(out, opts))
		}
	}

	logger := &Logger{}
	if cfg.LogDir != "" {
		file, path, err := openLogFile(cfg.LogDir, cfg.Service)
		if err != nil {
			return nil, err
		}
		logger.file = file
		logger.path = path
		handlers = append(handlers, slog.NewJSONHandler(file, opts))
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		handler = discardHandler{}
	case 1:
		handler = handlers[0]
	default:
		handler = &multiHandler{handlers: handlers}
	}
	if cfg.Service != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("service", cfg.Service)})
	}

	logger.slog = slog.New(handler)
	return logger, nil
}

// Default returns an Info-level stderr logger for the "flowdesk" service.
func Default() *Logger {
	logger, _ := New(Config{Level: LevelInfo, Service: "flowdesk"})
	return logger
}

// Slog returns the underlying slog.Logger, which is what library packages
// accept.
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

// With returns a logger carrying additional attributes. It shares the
// parent's file; only the parent should be closed.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{slog: l.slog.With(args...), path: l.path}
}

// FilePath returns the log file path, or "" when file logging is off.
func (l *Logger) FilePath() string {
	return l.path
}

// Close syncs and closes the log file. Safe to call more than once.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		if l.file == nil {
			return
		}
		var errs []error
		if err := l.file.Sync(); err != nil {
			errs = append(errs, fmt.Errorf("sync log file: %w", err))
		}
		if err := l.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close log file: %w", err))
		}
		l.closeErr = errors.Join(errs...)
	})
	return l.closeErr
}

func openLogFile(dir, service string) (*os.File, string, error) {
	dir = ExpandPath(dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, "", fmt.Errorf("create log directory %s: %w", dir, err)
	}
	if service == "" {
		service = "flowdesk"
	}
	path := filepath.Join(dir, fmt.Sprintf("%s_%s.log", service, time.Now().Format("2006-01-02")))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return nil, "", fmt.Errorf("open log file %s: %w", path, err)
	}
	return file, path, nil
}

// =============================================================================
// Handlers
// =============================================================================

// multiHandler fans records out to several handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle delivers to every enabled handler and reports the first failure.
// A failing destination does not starve the others.
func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var first error
	for _, handler := range h.handlers {
		if !handler.Enabled(ctx, r.Level) {
			continue
		}
		if err := handler.Handle(ctx, r.Clone()); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

// discardHandler drops everything. Used when Quiet is set without a file.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// =============================================================================
// Helpers
// =============================================================================

// ExpandPath expands a leading "~" to the user's home directory.
func ExpandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
