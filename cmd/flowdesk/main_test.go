// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/FlowDesk/pkg/chat"
	"github.com/AleutianAI/FlowDesk/pkg/config"
	"github.com/AleutianAI/FlowDesk/pkg/conversation"
	"github.com/AleutianAI/FlowDesk/pkg/identity"
	"github.com/AleutianAI/FlowDesk/pkg/logging"
	"github.com/AleutianAI/FlowDesk/pkg/storage"
	"github.com/AleutianAI/FlowDesk/pkg/ux"
)

// =============================================================================
// Test Helpers
// =============================================================================

func init() {
	logger, _ = logging.New(logging.Config{Quiet: true})
}

const endToEndStream = "data: {\"type\":\"thinking\",\"content\":\"分析中\"}\n\n" +
	"data: {\"type\":\"text\",\"content\":\"前三名为...\"}\n\n" +
	"data: [DONE]\n\n"

type staticTransport struct {
	body string
	err  error
}

func (s staticTransport) Open(context.Context, chat.AdviceRequest) (io.ReadCloser, error) {
	if s.err != nil {
		return nil, s.err
	}
	return io.NopCloser(strings.NewReader(s.body)), nil
}

type blockingTransport struct{}

func (blockingTransport) Open(ctx context.Context, _ chat.AdviceRequest) (io.ReadCloser, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// sharedKV survives app.close so a second app can reopen the same data.
// scriptedInput replays lines, then fails with err.
type scriptedInput struct {
	lines []string
	err   error
}

func (s *scriptedInput) ReadLine() (string, error) {
	if len(s.lines) == 0 {
		return "", s.err
	}
	line := s.lines[0]
	s.lines = s.lines[1:]
	return line, nil
}

type sharedKV struct{ storage.KV }

func (sharedKV) Close() error { return nil }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	c := config.DefaultConfig()
	c.Storage.InMemory = true
	c.Identity.CredentialsPath = filepath.Join(t.TempDir(), "credentials.yaml")
	c.Chat.SettleDelay = -1
	c.Chat.PersistInterval = -1
	require.NoError(t, c.Validate())
	return &c
}

func newTestApp(t *testing.T, c *config.Config, opts appOptions) *app {
	t.Helper()
	a, err := newApp(context.Background(), c, logger.Slog(), opts)
	require.NoError(t, err)
	t.Cleanup(a.close)
	return a
}

// =============================================================================
// Tests
// =============================================================================

func TestREPL_StreamsAndHandlesCommands(t *testing.T) {
	a := newTestApp(t, testConfig(t), appOptions{transport: staticTransport{body: endToEndStream}})
	var out bytes.Buffer
	p := ux.NewPrinter(&out, false)
	in := ux.NewLineReader(strings.NewReader("净流入最多的股票\n/history\n/bogus\n/clear\n/history\n/exit\nnever read\n"))

	require.NoError(t, runREPL(context.Background(), a, in, p))

	text := out.String()
	assert.Contains(t, text, "→ 净流入最多的股票\n分析中\n\n前三名为...\n")
	assert.Contains(t, text, "[1] 净流入最多的股票\n前三名为...\n")
	assert.Contains(t, text, "WARN: unknown command /bogus")
	assert.Contains(t, text, "OK: 对话已清空")
	assert.Contains(t, text, "(no conversation history)")
	assert.NotContains(t, text, "never read")
	assert.Equal(t, 0, a.store.Len())
}

func TestREPL_EOFEnds(t *testing.T) {
	a := newTestApp(t, testConfig(t), appOptions{transport: staticTransport{body: endToEndStream}})
	var out bytes.Buffer

	err := runREPL(context.Background(), a, ux.NewLineReader(strings.NewReader("")), ux.NewPrinter(&out, false))

	assert.NoError(t, err)
}

func TestREPL_InterruptedPromptEndsSession(t *testing.T) {
	a := newTestApp(t, testConfig(t), appOptions{transport: staticTransport{body: endToEndStream}})
	var out bytes.Buffer
	in := &scriptedInput{lines: []string{"净流入最多的股票"}, err: ux.ErrInterrupted}

	err := runREPL(context.Background(), a, in, ux.NewPrinter(&out, false))

	require.ErrorIs(t, err, ux.ErrInterrupted)
	assert.Equal(t, 1, a.store.Len())
	assert.Contains(t, out.String(), "前三名为...")
}

func TestAsk_ReportsErroredRun(t *testing.T) {
	a := newTestApp(t, testConfig(t), appOptions{
		transport: staticTransport{err: errors.New("connection refused")},
	})
	var out bytes.Buffer

	err := ask(context.Background(), a, ux.NewPrinter(&out, false), "净流入最多的股票")

	assert.ErrorIs(t, err, errReported)
	assert.Contains(t, out.String(), "ERROR: "+conversation.MessageFailure)
}

func TestAsk_EmptyQuestionWarns(t *testing.T) {
	var out bytes.Buffer
	p := ux.NewPrinter(&out, false)
	a := newTestApp(t, testConfig(t), appOptions{
		transport: staticTransport{body: endToEndStream},
		notifier:  newCLINotifier(p, logger.Slog()),
	})

	err := ask(context.Background(), a, p, "   ")

	assert.ErrorIs(t, err, errReported)
	assert.Contains(t, out.String(), "WARN:")
	assert.Equal(t, 0, a.store.Len())
}

func TestHistory_RestoredAcrossSessions(t *testing.T) {
	c := testConfig(t)
	kv := sharedKV{storage.NewMemory()}

	first := newTestApp(t, c, appOptions{kv: kv, transport: staticTransport{body: endToEndStream}})
	require.NoError(t, ask(context.Background(), first, ux.NewPrinter(io.Discard, false), "净流入最多的股票"))
	first.close()

	second := newTestApp(t, c, appOptions{kv: kv, transport: staticTransport{body: endToEndStream}})
	assert.True(t, second.binding.Restored)
	assert.Equal(t, 1, second.binding.Turns)

	var out bytes.Buffer
	require.NoError(t, showHistory(second, ux.NewPrinter(&out, false), false))
	assert.Contains(t, out.String(), "conversation history for guest")
	assert.Contains(t, out.String(), "[1] 净流入最多的股票\n前三名为...")

	out.Reset()
	require.NoError(t, showHistory(second, ux.NewPrinter(&out, false), true))
	assert.Equal(t, 0, second.store.Len())
	_, ok, err := kv.Get(second.repo.ActiveKey())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHandleInterrupts_CancelsThenExits(t *testing.T) {
	a := newTestApp(t, testConfig(t), appOptions{transport: blockingTransport{}})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	interrupts := make(chan os.Signal, 1)
	idle := make(chan struct{})
	go handleInterrupts(ctx, a, interrupts, func() { close(idle) })

	run, err := a.ctrl.Submit(ctx, "净流入最多的股票")
	require.NoError(t, err)

	interrupts <- syscall.SIGINT
	select {
	case <-run.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("interrupt did not cancel the stream")
	}
	assert.Equal(t, conversation.StatusAborted, run.Wait().Status)

	interrupts <- syscall.SIGINT
	select {
	case <-idle:
	case <-time.After(2 * time.Second):
		t.Fatal("idle interrupt did not end the session")
	}
}

func TestNewBridge_ServesHealth(t *testing.T) {
	a := newTestApp(t, testConfig(t), appOptions{transport: staticTransport{body: endToEndStream}})

	srv, err := newBridge(a)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func meServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data":    map[string]any{"id": 42},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestLogin_ConfirmsWithServer(t *testing.T) {
	c := testConfig(t)
	c.Server.BaseURL = meServer(t).URL
	var out bytes.Buffer

	require.NoError(t, login(context.Background(), c, ux.NewPrinter(&out, false), "", "good-token"))

	creds, err := identity.LoadCredentials(c.Identity.CredentialsPath)
	require.NoError(t, err)
	assert.Equal(t, "42", creds.UserID)
	assert.Equal(t, "good-token", creds.Token)
	assert.Contains(t, out.String(), "OK: logged in as 42")

	out.Reset()
	require.NoError(t, logout(c, ux.NewPrinter(&out, false)))
	_, err = os.Stat(c.Identity.CredentialsPath)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestLogin_RejectedTokenRemovesCredentials(t *testing.T) {
	c := testConfig(t)
	c.Server.BaseURL = meServer(t).URL
	var out bytes.Buffer

	err := login(context.Background(), c, ux.NewPrinter(&out, false), "7", "bad-token")

	assert.ErrorIs(t, err, errReported)
	assert.Contains(t, out.String(), "ERROR: the server rejected this token")
	_, statErr := os.Stat(c.Identity.CredentialsPath)
	assert.True(t, errors.Is(statErr, os.ErrNotExist))
}

func TestLogin_UnreachableServerKeepsCredentials(t *testing.T) {
	c := testConfig(t)
	srv := httptest.NewServer(http.NotFoundHandler())
	c.Server.BaseURL = srv.URL
	srv.Close()
	var out bytes.Buffer

	require.NoError(t, login(context.Background(), c, ux.NewPrinter(&out, false), "7", "some-token"))

	creds, err := identity.LoadCredentials(c.Identity.CredentialsPath)
	require.NoError(t, err)
	assert.Equal(t, "7", creds.UserID)
	assert.Contains(t, out.String(), "WARN: saved credentials")
}

func TestRootCommand_RegistersSubcommands(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"chat", "ask", "history", "login", "logout", "serve"} {
		assert.True(t, names[want], "missing command %s", want)
	}
}
