// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package bridge exposes the chat session to a page over HTTP and WebSocket.
//
// The surface is deliberately small: submit, cancel, clear, a history
// snapshot, and a live feed of history and session state changes. Every
// operation delegates to the controller and the history store, so the
// bridge holds no conversation state of its own.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/FlowDesk/pkg/chat"
	"github.com/AleutianAI/FlowDesk/pkg/conversation"
)

// DefaultServiceName labels bridge spans.
const DefaultServiceName = "flowdesk-bridge"

// =============================================================================
// Collaborators
// =============================================================================

// Session is the part of *chat.Controller the bridge drives.
type Session interface {
	Submit(ctx context.Context, question string, opts ...chat.SubmitOption) (*chat.Run, error)
	Cancel() bool
	State() chat.State
	Subscribe(fn func(chat.StateChange)) func()
}

// History is the part of *conversation.Store the bridge reads.
type History interface {
	Snapshot() []conversation.Turn
	Subscribe(obs conversation.Observer) func()
}

// Clearer removes the active conversation and its persisted copy.
type Clearer interface {
	Clear()
}

var (
	_ Session = (*chat.Controller)(nil)
	_ History = (*conversation.Store)(nil)
)

// =============================================================================
// Server
// =============================================================================

// Config wires a Server.
//
// # Fields
//
//   - Session: Required. Stream session controller.
//   - History: Required. Conversation history store.
//   - Clearer: Required. Usually the identity partition repository so that
//     clearing also drops the persisted partition.
//   - Gatherer: Optional. Source for GET /metrics; omitted when nil.
//   - ServiceName: Optional. otelgin service name.
//   - LiveBuffer: Optional. Per-connection event buffer, default 64.
//   - Logger: Optional. Defaults to slog.Default().
type Config struct {
	Session     Session
	History     History
	Clearer     Clearer
	Gatherer    prometheus.Gatherer
	ServiceName string
	LiveBuffer  int
	Logger      *slog.Logger
}

// Server is the gin-based bridge.
//
// # Thread Safety
//
// Safe for concurrent requests. Serialization of chat operations is the
// controller's job.
type Server struct {
	session    Session
	history    History
	clearer    Clearer
	liveBuffer int
	logger     *slog.Logger
	router     *gin.Engine
}

// New builds the router.
func New(cfg Config) (*Server, error) {
	if cfg.Session == nil || cfg.History == nil || cfg.Clearer == nil {
		return nil, errors.New("bridge: session, history and clearer are required")
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = DefaultServiceName
	}
	if cfg.LiveBuffer <= 0 {
		cfg.LiveBuffer = 64
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Server{
		session:    cfg.Session,
		history:    cfg.History,
		clearer:    cfg.Clearer,
		liveBuffer: cfg.LiveBuffer,
		logger:     cfg.Logger,
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(cfg.ServiceName))

	router.GET("/health", s.handleHealth)
	if cfg.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))
	}

	v1 := router.Group("/v1/chat")
	{
		v1.GET("/history", s.handleHistory)
		v1.DELETE("/history", s.handleClear)
		v1.POST("/messages", s.handleSubmit)
		v1.POST("/cancel", s.handleCancel)
		v1.GET("/live", s.handleLive)
	}

	s.router = router
	return s, nil
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("bridge listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("bridge: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("bridge shutdown: %w", err)
	}
	return nil
}

// =============================================================================
// Handlers
// =============================================================================

type submitRequest struct {
	Question  string `json:"question"`
	TableName string `json:"table_name"`
}

type submitResponse struct {
	TurnID string `json:"turn_id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type historyResponse struct {
	State chat.State          `json:"state"`
	Turns []conversation.Turn `json:"turns"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "state": s.session.State()})
}

func (s *Server) handleHistory(c *gin.Context) {
	turns := s.history.Snapshot()
	if turns == nil {
		turns = []conversation.Turn{}
	}
	c.JSON(http.StatusOK, historyResponse{State: s.session.State(), Turns: turns})
}

func (s *Server) handleSubmit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	var opts []chat.SubmitOption
	if req.TableName != "" {
		opts = append(opts, chat.WithTableName(req.TableName))
	}

	run, err := s.session.Submit(c.Request.Context(), req.Question, opts...)
	switch {
	case errors.Is(err, chat.ErrEmptyQuestion):
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	case errors.Is(err, chat.ErrBusy):
		c.JSON(http.StatusConflict, errorResponse{Error: err.Error()})
		return
	case err != nil:
		s.logger.Error("submit failed", "error", err)
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "submit failed"})
		return
	}
	c.JSON(http.StatusAccepted, submitResponse{TurnID: run.TurnID()})
}

func (s *Server) handleCancel(c *gin.Context) {
	if s.session.Cancel() {
		s.logger.Info("stream cancelled via bridge")
	}
	c.Status(http.StatusNoContent)
}

// handleClear stops any in-flight stream before dropping the history, so the
// controller never writes into a cleared store.
func (s *Server) handleClear(c *gin.Context) {
	s.session.Cancel()
	s.clearer.Clear()
	c.Status(http.StatusNoContent)
}
