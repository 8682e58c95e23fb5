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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/FlowDesk/pkg/conversation"
	"github.com/AleutianAI/FlowDesk/pkg/stream"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultSettleDelay is how long a terminal state is held before idle.
const DefaultSettleDelay = 300 * time.Millisecond

const tracerName = "flowdesk.chat"

// =============================================================================
// Configuration
// =============================================================================

// Config configures a Controller.
//
// # Fields
//
//   - Store: Conversation history to write into. Required.
//   - Transport: Opens the analysis stream. Required.
//   - Notifier: Receives user-facing warnings and errors. Nil selects
//     LogNotifier.
//   - Metrics: Nil selects unregistered instruments.
//   - Tracer: Nil selects the global tracer provider's tracer.
//   - Logger: Nil selects slog.Default().
//   - MaxContextTurns: Cap on history sent as context. Zero selects
//     conversation.DefaultMaxContextTurns.
//   - SettleDelay: Terminal state hold time. Zero selects
//     DefaultSettleDelay; negative returns to idle immediately.
//   - ChunkSize: Read size for the response body. Zero selects
//     stream.DefaultChunkSize.
type Config struct {
	Store           *conversation.Store
	Transport       Transport
	Notifier        Notifier
	Metrics         *Metrics
	Tracer          trace.Tracer
	Logger          *slog.Logger
	MaxContextTurns int
	SettleDelay     time.Duration
	ChunkSize       int
}

// SubmitOption customizes one Submit call.
type SubmitOption func(*AdviceRequest)

// WithTableName asks the backend to analyze a specific table.
func WithTableName(name string) SubmitOption {
	return func(r *AdviceRequest) {
		r.TableName = strings.TrimSpace(name)
	}
}

// =============================================================================
// Controller
// =============================================================================

// Controller owns at most one in-flight stream.
//
// # Description
//
// Every frame is applied to the conversation store under the controller's
// mutex, in arrival order, so the first of Done, an error frame, a transport
// failure or Cancel to take the lock finalizes the turn and every later
// signal is ignored.
//
// Store observers run synchronously inside those critical sections. They
// may call State and read the store but must not call Submit or Cancel.
//
// # Thread Safety
//
// Safe for concurrent use.
type Controller struct {
	store       *conversation.Store
	transport   Transport
	notifier    Notifier
	metrics     *Metrics
	tracer      trace.Tracer
	logger      *slog.Logger
	maxContext  int
	settleDelay time.Duration
	reader      *stream.Reader

	mu        sync.Mutex
	state     atomic.Int32
	active    *Run
	settle    *time.Timer
	settleGen uint64
	subs      map[int]func(StateChange)
	nextSub   int
	wg        sync.WaitGroup
}

// NewController creates a Controller in the idle state.
func NewController(cfg Config) (*Controller, error) {
	if cfg.Store == nil {
		return nil, errors.New("chat: store is required")
	}
	if cfg.Transport == nil {
		return nil, errors.New("chat: transport is required")
	}

	c := &Controller{
		store:       cfg.Store,
		transport:   cfg.Transport,
		notifier:    cfg.Notifier,
		metrics:     cfg.Metrics,
		tracer:      cfg.Tracer,
		logger:      cfg.Logger,
		maxContext:  cfg.MaxContextTurns,
		settleDelay: cfg.SettleDelay,
		subs:        make(map[int]func(StateChange)),
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.notifier == nil {
		c.notifier = LogNotifier{Logger: c.logger}
	}
	if c.metrics == nil {
		c.metrics = NewMetrics(nil)
	}
	if c.tracer == nil {
		c.tracer = otel.Tracer(tracerName)
	}
	if c.maxContext <= 0 {
		c.maxContext = conversation.DefaultMaxContextTurns
	}
	if c.settleDelay == 0 {
		c.settleDelay = DefaultSettleDelay
	}
	c.reader = stream.NewReader(cfg.ChunkSize,
		stream.WithLogger(c.logger),
		stream.WithMalformedHook(func(error) { c.metrics.DecodeErrorsTotal.Inc() }),
	)
	return c, nil
}

// State returns the current session state. It never blocks.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// Subscribe registers fn for state transitions and returns a function that
// removes it. fn runs with the controller locked and must not call back into
// Submit or Cancel.
func (c *Controller) Subscribe(fn func(StateChange)) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// Submit starts streaming the answer to question.
//
// # Description
//
// The sanitized context is computed from the turns before this one, a
// Pending turn is appended and the request is opened in a background
// goroutine. The run is detached from ctx's cancellation so that a short
// lived caller (an HTTP handler, say) does not abort it; use Cancel.
//
// # Inputs
//
//   - ctx: Carries values such as the trace parent. Its cancellation is
//     not inherited.
//   - question: The user's question. Must not be blank.
//   - opts: Per-request options such as WithTableName.
//
// # Outputs
//
//   - *Run: Handle for waiting on the outcome.
//   - error: ErrEmptyQuestion, ErrBusy, or a store error. Rejections are
//     also surfaced as a warning through the Notifier.
//
// # Examples
//
//	run, err := ctrl.Submit(ctx, "净流入最多的股票")
//	if err != nil {
//	    return err
//	}
//	outcome := run.Wait()
func (c *Controller) Submit(ctx context.Context, question string, opts ...SubmitOption) (*Run, error) {
	if strings.TrimSpace(question) == "" {
		c.notifier.Notify(Notice{Level: LevelWarn, Message: noticeEmpty})
		return nil, ErrEmptyQuestion
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.State().Active() {
		c.notifier.Notify(Notice{Level: LevelWarn, Message: noticeBusy})
		return nil, ErrBusy
	}

	req := AdviceRequest{
		Message: question,
		History: c.store.SanitizedContext(c.maxContext),
		Stream:  true,
	}
	for _, opt := range opts {
		opt(&req)
	}

	turn, err := c.store.Append(question)
	if err != nil {
		if errors.Is(err, conversation.ErrInFlight) {
			c.notifier.Notify(Notice{Level: LevelWarn, Message: noticeBusy})
			return nil, fmt.Errorf("%w: %v", ErrBusy, err)
		}
		return nil, fmt.Errorf("append turn: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	run := &Run{
		turnID:    turn.ID,
		question:  question,
		startedAt: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	c.active = run
	c.stopSettleLocked()
	c.setStateLocked(StateOpening, run.turnID)
	c.metrics.ActiveStreams.Inc()

	c.logger.Debug("submitting chat question",
		"turn_id", run.turnID,
		"question_length", len(question),
		"history_turns", len(req.History),
		"table_name", req.TableName,
	)

	c.wg.Add(1)
	go c.consume(runCtx, run, req)
	return run, nil
}

// Cancel aborts the in-flight stream, if any.
//
// # Description
//
// The turn is finalized Aborted immediately, keeping whatever was
// accumulated, and the transport is cancelled. Calling Cancel when nothing
// is in flight, or after the run already finalized, does nothing.
//
// # Outputs
//
//   - bool: True if a run was aborted by this call.
func (c *Controller) Cancel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	run := c.active
	if run == nil || run.finalized {
		return false
	}
	run.cancel()
	c.finalizeLocked(run, conversation.StatusAborted, "", nil)
	c.logger.Info("chat stream cancelled by user", "turn_id", run.turnID, "frames", run.frames)
	return true
}

// Close cancels any in-flight stream and waits for its goroutine to exit.
func (c *Controller) Close() {
	c.Cancel()
	c.wg.Wait()
	c.mu.Lock()
	c.stopSettleLocked()
	c.mu.Unlock()
}

// =============================================================================
// Stream Consumption
// =============================================================================

func (c *Controller) consume(ctx context.Context, run *Run, req AdviceRequest) {
	defer c.wg.Done()
	defer run.cancel()

	ctx, span := c.tracer.Start(ctx, "chat.stream",
		trace.WithAttributes(
			attribute.String("chat.turn_id", run.turnID),
			attribute.Int("chat.history_turns", len(req.History)),
			attribute.Bool("chat.table", req.TableName != ""),
		),
	)
	defer span.End()

	body, err := c.transport.Open(ctx, req)
	if err != nil {
		c.finishFailed(ctx, run, err)
		c.endSpan(span, run)
		return
	}
	// Closing the body unblocks a Read that is waiting on the network.
	stopClose := context.AfterFunc(ctx, func() { _ = body.Close() })
	defer func() {
		stopClose()
		if err := body.Close(); err != nil {
			c.logger.Debug("failed to close response body", "turn_id", run.turnID, "error", err)
		}
	}()

	summary, err := c.reader.Read(ctx, body, func(f stream.Frame) error {
		return c.handleFrame(run, f)
	})
	span.SetAttributes(
		attribute.Int("chat.frames", summary.Frames),
		attribute.Int("chat.malformed", summary.Malformed),
		attribute.Int64("chat.bytes", summary.Bytes),
	)

	switch {
	case err == nil && !summary.SawDone:
		// The server hung up without the sentinel. Keep what arrived.
		c.logger.Warn("chat stream ended without terminal frame",
			"turn_id", run.turnID,
			"frames", summary.Frames,
		)
		c.finishComplete(run)
	case err != nil && !errors.Is(err, errStopStream):
		c.finishFailed(ctx, run, err)
	}
	c.endSpan(span, run)
}

func (c *Controller) handleFrame(run *Run, f stream.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if run.finalized {
		return errStopStream
	}

	c.metrics.FramesTotal.WithLabelValues(string(f.Kind)).Inc()
	run.frames++

	if !run.sawFrame {
		run.sawFrame = true
		c.metrics.FirstFrameSeconds.Observe(time.Since(run.startedAt).Seconds())
		c.setStateLocked(StateStreaming, run.turnID)
		if _, err := c.store.UpdateLast(conversation.AnswerPatch{Status: conversation.StatusStreaming}); err != nil {
			return fmt.Errorf("mark turn streaming: %w", err)
		}
	}

	switch f.Kind {
	case stream.FrameThinking:
		run.thinking = append(run.thinking, f.Content...)
		thinking := string(run.thinking)
		if _, err := c.store.UpdateLast(conversation.AnswerPatch{Thinking: &thinking}); err != nil {
			return fmt.Errorf("update thinking: %w", err)
		}

	case stream.FrameText:
		run.text = append(run.text, f.Content...)
		text := string(run.text)
		if _, err := c.store.UpdateLast(conversation.AnswerPatch{Text: &text}); err != nil {
			return fmt.Errorf("update text: %w", err)
		}

	case stream.FrameError:
		perr := &ProtocolError{Content: f.Content}
		display := conversation.MessageErrorPrefix + renderErrorContent(f.Content)
		c.finalizeLocked(run, conversation.StatusErrored, display, perr)
		c.notifier.Notify(Notice{Level: LevelError, Message: display, TurnID: run.turnID, Err: perr})
		return errStopStream

	case stream.FrameDone:
		c.completeLocked(run)
	}
	return nil
}

func (c *Controller) finishComplete(run *Run) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if run.finalized {
		return
	}
	c.completeLocked(run)
}

func (c *Controller) completeLocked(run *Run) {
	c.finalizeLocked(run, conversation.StatusComplete, "", nil)
	if len(run.thinking) == 0 && len(run.text) == 0 {
		c.notifier.Notify(Notice{Level: LevelWarn, Message: noticeNoResult, TurnID: run.turnID})
	}
}

// finishFailed resolves a transport or read failure. Failures caused by our
// own cancellation are aborts, not errors.
func (c *Controller) finishFailed(ctx context.Context, run *Run, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if run.finalized {
		return
	}

	if ctx.Err() != nil {
		c.finalizeLocked(run, conversation.StatusAborted, "", nil)
		return
	}

	c.logger.Error("chat stream failed",
		"turn_id", run.turnID,
		"frames", run.frames,
		"error", err,
	)
	wrapped := fmt.Errorf("chat stream: %w", err)
	c.finalizeLocked(run, conversation.StatusErrored, conversation.MessageFailure, wrapped)
	c.notifier.Notify(Notice{
		Level:   LevelError,
		Message: conversation.MessageFailure,
		TurnID:  run.turnID,
		Err:     wrapped,
	})
}

// finalizeLocked writes the terminal status and moves the state machine.
// c.mu must be held.
func (c *Controller) finalizeLocked(run *Run, status conversation.Status, display string, err error) {
	run.finalized = true

	turn, ferr := c.store.FinalizeLast(status, display)
	if ferr != nil {
		// The turn was replaced underneath us, e.g. by a rebind.
		c.logger.Warn("could not finalize turn", "turn_id", run.turnID, "error", ferr)
		turn = conversation.Turn{ID: run.turnID, Question: run.question}
		turn.Answer.Status = status
	}

	outcome := string(status)
	var next State
	switch status {
	case conversation.StatusComplete:
		next = StateCompleted
		outcome = "completed"
	case conversation.StatusErrored:
		next = StateErrored
	default:
		next = StateAborted
	}

	c.metrics.StreamsTotal.WithLabelValues(outcome).Inc()
	c.metrics.StreamDurationSeconds.WithLabelValues(outcome).Observe(time.Since(run.startedAt).Seconds())
	c.metrics.ActiveStreams.Dec()

	if c.active == run {
		c.active = nil
	}
	c.setStateLocked(next, run.turnID)
	c.scheduleSettleLocked(run.turnID)

	o := Outcome{Status: status, Turn: turn}
	if status == conversation.StatusErrored {
		o.Err = err
	}
	run.setOutcome(o)
}

func (c *Controller) endSpan(span trace.Span, run *Run) {
	o := run.Wait()
	span.SetAttributes(attribute.String("chat.outcome", string(o.Status)))
	if o.Err != nil {
		span.RecordError(o.Err)
		span.SetStatus(codes.Error, o.Err.Error())
	}
}

// =============================================================================
// State Machine
// =============================================================================

func (c *Controller) setStateLocked(next State, turnID string) {
	prev := State(c.state.Swap(int32(next)))
	if prev == next {
		return
	}
	change := StateChange{From: prev, To: next, TurnID: turnID}
	for id := 0; id < c.nextSub; id++ {
		if fn, ok := c.subs[id]; ok {
			fn(change)
		}
	}
}

func (c *Controller) scheduleSettleLocked(turnID string) {
	c.stopSettleLocked()
	if c.settleDelay < 0 {
		c.setStateLocked(StateIdle, turnID)
		return
	}
	gen := c.settleGen
	c.settle = time.AfterFunc(c.settleDelay, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.settleGen == gen && c.State().Terminal() {
			c.setStateLocked(StateIdle, turnID)
		}
	})
}

func (c *Controller) stopSettleLocked() {
	c.settleGen++
	if c.settle != nil {
		c.settle.Stop()
		c.settle = nil
	}
}
