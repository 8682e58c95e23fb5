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
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/FlowDesk/pkg/chat"
	"github.com/AleutianAI/FlowDesk/pkg/identity"
	"github.com/AleutianAI/FlowDesk/pkg/ux"
)

// errReported marks a failure the user has already seen on screen.
var errReported = errors.New("reported")

const inputHistorySize = 50

// cliNotifier shows submit rejections immediately. Notices tied to a turn
// are rendered with the turn itself by ux.TurnRenderer.
type cliNotifier struct {
	p   *ux.Printer
	log chat.LogNotifier
}

func newCLINotifier(p *ux.Printer, logger *slog.Logger) cliNotifier {
	return cliNotifier{p: p, log: chat.LogNotifier{Logger: logger}}
}

func (n cliNotifier) Notify(ev chat.Notice) {
	n.log.Notify(ev)
	if ev.TurnID == "" {
		n.p.Warning(ev.Message)
	}
}

// =============================================================================
// chat
// =============================================================================

func runChatCommand(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM)
	defer stop()

	p := ux.Stdout()
	a, err := openApp(ctx, appOptions{notifier: newCLINotifier(p, logger.Slog())})
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.watchIdentity(ctx); err != nil {
		logger.Slog().Warn("credentials watch unavailable", "error", err)
	}

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)
	exitInterrupted := func() {
		a.close()
		os.Exit(130)
	}
	go handleInterrupts(ctx, a, interrupts, exitInterrupted)

	printBanner(p, a)
	in := ux.NewInputReader(inputHistorySize, a.store.Questions())
	err = runREPL(ctx, a, in, p)
	if errors.Is(err, ux.ErrInterrupted) {
		exitInterrupted()
	}
	return err
}

// handleInterrupts turns Ctrl-C into Cancel while a stream is in flight and
// into onIdle otherwise. The interactive line editor reads Ctrl-C as a key
// and reports it as ux.ErrInterrupted, so this only fires while an answer
// streams or with piped input.
func handleInterrupts(ctx context.Context, a *app, interrupts <-chan os.Signal, onIdle func()) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-interrupts:
			if !a.ctrl.Cancel() {
				onIdle()
				return
			}
		}
	}
}

func printBanner(p *ux.Printer, a *app) {
	who := identity.Key(a.binding.Identity)
	body := fmt.Sprintf("user %s, %d turns in history\n/history  /clear  /exit", who, a.binding.Turns)
	p.Box("FlowDesk", body)
}

// runREPL reads questions until EOF or /exit and streams each answer. An
// interrupted prompt is returned as ux.ErrInterrupted.
func runREPL(ctx context.Context, a *app, in ux.InputReader, p *ux.Printer) error {
	renderer := ux.NewTurnRenderer(p)
	unsubscribe := a.store.Subscribe(renderer.Observe)
	defer unsubscribe()

	var opts []chat.SubmitOption
	if tableName != "" {
		opts = append(opts, chat.WithTableName(tableName))
	}

	for {
		line, err := in.ReadLine()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if errors.Is(err, ux.ErrInterrupted) {
			return err
		}
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}
		if ctx.Err() != nil {
			return nil
		}

		switch line {
		case "":
			continue
		case "/exit", "/quit":
			return nil
		case "/clear":
			a.ctrl.Cancel()
			a.repo.Clear()
			p.Success("对话已清空")
			continue
		case "/history":
			ux.RenderHistory(p, a.store.Snapshot())
			continue
		}
		if strings.HasPrefix(line, "/") {
			p.Warning(fmt.Sprintf("unknown command %s", line))
			continue
		}

		p.Println(p.Render(ux.Styles.Question, string(ux.IconArrow)+" "+line))
		run, err := a.ctrl.Submit(ctx, line, opts...)
		if err != nil {
			continue
		}
		waitRun(ctx, a.ctrl, run)
	}
}

// waitRun blocks until run finalizes, cancelling it if ctx ends first.
func waitRun(ctx context.Context, ctrl *chat.Controller, run *chat.Run) chat.Outcome {
	select {
	case <-run.Done():
	case <-ctx.Done():
		ctrl.Cancel()
	}
	return run.Wait()
}

// =============================================================================
// ask
// =============================================================================

func runAskCommand(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p := ux.Stdout()
	a, err := openApp(ctx, appOptions{notifier: newCLINotifier(p, logger.Slog())})
	if err != nil {
		return err
	}
	defer a.close()

	return ask(ctx, a, p, strings.Join(args, " "))
}

func ask(ctx context.Context, a *app, p *ux.Printer, question string) error {
	renderer := ux.NewTurnRenderer(p)
	unsubscribe := a.store.Subscribe(renderer.Observe)
	defer unsubscribe()

	var opts []chat.SubmitOption
	if tableName != "" {
		opts = append(opts, chat.WithTableName(tableName))
	}
	run, err := a.ctrl.Submit(ctx, question, opts...)
	if err != nil {
		return errReported
	}
	if outcome := waitRun(ctx, a.ctrl, run); outcome.Err != nil {
		return errReported
	}
	return nil
}
