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
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/FlowDesk/pkg/bridge"
	"github.com/AleutianAI/FlowDesk/pkg/chat"
)

func runServeCommand(cmd *cobra.Command, _ []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	if addr == "" {
		addr = cfg.Bridge.Addr
	}

	if !logger.Slog().Enabled(cmd.Context(), slog.LevelDebug) {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, appOptions{notifier: chat.LogNotifier{Logger: logger.Slog()}})
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.watchIdentity(ctx); err != nil {
		logger.Slog().Warn("credentials watch unavailable", "error", err)
	}

	srv, err := newBridge(a)
	if err != nil {
		return err
	}
	return srv.Run(ctx, addr)
}

func newBridge(a *app) (*bridge.Server, error) {
	return bridge.New(bridge.Config{
		Session:  a.ctrl,
		History:  a.store,
		Clearer:  a.repo,
		Gatherer: a.registry,
		Logger:   a.logger,
	})
}
