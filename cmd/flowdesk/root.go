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
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/FlowDesk/pkg/config"
	"github.com/AleutianAI/FlowDesk/pkg/logging"
)

// annotationQuietLogs keeps log records off the terminal for commands that
// stream answers to it. They still reach the log file when configured.
const annotationQuietLogs = "flowdesk/quiet-logs"

// --- Global Command Variables ---
var (
	configPath string
	logLevel   string
	tableName  string

	// Set by PersistentPreRunE.
	cfg    *config.Config
	logger *logging.Logger

	rootCmd = &cobra.Command{
		Use:   "flowdesk",
		Short: "Chat with the fund-flow dashboard's analysis assistant",
		Long: `flowdesk streams answers from the dashboard's AI advice endpoint,
keeps per-user conversation history on disk, and can expose the chat to a
page through a local HTTP and WebSocket bridge.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: setup,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				_ = logger.Close()
			}
		},
	}

	chatCmd = &cobra.Command{
		Use:         "chat",
		Short:       "Start an interactive chat session",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{annotationQuietLogs: "true"},
		RunE:        runChatCommand, // Defined in cmd_chat.go
	}

	askCmd = &cobra.Command{
		Use:         "ask [question]",
		Short:       "Ask one question and stream the answer",
		Args:        cobra.MinimumNArgs(1),
		Annotations: map[string]string{annotationQuietLogs: "true"},
		RunE:        runAskCommand, // Defined in cmd_chat.go
	}

	historyCmd = &cobra.Command{
		Use:   "history",
		Short: "Show or clear the conversation history of the current user",
		Args:  cobra.NoArgs,
		RunE:  runHistoryCommand, // Defined in cmd_history.go
	}

	loginCmd = &cobra.Command{
		Use:   "login",
		Short: "Store dashboard credentials for this machine",
		Args:  cobra.NoArgs,
		RunE:  runLoginCommand, // Defined in cmd_login.go
	}

	logoutCmd = &cobra.Command{
		Use:   "logout",
		Short: "Remove stored dashboard credentials",
		Args:  cobra.NoArgs,
		RunE:  runLogoutCommand, // Defined in cmd_login.go
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the local HTTP and WebSocket bridge",
		Args:  cobra.NoArgs,
		RunE:  runServeCommand, // Defined in cmd_serve.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.flowdesk/flowdesk.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")

	for _, c := range []*cobra.Command{chatCmd, askCmd} {
		c.Flags().StringVar(&tableName, "table", "", "ask about a specific dashboard table")
	}
	historyCmd.Flags().Bool("clear", false, "delete the history instead of printing it")
	loginCmd.Flags().String("user-id", "", "dashboard user id")
	loginCmd.Flags().String("token", "", "bearer token")
	serveCmd.Flags().String("addr", "", "listen address (default bridge.addr)")

	rootCmd.AddCommand(chatCmd, askCmd, historyCmd, loginCmd, logoutCmd, serveCmd)
}

// setup loads the config and builds the process logger.
func setup(cmd *cobra.Command, _ []string) error {
	loaded, err := config.Load(configPath)
	if err != nil {
		return err
	}
	cfg = loaded

	levelName := cfg.Logging.Level
	if logLevel != "" {
		levelName = logLevel
	}
	level, err := logging.ParseLevel(levelName)
	if err != nil {
		return err
	}

	logger, err = logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: "flowdesk",
		JSON:    cfg.Logging.JSON,
		Quiet:   cmd.Annotations[annotationQuietLogs] == "true",
	})
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	slog.SetDefault(logger.Slog())
	return nil
}

// openApp builds the engine for cmd with the process config and logger.
func openApp(ctx context.Context, opts appOptions) (*app, error) {
	return newApp(ctx, cfg, logger.Slog(), opts)
}
