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
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/FlowDesk/pkg/config"
	"github.com/AleutianAI/FlowDesk/pkg/identity"
	"github.com/AleutianAI/FlowDesk/pkg/ux"
)

func runLoginCommand(cmd *cobra.Command, _ []string) error {
	userID, _ := cmd.Flags().GetString("user-id")
	token, _ := cmd.Flags().GetString("token")

	if strings.TrimSpace(token) == "" {
		if !isatty.IsTerminal(os.Stdin.Fd()) && !isatty.IsCygwinTerminal(os.Stdin.Fd()) {
			return errors.New("--token is required when stdin is not a terminal")
		}
		if err := loginForm(&userID, &token).Run(); err != nil {
			if errors.Is(err, huh.ErrUserAborted) {
				return errReported
			}
			return err
		}
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Server.Timeout)
	defer cancel()
	return login(ctx, cfg, ux.Stdout(), userID, token)
}

func loginForm(userID, token *string) *huh.Form {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("User ID").
				Description("Leave empty to take it from the server").
				Value(userID),
			huh.NewInput().
				Title("Token").
				EchoMode(huh.EchoModePassword).
				Value(token).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return errors.New("token is required")
					}
					return nil
				}),
		),
	)
}

// login saves the credentials and confirms them with the server. The user
// id the server reports wins over the one typed in. An unreachable server
// keeps the credentials unverified; the next session retries.
func login(ctx context.Context, cfg *config.Config, p *ux.Printer, userID, token string) error {
	path := cfg.Identity.CredentialsPath
	creds := identity.Credentials{
		UserID:    strings.TrimSpace(userID),
		Token:     strings.TrimSpace(token),
		UpdatedAt: time.Now().UTC(),
	}
	if err := identity.SaveCredentials(path, creds); err != nil {
		return err
	}

	provider, err := identity.NewFileProvider(identity.FileProviderConfig{
		CredentialsPath: path,
		BaseURL:         cfg.Server.BaseURL,
		MePath:          cfg.Server.MePath,
		Client:          &http.Client{Timeout: cfg.Server.Timeout},
		Logger:          logger.Slog(),
	})
	if err != nil {
		return err
	}

	id, err := provider.Refresh(ctx)
	switch {
	case err != nil:
		p.Warning(fmt.Sprintf("saved credentials, but the server could not confirm them: %v", err))
		return nil
	case id == nil:
		_ = identity.RemoveCredentials(path)
		p.Error("the server rejected this token")
		return errReported
	}

	if id.ID != creds.UserID {
		creds.UserID = id.ID
		if err := identity.SaveCredentials(path, creds); err != nil {
			return err
		}
	}
	p.Success(fmt.Sprintf("logged in as %s", id.ID))
	return nil
}

func runLogoutCommand(_ *cobra.Command, _ []string) error {
	return logout(cfg, ux.Stdout())
}

func logout(cfg *config.Config, p *ux.Printer) error {
	if err := identity.RemoveCredentials(cfg.Identity.CredentialsPath); err != nil {
		return err
	}
	p.Success("logged out")
	return nil
}
