// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/FlowDesk/pkg/logging"
)

// DefaultPath returns ~/.flowdesk/flowdesk.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".flowdesk", "flowdesk.yaml"), nil
}

// Load reads the config at path, creating it with defaults when missing.
//
// # Description
//
// An empty path means DefaultPath. Fields absent from the file keep their
// default values. FLOWDESK_SERVER_URL overrides server.base_url, and "~" in
// file paths is expanded before validation.
//
// # Outputs
//
//   - *Config: Validated configuration.
//   - error: Non-nil when the file cannot be created, read, parsed, or fails
//     validation.
func Load(path string) (*Config, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		slog.Info("first run detected, creating config", "path", path)
		if err := createDefault(path); err != nil {
			return nil, err
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read the config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	applyEnv(&cfg, os.Getenv)
	cfg.Storage.Path = logging.ExpandPath(cfg.Storage.Path)
	cfg.Identity.CredentialsPath = logging.ExpandPath(cfg.Identity.CredentialsPath)
	cfg.Logging.Dir = logging.ExpandPath(cfg.Logging.Dir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes cfg to path as YAML.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func createDefault(path string) error {
	return Save(path, DefaultConfig())
}

func applyEnv(cfg *Config, getenv func(string) string) {
	if v := strings.TrimSpace(getenv(EnvServerURL)); v != "" {
		cfg.Server.BaseURL = v
	}
}
