// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the FlowDesk client configuration.
//
// The file lives at ~/.flowdesk/flowdesk.yaml and is created with defaults on
// first run. Durations are written as Go duration strings ("300ms", "30s").
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// EnvServerURL overrides server.base_url when set.
const EnvServerURL = "FLOWDESK_SERVER_URL"

// Config is the root of flowdesk.yaml.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Chat      ChatConfig      `yaml:"chat"`
	Storage   StorageConfig   `yaml:"storage"`
	Identity  IdentityConfig  `yaml:"identity"`
	Logging   LoggingConfig   `yaml:"logging"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig points at the analysis backend.
type ServerConfig struct {
	BaseURL    string        `yaml:"base_url" validate:"required,url"`
	AdvicePath string        `yaml:"advice_path" validate:"required,startswith=/"`
	MePath     string        `yaml:"me_path" validate:"required,startswith=/"`
	Timeout    time.Duration `yaml:"timeout" validate:"gt=0"`
}

// ChatConfig tunes the stream session controller.
//
// A negative SettleDelay returns to idle immediately. A negative
// PersistInterval writes every streaming delta.
type ChatConfig struct {
	MaxContextTurns int           `yaml:"max_context_turns" validate:"gte=1,lte=100"`
	SettleDelay     time.Duration `yaml:"settle_delay"`
	PersistInterval time.Duration `yaml:"persist_interval"`
}

// StorageConfig selects where conversation partitions live.
type StorageConfig struct {
	Path      string `yaml:"path" validate:"required_unless=InMemory true"`
	InMemory  bool   `yaml:"in_memory"`
	KeyPrefix string `yaml:"key_prefix" validate:"required"`
}

// IdentityConfig locates the credentials written by `flowdesk login`.
type IdentityConfig struct {
	CredentialsPath string `yaml:"credentials_path" validate:"required"`
}

// LoggingConfig mirrors logging.Config.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Dir   string `yaml:"dir,omitempty"`
	JSON  bool   `yaml:"json"`
}

// BridgeConfig configures `flowdesk serve`.
type BridgeConfig struct {
	Addr string `yaml:"addr" validate:"required,hostname_port"`
}

// TelemetryConfig toggles tracing output.
type TelemetryConfig struct {
	StdoutTraces bool `yaml:"stdout_traces"`
}

// DefaultConfig returns the configuration written on first run.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			BaseURL:    "http://localhost:8000",
			AdvicePath: "/api/v1/ai/advice",
			MePath:     "/api/v1/auth/me",
			Timeout:    30 * time.Second,
		},
		Chat: ChatConfig{
			MaxContextTurns: 10,
			SettleDelay:     300 * time.Millisecond,
			PersistInterval: 250 * time.Millisecond,
		},
		Storage: StorageConfig{
			Path:      "~/.flowdesk/data",
			KeyPrefix: "chat_history_",
		},
		Identity: IdentityConfig{
			CredentialsPath: "~/.flowdesk/credentials.yaml",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Bridge: BridgeConfig{
			Addr: "127.0.0.1:8765",
		},
	}
}

var validate = validator.New()

// Validate checks field constraints and reports the first violated field.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
