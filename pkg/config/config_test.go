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
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

// TestLoad_CreatesDefault verifies first-run creation of the config file.
func TestLoad_CreatesDefault(t *testing.T) {
	t.Setenv(EnvServerURL, "")
	path := filepath.Join(t.TempDir(), ".flowdesk", "flowdesk.yaml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file was not created: %v", err)
	}

	if cfg.Server.AdvicePath != "/api/v1/ai/advice" {
		t.Errorf("AdvicePath = %q, want %q", cfg.Server.AdvicePath, "/api/v1/ai/advice")
	}
	if cfg.Chat.SettleDelay != 300*time.Millisecond {
		t.Errorf("SettleDelay = %v, want 300ms", cfg.Chat.SettleDelay)
	}
	if cfg.Chat.MaxContextTurns != 10 {
		t.Errorf("MaxContextTurns = %d, want 10", cfg.Chat.MaxContextTurns)
	}
	if strings.HasPrefix(cfg.Storage.Path, "~") {
		t.Errorf("Storage.Path not expanded: %q", cfg.Storage.Path)
	}
}

// TestCreateDefault_WritesDurationStrings verifies durations are human readable.
func TestCreateDefault_WritesDurationStrings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flowdesk.yaml")
	if err := createDefault(path); err != nil {
		t.Fatalf("createDefault() failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read config file: %v", err)
	}
	if !strings.Contains(string(data), "settle_delay: 300ms") {
		t.Errorf("expected settle_delay as duration string, got:\n%s", data)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("failed to parse config: %v", err)
	}
	if cfg.Server.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s", cfg.Server.Timeout)
	}
}

// TestLoad_PartialFileKeepsDefaults verifies missing fields fall back to defaults.
func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	t.Setenv(EnvServerURL, "")
	path := filepath.Join(t.TempDir(), "flowdesk.yaml")
	content := "server:\n  base_url: https://flow.example.com\nchat:\n  max_context_turns: 4\n  settle_delay: -1s\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Server.BaseURL != "https://flow.example.com" {
		t.Errorf("BaseURL = %q", cfg.Server.BaseURL)
	}
	if cfg.Server.MePath != "/api/v1/auth/me" {
		t.Errorf("MePath = %q, want default", cfg.Server.MePath)
	}
	if cfg.Chat.MaxContextTurns != 4 {
		t.Errorf("MaxContextTurns = %d, want 4", cfg.Chat.MaxContextTurns)
	}
	if cfg.Chat.SettleDelay != -time.Second {
		t.Errorf("SettleDelay = %v, want -1s", cfg.Chat.SettleDelay)
	}
	if cfg.Storage.KeyPrefix != "chat_history_" {
		t.Errorf("KeyPrefix = %q, want default", cfg.Storage.KeyPrefix)
	}
}

// TestLoad_EnvOverride verifies FLOWDESK_SERVER_URL wins over the file.
func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv(EnvServerURL, "https://override.example.com")
	path := filepath.Join(t.TempDir(), "flowdesk.yaml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Server.BaseURL != "https://override.example.com" {
		t.Errorf("BaseURL = %q, want override", cfg.Server.BaseURL)
	}
}

// TestLoad_Invalid verifies parse and validation failures surface.
func TestLoad_Invalid(t *testing.T) {
	t.Setenv(EnvServerURL, "")
	tests := []struct {
		name    string
		content string
	}{
		{"malformed yaml", "server: [unterminated\n"},
		{"bad url", "server:\n  base_url: not a url\n"},
		{"advice path without slash", "server:\n  advice_path: api/advice\n"},
		{"zero context turns", "chat:\n  max_context_turns: 0\n"},
		{"unknown level", "logging:\n  level: loud\n"},
		{"bad bridge addr", "bridge:\n  addr: nowhere\n"},
		{"missing storage path", "storage:\n  path: \"\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "flowdesk.yaml")
			if err := os.WriteFile(path, []byte(tt.content), 0644); err != nil {
				t.Fatalf("write: %v", err)
			}
			if _, err := Load(path); err == nil {
				t.Fatal("Load() succeeded, want error")
			}
		})
	}
}

// TestValidate_InMemoryNeedsNoPath verifies the storage path is optional in memory.
func TestValidate_InMemoryNeedsNoPath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.Path = ""
	cfg.Storage.InMemory = true
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
}

// TestSave_RoundTrip verifies Save output loads back unchanged.
func TestSave_RoundTrip(t *testing.T) {
	t.Setenv(EnvServerURL, "")
	path := filepath.Join(t.TempDir(), "nested", "flowdesk.yaml")
	want := DefaultConfig()
	want.Server.BaseURL = "https://flow.example.com"
	want.Storage.Path = "/var/lib/flowdesk"
	want.Identity.CredentialsPath = "/etc/flowdesk/credentials.yaml"
	want.Telemetry.StdoutTraces = true

	if err := Save(path, want); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if *got != want {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", *got, want)
	}
}
