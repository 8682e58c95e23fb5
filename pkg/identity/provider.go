// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/awnumar/memguard"
	"golang.org/x/sync/singleflight"
)

// HTTPClient is the subset of *http.Client used for identity refresh.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// FileProviderConfig configures a FileProvider.
//
// # Fields
//
//   - CredentialsPath: YAML credentials file. Required.
//   - BaseURL, MePath: Identity endpoint. Refresh only rereads the file when
//     either is empty.
//   - Client: HTTP client. Nil selects http.DefaultClient.
//   - Logger: Nil selects slog.Default().
type FileProviderConfig struct {
	CredentialsPath string
	BaseURL         string
	MePath          string
	Client          HTTPClient
	Logger          *slog.Logger
}

// FileProvider is a Provider backed by a local credentials file and
// validated against the dashboard's current-user endpoint.
//
// # Description
//
// The bearer token is sealed in a memguard Enclave as soon as it is read and
// only opened for the duration of a request. The cached identity is "stale"
// when a token is present but has not been confirmed by the server since the
// file was last read. Concurrent refreshes collapse into one request.
//
// # Thread Safety
//
// Safe for concurrent use.
type FileProvider struct {
	cfg    FileProviderConfig
	logger *slog.Logger

	mu       sync.RWMutex
	current  *Identity
	token    *memguard.Enclave
	verified bool

	refreshGroup singleflight.Group
}

var _ Provider = (*FileProvider)(nil)

// NewFileProvider reads the credentials file and returns a provider.
func NewFileProvider(cfg FileProviderConfig) (*FileProvider, error) {
	if cfg.CredentialsPath == "" {
		return nil, fmt.Errorf("credentials path is required")
	}
	if cfg.Client == nil {
		cfg.Client = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := &FileProvider{cfg: cfg, logger: logger}
	if _, err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// Current returns the cached identity, or nil for guest.
func (p *FileProvider) Current() *Identity {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.current == nil {
		return nil
	}
	id := *p.current
	return &id
}

// Stale reports whether a token is held that the server has not confirmed.
func (p *FileProvider) Stale() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.token != nil && !p.verified
}

// Token opens the sealed bearer token. It returns "" when signed out.
func (p *FileProvider) Token() (string, error) {
	p.mu.RLock()
	enclave := p.token
	p.mu.RUnlock()
	if enclave == nil {
		return "", nil
	}

	buf, err := enclave.Open()
	if err != nil {
		return "", fmt.Errorf("open token enclave: %w", err)
	}
	defer buf.Destroy()
	return strings.Clone(buf.String()), nil
}

// Reload rereads the credentials file and reports whether the cached
// identity changed.
func (p *FileProvider) Reload() (bool, error) {
	creds, err := LoadCredentials(p.cfg.CredentialsPath)
	if err != nil {
		return false, err
	}

	var next *Identity
	if creds.UserID != "" {
		next = &Identity{ID: creds.UserID}
	}
	var enclave *memguard.Enclave
	if creds.Token != "" {
		// NewEnclave wipes its input, so hand it a private copy.
		enclave = memguard.NewEnclave([]byte(creds.Token))
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	changed := Key(p.current) != Key(next)
	p.current = next
	p.token = enclave
	p.verified = false
	return changed, nil
}

// Refresh rereads the credentials file and, when a token is held, confirms
// the identity with the server.
//
// # Description
//
// A 401 or 403 from the server downgrades to guest without an error. Any
// other failure leaves the file-derived identity cached and returns it along
// with the error, so callers can degrade instead of failing.
//
// # Inputs
//
//   - ctx: Bounds the HTTP request.
//
// # Outputs
//
//   - *Identity: The resolved identity, nil for guest.
//   - error: Non-nil when the file could not be read or the server could not
//     be reached.
func (p *FileProvider) Refresh(ctx context.Context) (*Identity, error) {
	v, err, _ := p.refreshGroup.Do("refresh", func() (interface{}, error) {
		return p.refresh(ctx)
	})
	id, _ := v.(*Identity)
	return id, err
}

func (p *FileProvider) refresh(ctx context.Context) (*Identity, error) {
	if _, err := p.Reload(); err != nil {
		return p.Current(), err
	}

	token, err := p.Token()
	if err != nil {
		return p.Current(), err
	}
	if token == "" || p.cfg.BaseURL == "" || p.cfg.MePath == "" {
		p.mu.Lock()
		p.verified = true
		p.mu.Unlock()
		return p.Current(), nil
	}

	id, status, err := p.fetchMe(ctx, token)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		p.logger.Info("credentials rejected by server, continuing as guest", "status", status)
		p.mu.Lock()
		p.current = nil
		p.token = nil
		p.verified = true
		p.mu.Unlock()
		return nil, nil
	case err != nil:
		return p.Current(), fmt.Errorf("refresh identity: %w", err)
	}

	p.mu.Lock()
	p.current = id
	p.verified = true
	p.mu.Unlock()
	return p.Current(), nil
}

// meEnvelope is the dashboard's standard response wrapper.
type meEnvelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    struct {
		ID flexibleID `json:"id"`
	} `json:"data"`
}

// flexibleID accepts both numeric and string JSON ids.
type flexibleID string

func (f *flexibleID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexibleID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexibleID(n.String())
	return nil
}

func (p *FileProvider) fetchMe(ctx context.Context, token string) (*Identity, int, error) {
	url := strings.TrimRight(p.cfg.BaseURL, "/") + p.cfg.MePath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := p.cfg.Client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, resp.StatusCode, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var env meEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	if !env.Success {
		return nil, resp.StatusCode, fmt.Errorf("server reported failure: %s", env.Message)
	}
	if env.Data.ID == "" {
		return nil, resp.StatusCode, fmt.Errorf("response carries no user id")
	}
	return &Identity{ID: string(env.Data.ID)}, resp.StatusCode, nil
}
