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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/AleutianAI/FlowDesk/pkg/conversation"
	"github.com/google/uuid"
)

// Default endpoint paths on the dashboard backend.
const (
	DefaultAdvicePath = "/api/v1/ai/advice"
	DefaultMePath     = "/api/v1/auth/me"
)

// maxErrorBody caps how much of a failed response is kept for diagnostics.
const maxErrorBody = 4096

// =============================================================================
// Interfaces
// =============================================================================

// Transport opens the streaming response for one request.
//
// # Description
//
// Open must return once the response headers are in. The returned body is
// the raw event stream; the controller closes it. Cancelling ctx must abort
// the request and unblock reads on the body.
type Transport interface {
	Open(ctx context.Context, req AdviceRequest) (io.ReadCloser, error)
}

// HTTPClient is the subset of *http.Client the transport needs.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// TokenSource supplies the bearer credential. An empty token sends the
// request unauthenticated.
type TokenSource interface {
	Token() (string, error)
}

// TokenFunc adapts a function to TokenSource.
type TokenFunc func() (string, error)

func (f TokenFunc) Token() (string, error) { return f() }

// =============================================================================
// Request
// =============================================================================

// AdviceRequest is the body of the analysis request.
type AdviceRequest struct {
	Message   string                      `json:"message"`
	TableName string                      `json:"table_name,omitempty"`
	History   []conversation.ContextEntry `json:"history"`
	Stream    bool                        `json:"stream"`
}

// TransportError is a non-2xx response from the analysis endpoint.
type TransportError struct {
	StatusCode int
	Body       string
}

func (e *TransportError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("server error (%d)", e.StatusCode)
	}
	return fmt.Sprintf("server error (%d): %s", e.StatusCode, e.Body)
}

// =============================================================================
// HTTP Transport
// =============================================================================

// HTTPTransportConfig configures an HTTPTransport.
//
// # Fields
//
//   - BaseURL: Dashboard backend root, e.g. "http://localhost:8000". Required.
//   - AdvicePath: Endpoint path. Empty selects DefaultAdvicePath.
//   - Tokens: Bearer credential source. Nil sends no Authorization header.
//   - Client: HTTP client. Nil selects a client with ConnectTimeout.
//   - ConnectTimeout: Dial and header timeout for the default client. The
//     body itself has no deadline; Cancel is the backstop.
type HTTPTransportConfig struct {
	BaseURL        string
	AdvicePath     string
	Tokens         TokenSource
	Client         HTTPClient
	ConnectTimeout time.Duration
}

// HTTPTransport posts AdviceRequests as JSON and returns the event stream.
type HTTPTransport struct {
	url    string
	tokens TokenSource
	client HTTPClient
}

var _ Transport = (*HTTPTransport)(nil)

// NewHTTPTransport creates an HTTPTransport.
func NewHTTPTransport(cfg HTTPTransportConfig) (*HTTPTransport, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	path := cfg.AdvicePath
	if path == "" {
		path = DefaultAdvicePath
	}
	client := cfg.Client
	if client == nil {
		timeout := cfg.ConnectTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.ResponseHeaderTimeout = timeout
		client = &http.Client{Transport: transport}
	}
	return &HTTPTransport{
		url:    strings.TrimRight(cfg.BaseURL, "/") + path,
		tokens: cfg.Tokens,
		client: client,
	}, nil
}

// Open sends req and returns the response body once a 2xx status arrives.
//
// # Outputs
//
//   - io.ReadCloser: The event stream. Caller closes.
//   - error: *TransportError for non-2xx responses, a wrapped error for
//     network failures, or the context error when ctx ends first.
func (t *HTTPTransport) Open(ctx context.Context, req AdviceRequest) (io.ReadCloser, error) {
	if req.History == nil {
		req.History = []conversation.ContextEntry{}
	}
	req.Stream = true

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("X-Request-ID", uuid.New().String())

	if t.tokens != nil {
		token, err := t.tokens.Token()
		if err != nil {
			return nil, fmt.Errorf("load bearer token: %w", err)
		}
		if token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("http post: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &TransportError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(raw)),
		}
	}
	return resp.Body, nil
}
