// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package llamacpp provides the HTTP client for a local llama.cpp server.
//
// The Client implements tier.LocalBackend: the model file is checked and the
// server polled until healthy in Load, then every request is tokenize ->
// complete on token ids -> detokenize, so LocalTier can enforce its context
// cap on the exact token count the model will see.
//
// # Usage
//
//	client := llamacpp.NewClientWithConfig(&llamacpp.ClientConfig{BaseURL: "http://127.0.0.1:8080"})
//	local := tier.NewLocalTier(client, tier.LocalConfig{ModelPath: path})
//	if err := local.Initialize(ctx); err != nil {
//	    return err
//	}
package llamacpp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/goccy/go-json"

	"github.com/jeranaias/rigrun-router/internal/tier"
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// ClientError represents an error from the llama.cpp client.
type ClientError struct {
	Type    ErrorType
	Message string
	Status  int
	Cause   error
}

func (e *ClientError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *ClientError) Unwrap() error {
	return e.Cause
}

// ErrorType categorizes client errors for handling.
type ErrorType int

const (
	ErrTypeUnknown ErrorType = iota
	ErrTypeNotRunning
	ErrTypeLoading
	ErrTypeConnection
	ErrTypeInvalidResponse
	ErrTypeServer
)

// Sentinel errors for easy checking.
var (
	ErrNotRunning = &ClientError{Type: ErrTypeNotRunning, Message: "llama.cpp server is not running"}
	ErrLoading    = &ClientError{Type: ErrTypeLoading, Message: "llama.cpp server is still loading the model"}
)

// =============================================================================
// CLIENT CONFIGURATION
// =============================================================================

// ClientConfig holds configuration options for the llama.cpp client.
type ClientConfig struct {
	// BaseURL is the server base URL (default: http://127.0.0.1:8080)
	BaseURL string

	// Timeout for a single HTTP request (default: 120s)
	Timeout time.Duration

	// ReadyTimeout bounds how long Load waits for /health (default: 60s)
	ReadyTimeout time.Duration

	// PollInterval between /health checks during Load (default: 500ms)
	PollInterval time.Duration
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() *ClientConfig {
	return &ClientConfig{
		BaseURL:      "http://127.0.0.1:8080",
		Timeout:      120 * time.Second,
		ReadyTimeout: 60 * time.Second,
		PollInterval: 500 * time.Millisecond,
	}
}

// =============================================================================
// CLIENT
// =============================================================================

// Client handles communication with a llama.cpp server.
// It is safe for concurrent use.
type Client struct {
	config     *ClientConfig
	httpClient *http.Client
}

var _ tier.LocalBackend = (*Client)(nil)

// NewClient creates a new client with default configuration.
func NewClient() *Client {
	return NewClientWithConfig(DefaultConfig())
}

// NewClientWithConfig creates a new client with custom configuration.
func NewClientWithConfig(config *ClientConfig) *Client {
	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}

	// Fill in defaults for any zero values
	if config.BaseURL == "" {
		config.BaseURL = defaults.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = defaults.Timeout
	}
	if config.ReadyTimeout == 0 {
		config.ReadyTimeout = defaults.ReadyTimeout
	}
	if config.PollInterval == 0 {
		config.PollInterval = defaults.PollInterval
	}

	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// GetConfig returns the client configuration.
func (c *Client) GetConfig() *ClientConfig {
	return c.config
}

// =============================================================================
// HEALTH CHECK
// =============================================================================

// CheckHealth reports whether the server is up with a model loaded.
func (c *Client) CheckHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+"/health", nil)
	if err != nil {
		return &ClientError{Type: ErrTypeConnection, Message: "failed to create request", Cause: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return ErrNotRunning
	}
	defer drainAndClose(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusServiceUnavailable:
		return ErrLoading
	default:
		return &ClientError{
			Type:    ErrTypeConnection,
			Status:  resp.StatusCode,
			Message: "unexpected status from llama.cpp: " + resp.Status,
		}
	}
}

// Load verifies the model file exists and waits until the server reports
// healthy. The server itself is started with the model; Load does not
// upload weights.
func (c *Client) Load(ctx context.Context, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return &tier.ConfigError{Field: "local.model_path", Message: "model file not found", Cause: err}
	}
	if info.IsDir() {
		return &tier.ConfigError{Field: "local.model_path", Message: path + " is a directory, expected a model file"}
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.ReadyTimeout)
	defer cancel()

	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	for {
		err := c.CheckHealth(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("llama.cpp server not ready after %s: %w", c.config.ReadyTimeout, err)
		}
		if !IsLoading(err) && !IsNotRunning(err) {
			return err
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("llama.cpp server not ready after %s: %w", c.config.ReadyTimeout, err)
		case <-ticker.C:
		}
	}
}

// =============================================================================
// TOKENS
// =============================================================================

// Tokenize converts text into model token ids.
func (c *Client) Tokenize(ctx context.Context, text string) ([]int, error) {
	var result TokenizeResponse
	if err := c.post(ctx, "/tokenize", TokenizeRequest{Content: text, AddSpecial: true}, &result); err != nil {
		return nil, err
	}
	return result.Tokens, nil
}

// Detokenize converts token ids back into text.
func (c *Client) Detokenize(ctx context.Context, ids []int) (string, error) {
	if len(ids) == 0 {
		return "", nil
	}
	var result DetokenizeResponse
	if err := c.post(ctx, "/detokenize", DetokenizeRequest{Tokens: ids}, &result); err != nil {
		return "", err
	}
	return result.Content, nil
}

// =============================================================================
// INFERENCE
// =============================================================================

// Infer runs a completion over prompt token ids and returns the generated ids.
func (c *Client) Infer(ctx context.Context, ids []int, opts tier.InferOptions) ([]int, error) {
	reqBody := CompletionRequest{
		Prompt:       ids,
		NPredict:     opts.MaxTokens,
		Temperature:  opts.Temperature,
		Stop:         opts.Stop,
		Stream:       false,
		ReturnTokens: true,
		CachePrompt:  true,
	}

	var result CompletionResponse
	if err := c.post(ctx, "/completion", reqBody, &result); err != nil {
		return nil, err
	}
	if result.Tokens == nil && result.Content != "" {
		return nil, &ClientError{Type: ErrTypeInvalidResponse, Message: "server did not return generated tokens"}
	}
	return result.Tokens, nil
}

// post sends a JSON request and decodes a JSON response.
func (c *Client) post(ctx context.Context, path string, reqBody, out any) error {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return &ClientError{Type: ErrTypeInvalidResponse, Message: "failed to marshal request", Cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return &ClientError{Type: ErrTypeConnection, Message: "failed to create request", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Keep context errors visible so the tier can classify them.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return &ClientError{Type: ErrTypeConnection, Message: path + " request interrupted", Cause: ctxErr}
		}
		return &ClientError{Type: ErrTypeNotRunning, Message: "llama.cpp server is not running", Cause: err}
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		var srvErr serverError
		if err := json.NewDecoder(resp.Body).Decode(&srvErr); err == nil && srvErr.Error.Message != "" {
			return &ClientError{Type: ErrTypeServer, Status: resp.StatusCode, Message: srvErr.Error.Message}
		}
		return &ClientError{Type: ErrTypeServer, Status: resp.StatusCode, Message: path + " failed: " + resp.Status}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &ClientError{Type: ErrTypeInvalidResponse, Message: "failed to decode response", Cause: err}
	}
	return nil
}

// IsNotRunning checks if an error indicates the server is not running.
func IsNotRunning(err error) bool {
	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		return clientErr.Type == ErrTypeNotRunning
	}
	return false
}

// IsLoading checks if an error indicates the server is still loading.
func IsLoading(err error) bool {
	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		return clientErr.Type == ErrTypeLoading
	}
	return false
}

// Helper to drain response body
func drainAndClose(r io.ReadCloser) {
	io.Copy(io.Discard, r)
	r.Close()
}
