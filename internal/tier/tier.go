// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package tier defines the completion capability shared by the LOCAL and
// CLOUD backends, and the adapters that put concrete engines behind it.
//
// # Key Types
//
//   - Tier: one completion request against one backend
//   - LocalTier: on-device engine with a hard context cap and one-time load
//   - CloudTier: remote completion client with provider error translation
//   - Error: the only failure type a Tier returns
//   - ConfigError: fatal setup problem, never retried
//
// Concrete engines are injected: LocalTier wraps a LocalBackend and
// CloudTier wraps a Completer. Neither constructs its own connection.
package tier

import (
	"context"
	"time"

	"github.com/jeranaias/rigrun-router/internal/router"
)

// Tier executes a single completion request.
//
// MakeRequest measures the wall-clock latency of the backend call and
// returns either a complete Response or an *Error, never both.
type Tier interface {
	ID() router.Tier
	MakeRequest(ctx context.Context, prompt string, opts RequestOptions) (*Response, error)
}

// RequestOptions are the generation options passed to a tier.
// Nil pointers mean "backend default".
type RequestOptions struct {
	MaxTokens     *int
	Temperature   *float64
	StopSequences []string
	// CacheStrategy asks providers that support prompt caching to cache the
	// prompt ("ephemeral"). Empty disables it.
	CacheStrategy string
}

// TokenUsage reports token accounting for one response.
type TokenUsage struct {
	InputTokens      int  `json:"input_tokens"`
	OutputTokens     int  `json:"output_tokens"`
	CacheReadTokens  *int `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens *int `json:"cache_write_tokens,omitempty"`
}

// Total returns input plus output tokens.
func (u TokenUsage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// Response is produced once per successful tier call.
type Response struct {
	Text    string
	Usage   TokenUsage
	TierID  router.Tier
	Latency time.Duration
}

// LatencyMs returns the latency in whole milliseconds, never less than 1.
// Zero is reserved for responses served from the cache.
func (r *Response) LatencyMs() int64 {
	ms := r.Latency.Milliseconds()
	if ms < 1 {
		return 1
	}
	return ms
}
