// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tier

import (
	"context"
	"strings"
	"time"

	"github.com/jeranaias/rigrun-router/internal/router"
)

// Completer is a remote completion client.
type Completer interface {
	Complete(ctx context.Context, prompt string, opts RequestOptions) (*Completion, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, prompt string, opts RequestOptions) (*Completion, error)

// Complete implements Completer.
func (f CompleterFunc) Complete(ctx context.Context, prompt string, opts RequestOptions) (*Completion, error) {
	return f(ctx, prompt, opts)
}

// Completion is what a remote provider returned.
type Completion struct {
	Content string
	// Usage is nil when the provider reported none.
	Usage *ProviderUsage
}

// ProviderUsage holds provider-reported token counts.
type ProviderUsage struct {
	PromptTokens     int
	CompletionTokens int
	CacheReadTokens  *int
	CacheWriteTokens *int
}

// CloudTier serves completions from a remote provider.
type CloudTier struct {
	client Completer
}

// NewCloudTier wraps a remote completion client.
func NewCloudTier(client Completer) *CloudTier {
	return &CloudTier{client: client}
}

// ID implements Tier.
func (t *CloudTier) ID() router.Tier { return router.TierCloud }

// MakeRequest implements Tier.
func (t *CloudTier) MakeRequest(ctx context.Context, prompt string, opts RequestOptions) (*Response, error) {
	if t.client == nil {
		return nil, &Error{Tier: router.TierCloud, Kind: KindNotInitialized, Message: "no cloud client configured"}
	}

	start := time.Now()
	completion, err := t.client.Complete(ctx, prompt, opts)
	latency := time.Since(start)

	if err != nil {
		return nil, Wrap(router.TierCloud, err, "cloud request failed")
	}
	if completion == nil || strings.TrimSpace(completion.Content) == "" {
		return nil, &Error{Tier: router.TierCloud, Kind: KindInvalidResponse, Message: "provider returned empty content"}
	}

	var usage TokenUsage
	if u := completion.Usage; u != nil {
		usage = TokenUsage{
			InputTokens:      u.PromptTokens,
			OutputTokens:     u.CompletionTokens,
			CacheReadTokens:  u.CacheReadTokens,
			CacheWriteTokens: u.CacheWriteTokens,
		}
	}

	return &Response{
		Text:    completion.Content,
		Usage:   usage,
		TierID:  router.TierCloud,
		Latency: latency,
	}, nil
}
