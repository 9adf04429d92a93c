// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package orchestrator

import (
	"slices"
	"strconv"

	"github.com/jeranaias/rigrun-router/internal/cache"
	"github.com/jeranaias/rigrun-router/internal/router"
	"github.com/jeranaias/rigrun-router/internal/tier"
)

// RequestOptions controls one MakeAPIRequest call. The zero value (and a nil
// pointer) means: use backend defaults, consult the cache, cache the result,
// and allow LOCAL to CLOUD fallback.
type RequestOptions struct {
	// Generation options. These, with TaskType, make up the cache key.
	MaxTokens     *int
	Temperature   *float64
	StopSequences []string
	TaskType      router.TaskType

	// SkipCache bypasses the cache lookup. The result is still stored unless
	// CacheResponse is false.
	SkipCache bool
	// CacheResponse nil means true.
	CacheResponse *bool
	// AllowFallback nil means true.
	AllowFallback *bool
}

// Int returns a pointer to v.
func Int(v int) *int { return &v }

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

// Bool returns a pointer to v.
func Bool(v bool) *bool { return &v }

func (o *RequestOptions) cacheResponse() bool {
	return o.CacheResponse == nil || *o.CacheResponse
}

func (o *RequestOptions) allowFallback() bool {
	return o.AllowFallback == nil || *o.AllowFallback
}

// CacheKey returns the response cache key for prompt under opts. Only the
// generation options and task type contribute; the orchestration flags
// (SkipCache, CacheResponse, AllowFallback) never do.
func CacheKey(prompt string, opts *RequestOptions) cache.Key {
	if opts == nil {
		opts = &RequestOptions{}
	}
	return cache.KeyFor(prompt, cache.KeyParams{
		MaxTokens:     opts.MaxTokens,
		Temperature:   opts.Temperature,
		StopSequences: opts.StopSequences,
		TaskType:      string(opts.TaskType),
	})
}

// flightKey groups coalesced callers. Callers share a tier call only when
// they agree on the cache key and on every flag that changes how the call is
// served, so one caller's AllowFallback or CacheResponse never decides
// another's outcome.
func flightKey(key cache.Key, opts *RequestOptions) string {
	return string(key) +
		"|fb=" + strconv.FormatBool(opts.allowFallback()) +
		"|store=" + strconv.FormatBool(opts.cacheResponse())
}

// tierOptions strips the orchestration flags.
func (o *RequestOptions) tierOptions(cacheStrategy string) tier.RequestOptions {
	return tier.RequestOptions{
		MaxTokens:     o.MaxTokens,
		Temperature:   o.Temperature,
		StopSequences: slices.Clone(o.StopSequences),
		CacheStrategy: cacheStrategy,
	}
}
