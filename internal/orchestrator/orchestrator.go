// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package orchestrator serves completions from the LOCAL or CLOUD tier behind
// a response cache.
//
// A request flows cache lookup -> route -> format -> tier call -> cache store.
// A failed LOCAL call is retried once on CLOUD unless the caller disallows
// it; that one-shot fallback is the only retry anywhere in the system.
//
// # Usage
//
//	orch, err := orchestrator.New(orchestrator.Config{Cache: cfg.Cache}, orchestrator.Deps{
//	    Local:  localTier,
//	    Cloud:  cloudTier,
//	    Router: router.New(prefs),
//	})
//	resp, err := orch.MakeAPIRequest(ctx, "Explain this.", &orchestrator.RequestOptions{
//	    TaskType: router.TaskExplanation,
//	})
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/jeranaias/rigrun-router/internal/cache"
	"github.com/jeranaias/rigrun-router/internal/config"
	"github.com/jeranaias/rigrun-router/internal/logging"
	"github.com/jeranaias/rigrun-router/internal/metrics"
	"github.com/jeranaias/rigrun-router/internal/prompt"
	"github.com/jeranaias/rigrun-router/internal/router"
	"github.com/jeranaias/rigrun-router/internal/tier"
	"github.com/jeranaias/rigrun-router/internal/usage"
)

// DefaultRequestTimeout bounds a single tier call.
const DefaultRequestTimeout = 120 * time.Second

// =============================================================================
// TYPES
// =============================================================================

// Response is the result of MakeAPIRequest.
type Response struct {
	Content string
	Usage   tier.TokenUsage
	TierID  router.Tier
	// LatencyMs is 0 exactly when the response came from the cache.
	LatencyMs int64
	RequestID string
	// Fallback is true when CLOUD served the request after LOCAL failed.
	Fallback bool
}

// CacheHit reports whether the response was served from the cache.
func (r *Response) CacheHit() bool {
	return r.LatencyMs == 0
}

// clone copies r including the optional usage counters, so callers can never
// reach a cached entry through a returned response.
func (r Response) clone() Response {
	r.Usage.CacheReadTokens = clonePtr(r.Usage.CacheReadTokens)
	r.Usage.CacheWriteTokens = clonePtr(r.Usage.CacheWriteTokens)
	return r
}

func clonePtr(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Config holds orchestration settings. Zero values use defaults.
type Config struct {
	// Cache sizes the response cache; it is read once here.
	Cache config.CacheConfig
	// RequestTimeout bounds every tier call. 0 uses DefaultRequestTimeout;
	// negative disables the deadline.
	RequestTimeout time.Duration
	// Coalesce shares one tier call between concurrent requests with the same
	// cache key and the same AllowFallback and CacheResponse flags. Off by
	// default.
	Coalesce bool
	// CacheStrategy is passed through to tiers as a prompt caching hint.
	CacheStrategy string
}

// Deps are the injected collaborators. Local and Cloud are required; the
// rest fall back to an auto-preference Router, the identity Formatter,
// slog.Default(), no metrics and no usage ledger.
type Deps struct {
	Cloud     tier.Tier
	Local     tier.Tier
	Router    *router.Router
	Formatter prompt.Formatter
	Logger    *slog.Logger
	Metrics   *metrics.Collector
	Usage     usage.Recorder
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	cfg       Config
	local     tier.Tier
	cloud     tier.Tier
	router    *router.Router
	formatter prompt.Formatter
	logger    *slog.Logger
	metrics   *metrics.Collector
	usage     usage.Recorder

	cache *cache.ResponseCache[Response]
	group singleflight.Group
}

// =============================================================================
// CONSTRUCTOR
// =============================================================================

// New creates an orchestrator. A missing or mislabelled tier is a
// *tier.ConfigError.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if err := checkTier(deps.Local, router.TierLocal, "local"); err != nil {
		return nil, err
	}
	if err := checkTier(deps.Cloud, router.TierCloud, "cloud"); err != nil {
		return nil, err
	}

	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if deps.Router == nil {
		deps.Router = router.New(router.StaticPreference(router.PreferenceAuto))
	}
	if deps.Formatter == nil {
		deps.Formatter = prompt.Identity
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Usage == nil {
		deps.Usage = usage.Nop
	}

	o := &Orchestrator{
		cfg:       cfg,
		local:     deps.Local,
		cloud:     deps.Cloud,
		router:    deps.Router,
		formatter: deps.Formatter,
		logger:    deps.Logger,
		metrics:   deps.Metrics,
		usage:     deps.Usage,
		cache:     cache.New[Response](cfg.Cache.MaxItems, cfg.Cache.TTL()),
	}
	o.metrics.RegisterCacheSize(o.cache.Len)
	return o, nil
}

func checkTier(t tier.Tier, want router.Tier, field string) error {
	if t == nil {
		return &tier.ConfigError{Field: field, Message: want.String() + " tier is required"}
	}
	if got := t.ID(); got != want {
		return &tier.ConfigError{Field: field, Message: "tier reports " + got.String() + ", expected " + want.String()}
	}
	return nil
}

// =============================================================================
// REQUESTS
// =============================================================================

// MakeAPIRequest serves prompt from the cache or a tier.
//
// Errors are *TierFailure or *CompoundFailureError; both unwrap to the
// underlying *tier.Error. A coalesced caller whose ctx ends first gets the
// bare context error. No partial result is ever returned with an error.
func (o *Orchestrator) MakeAPIRequest(ctx context.Context, prompt string, opts *RequestOptions) (*Response, error) {
	if opts == nil {
		opts = &RequestOptions{}
	}
	requestID := uuid.NewString()
	log := o.logger.With("request_id", requestID)
	key := CacheKey(prompt, opts)

	if !opts.SkipCache {
		if cached, ok := o.cache.Get(key); ok {
			o.metrics.ObserveCacheLookup(true)
			resp := cached.clone()
			resp.LatencyMs = 0
			resp.RequestID = requestID
			log.Debug("cache hit", "tier", resp.TierID, "prompt", logging.Preview(prompt))
			o.record(ctx, &resp)
			return &resp, nil
		}
		o.metrics.ObserveCacheLookup(false)
	}

	if !o.cfg.Coalesce || opts.SkipCache {
		resp, err := o.serve(ctx, log, key, prompt, opts)
		if err != nil {
			return nil, err
		}
		resp.RequestID = requestID
		o.record(ctx, resp)
		return resp, nil
	}

	// Coalesced: the shared call must outlive any single waiter, so it runs
	// detached from this caller's cancellation and bounded by RequestTimeout.
	// Only callers with the same orchestration flags share it.
	ch := o.group.DoChan(flightKey(key, opts), func() (any, error) {
		if cached, ok := o.cache.Get(key); ok {
			resp := cached.clone()
			resp.LatencyMs = 0
			return &resp, nil
		}
		return o.serve(context.WithoutCancel(ctx), log, key, prompt, opts)
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("request %s abandoned while coalesced: %w", requestID, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		resp := res.Val.(*Response).clone()
		resp.RequestID = requestID
		if res.Shared {
			log.Debug("coalesced with in-flight request", "tier", resp.TierID)
		}
		o.record(ctx, &resp)
		return &resp, nil
	}
}

// serve routes, invokes and caches. It never consults the cache.
func (o *Orchestrator) serve(ctx context.Context, log *slog.Logger, key cache.Key, prompt string, opts *RequestOptions) (*Response, error) {
	decision := o.router.RouteDetailed(opts.TaskType, prompt, router.RouteOptions{TaskType: opts.TaskType})
	log.Debug("routed",
		"tier", decision.Tier,
		"preference", decision.Preference,
		"reason", decision.Reason,
		"prompt", logging.Preview(prompt))

	topts := opts.tierOptions(o.cfg.CacheStrategy)

	resp, primaryErr := o.invoke(ctx, decision.Tier, prompt, topts)
	if primaryErr == nil {
		return o.store(key, opts, decision.Tier, resp, false), nil
	}

	if decision.Tier != router.TierLocal || !opts.allowFallback() || !canFallback(ctx, primaryErr) {
		log.Warn("tier failed",
			"tier", decision.Tier,
			"kind", primaryErr.Kind,
			"fallback_allowed", opts.allowFallback(),
			"error", primaryErr)
		return nil, &TierFailure{Tier: decision.Tier, Err: primaryErr}
	}

	log.Warn("local tier failed, falling back to cloud", "kind", primaryErr.Kind, "error", primaryErr)
	resp, cloudErr := o.invoke(ctx, router.TierCloud, prompt, topts)
	if cloudErr != nil {
		o.metrics.ObserveFallback(false)
		log.Error("fallback failed",
			"local_error", primaryErr,
			"cloud_error", cloudErr)
		return nil, &CompoundFailureError{Local: primaryErr, Cloud: cloudErr}
	}
	o.metrics.ObserveFallback(true)
	return o.store(key, opts, router.TierCloud, resp, true), nil
}

// canFallback reports whether a LOCAL failure may be retried on CLOUD.
// Cancellation and configuration errors are final, and a caller whose own
// context is done gets nothing from a second attempt.
func canFallback(ctx context.Context, err *tier.Error) bool {
	if !err.Kind.AllowsFallback() || ctx.Err() != nil {
		return false
	}
	var cfgErr *tier.ConfigError
	return !errors.As(err, &cfgErr)
}

// invoke formats prompt for t and calls it under the per-call deadline.
func (o *Orchestrator) invoke(ctx context.Context, t router.Tier, prompt string, opts tier.RequestOptions) (*tier.Response, *tier.Error) {
	target := o.local
	if t == router.TierCloud {
		target = o.cloud
	}

	if o.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.RequestTimeout)
		defer cancel()
	}

	resp, err := target.MakeRequest(ctx, o.formatter.Format(prompt, t), opts)
	if err != nil {
		o.metrics.ObserveTierFailure(t)
		return nil, tier.Wrap(t, err, "request failed")
	}
	if resp == nil {
		o.metrics.ObserveTierFailure(t)
		return nil, &tier.Error{Tier: t, Kind: tier.KindInvalidResponse, Message: "tier returned no response"}
	}

	o.metrics.ObserveTierSuccess(t, resp.Latency, resp.Usage.InputTokens, resp.Usage.OutputTokens)
	return resp, nil
}

// store converts a tier response and caches it when allowed.
func (o *Orchestrator) store(key cache.Key, opts *RequestOptions, t router.Tier, tr *tier.Response, fallback bool) *Response {
	resp := Response{
		Content:   tr.Text,
		Usage:     tr.Usage,
		TierID:    t,
		LatencyMs: tr.LatencyMs(),
		Fallback:  fallback,
	}
	if opts.cacheResponse() {
		o.cache.Set(key, resp.clone())
	}
	return &resp
}

// record appends resp to the usage ledger. A cache hit consumed no tokens and
// ran no fallback, whatever the cached entry says.
func (o *Orchestrator) record(ctx context.Context, resp *Response) {
	rec := usage.Record{
		RequestID: resp.RequestID,
		Tier:      resp.TierID,
		CacheHit:  resp.CacheHit(),
		LatencyMs: resp.LatencyMs,
	}
	if !rec.CacheHit {
		rec.Fallback = resp.Fallback
		rec.InputTokens = resp.Usage.InputTokens
		rec.OutputTokens = resp.Usage.OutputTokens
	}
	err := o.usage.Record(ctx, rec)
	if err != nil {
		o.logger.Warn("usage record failed", "request_id", resp.RequestID, "error", err)
	}
}

// =============================================================================
// CACHE CONTROL
// =============================================================================

// ClearCache drops every cached response. Call it when the content prompts
// refer to has changed.
func (o *Orchestrator) ClearCache() {
	o.cache.Clear()
	o.logger.Info("response cache cleared")
}

// CacheStats returns the cache counters.
func (o *Orchestrator) CacheStats() cache.Stats {
	return o.cache.Stats()
}

// Route reports the routing decision for prompt without invoking a tier.
func (o *Orchestrator) Route(taskType router.TaskType, prompt string) router.RoutingDecision {
	return o.router.RouteDetailed(taskType, prompt, router.RouteOptions{TaskType: taskType})
}
