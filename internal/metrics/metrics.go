// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package metrics exposes Prometheus collectors for orchestration outcomes.
//
// Every Collector owns its registry so several orchestrators (and tests) can
// coexist in one process. All methods are safe on a nil *Collector.
package metrics

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jeranaias/rigrun-router/internal/router"
)

const namespace = "rigrun"

// Outcome labels for RequestsTotal.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

// Collector holds the orchestrator's metrics.
type Collector struct {
	registry *prometheus.Registry

	Requests     *prometheus.CounterVec
	CacheLookups *prometheus.CounterVec
	Fallbacks    *prometheus.CounterVec
	TierLatency  *prometheus.HistogramVec
	Tokens       *prometheus.CounterVec
}

// New creates a Collector with a private registry.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tier_requests_total",
			Help:      "Tier invocations by tier and outcome.",
		}, []string{"tier", "outcome"}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Response cache lookups by result.",
		}, []string{"result"}),
		Fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallbacks_total",
			Help:      "LOCAL to CLOUD fallbacks by outcome.",
		}, []string{"outcome"}),
		TierLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tier_latency_seconds",
			Help:      "Latency of successful tier invocations.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"tier"}),
		Tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Tokens processed by tier and direction.",
		}, []string{"tier", "direction"}),
	}
	c.registry.MustRegister(c.Requests, c.CacheLookups, c.Fallbacks, c.TierLatency, c.Tokens)
	return c
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// ObserveCacheLookup counts a cache hit or miss.
func (c *Collector) ObserveCacheLookup(hit bool) {
	if c == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	c.CacheLookups.WithLabelValues(result).Inc()
}

// ObserveTierSuccess records a successful tier call.
func (c *Collector) ObserveTierSuccess(t router.Tier, latency time.Duration, inputTokens, outputTokens int) {
	if c == nil {
		return
	}
	label := t.String()
	c.Requests.WithLabelValues(label, OutcomeSuccess).Inc()
	c.TierLatency.WithLabelValues(label).Observe(latency.Seconds())
	c.Tokens.WithLabelValues(label, "input").Add(float64(inputTokens))
	c.Tokens.WithLabelValues(label, "output").Add(float64(outputTokens))
}

// ObserveTierFailure records a failed tier call.
func (c *Collector) ObserveTierFailure(t router.Tier) {
	if c == nil {
		return
	}
	c.Requests.WithLabelValues(t.String(), OutcomeError).Inc()
}

// ObserveFallback records the outcome of a LOCAL to CLOUD fallback.
func (c *Collector) ObserveFallback(ok bool) {
	if c == nil {
		return
	}
	outcome := OutcomeSuccess
	if !ok {
		outcome = OutcomeError
	}
	c.Fallbacks.WithLabelValues(outcome).Inc()
}

// RegisterCacheSize exports the live cache size as a gauge.
func (c *Collector) RegisterCacheSize(entries func() int) {
	if c == nil || entries == nil {
		return
	}
	c.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "cache_entries",
		Help:      "Entries currently held by the response cache.",
	}, func() float64 { return float64(entries()) }))
}

// =============================================================================
// HTTP
// =============================================================================

// Handler serves the registry in the Prometheus exposition format. When
// apiKey is non-empty the request must carry it as "Authorization: Bearer"
// or "X-API-Key".
func (c *Collector) Handler(apiKey string) http.Handler {
	var h http.Handler = http.NotFoundHandler()
	if c != nil {
		h = promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
	}

	expected := strings.TrimSpace(apiKey)
	if expected == "" {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		provided := extractAPIKey(r)
		if provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h.ServeHTTP(w, r)
	})
}

func extractAPIKey(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("X-API-Key")); v != "" {
		return v
	}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
