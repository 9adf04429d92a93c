// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/jeranaias/rigrun-router/internal/config"
	"github.com/jeranaias/rigrun-router/internal/logging"
	"github.com/jeranaias/rigrun-router/internal/metrics"
	"github.com/jeranaias/rigrun-router/internal/prompt"
	"github.com/jeranaias/rigrun-router/internal/router"
	"github.com/jeranaias/rigrun-router/internal/tier"
	"github.com/jeranaias/rigrun-router/internal/usage"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// fakeTier echoes the prompt it receives unless fn is set.
type fakeTier struct {
	id    router.Tier
	calls atomic.Int32
	fn    func(ctx context.Context, prompt string) (*tier.Response, error)

	mu      sync.Mutex
	prompts []string
	opts    []tier.RequestOptions
}

func newFakeTier(id router.Tier) *fakeTier {
	return &fakeTier{id: id}
}

func (f *fakeTier) ID() router.Tier { return f.id }

func (f *fakeTier) MakeRequest(ctx context.Context, prompt string, opts tier.RequestOptions) (*tier.Response, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.opts = append(f.opts, opts)
	f.mu.Unlock()

	if f.fn != nil {
		return f.fn(ctx, prompt)
	}
	read := 3
	return &tier.Response{
		Text:    f.id.String() + ": " + prompt,
		Usage:   tier.TokenUsage{InputTokens: 10, OutputTokens: 20, CacheReadTokens: &read},
		TierID:  f.id,
		Latency: 5 * time.Millisecond,
	}, nil
}

func (f *fakeTier) lastPrompt() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.prompts) == 0 {
		return ""
	}
	return f.prompts[len(f.prompts)-1]
}

func failWith(err error) func(context.Context, string) (*tier.Response, error) {
	return func(context.Context, string) (*tier.Response, error) { return nil, err }
}

type harness struct {
	orch  *Orchestrator
	local *fakeTier
	cloud *fakeTier
}

func newHarness(t testing.TB, pref router.Preference, mutate func(*Config, *Deps)) *harness {
	t.Helper()
	h := &harness{local: newFakeTier(router.TierLocal), cloud: newFakeTier(router.TierCloud)}
	cfg := Config{}
	deps := Deps{
		Local:  h.local,
		Cloud:  h.cloud,
		Router: router.New(router.StaticPreference(pref)),
		Logger: logging.Discard(),
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}
	orch, err := New(cfg, deps)
	require.NoError(t, err)
	h.orch = orch
	return h
}

// =============================================================================
// CONSTRUCTION
// =============================================================================

func TestNewRequiresBothTiers(t *testing.T) {
	local, cloud := newFakeTier(router.TierLocal), newFakeTier(router.TierCloud)

	tests := []struct {
		name string
		deps Deps
	}{
		{"missing local", Deps{Cloud: cloud}},
		{"missing cloud", Deps{Local: local}},
		{"swapped", Deps{Local: cloud, Cloud: local}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(Config{}, tt.deps)
			assert.True(t, tier.IsConfigError(err), "got %v", err)
		})
	}
}

func TestNewUsesCacheConfig(t *testing.T) {
	h := newHarness(t, router.PreferenceAuto, func(c *Config, _ *Deps) {
		c.Cache = config.CacheConfig{MaxItems: 7, TTLSeconds: 60}
	})
	stats := h.orch.CacheStats()
	assert.Equal(t, 7, stats.MaxItems)
	assert.Equal(t, time.Minute, stats.TTL)

	h = newHarness(t, router.PreferenceAuto, nil)
	assert.Equal(t, 500, h.orch.CacheStats().MaxItems)
	assert.Equal(t, time.Hour, h.orch.CacheStats().TTL)
}

// =============================================================================
// CACHE BEHAVIOUR
// =============================================================================

// Two identical calls: same content, the second served from cache.
func TestRepeatedCallServedFromCache(t *testing.T) {
	h := newHarness(t, router.PreferenceAuto, nil)
	ctx := context.Background()

	first, err := h.orch.MakeAPIRequest(ctx, "What is a mutex?", nil)
	require.NoError(t, err)
	second, err := h.orch.MakeAPIRequest(ctx, "What is a mutex?", nil)
	require.NoError(t, err)

	assert.Equal(t, first.Content, second.Content)
	assert.Positive(t, first.LatencyMs)
	assert.Zero(t, second.LatencyMs)
	assert.True(t, second.CacheHit())
	assert.False(t, first.CacheHit())
	assert.NotEqual(t, first.RequestID, second.RequestID)
	assert.Equal(t, int32(1), h.local.calls.Load())

	stats := h.orch.CacheStats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestRepeatedCallProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		h := newHarness(t, router.PreferenceAuto, nil)
		p := rapid.StringN(0, 1500, -1).Draw(rt, "prompt")
		opts := drawGenerationOptions(rt)

		first, err := h.orch.MakeAPIRequest(context.Background(), p, &opts)
		require.NoError(rt, err)
		second, err := h.orch.MakeAPIRequest(context.Background(), p, &opts)
		require.NoError(rt, err)

		if first.Content != second.Content || second.LatencyMs != 0 || first.LatencyMs == 0 {
			rt.Fatalf("first=%+v second=%+v", first, second)
		}
	})
}

// skipCache never reads the cache, but still invokes the tier.
func TestSkipCacheAlwaysInvokesTier(t *testing.T) {
	h := newHarness(t, router.PreferenceAuto, nil)
	ctx := context.Background()

	_, err := h.orch.MakeAPIRequest(ctx, "hello", nil)
	require.NoError(t, err)

	resp, err := h.orch.MakeAPIRequest(ctx, "hello", &RequestOptions{SkipCache: true})
	require.NoError(t, err)
	assert.Positive(t, resp.LatencyMs)
	assert.Equal(t, int32(2), h.local.calls.Load())

	stats := h.orch.CacheStats()
	assert.Equal(t, int64(0), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses, "skipCache does not count as a lookup")
}

// cacheResponse=false: a later identical call misses.
func TestCacheResponseFalseNeverStores(t *testing.T) {
	h := newHarness(t, router.PreferenceAuto, nil)
	ctx := context.Background()
	opts := &RequestOptions{CacheResponse: Bool(false)}

	_, err := h.orch.MakeAPIRequest(ctx, "hello", opts)
	require.NoError(t, err)
	assert.Zero(t, h.orch.CacheStats().Entries)

	resp, err := h.orch.MakeAPIRequest(ctx, "hello", nil)
	require.NoError(t, err)
	assert.Positive(t, resp.LatencyMs)
	assert.Equal(t, int32(2), h.local.calls.Load())
}

func TestCacheKeyIgnoresOrchestrationFlags(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		p := rapid.String().Draw(rt, "prompt")
		a := drawGenerationOptions(rt)
		b := a
		b.StopSequences = append([]string(nil), a.StopSequences...)
		if a.MaxTokens != nil {
			b.MaxTokens = Int(*a.MaxTokens)
		}

		a.SkipCache = rapid.Bool().Draw(rt, "skipA")
		b.SkipCache = rapid.Bool().Draw(rt, "skipB")
		a.CacheResponse = drawOptBool(rt, "cacheA")
		b.CacheResponse = drawOptBool(rt, "cacheB")
		a.AllowFallback = drawOptBool(rt, "fallbackA")
		b.AllowFallback = drawOptBool(rt, "fallbackB")

		if CacheKey(p, &a) != CacheKey(p, &b) {
			rt.Fatalf("keys differ for %+v and %+v", a, b)
		}
	})
}

func TestCacheKeyDistinguishesGenerationOptions(t *testing.T) {
	base := CacheKey("p", nil)
	assert.Equal(t, base, CacheKey("p", &RequestOptions{}))
	assert.NotEqual(t, base, CacheKey("p", &RequestOptions{MaxTokens: Int(10)}))
	assert.NotEqual(t, base, CacheKey("p", &RequestOptions{Temperature: Float(0)}))
	assert.NotEqual(t, base, CacheKey("p", &RequestOptions{StopSequences: []string{"x"}}))
	assert.NotEqual(t, base, CacheKey("p", &RequestOptions{TaskType: router.TaskChat}))
	assert.NotEqual(t, base, CacheKey("q", nil))
}

func TestCachedEntryIsNotMutable(t *testing.T) {
	h := newHarness(t, router.PreferenceAuto, nil)
	ctx := context.Background()

	first, err := h.orch.MakeAPIRequest(ctx, "hello", nil)
	require.NoError(t, err)
	first.Content = "tampered"
	*first.Usage.CacheReadTokens = 99

	hit, err := h.orch.MakeAPIRequest(ctx, "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, "LOCAL: hello", hit.Content)
	assert.Equal(t, 3, *hit.Usage.CacheReadTokens)
	hit.Content = "tampered again"

	again, err := h.orch.MakeAPIRequest(ctx, "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, "LOCAL: hello", again.Content)
}

func TestClearCache(t *testing.T) {
	h := newHarness(t, router.PreferenceAuto, nil)
	ctx := context.Background()

	_, err := h.orch.MakeAPIRequest(ctx, "hello", nil)
	require.NoError(t, err)
	require.Equal(t, 1, h.orch.CacheStats().Entries)

	h.orch.ClearCache()
	assert.Zero(t, h.orch.CacheStats().Entries)

	resp, err := h.orch.MakeAPIRequest(ctx, "hello", nil)
	require.NoError(t, err)
	assert.Positive(t, resp.LatencyMs)
	assert.Equal(t, int32(2), h.local.calls.Load())
}

// =============================================================================
// ROUTING
// =============================================================================

// "Explain this." with auto preference goes LOCAL and repeats from cache.
func TestScenarioShortExplanationRoutesLocal(t *testing.T) {
	h := newHarness(t, router.PreferenceAuto, nil)
	opts := &RequestOptions{TaskType: router.TaskExplanation}

	resp, err := h.orch.MakeAPIRequest(context.Background(), "Explain this.", opts)
	require.NoError(t, err)
	assert.Equal(t, router.TierLocal, resp.TierID)
	assert.Zero(t, h.cloud.calls.Load())

	resp, err = h.orch.MakeAPIRequest(context.Background(), "Explain this.", opts)
	require.NoError(t, err)
	assert.Zero(t, resp.LatencyMs)
}

func TestScenarioLongPromptRoutesCloud(t *testing.T) {
	h := newHarness(t, router.PreferenceAuto, nil)

	resp, err := h.orch.MakeAPIRequest(context.Background(), strings.Repeat("A", 1500), nil)
	require.NoError(t, err)
	assert.Equal(t, router.TierCloud, resp.TierID)
	assert.Zero(t, h.local.calls.Load())
}

func TestForceLocalOverridesEverything(t *testing.T) {
	h := newHarness(t, router.PreferenceForceLocal, nil)

	resp, err := h.orch.MakeAPIRequest(context.Background(), strings.Repeat("x", 5000),
		&RequestOptions{TaskType: router.TaskType("codeGeneration")})
	require.NoError(t, err)
	assert.Equal(t, router.TierLocal, resp.TierID)
	assert.Zero(t, h.cloud.calls.Load())
}

func TestRoutingHappensOnEveryMiss(t *testing.T) {
	var pref atomic.Value
	pref.Store(router.PreferenceForceLocal)
	h := newHarness(t, router.PreferenceAuto, func(_ *Config, d *Deps) {
		d.Router = router.New(router.PreferenceFunc(func() router.Preference {
			return pref.Load().(router.Preference)
		}))
	})
	ctx := context.Background()

	resp, err := h.orch.MakeAPIRequest(ctx, "hello", &RequestOptions{SkipCache: true})
	require.NoError(t, err)
	assert.Equal(t, router.TierLocal, resp.TierID)

	pref.Store(router.PreferenceForceCloud)
	resp, err = h.orch.MakeAPIRequest(ctx, "hello", &RequestOptions{SkipCache: true})
	require.NoError(t, err)
	assert.Equal(t, router.TierCloud, resp.TierID)
}

func TestRouteDoesNotInvokeTiers(t *testing.T) {
	h := newHarness(t, router.PreferencePreferCloud, nil)
	d := h.orch.Route(router.TaskChat, "hi")
	assert.Equal(t, router.TierCloud, d.Tier)
	assert.Equal(t, router.TierLocal, d.Heuristic)
	assert.Zero(t, h.local.calls.Load()+h.cloud.calls.Load())
}

// =============================================================================
// FALLBACK
// =============================================================================

// LOCAL always fails, allowFallback unset: CLOUD answers exactly once.
func TestLocalFailureFallsBackToCloud(t *testing.T) {
	h := newHarness(t, router.PreferenceAuto, nil)
	h.local.fn = failWith(&tier.Error{Kind: tier.KindBackend, Message: "model crashed"})

	resp, err := h.orch.MakeAPIRequest(context.Background(), "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, router.TierCloud, resp.TierID)
	assert.True(t, resp.Fallback)
	assert.Equal(t, int32(1), h.cloud.calls.Load())

	// The fallback response is cached under the original key.
	hit, err := h.orch.MakeAPIRequest(context.Background(), "hello", nil)
	require.NoError(t, err)
	assert.Zero(t, hit.LatencyMs)
	assert.Equal(t, router.TierCloud, hit.TierID)
	assert.Equal(t, int32(1), h.local.calls.Load())
}

func TestFallbackExplicitlyAllowed(t *testing.T) {
	h := newHarness(t, router.PreferenceAuto, nil)
	h.local.fn = failWith(errors.New("boom"))

	resp, err := h.orch.MakeAPIRequest(context.Background(), "hello", &RequestOptions{AllowFallback: Bool(true)})
	require.NoError(t, err)
	assert.Equal(t, router.TierCloud, resp.TierID)
}

// LOCAL fails with allowFallback=false: the error names LOCAL and the cause.
func TestFallbackDisallowed(t *testing.T) {
	h := newHarness(t, router.PreferenceAuto, nil)
	h.local.fn = failWith(&tier.Error{Kind: tier.KindBackend, Message: "model crashed"})

	resp, err := h.orch.MakeAPIRequest(context.Background(), "hello", &RequestOptions{AllowFallback: Bool(false)})
	require.Error(t, err)
	assert.Nil(t, resp)
	assert.Zero(t, h.cloud.calls.Load())

	var failure *TierFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, router.TierLocal, failure.Tier)
	assert.Equal(t, "LOCAL tier failed: model crashed", err.Error())
	assert.Zero(t, h.orch.CacheStats().Entries)
}

// Both LOCAL and the CLOUD fallback fail: one error naming both, nothing cached.
func TestCompoundFailure(t *testing.T) {
	h := newHarness(t, router.PreferenceAuto, nil)
	h.local.fn = failWith(&tier.Error{Kind: tier.KindContextExceeded, Message: "prompt is 5000 tokens"})
	h.cloud.fn = failWith(&tier.Error{Kind: tier.KindProvider, Status: 503, Message: "provider unavailable"})

	_, err := h.orch.MakeAPIRequest(context.Background(), "hello", nil)
	require.Error(t, err)

	var compound *CompoundFailureError
	require.ErrorAs(t, err, &compound)
	assert.Contains(t, err.Error(), "LOCAL tier failed: prompt is 5000 tokens")
	assert.Contains(t, err.Error(), "CLOUD fallback failed: provider unavailable")
	assert.Equal(t, router.TierLocal, compound.Local.Tier)
	assert.Equal(t, router.TierCloud, compound.Cloud.Tier)
	assert.Equal(t, 503, compound.Cloud.Status)

	assert.ErrorIs(t, err, tier.ErrContextExceeded)
	var tierErr *tier.Error
	require.ErrorAs(t, err, &tierErr)
	assert.Equal(t, router.TierLocal, tierErr.Tier)

	assert.Zero(t, h.orch.CacheStats().Entries)
	assert.Equal(t, int32(1), h.cloud.calls.Load())
}

// CLOUD failures never fall back.
func TestCloudFailureIsFinal(t *testing.T) {
	h := newHarness(t, router.PreferenceForceCloud, nil)
	h.cloud.fn = failWith(&tier.Error{Kind: tier.KindProvider, Status: 429, Message: "rate limited"})

	_, err := h.orch.MakeAPIRequest(context.Background(), "hello", nil)
	require.Error(t, err)
	assert.Equal(t, "CLOUD tier failed: rate limited", err.Error())
	assert.Zero(t, h.local.calls.Load())
	assert.Equal(t, int32(1), h.cloud.calls.Load())
}

func TestFallbackEligibility(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		fallback bool
	}{
		{"not initialized", tier.ErrNotInitialized, true},
		{"context exceeded", &tier.Error{Kind: tier.KindContextExceeded}, true},
		{"timeout", context.DeadlineExceeded, true},
		{"plain error", errors.New("socket closed"), true},
		{"canceled", context.Canceled, false},
		{"config error", &tier.ConfigError{Field: "local.model_path", Message: "missing"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, router.PreferenceForceLocal, nil)
			h.local.fn = failWith(tt.err)

			_, err := h.orch.MakeAPIRequest(context.Background(), "hello", nil)
			if tt.fallback {
				require.NoError(t, err)
				assert.Equal(t, int32(1), h.cloud.calls.Load())
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.err)
			assert.Zero(t, h.cloud.calls.Load())
		})
	}
}

func TestNoFallbackOnceCallerContextIsDone(t *testing.T) {
	h := newHarness(t, router.PreferenceAuto, nil)
	ctx, cancel := context.WithCancel(context.Background())
	h.local.fn = func(context.Context, string) (*tier.Response, error) {
		cancel()
		return nil, errors.New("interrupted")
	}

	_, err := h.orch.MakeAPIRequest(ctx, "hello", nil)
	require.Error(t, err)
	var failure *TierFailure
	assert.ErrorAs(t, err, &failure)
	assert.Zero(t, h.cloud.calls.Load())
}

// Fallback reformats the original prompt for CLOUD, never the LOCAL rendering.
func TestFallbackReformatsOriginalPrompt(t *testing.T) {
	tmpl, err := prompt.NewTemplates("<local>{{.Prompt}}</local>", "<cloud>{{.Prompt}}</cloud>")
	require.NoError(t, err)
	h := newHarness(t, router.PreferenceAuto, func(_ *Config, d *Deps) { d.Formatter = tmpl })
	h.local.fn = failWith(errors.New("boom"))

	_, err = h.orch.MakeAPIRequest(context.Background(), "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, "<local>hello</local>", h.local.lastPrompt())
	assert.Equal(t, "<cloud>hello</cloud>", h.cloud.lastPrompt())
}

func TestGenerationOptionsReachTier(t *testing.T) {
	h := newHarness(t, router.PreferenceAuto, func(c *Config, _ *Deps) { c.CacheStrategy = "ephemeral" })
	opts := &RequestOptions{
		MaxTokens:     Int(64),
		Temperature:   Float(0.2),
		StopSequences: []string{"\n\n"},
		SkipCache:     true,
		AllowFallback: Bool(false),
	}

	_, err := h.orch.MakeAPIRequest(context.Background(), "hello", opts)
	require.NoError(t, err)

	got := h.local.opts[0]
	assert.Equal(t, 64, *got.MaxTokens)
	assert.Equal(t, 0.2, *got.Temperature)
	assert.Equal(t, []string{"\n\n"}, got.StopSequences)
	assert.Equal(t, "ephemeral", got.CacheStrategy)
}

// =============================================================================
// DEADLINES AND CONCURRENCY
// =============================================================================

func blockUntilDone(ctx context.Context, _ string) (*tier.Response, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRequestTimeoutBoundsTierCall(t *testing.T) {
	h := newHarness(t, router.PreferenceAuto, func(c *Config, _ *Deps) { c.RequestTimeout = 20 * time.Millisecond })
	h.local.fn = blockUntilDone

	_, err := h.orch.MakeAPIRequest(context.Background(), "hello", &RequestOptions{AllowFallback: Bool(false)})
	require.Error(t, err)
	assert.True(t, tier.IsKind(err, tier.KindTimeout), "got %v", err)

	// With fallback allowed, CLOUD gets its own deadline and answers.
	resp, err := h.orch.MakeAPIRequest(context.Background(), "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, router.TierCloud, resp.TierID)
}

// Without coalescing, concurrent identical calls both invoke the tier.
func TestConcurrentIdenticalCallsBothInvoke(t *testing.T) {
	h := newHarness(t, router.PreferenceAuto, nil)

	var entered sync.WaitGroup
	entered.Add(2)
	release := make(chan struct{})
	h.local.fn = func(context.Context, string) (*tier.Response, error) {
		entered.Done()
		<-release
		return &tier.Response{Text: "done", TierID: router.TierLocal, Latency: time.Millisecond}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.orch.MakeAPIRequest(context.Background(), "same", nil)
			assert.NoError(t, err)
		}()
	}
	entered.Wait()
	close(release)
	wg.Wait()

	assert.Equal(t, int32(2), h.local.calls.Load())
	assert.Equal(t, 1, h.orch.CacheStats().Entries)
}

func TestCoalescingSharesOneCall(t *testing.T) {
	h := newHarness(t, router.PreferenceAuto, func(c *Config, _ *Deps) { c.Coalesce = true })

	release := make(chan struct{})
	h.local.fn = func(context.Context, string) (*tier.Response, error) {
		<-release
		return &tier.Response{Text: "done", TierID: router.TierLocal, Latency: time.Millisecond}, nil
	}

	const callers = 8
	var wg sync.WaitGroup
	ids := make([]string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := h.orch.MakeAPIRequest(context.Background(), "same", nil)
			if assert.NoError(t, err) {
				assert.Equal(t, "done", resp.Content)
				ids[i] = resp.RequestID
			}
		}(i)
	}

	require.Eventually(t, func() bool { return h.local.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), h.local.calls.Load())
	seen := map[string]bool{}
	for _, id := range ids {
		assert.False(t, seen[id], "request ids are per caller")
		seen[id] = true
	}
}

func TestCoalescingKeepsPerCallerFlags(t *testing.T) {
	noFallback := &RequestOptions{AllowFallback: Bool(false)}
	noStore := &RequestOptions{CacheResponse: Bool(false)}

	tests := []struct {
		name       string
		first      *RequestOptions
		second     *RequestOptions
		localFails bool
		wantLocal  int32
		wantCloud  int32
		firstErr   bool
		secondErr  bool
		wantCached int
	}{
		{"joiner may fall back", noFallback, nil, true, 2, 1, true, false, 1},
		{"joiner may not fall back", nil, noFallback, true, 2, 1, false, true, 1},
		{"joiner stores", noStore, nil, false, 2, 0, false, false, 1},
		{"joiner does not store", nil, noStore, false, 2, 0, false, false, 1},
		{"matching flags share", noFallback, &RequestOptions{AllowFallback: Bool(false)}, true, 1, 0, true, true, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, router.PreferenceAuto, func(c *Config, _ *Deps) { c.Coalesce = true })
			release := make(chan struct{})
			h.local.fn = func(context.Context, string) (*tier.Response, error) {
				<-release
				if tt.localFails {
					return nil, errors.New("local boom")
				}
				return &tier.Response{Text: "local", TierID: router.TierLocal, Latency: time.Millisecond}, nil
			}

			errs := make([]error, 2)
			var wg sync.WaitGroup
			start := func(i int, opts *RequestOptions) {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, errs[i] = h.orch.MakeAPIRequest(context.Background(), "same", opts)
				}()
			}

			start(0, tt.first)
			require.Eventually(t, func() bool { return h.local.calls.Load() == 1 }, time.Second, time.Millisecond)
			start(1, tt.second)
			if tt.wantLocal == 2 {
				require.Eventually(t, func() bool { return h.local.calls.Load() == 2 }, time.Second, time.Millisecond)
			} else {
				time.Sleep(20 * time.Millisecond)
			}
			close(release)
			wg.Wait()

			assert.Equal(t, tt.wantLocal, h.local.calls.Load(), "local calls")
			assert.Equal(t, tt.wantCloud, h.cloud.calls.Load(), "cloud calls")
			assert.Equal(t, tt.firstErr, errs[0] != nil, "first caller error: %v", errs[0])
			assert.Equal(t, tt.secondErr, errs[1] != nil, "second caller error: %v", errs[1])
			assert.Equal(t, tt.wantCached, h.orch.CacheStats().Entries)
		})
	}
}

func TestFlightKeySeparatesOrchestrationFlags(t *testing.T) {
	key := CacheKey("p", nil)
	base := flightKey(key, &RequestOptions{})

	assert.Equal(t, base, flightKey(key, &RequestOptions{AllowFallback: Bool(true), CacheResponse: Bool(true)}),
		"explicit defaults share with nil")
	assert.NotEqual(t, base, flightKey(key, &RequestOptions{AllowFallback: Bool(false)}))
	assert.NotEqual(t, base, flightKey(key, &RequestOptions{CacheResponse: Bool(false)}))
	assert.NotEqual(t, base, flightKey(CacheKey("q", nil), &RequestOptions{}))
}

func TestCoalescedWaiterHonoursOwnContext(t *testing.T) {
	h := newHarness(t, router.PreferenceAuto, func(c *Config, _ *Deps) { c.Coalesce = true })
	release := make(chan struct{})
	defer close(release)
	h.local.fn = func(context.Context, string) (*tier.Response, error) {
		<-release
		return &tier.Response{Text: "late", TierID: router.TierLocal, Latency: time.Millisecond}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := h.orch.MakeAPIRequest(ctx, "slow", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSkipCacheNeverCoalesces(t *testing.T) {
	h := newHarness(t, router.PreferenceAuto, func(c *Config, _ *Deps) { c.Coalesce = true })

	var entered sync.WaitGroup
	entered.Add(2)
	release := make(chan struct{})
	h.local.fn = func(context.Context, string) (*tier.Response, error) {
		entered.Done()
		<-release
		return &tier.Response{Text: "done", TierID: router.TierLocal, Latency: time.Millisecond}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.orch.MakeAPIRequest(context.Background(), "same", &RequestOptions{SkipCache: true})
			assert.NoError(t, err)
		}()
	}
	entered.Wait()
	close(release)
	wg.Wait()
	assert.Equal(t, int32(2), h.local.calls.Load())
}

// =============================================================================
// OBSERVABILITY
// =============================================================================

func TestMetricsAndUsageRecorded(t *testing.T) {
	ledger, err := usage.Open(":memory:")
	require.NoError(t, err)
	defer ledger.Close()
	collector := metrics.New()

	h := newHarness(t, router.PreferenceAuto, func(_ *Config, d *Deps) {
		d.Metrics = collector
		d.Usage = ledger
	})
	h.local.fn = failWith(errors.New("boom"))
	ctx := context.Background()

	_, err = h.orch.MakeAPIRequest(ctx, "hello", nil)
	require.NoError(t, err)
	_, err = h.orch.MakeAPIRequest(ctx, "hello", nil)
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.CacheLookups.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.CacheLookups.WithLabelValues("miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.Requests.WithLabelValues("LOCAL", metrics.OutcomeError)))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.Requests.WithLabelValues("CLOUD", metrics.OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.Fallbacks.WithLabelValues(metrics.OutcomeSuccess)))

	summaries, err := ledger.Summary(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "CLOUD", summaries[0].Tier)
	assert.Equal(t, int64(2), summaries[0].Requests)
	assert.Equal(t, int64(1), summaries[0].CacheHits)
	assert.Equal(t, int64(1), summaries[0].Fallbacks)
	assert.Equal(t, int64(10), summaries[0].InputTokens, "cache hits consume no tokens")
}

type failingRecorder struct{ calls atomic.Int32 }

func (f *failingRecorder) Record(context.Context, usage.Record) error {
	f.calls.Add(1)
	return errors.New("disk full")
}

func TestUsageFailureDoesNotFailRequest(t *testing.T) {
	rec := &failingRecorder{}
	h := newHarness(t, router.PreferenceAuto, func(_ *Config, d *Deps) { d.Usage = rec })

	_, err := h.orch.MakeAPIRequest(context.Background(), "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, int32(1), rec.calls.Load())
}

// =============================================================================
// GENERATORS
// =============================================================================

func drawGenerationOptions(t *rapid.T) RequestOptions {
	var o RequestOptions
	if rapid.Bool().Draw(t, "hasMaxTokens") {
		o.MaxTokens = Int(rapid.IntRange(1, 8192).Draw(t, "maxTokens"))
	}
	if rapid.Bool().Draw(t, "hasTemperature") {
		o.Temperature = Float(rapid.Float64Range(0, 2).Draw(t, "temperature"))
	}
	o.StopSequences = rapid.SliceOfN(rapid.String(), 0, 3).Draw(t, "stop")
	o.TaskType = rapid.SampledFrom([]router.TaskType{
		router.TaskNone, router.TaskChat, router.TaskExplanation, router.TaskCodeGeneration,
	}).Draw(t, "taskType")
	return o
}

func drawOptBool(t *rapid.T, label string) *bool {
	switch rapid.IntRange(0, 2).Draw(t, label) {
	case 0:
		return nil
	case 1:
		return Bool(true)
	default:
		return Bool(false)
	}
}
