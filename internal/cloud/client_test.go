// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/rigrun-router/internal/router"
	"github.com/jeranaias/rigrun-router/internal/tier"
)

const testKey = "sk-or-test-abcdefghijklmnopqrstuvwxyz0123456789"

const okBody = `{
	"id": "gen-1",
	"model": "anthropic/claude-3.5-sonnet",
	"choices": [{
		"message": {"role": "assistant", "content": "test response"},
		"finish_reason": "stop"
	}],
	"usage": {"prompt_tokens": 10, "completion_tokens": 20, "total_tokens": 30}
}`

// newTestServer returns a server that records request bodies and replies
// with status and body.
func newTestServer(t *testing.T, status int, body string) (*httptest.Server, *atomic.Int32, *[]ChatRequest) {
	t.Helper()
	var count atomic.Int32
	var mu sync.Mutex
	var requests []ChatRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count.Add(1)
		raw, _ := io.ReadAll(r.Body)
		var req ChatRequest
		_ = json.Unmarshal(raw, &req)
		mu.Lock()
		requests = append(requests, req)
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return server, &count, &requests
}

// =============================================================================
// COMPLETION TESTS
// =============================================================================

func TestComplete(t *testing.T) {
	server, count, requests := newTestServer(t, http.StatusOK, okBody)

	client := NewOpenRouterClient(testKey).WithBaseURL(server.URL)
	client.SetModel("sonnet")

	maxTokens := 256
	temp := 0.2
	completion, err := client.Complete(context.Background(), "hello", tier.RequestOptions{
		MaxTokens:     &maxTokens,
		Temperature:   &temp,
		StopSequences: []string{"END"},
	})
	require.NoError(t, err)

	assert.Equal(t, "test response", completion.Content)
	require.NotNil(t, completion.Usage)
	assert.Equal(t, 10, completion.Usage.PromptTokens)
	assert.Equal(t, 20, completion.Usage.CompletionTokens)
	assert.Nil(t, completion.Usage.CacheReadTokens)

	require.Equal(t, int32(1), count.Load())
	req := (*requests)[0]
	assert.Equal(t, "anthropic/claude-3.5-sonnet", req.Model)
	assert.False(t, req.Stream)
	require.NotNil(t, req.MaxTokens)
	assert.Equal(t, 256, *req.MaxTokens)
	require.NotNil(t, req.Temperature)
	assert.Equal(t, 0.2, *req.Temperature)
	assert.Equal(t, []string{"END"}, req.Stop)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "user", req.Messages[0].Role)
	assert.Equal(t, "hello", req.Messages[0].Content)
}

func TestCompleteOmitsUnsetOptions(t *testing.T) {
	var raw string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		raw = string(b)
		w.Write([]byte(okBody))
	}))
	defer server.Close()

	client := NewOpenRouterClient(testKey).WithBaseURL(server.URL)
	_, err := client.Complete(context.Background(), "hi", tier.RequestOptions{})
	require.NoError(t, err)

	assert.NotContains(t, raw, "max_tokens")
	assert.NotContains(t, raw, "temperature")
	assert.NotContains(t, raw, "stop\"")
}

func TestCompleteCacheStrategy(t *testing.T) {
	var raw string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		raw = string(b)
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"ok"}}],
			"usage":{"prompt_tokens":5,"completion_tokens":1,"prompt_tokens_details":{"cached_tokens":4}}}`))
	}))
	defer server.Close()

	client := NewOpenRouterClient(testKey).WithBaseURL(server.URL)
	completion, err := client.Complete(context.Background(), "long shared prefix", tier.RequestOptions{CacheStrategy: "ephemeral"})
	require.NoError(t, err)

	assert.Contains(t, raw, `"cache_control":{"type":"ephemeral"}`)
	assert.Contains(t, raw, `"text":"long shared prefix"`)
	require.NotNil(t, completion.Usage.CacheReadTokens)
	assert.Equal(t, 4, *completion.Usage.CacheReadTokens)
}

func TestCompleteMissingUsage(t *testing.T) {
	server, _, _ := newTestServer(t, http.StatusOK, `{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`)

	completion, err := NewOpenRouterClient(testKey).WithBaseURL(server.URL).
		Complete(context.Background(), "q", tier.RequestOptions{})
	require.NoError(t, err)
	assert.Nil(t, completion.Usage)
}

func TestCompleteEmptyChoices(t *testing.T) {
	server, _, _ := newTestServer(t, http.StatusOK, `{"id":"x","choices":[]}`)

	_, err := NewOpenRouterClient(testKey).WithBaseURL(server.URL).
		Complete(context.Background(), "q", tier.RequestOptions{})
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestCompleteNotConfigured(t *testing.T) {
	_, err := NewOpenRouterClient("  ").Complete(context.Background(), "q", tier.RequestOptions{})
	assert.ErrorIs(t, err, ErrNotConfigured)
}

// =============================================================================
// ERROR HANDLING TESTS
// =============================================================================

func TestErrorResponses(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		sentinel error
		code     string
	}{
		{"unauthorized", 401, `{"error":{"code":401,"message":"No auth credentials found"}}`, ErrAuthFailed, "401"},
		{"credits", 402, `{"error":{"message":"Insufficient credits"}}`, ErrInsufficientCredits, ""},
		{"model", 404, `{"error":{"code":"model_not_found","message":"No such model"}}`, ErrModelNotFound, "model_not_found"},
		{"rate limited", 429, `{"error":{"message":"slow down"}}`, ErrRateLimited, ""},
		{"server error", 502, `upstream exploded`, nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, count, _ := newTestServer(t, tt.status, tt.body)
			client := NewOpenRouterClient(testKey).WithBaseURL(server.URL)

			_, err := client.Complete(context.Background(), "q", tier.RequestOptions{})
			require.Error(t, err)

			var orErr *OpenRouterError
			require.True(t, errors.As(err, &orErr))
			assert.Equal(t, tt.status, orErr.HTTPStatus())
			assert.Equal(t, tt.code, orErr.Code)
			if tt.sentinel != nil {
				assert.ErrorIs(t, err, tt.sentinel)
			}
			assert.Equal(t, int32(1), count.Load(), "client must not retry")
		})
	}
}

// TestErrorStatusReachesTier verifies the HTTP status survives translation
// into a tier error.
func TestErrorStatusReachesTier(t *testing.T) {
	server, _, _ := newTestServer(t, http.StatusServiceUnavailable, `{"error":{"message":"overloaded"}}`)
	cloudTier := tier.NewCloudTier(NewOpenRouterClient(testKey).WithBaseURL(server.URL))

	_, err := cloudTier.MakeRequest(context.Background(), "q", tier.RequestOptions{})

	var tierErr *tier.Error
	require.True(t, errors.As(err, &tierErr))
	assert.Equal(t, tier.KindProvider, tierErr.Kind)
	assert.Equal(t, http.StatusServiceUnavailable, tierErr.Status)
	assert.Equal(t, router.TierCloud, tierErr.Tier)
	assert.Contains(t, err.Error(), "overloaded")
}

func TestOpenRouterError(t *testing.T) {
	errWithCode := &OpenRouterError{Code: "invalid_api_key", Message: "API key is invalid", Status: 401}
	assert.Equal(t, "OpenRouter error [invalid_api_key] (HTTP 401): API key is invalid", errWithCode.Error())

	errNoCode := &OpenRouterError{Message: "Server error", Status: 500}
	assert.Equal(t, "OpenRouter error (HTTP 500): Server error", errNoCode.Error())
}

func TestContextDeadline(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	cloudTier := tier.NewCloudTier(NewOpenRouterClient(testKey).WithBaseURL(server.URL))
	_, err := cloudTier.MakeRequest(ctx, "q", tier.RequestOptions{})
	assert.True(t, tier.IsKind(err, tier.KindTimeout), "got %v", err)
}

// =============================================================================
// RATE LIMIT TESTS
// =============================================================================

func TestRateLimitThrottles(t *testing.T) {
	server, count, _ := newTestServer(t, http.StatusOK, okBody)
	client := NewOpenRouterClient(testKey).WithBaseURL(server.URL).WithRateLimit(20, 1)

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := client.Complete(context.Background(), "q", tier.RequestOptions{})
		require.NoError(t, err)
	}

	// Two waits of ~50ms after the initial burst token.
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
	assert.Equal(t, int32(3), count.Load())
}

func TestRateLimitRespectsDeadline(t *testing.T) {
	server, count, _ := newTestServer(t, http.StatusOK, okBody)
	client := NewOpenRouterClient(testKey).WithBaseURL(server.URL).WithRateLimit(0.1, 1)

	_, err := client.Complete(context.Background(), "q", tier.RequestOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = client.Complete(ctx, "q", tier.RequestOptions{})
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, int32(1), count.Load())
}

// =============================================================================
// CONCURRENT ACCESS TESTS
// =============================================================================

// TestComplete_Concurrent verifies the client can be shared across goroutines.
func TestComplete_Concurrent(t *testing.T) {
	server, count, _ := newTestServer(t, http.StatusOK, okBody)
	client := NewOpenRouterClient(testKey).WithBaseURL(server.URL)

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := client.Complete(ctx, "hello", tier.RequestOptions{}); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("concurrent Complete error: %v", err)
	}
	assert.Equal(t, int32(50), count.Load())
}

// =============================================================================
// CLIENT CONFIGURATION TESTS
// =============================================================================

func TestNewOpenRouterClient(t *testing.T) {
	client := NewOpenRouterClient(testKey)
	assert.True(t, client.IsConfigured())
	assert.Equal(t, DefaultModel, client.GetModel())

	assert.False(t, NewOpenRouterClient("").IsConfigured())
}

func TestSetModel(t *testing.T) {
	client := NewOpenRouterClient(testKey)

	client.SetModel("haiku")
	assert.Equal(t, "anthropic/claude-3.5-haiku", client.GetModel())

	client.SetModel("mistralai/mistral-large")
	assert.Equal(t, "mistralai/mistral-large", client.GetModel())

	client.SetModel("")
	assert.Equal(t, "mistralai/mistral-large", client.GetModel(), "empty model keeps the current one")
}

func TestHeaders(t *testing.T) {
	var got http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.Write([]byte(okBody))
	}))
	defer server.Close()

	client := NewOpenRouterClient(testKey).WithBaseURL(server.URL + "/").WithUserAgent("rigrun/test")
	_, err := client.Complete(context.Background(), "q", tier.RequestOptions{})
	require.NoError(t, err)

	assert.Equal(t, "Bearer "+testKey, got.Get("Authorization"))
	assert.Equal(t, "application/json", got.Get("Content-Type"))
	assert.Equal(t, "rigrun/test", got.Get("User-Agent"))
	assert.Equal(t, "rigrun", got.Get("X-Title"))
}

// TestAPIKeyMasked verifies API key masking for display using fingerprints.
func TestAPIKeyMasked(t *testing.T) {
	tests := []struct {
		name           string
		apiKey         string
		expectedPrefix string
	}{
		{"empty key", "", "[not set]"},
		{"short key", "abc", "[REDACTED, length=3, fingerprint="},
		{"normal key", "sk-or-test-abc123", "[REDACTED, length=17, fingerprint="},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			masked := NewOpenRouterClient(tc.apiKey).APIKeyMasked()
			if !strings.HasPrefix(masked, tc.expectedPrefix) {
				t.Errorf("Expected masked key to start with %q, got %q", tc.expectedPrefix, masked)
			}
			if tc.apiKey != "" && strings.Contains(masked, tc.apiKey) {
				t.Errorf("Masked key should not contain the original key, got %q", masked)
			}
		})
	}
}

func TestValidateAPIKey(t *testing.T) {
	tests := []struct {
		name   string
		apiKey string
		valid  bool
	}{
		{"valid key", "sk-or-v1-abcdefghijklmnopqrstuvwxyz0123456789", true},
		{"wrong prefix", "sk-abc-test-key-here", false},
		{"too short", "sk-or-short", false},
		{"low entropy", "sk-or-aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", false},
		{"empty", "", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := ValidateAPIKey(tc.apiKey); got != tc.valid {
				t.Errorf("ValidateAPIKey(%q) = %v, expected %v", tc.apiKey, got, tc.valid)
			}
		})
	}
}
