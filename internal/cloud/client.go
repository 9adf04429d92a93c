// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/jeranaias/rigrun-router/internal/tier"
)

const (
	DefaultOpenRouterURL = "https://openrouter.ai/api/v1"
	DefaultModel         = "openrouter/auto"
	DefaultTimeout       = 60 * time.Second
	DefaultUserAgent     = "rigrun"

	// MaxResponseSize caps a response body; larger bodies are rejected.
	MaxResponseSize = 10 << 20

	// appTitle identifies requests on the OpenRouter dashboard.
	appTitle = "rigrun"
	appURL   = "https://rigrun.local"
)

// OpenRouterModels maps friendly names to full model identifiers.
var OpenRouterModels = map[string]string{
	"auto":   "openrouter/auto",
	"haiku":  "anthropic/claude-3.5-haiku",
	"sonnet": "anthropic/claude-3.5-sonnet",
	"opus":   "anthropic/claude-3-opus",
	"gpt4o":  "openai/gpt-4o",
	"mini":   "openai/gpt-4o-mini",
}

// Sentinels linked from *OpenRouterError by HTTP status.
var (
	ErrNotConfigured       = errors.New("OpenRouter API key not configured")
	ErrAuthFailed          = errors.New("authentication failed")
	ErrRateLimited         = errors.New("rate limited")
	ErrModelNotFound       = errors.New("model not found")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrEmptyResponse       = errors.New("completion had no choices")
)

// statusSentinels maps provider statuses onto the sentinels above.
var statusSentinels = map[int]error{
	http.StatusUnauthorized:    ErrAuthFailed,
	http.StatusForbidden:       ErrAuthFailed,
	http.StatusPaymentRequired: ErrInsufficientCredits,
	http.StatusNotFound:        ErrModelNotFound,
	http.StatusTooManyRequests: ErrRateLimited,
}

// OpenRouterError represents an error from the OpenRouter API.
// It satisfies tier.HTTPStatusError so the status survives translation.
type OpenRouterError struct {
	Code    string
	Message string
	Status  int
	// Err is the matching sentinel (ErrRateLimited, ...), if any.
	Err error
}

// Error implements the error interface.
func (e *OpenRouterError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("OpenRouter error [%s] (HTTP %d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("OpenRouter error (HTTP %d): %s", e.Status, e.Message)
}

// Unwrap returns the sentinel error for errors.Is checks.
func (e *OpenRouterError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code of the failed response.
func (e *OpenRouterError) HTTPStatus() int {
	return e.Status
}

// =============================================================================
// WIRE TYPES
// =============================================================================

// ChatMessage represents a single message in a chat conversation.
// Content is either a string or a []ContentPart.
type ChatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// ContentPart is one block of a multi-part message.
type ContentPart struct {
	Type         string        `json:"type"`
	Text         string        `json:"text"`
	CacheControl *CacheControl `json:"cache_control,omitempty"`
}

// CacheControl marks a content part for provider-side prompt caching.
type CacheControl struct {
	Type string `json:"type"`
}

// ChatRequest represents a request to the chat completions endpoint.
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
}

// ChatResponse represents a response from the chat completions endpoint.
type ChatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
}

// Usage is the token accounting block of a response.
type Usage struct {
	PromptTokens        int `json:"prompt_tokens"`
	CompletionTokens    int `json:"completion_tokens"`
	TotalTokens         int `json:"total_tokens"`
	PromptTokensDetails *struct {
		CachedTokens *int `json:"cached_tokens"`
	} `json:"prompt_tokens_details,omitempty"`
}

// GetContent returns the content of the first choice, or empty string if none.
func (r *ChatResponse) GetContent() string {
	if len(r.Choices) > 0 {
		return r.Choices[0].Message.Content
	}
	return ""
}

// apiErrorResponse represents an error response from the API.
type apiErrorResponse struct {
	Error struct {
		Code    any    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// =============================================================================
// CLIENT
// =============================================================================

// OpenRouterClient is a client for communicating with the OpenRouter API.
//
// Every call makes exactly one HTTP attempt; retrying is left to the caller.
// The client is safe for concurrent use once configured.
type OpenRouterClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	model      string
	timeout    time.Duration
	userAgent  string
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewOpenRouterClient creates a new OpenRouter client with the given API key.
//
// If the API key is empty, the client will still be created but requests
// will fail with ErrNotConfigured.
func NewOpenRouterClient(apiKey string) *OpenRouterClient {
	return &OpenRouterClient{
		apiKey:  strings.TrimSpace(apiKey),
		baseURL: DefaultOpenRouterURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		model:     DefaultModel,
		timeout:   DefaultTimeout,
		userAgent: DefaultUserAgent,
		logger:    slog.Default(),
	}
}

// WithBaseURL sets a custom base URL for the API.
func (c *OpenRouterClient) WithBaseURL(url string) *OpenRouterClient {
	if url != "" {
		c.baseURL = strings.TrimSuffix(url, "/")
	}
	return c
}

// WithTimeout sets the request timeout.
func (c *OpenRouterClient) WithTimeout(timeout time.Duration) *OpenRouterClient {
	if timeout > 0 {
		c.timeout = timeout
		c.httpClient.Timeout = timeout
	}
	return c
}

// WithRateLimit throttles outgoing requests to rps per second with the given
// burst. rps <= 0 disables throttling.
func (c *OpenRouterClient) WithRateLimit(rps float64, burst int) *OpenRouterClient {
	if rps <= 0 {
		c.limiter = nil
		return c
	}
	if burst < 1 {
		burst = 1
	}
	c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	return c
}

// WithLogger sets the logger used for request/response lines.
func (c *OpenRouterClient) WithLogger(logger *slog.Logger) *OpenRouterClient {
	if logger != nil {
		c.logger = logger
	}
	return c
}

// WithUserAgent sets the User-Agent header, typically "rigrun/<version>".
func (c *OpenRouterClient) WithUserAgent(ua string) *OpenRouterClient {
	if ua != "" {
		c.userAgent = ua
	}
	return c
}

// SetModel sets the model to use for requests. Friendly names from
// OpenRouterModels are expanded.
func (c *OpenRouterClient) SetModel(model string) {
	if model == "" {
		return
	}
	if fullModel, ok := OpenRouterModels[model]; ok {
		c.model = fullModel
	} else {
		c.model = model
	}
}

// GetModel returns the current model.
func (c *OpenRouterClient) GetModel() string {
	return c.model
}

// IsConfigured returns true if the client has an API key configured.
func (c *OpenRouterClient) IsConfigured() bool {
	return c.apiKey != ""
}

// APIKeyMasked returns a masked version of the API key for display.
// No part of the key is shown; a short SHA-256 fingerprint identifies it.
func (c *OpenRouterClient) APIKeyMasked() string {
	return MaskKey(c.apiKey)
}

// MaskKey renders an API key for display without exposing any of it.
func MaskKey(apiKey string) string {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return "[not set]"
	}
	h := sha256.Sum256([]byte(apiKey))
	return fmt.Sprintf("[REDACTED, length=%d, fingerprint=%s]", len(apiKey), hex.EncodeToString(h[:4]))
}

// =============================================================================
// COMPLETION
// =============================================================================

// Complete implements tier.Completer with a single chat completion request.
func (c *OpenRouterClient) Complete(ctx context.Context, prompt string, opts tier.RequestOptions) (*tier.Completion, error) {
	resp, err := c.Chat(ctx, []ChatMessage{userMessage(prompt, opts.CacheStrategy)}, opts)
	if err != nil {
		return nil, err
	}

	completion := &tier.Completion{Content: resp.GetContent()}
	if u := resp.Usage; u != nil {
		completion.Usage = &tier.ProviderUsage{
			PromptTokens:     u.PromptTokens,
			CompletionTokens: u.CompletionTokens,
		}
		if u.PromptTokensDetails != nil {
			completion.Usage.CacheReadTokens = u.PromptTokensDetails.CachedTokens
		}
	}
	return completion, nil
}

func userMessage(prompt, cacheStrategy string) ChatMessage {
	if cacheStrategy == "" {
		return ChatMessage{Role: "user", Content: prompt}
	}
	return ChatMessage{
		Role: "user",
		Content: []ContentPart{{
			Type:         "text",
			Text:         prompt,
			CacheControl: &CacheControl{Type: cacheStrategy},
		}},
	}
}

// Chat performs one chat completion request with the given messages.
func (c *OpenRouterClient) Chat(ctx context.Context, messages []ChatMessage, opts tier.RequestOptions) (*ChatResponse, error) {
	if !c.IsConfigured() {
		return nil, ErrNotConfigured
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("%w: %v", ErrRateLimited, err)
		}
	}

	reqBody := ChatRequest{
		Model:       c.model,
		Messages:    messages,
		Stream:      false,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
		Stop:        opts.StopSequences,
	}

	resp, err := c.doRequest(ctx, c.baseURL+"/chat/completions", reqBody)
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, ErrEmptyResponse
	}
	return resp, nil
}

func (c *OpenRouterClient) setHeaders(h http.Header) {
	h.Set("Authorization", "Bearer "+c.apiKey)
	h.Set("Content-Type", "application/json")
	h.Set("User-Agent", c.userAgent)
	h.Set("HTTP-Referer", appURL)
	h.Set("X-Title", appTitle)
}

// readBody reads at most MaxResponseSize bytes. A body that reaches the cap
// is rejected rather than parsed truncated.
func readBody(r io.Reader) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, MaxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("read cloud response: %w", err)
	}
	if len(body) > MaxResponseSize {
		return nil, fmt.Errorf("cloud response larger than %d bytes", MaxResponseSize)
	}
	return body, nil
}

// doRequest performs a single HTTP request to the chat completions endpoint.
func (c *OpenRouterClient) doRequest(ctx context.Context, requestURL string, reqBody ChatRequest) (*ChatResponse, error) {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("encode cloud request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, requestURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build cloud request: %w", err)
	}
	c.setHeaders(req.Header)

	// Headers and bodies are never logged; they carry the key and the prompt.
	c.logger.Debug("cloud request", "method", req.Method, "path", req.URL.Path, "model", reqBody.Model)
	start := time.Now()

	resp, err := c.httpClient.Do(req)
	req.Header.Del("Authorization")
	if err != nil {
		return nil, fmt.Errorf("cloud request: %w", err)
	}
	defer resp.Body.Close()

	c.logger.Debug("cloud response", "status", resp.StatusCode, "duration", time.Since(start))

	body, err := readBody(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, handleErrorResponse(resp.StatusCode, body)
	}

	var chatResp ChatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return nil, fmt.Errorf("decode cloud response: %w", err)
	}

	return &chatResp, nil
}

// handleErrorResponse converts HTTP error responses to *OpenRouterError,
// linking the matching sentinel for errors.Is.
func handleErrorResponse(statusCode int, body []byte) error {
	orErr := &OpenRouterError{Status: statusCode}

	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		orErr.Message = apiErr.Error.Message
		if apiErr.Error.Code != nil {
			orErr.Code = fmt.Sprint(apiErr.Error.Code)
		}
	} else {
		orErr.Message = strings.TrimSpace(string(body))
		if orErr.Message == "" {
			orErr.Message = http.StatusText(statusCode)
		}
	}

	orErr.Err = statusSentinels[statusCode]
	return orErr
}

// ValidateAPIKey reports whether apiKey looks like an OpenRouter key: the
// "sk-or-" prefix, at least 32 more characters, and enough distinct
// characters to rule out placeholders. Nothing is sent to OpenRouter.
func ValidateAPIKey(apiKey string) bool {
	body, ok := strings.CutPrefix(strings.TrimSpace(apiKey), "sk-or-")
	if !ok || len(body) < 32 {
		return false
	}
	distinct := make(map[rune]struct{}, 16)
	for _, r := range body {
		distinct[r] = struct{}{}
	}
	return len(distinct) >= 10
}
