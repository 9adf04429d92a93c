// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package llamacpp

// =============================================================================
// REQUEST TYPES
// =============================================================================

// TokenizeRequest is the request body for /tokenize.
type TokenizeRequest struct {
	Content    string `json:"content"`
	AddSpecial bool   `json:"add_special"`
}

// DetokenizeRequest is the request body for /detokenize.
type DetokenizeRequest struct {
	Tokens []int `json:"tokens"`
}

// CompletionRequest is the request body for /completion.
// Prompt is sent as a token array so the server never re-tokenizes.
type CompletionRequest struct {
	Prompt       []int    `json:"prompt"`
	NPredict     int      `json:"n_predict,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
	Stop         []string `json:"stop,omitempty"`
	Stream       bool     `json:"stream"`
	ReturnTokens bool     `json:"return_tokens"`
	CachePrompt  bool     `json:"cache_prompt"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// TokenizeResponse is the response body of /tokenize.
type TokenizeResponse struct {
	Tokens []int `json:"tokens"`
}

// DetokenizeResponse is the response body of /detokenize.
type DetokenizeResponse struct {
	Content string `json:"content"`
}

// CompletionResponse is the response body of /completion.
type CompletionResponse struct {
	Content         string `json:"content"`
	Tokens          []int  `json:"tokens"`
	TokensPredicted int    `json:"tokens_predicted"`
	TokensEvaluated int    `json:"tokens_evaluated"`
	Stop            bool   `json:"stop"`
	StopType        string `json:"stop_type,omitempty"`
	Truncated       bool   `json:"truncated"`
}

// HealthResponse is the response body of /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// serverError is the error body returned by the server.
type serverError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}
