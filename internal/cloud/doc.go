// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cloud provides OpenRouter integration for cloud LLM inference.
//
// OpenRouter provides access to multiple LLM providers through a single API.
// OpenRouterClient implements tier.Completer and is wrapped by
// tier.CloudTier; it never retries, so the orchestrator's LOCAL -> CLOUD
// fallback is the only retry in the system.
//
// # Key Types
//
//   - OpenRouterClient: chat completions client with optional throttling
//   - OpenRouterError: API error carrying the HTTP status
//
// # Usage
//
//	client := cloud.NewOpenRouterClient(apiKey).
//	    WithRateLimit(2, 4).
//	    WithTimeout(60 * time.Second)
//	client.SetModel("sonnet")
//	cloudTier := tier.NewCloudTier(client)
package cloud
