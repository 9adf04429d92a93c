// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package router decides which model tier serves a prompt.
//
// Two tiers exist: LOCAL (on-device inference) and CLOUD (remote completion
// service). The decision combines a user preference with a cheap heuristic:
//
//	force_local / force_cloud    -> unconditional, heuristic ignored
//	heuristic                    -> code_generation / complex_reasoning -> CLOUD
//	                                prompt longer than 1000 characters  -> CLOUD
//	                                otherwise                           -> LOCAL
//	prefer_local / prefer_cloud  -> unconditional override of the heuristic
//	auto (default)               -> heuristic
//
// # Key Types
//
//   - Router: routing decision function bound to a PreferenceSource
//   - Tier: LOCAL or CLOUD
//   - Preference: the user's routing preference
//   - TaskType: caller-declared kind of work
//   - RoutingDecision: chosen tier plus the reasoning behind it
//
// # Usage
//
//	r := router.New(router.StaticPreference(router.PreferenceAuto))
//	switch r.Route(router.TaskExplanation, prompt, router.RouteOptions{}) {
//	case router.TierLocal:
//	    // on-device engine
//	case router.TierCloud:
//	    // remote completion service
//	}
//
// The preference is read from its source on every decision and is never
// cached, so a live config reload takes effect on the next request.
package router
