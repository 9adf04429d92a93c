// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package router

import (
	"fmt"
	"unicode/utf8"
)

// LongPromptThreshold is the prompt length, in characters, above which the
// heuristic sends a request to CLOUD.
const LongPromptThreshold = 1000

// Router turns a prompt and its task type into a tier.
// It holds no mutable state; the preference is read from its source on
// every call.
type Router struct {
	prefs PreferenceSource
}

// New creates a router. A nil source behaves as PreferenceAuto.
func New(prefs PreferenceSource) *Router {
	if prefs == nil {
		prefs = StaticPreference(PreferenceAuto)
	}
	return &Router{prefs: prefs}
}

// Route returns the tier that should serve the prompt.
func (r *Router) Route(taskType TaskType, prompt string, opts RouteOptions) Tier {
	return r.RouteDetailed(taskType, prompt, opts).Tier
}

// RouteDetailed makes a routing decision and reports how it was reached.
//
// Decision order (do not reorder):
//  1. force_local / force_cloud win unconditionally
//  2. the heuristic tier is computed
//  3. prefer_local / prefer_cloud override the heuristic
//  4. auto (and anything unrecognised) returns the heuristic tier
func (r *Router) RouteDetailed(taskType TaskType, prompt string, opts RouteOptions) RoutingDecision {
	if taskType == TaskNone {
		taskType = opts.TaskType
	}
	taskType = ParseTaskType(string(taskType))

	// Exactly one read per decision.
	pref, _ := ParsePreference(string(r.prefs.Preference()))

	chars := utf8.RuneCountInString(prompt)
	decision := RoutingDecision{
		Preference:  pref,
		TaskType:    taskType,
		PromptChars: chars,
	}

	switch pref {
	case PreferenceForceLocal:
		decision.Heuristic, _ = heuristic(taskType, chars)
		decision.Tier = TierLocal
		decision.Reason = "forced local by preference"
		return decision
	case PreferenceForceCloud:
		decision.Heuristic, _ = heuristic(taskType, chars)
		decision.Tier = TierCloud
		decision.Reason = "forced cloud by preference"
		return decision
	}

	tier, why := heuristic(taskType, chars)
	decision.Heuristic = tier

	switch pref {
	case PreferencePreferLocal:
		decision.Tier = TierLocal
		decision.Reason = fmt.Sprintf("prefer_local overrides heuristic (%s)", why)
	case PreferencePreferCloud:
		decision.Tier = TierCloud
		decision.Reason = fmt.Sprintf("prefer_cloud overrides heuristic (%s)", why)
	default:
		decision.Tier = tier
		decision.Reason = why
	}
	return decision
}

// Heuristic returns the tier the rule-based classifier picks for a prompt,
// ignoring any preference.
func Heuristic(taskType TaskType, prompt string) Tier {
	tier, _ := heuristic(taskType, utf8.RuneCountInString(prompt))
	return tier
}

func heuristic(taskType TaskType, chars int) (Tier, string) {
	if taskType.NeedsCloud() {
		return TierCloud, fmt.Sprintf("task type %s requires cloud", taskType)
	}
	if chars > LongPromptThreshold {
		return TierCloud, fmt.Sprintf("prompt length %d exceeds %d characters", chars, LongPromptThreshold)
	}
	return TierLocal, "short prompt, local is sufficient"
}
