// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package router

import (
	"fmt"
	"strings"
)

// ============================================================================
// TIER TYPE
// ============================================================================

// Tier identifies the backend that serves a completion.
// Ordered by cost/capability: Local < Cloud.
type Tier int

const (
	// TierLocal represents on-device inference (low latency, small context).
	TierLocal Tier = iota
	// TierCloud represents the remote completion service (higher capability).
	TierCloud
)

// String returns the canonical upper-case name of the tier.
func (t Tier) String() string {
	switch t {
	case TierLocal:
		return "LOCAL"
	case TierCloud:
		return "CLOUD"
	default:
		return fmt.Sprintf("Tier(%d)", t)
	}
}

// IsLocal returns true for the on-device tier.
func (t Tier) IsLocal() bool {
	return t == TierLocal
}

// Escalate returns the tier to fall back to when this tier fails.
// Returns nil if there is no higher tier; fallback only ever moves
// LOCAL -> CLOUD.
func (t Tier) Escalate() *Tier {
	if t != TierLocal {
		return nil
	}
	next := TierCloud
	return &next
}

// MarshalText implements encoding.TextMarshaler.
func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Tier) UnmarshalText(b []byte) error {
	parsed, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ParseTier parses a tier name ("local", "LOCAL", "cloud", ...).
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "local":
		return TierLocal, nil
	case "cloud":
		return TierCloud, nil
	default:
		return TierLocal, fmt.Errorf("unknown tier %q", s)
	}
}

// ============================================================================
// PREFERENCE
// ============================================================================

// Preference is the user's routing preference.
type Preference string

const (
	// PreferenceAuto routes by heuristic alone.
	PreferenceAuto Preference = "auto"
	// PreferenceForceLocal always routes LOCAL.
	PreferenceForceLocal Preference = "force_local"
	// PreferenceForceCloud always routes CLOUD.
	PreferenceForceCloud Preference = "force_cloud"
	// PreferencePreferLocal routes LOCAL, overriding the heuristic.
	PreferencePreferLocal Preference = "prefer_local"
	// PreferencePreferCloud routes CLOUD, overriding the heuristic.
	PreferencePreferCloud Preference = "prefer_cloud"
)

// PreferIsUnconditional records, rather than selects, how prefer_local and
// prefer_cloud behave: Route always honours them over the heuristic, exactly
// like force_*. Nothing branches on it; TestPreferIsUnconditionalOverride
// asserts it alongside the routing table so a change to either shows up.
const PreferIsUnconditional = true

// ValidPreferences lists the canonical preference values.
var ValidPreferences = []Preference{
	PreferenceAuto,
	PreferenceForceLocal,
	PreferenceForceCloud,
	PreferencePreferLocal,
	PreferencePreferCloud,
}

// ParsePreference normalises a preference string. Both snake_case and
// camelCase spellings are accepted ("force_local", "forceLocal").
// The second return value is false for unrecognised input, in which case
// PreferenceAuto is returned.
func ParsePreference(s string) (Preference, bool) {
	key := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "_", ""))
	switch key {
	case "", "auto":
		return PreferenceAuto, key == "auto" || key == ""
	case "forcelocal":
		return PreferenceForceLocal, true
	case "forcecloud":
		return PreferenceForceCloud, true
	case "preferlocal":
		return PreferencePreferLocal, true
	case "prefercloud":
		return PreferencePreferCloud, true
	default:
		return PreferenceAuto, false
	}
}

// PreferenceSource supplies the current routing preference.
// Implementations may change their answer between calls.
type PreferenceSource interface {
	Preference() Preference
}

// StaticPreference is a PreferenceSource that never changes.
type StaticPreference Preference

// Preference implements PreferenceSource.
func (p StaticPreference) Preference() Preference {
	return Preference(p)
}

// PreferenceFunc adapts a function to PreferenceSource.
type PreferenceFunc func() Preference

// Preference implements PreferenceSource.
func (f PreferenceFunc) Preference() Preference {
	return f()
}

// ============================================================================
// TASK TYPE
// ============================================================================

// TaskType is the caller-declared kind of work a prompt represents.
type TaskType string

const (
	// TaskNone means the caller did not declare a task type.
	TaskNone TaskType = ""
	// TaskCodeGeneration represents writing new code.
	TaskCodeGeneration TaskType = "code_generation"
	// TaskComplexReasoning represents multi-step analysis.
	TaskComplexReasoning TaskType = "complex_reasoning"
	// TaskExplanation represents how/why explanations.
	TaskExplanation TaskType = "explanation"
	// TaskCompletion represents inline code or text completion.
	TaskCompletion TaskType = "completion"
	// TaskSummarization represents condensing content.
	TaskSummarization TaskType = "summarization"
	// TaskChat represents general conversation.
	TaskChat TaskType = "chat"
)

// ParseTaskType normalises a task type string. camelCase spellings used by
// editor integrations ("codeGeneration") map onto the snake_case constants.
// Unknown values are kept verbatim so they still take part in cache keys.
func ParseTaskType(s string) TaskType {
	s = strings.TrimSpace(s)
	switch strings.ToLower(strings.ReplaceAll(s, "_", "")) {
	case "":
		return TaskNone
	case "codegeneration":
		return TaskCodeGeneration
	case "complexreasoning":
		return TaskComplexReasoning
	case "explanation":
		return TaskExplanation
	case "completion":
		return TaskCompletion
	case "summarization":
		return TaskSummarization
	case "chat":
		return TaskChat
	default:
		return TaskType(s)
	}
}

// NeedsCloud reports whether the task type alone sends a request to CLOUD.
func (t TaskType) NeedsCloud() bool {
	return t == TaskCodeGeneration || t == TaskComplexReasoning
}

// ============================================================================
// ROUTING DECISION
// ============================================================================

// RouteOptions carries per-request routing hints.
type RouteOptions struct {
	// TaskType is consulted when the explicit task type argument is empty.
	TaskType TaskType
}

// RoutingDecision contains the full routing analysis for a prompt.
type RoutingDecision struct {
	// Tier is the selected tier.
	Tier Tier `json:"tier"`
	// Heuristic is what the heuristic alone would have picked.
	Heuristic Tier `json:"heuristic"`
	// Preference is the preference value read for this decision.
	Preference Preference `json:"preference"`
	// TaskType is the effective task type.
	TaskType TaskType `json:"task_type,omitempty"`
	// PromptChars is the prompt length in characters.
	PromptChars int `json:"prompt_chars"`
	// Reason explains why this tier was chosen.
	Reason string `json:"reason"`
}

// String returns a human-readable summary of the routing decision.
func (d RoutingDecision) String() string {
	return fmt.Sprintf("%s (preference=%s, heuristic=%s, chars=%d): %s",
		d.Tier, d.Preference, d.Heuristic, d.PromptChars, d.Reason)
}
