// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package prompt tailors prompt text for the tier that will serve it.
//
// Formatters are pure: the orchestrator may format the same prompt twice
// (once for the routed tier, once more for the fallback tier).
package prompt

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/jeranaias/rigrun-router/internal/router"
)

// Formatter adapts a prompt for a tier.
type Formatter interface {
	Format(prompt string, t router.Tier) string
}

// FormatterFunc adapts a function to Formatter.
type FormatterFunc func(prompt string, t router.Tier) string

// Format implements Formatter.
func (f FormatterFunc) Format(prompt string, t router.Tier) string {
	return f(prompt, t)
}

// Identity returns every prompt unchanged.
var Identity Formatter = FormatterFunc(func(prompt string, _ router.Tier) string {
	return prompt
})

// =============================================================================
// TEMPLATES
// =============================================================================

// TemplateData is the value templates execute against.
type TemplateData struct {
	Prompt string
	Tier   string
}

// Templates formats prompts with a per-tier text/template.
// Tiers without a template pass through unchanged.
type Templates struct {
	byTier map[router.Tier]*template.Template
}

// NewTemplates parses the LOCAL and CLOUD templates. An empty or
// whitespace-only template means pass-through for that tier.
func NewTemplates(local, cloud string) (*Templates, error) {
	t := &Templates{byTier: make(map[router.Tier]*template.Template, 2)}

	for tier, text := range map[router.Tier]string{router.TierLocal: local, router.TierCloud: cloud} {
		if strings.TrimSpace(text) == "" {
			continue
		}
		tmpl, err := template.New(strings.ToLower(tier.String())).Option("missingkey=error").Parse(text)
		if err != nil {
			return nil, fmt.Errorf("parse %s prompt template: %w", tier, err)
		}
		// Reject templates that fail against a representative prompt now,
		// so Format never has to.
		if _, err := execute(tmpl, "probe", tier); err != nil {
			return nil, fmt.Errorf("%s prompt template: %w", tier, err)
		}
		t.byTier[tier] = tmpl
	}
	return t, nil
}

// Format implements Formatter. If execution fails the prompt is returned
// unchanged.
func (t *Templates) Format(prompt string, tier router.Tier) string {
	tmpl, ok := t.byTier[tier]
	if !ok {
		return prompt
	}
	out, err := execute(tmpl, prompt, tier)
	if err != nil {
		return prompt
	}
	return out
}

// Has reports whether a template is configured for tier.
func (t *Templates) Has(tier router.Tier) bool {
	_, ok := t.byTier[tier]
	return ok
}

func execute(tmpl *template.Template, prompt string, tier router.Tier) (string, error) {
	var b strings.Builder
	if err := tmpl.Execute(&b, TemplateData{Prompt: prompt, Tier: tier.String()}); err != nil {
		return "", err
	}
	return b.String(), nil
}

// FromConfig returns Identity when both templates are empty, otherwise a
// parsed Templates formatter.
func FromConfig(local, cloud string) (Formatter, error) {
	if strings.TrimSpace(local) == "" && strings.TrimSpace(cloud) == "" {
		return Identity, nil
	}
	return NewTemplates(local, cloud)
}
