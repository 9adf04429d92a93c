// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cache

import (
	"encoding/hex"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/zeebo/xxh3"
)

// Key is a canonical response cache key.
type Key string

// KeyPrefix namespaces response keys.
const KeyPrefix = "rsp:"

// KeyParams are the generation-relevant request options that take part in
// a cache key. Nil pointers mean "unset" and are distinct from zero values.
type KeyParams struct {
	MaxTokens     *int
	Temperature   *float64
	StopSequences []string
	TaskType      string
}

// keyDoc fixes the field order of the serialized key material.
type keyDoc struct {
	Prompt        string   `json:"p"`
	MaxTokens     *int     `json:"m"`
	Temperature   *float64 `json:"t"`
	StopSequences []string `json:"s"`
	TaskType      string   `json:"k"`
}

// KeyFor derives the cache key for a prompt and its options.
// Two calls agree whenever the prompt and every KeyParams field agree by
// value; pointer identity and slice capacity never matter. An empty stop
// list is the same as no stop list.
func KeyFor(prompt string, p KeyParams) Key {
	doc := keyDoc{
		Prompt:      prompt,
		MaxTokens:   p.MaxTokens,
		Temperature: p.Temperature,
		TaskType:    p.TaskType,
	}
	if len(p.StopSequences) > 0 {
		doc.StopSequences = p.StopSequences
	}

	data, err := json.Marshal(doc)
	if err != nil {
		// Only non-finite temperatures reach here; they still need a stable key.
		data = []byte(fmt.Sprintf("%q|%v|%v|%q|%q", prompt, deref(p.MaxTokens), deref(p.Temperature), doc.StopSequences, p.TaskType))
	}

	sum := xxh3.Hash128(data).Bytes()
	return Key(KeyPrefix + hex.EncodeToString(sum[:]))
}

func deref[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}
