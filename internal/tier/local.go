// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tier

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jeranaias/rigrun-router/internal/router"
)

// DefaultMaxContextTokens is the LOCAL context window used when none is configured.
const DefaultMaxContextTokens = 4096

// LocalBackend is an on-device inference engine.
type LocalBackend interface {
	// Load loads the model at path. Called once.
	Load(ctx context.Context, path string) error
	Tokenize(ctx context.Context, text string) ([]int, error)
	Infer(ctx context.Context, ids []int, opts InferOptions) ([]int, error)
	Detokenize(ctx context.Context, ids []int) (string, error)
}

// InferOptions are the generation options understood by a LocalBackend.
type InferOptions struct {
	MaxTokens   int // 0 = backend default
	Temperature *float64
	Stop        []string
}

// LocalConfig configures a LocalTier.
type LocalConfig struct {
	ModelPath        string
	MaxContextTokens int
}

// =============================================================================
// STATE
// =============================================================================

// State is the LocalTier lifecycle state.
type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// =============================================================================
// LOCAL TIER
// =============================================================================

// LocalTier serves completions from an on-device engine.
//
// Initialize must succeed before MakeRequest is accepted; requests made in
// any other state fail with KindNotInitialized and never trigger a load.
// A failed initialization is terminal for the instance.
type LocalTier struct {
	backend LocalBackend
	cfg     LocalConfig

	initMu  sync.Mutex
	state   atomic.Int32
	initErr error
}

// NewLocalTier creates an uninitialized LOCAL tier.
func NewLocalTier(backend LocalBackend, cfg LocalConfig) *LocalTier {
	if cfg.MaxContextTokens <= 0 {
		cfg.MaxContextTokens = DefaultMaxContextTokens
	}
	return &LocalTier{backend: backend, cfg: cfg}
}

// ID implements Tier.
func (t *LocalTier) ID() router.Tier { return router.TierLocal }

// State returns the current lifecycle state.
func (t *LocalTier) State() State {
	return State(t.state.Load())
}

// MaxContextTokens returns the hard prompt token limit.
func (t *LocalTier) MaxContextTokens() int {
	return t.cfg.MaxContextTokens
}

// Initialize loads the model. It is safe to call concurrently; the load
// runs once. After a failure every call returns the original error.
func (t *LocalTier) Initialize(ctx context.Context) error {
	t.initMu.Lock()
	defer t.initMu.Unlock()

	switch t.State() {
	case StateReady:
		return nil
	case StateFailed:
		return t.initErr
	}

	t.state.Store(int32(StateInitializing))

	err := t.load(ctx)
	if err != nil {
		t.initErr = err
		t.state.Store(int32(StateFailed))
		return err
	}

	t.state.Store(int32(StateReady))
	return nil
}

func (t *LocalTier) load(ctx context.Context) error {
	if t.backend == nil {
		return &ConfigError{Field: "local.backend", Message: "no local inference backend configured"}
	}
	if strings.TrimSpace(t.cfg.ModelPath) == "" {
		return &ConfigError{Field: "local.model_path", Message: "model path is empty"}
	}
	if err := t.backend.Load(ctx, t.cfg.ModelPath); err != nil {
		if IsConfigError(err) {
			return err
		}
		return fmt.Errorf("load local model %s: %w", t.cfg.ModelPath, err)
	}
	return nil
}

// MakeRequest implements Tier.
func (t *LocalTier) MakeRequest(ctx context.Context, prompt string, opts RequestOptions) (*Response, error) {
	if state := t.State(); state != StateReady {
		return nil, &Error{
			Tier:    router.TierLocal,
			Kind:    KindNotInitialized,
			Message: "local tier not initialized (state " + state.String() + ")",
		}
	}

	start := time.Now()

	ids, err := t.backend.Tokenize(ctx, prompt)
	if err != nil {
		return nil, Wrap(router.TierLocal, err, "tokenize failed")
	}
	if len(ids) > t.cfg.MaxContextTokens {
		return nil, &Error{
			Tier:    router.TierLocal,
			Kind:    KindContextExceeded,
			Message: fmt.Sprintf("prompt is %d tokens, local context limit is %d", len(ids), t.cfg.MaxContextTokens),
		}
	}

	inferOpts := InferOptions{
		Temperature: opts.Temperature,
		Stop:        opts.StopSequences,
	}
	if opts.MaxTokens != nil {
		inferOpts.MaxTokens = *opts.MaxTokens
	}

	out, err := t.backend.Infer(ctx, ids, inferOpts)
	if err != nil {
		return nil, Wrap(router.TierLocal, err, "inference failed")
	}

	text, err := t.backend.Detokenize(ctx, out)
	if err != nil {
		return nil, Wrap(router.TierLocal, err, "detokenize failed")
	}
	if strings.TrimSpace(text) == "" {
		return nil, &Error{Tier: router.TierLocal, Kind: KindInvalidResponse, Message: "model generated no text"}
	}

	return &Response{
		Text: text,
		Usage: TokenUsage{
			InputTokens:  len(ids),
			OutputTokens: len(out),
		},
		TierID:  router.TierLocal,
		Latency: time.Since(start),
	}, nil
}
