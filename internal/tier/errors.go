// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tier

import (
	"context"
	"errors"
	"fmt"

	"github.com/jeranaias/rigrun-router/internal/router"
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// Kind categorizes tier failures for handling.
type Kind int

const (
	KindBackend Kind = iota
	KindNotInitialized
	KindContextExceeded
	KindProvider
	KindTimeout
	KindCanceled
	KindInvalidResponse
)

// String returns the snake_case name of the kind, used in logs and metrics.
func (k Kind) String() string {
	switch k {
	case KindBackend:
		return "backend"
	case KindNotInitialized:
		return "not_initialized"
	case KindContextExceeded:
		return "context_exceeded"
	case KindProvider:
		return "provider"
	case KindTimeout:
		return "timeout"
	case KindCanceled:
		return "canceled"
	case KindInvalidResponse:
		return "invalid_response"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// AllowsFallback reports whether a LOCAL failure of this kind may be retried
// on CLOUD. Only a caller cancellation stops fallback.
func (k Kind) AllowsFallback() bool {
	return k != KindCanceled
}

// Error is the single failure type returned by Tier.MakeRequest.
type Error struct {
	Tier    router.Tier
	Kind    Kind
	Status  int // HTTP status reported by the provider, 0 if none
	Message string
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches the kind-only sentinels below, so errors.Is(err, ErrContextExceeded)
// holds for a context overflow on any tier.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Message != "" || t.Cause != nil {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinel errors for easy checking with errors.Is.
var (
	ErrNotInitialized  = &Error{Kind: KindNotInitialized}
	ErrContextExceeded = &Error{Kind: KindContextExceeded}
	ErrTimeout         = &Error{Kind: KindTimeout}
	ErrCanceled        = &Error{Kind: KindCanceled}
)

// ConfigError is a fatal setup problem, such as missing model assets.
// It is never retried.
type ConfigError struct {
	Field   string
	Message string
	Cause   error
}

func (e *ConfigError) Error() string {
	msg := "configuration error"
	if e.Field != "" {
		msg += " (" + e.Field + ")"
	}
	msg += ": " + e.Message
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// IsKind checks if err is a tier error of the given kind.
func IsKind(err error, kind Kind) bool {
	var tierErr *Error
	if errors.As(err, &tierErr) {
		return tierErr.Kind == kind
	}
	return false
}

// IsConfigError checks if err is a configuration error.
func IsConfigError(err error) bool {
	var cfgErr *ConfigError
	return errors.As(err, &cfgErr)
}

// HTTPStatusError is implemented by provider errors that carry an HTTP status.
type HTTPStatusError interface {
	error
	HTTPStatus() int
}

// Wrap converts any error from a backend into an *Error for tier t.
// An existing tier error is copied with the tier filled in.
func Wrap(t router.Tier, err error, message string) *Error {
	if err == nil {
		return nil
	}

	var tierErr *Error
	if errors.As(err, &tierErr) {
		cp := *tierErr
		cp.Tier = t
		return &cp
	}

	e := &Error{Tier: t, Kind: KindBackend, Message: message, Cause: err}

	var statusErr HTTPStatusError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		e.Kind = KindTimeout
	case errors.Is(err, context.Canceled):
		e.Kind = KindCanceled
	case errors.As(err, &statusErr):
		e.Kind = KindProvider
		e.Status = statusErr.HTTPStatus()
	}
	return e
}
