// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// errors.go - error types and exit codes for rigrun commands.
//
// Commands always return errors; Execute decides how to display them and
// which exit code to use.
package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/jeranaias/rigrun-router/internal/config"
	"github.com/jeranaias/rigrun-router/internal/orchestrator"
	"github.com/jeranaias/rigrun-router/internal/tier"
)

// =============================================================================
// EXIT CODES
// =============================================================================

const (
	ExitSuccess      = 0
	ExitGeneralError = 1
	ExitUsageError   = 2
	ExitConfigError  = 3
	// ExitTierError means every tier that was tried failed
	ExitTierError    = 4
	ExitTimeoutError = 8
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// UsageError reports invalid flags or arguments.
type UsageError struct {
	Message string
}

func (e *UsageError) Error() string {
	return e.Message
}

// CommandError represents a CLI command error with context.
type CommandError struct {
	Command string // e.g. "config"
	Action  string // e.g. "set"
	Err     error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Command, e.Action, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// ExitCode maps an error returned by a command to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}

	var (
		usageErr    *UsageError
		validateErr config.ValidateErrors
		tierFail    *orchestrator.TierFailure
		compound    *orchestrator.CompoundFailureError
	)
	switch {
	case errors.As(err, &usageErr):
		return ExitUsageError
	case tier.IsConfigError(err), errors.As(err, &validateErr):
		return ExitConfigError
	case errors.Is(err, context.DeadlineExceeded), tier.IsKind(err, tier.KindTimeout):
		return ExitTimeoutError
	case errors.As(err, &tierFail), errors.As(err, &compound):
		return ExitTierError
	}
	return ExitGeneralError
}
