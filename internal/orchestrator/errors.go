// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package orchestrator

import (
	"fmt"

	"github.com/jeranaias/rigrun-router/internal/router"
	"github.com/jeranaias/rigrun-router/internal/tier"
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// TierFailure is returned when the chosen tier failed and no fallback ran:
// the tier was CLOUD, fallback was disallowed, or the failure is not one a
// fallback can fix.
type TierFailure struct {
	Tier router.Tier
	Err  *tier.Error
}

func (e *TierFailure) Error() string {
	return fmt.Sprintf("%s tier failed: %s", e.Tier, e.Err.Error())
}

func (e *TierFailure) Unwrap() error {
	return e.Err
}

// CompoundFailureError is returned when LOCAL failed and the CLOUD fallback
// failed too.
type CompoundFailureError struct {
	Local *tier.Error
	Cloud *tier.Error
}

func (e *CompoundFailureError) Error() string {
	return fmt.Sprintf("%s tier failed: %s; %s fallback failed: %s",
		router.TierLocal, e.Local.Error(), router.TierCloud, e.Cloud.Error())
}

// Unwrap exposes both failures to errors.Is and errors.As. As finds the
// LOCAL failure first.
func (e *CompoundFailureError) Unwrap() []error {
	return []error{e.Local, e.Cloud}
}
