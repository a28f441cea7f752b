// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"

	"github.com/invowk/companion/internal/core/serverbase"
	"github.com/invowk/companion/pkg/types"
)

// ExitError signals a non-zero exit code without forcing os.Exit in RunE handlers.
type ExitError struct {
	Code types.ExitCode
	Err  error
}

// Error returns the error message for ExitError.
func (e *ExitError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("exit status %d", e.Code)
}

// Unwrap returns the underlying error, if any.
func (e *ExitError) Unwrap() error {
	return e.Err
}

// exitForOutcome maps a terminal outcome to the serve exit status. A
// graceful stop returns nil.
func exitForOutcome(o serverbase.Outcome) error {
	var code types.ExitCode
	switch o.Kind {
	case serverbase.OutcomeSuccess:
		if o.Err == nil {
			return nil
		}
		code = types.ExitFailure
	case serverbase.OutcomeTargetLost:
		code = types.ExitTargetLost
	case serverbase.OutcomeTransportFailure:
		code = types.ExitTransport
	case serverbase.OutcomeCancelled:
		code = types.ExitCancelled
	default:
		code = types.ExitFailure
	}
	return &ExitError{Code: code, Err: o.Err}
}
