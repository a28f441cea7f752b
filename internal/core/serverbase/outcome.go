// SPDX-License-Identifier: MPL-2.0

package serverbase

import (
	"fmt"
	"time"
)

const (
	// OutcomeSuccess records a graceful, owner-requested stop.
	OutcomeSuccess OutcomeKind = iota
	// OutcomeStartFailed records a start attempt that never reached Running.
	OutcomeStartFailed
	// OutcomeTargetLost records the served target becoming unavailable.
	OutcomeTargetLost
	// OutcomeTransportFailure records a listener failing beyond the retry policy.
	OutcomeTransportFailure
	// OutcomeCancelled records the owner cancelling the continuation.
	OutcomeCancelled
)

type (
	// OutcomeKind classifies why a server terminated.
	OutcomeKind int

	// Outcome is the single terminal value of a server's continuation.
	Outcome struct {
		Kind OutcomeKind
		// Err is nil for OutcomeSuccess and describes the failure otherwise.
		Err error
		// At is when the terminal transition happened.
		At time.Time
	}
)

// String returns the snake_case name used in events and status documents.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeStartFailed:
		return "start_failed"
	case OutcomeTargetLost:
		return "target_lost"
	case OutcomeTransportFailure:
		return "transport_failure"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("outcome(%d)", int(k))
	}
}

// MarshalText renders the kind name in structured documents.
func (k OutcomeKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// IsSuccess reports whether the outcome is a graceful stop.
func (o Outcome) IsSuccess() bool {
	return o.Kind == OutcomeSuccess && o.Err == nil
}

// String summarizes the outcome for logs.
func (o Outcome) String() string {
	if o.Err == nil {
		return o.Kind.String()
	}
	return fmt.Sprintf("%s: %v", o.Kind, o.Err)
}
