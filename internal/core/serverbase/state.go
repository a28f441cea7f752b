// SPDX-License-Identifier: MPL-2.0

package serverbase

import (
	"errors"
	"fmt"
)

const (
	// StateUninitialized indicates the server was constructed but Start was not called.
	StateUninitialized State = iota
	// StateStarting indicates Start was called and listeners are being bound.
	StateStarting
	// StateRunning indicates every listener is bound and accepting connections.
	StateRunning
	// StateStopping indicates a termination trigger fired and the server is draining.
	StateStopping
	// StateTerminated is terminal: the outcome has been recorded and resources released.
	StateTerminated
)

// ErrUnknownState is returned when a State value is not one of the defined lifecycle states.
var ErrUnknownState = errors.New("unknown state")

type (
	// State represents the lifecycle state of a server.
	State int32

	// UnknownStateError is returned when a State value is not recognized.
	// It wraps ErrUnknownState for errors.Is() compatibility.
	UnknownStateError struct {
		Value State
	}
)

// String returns a human-readable representation of the server state.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON, TOML and YAML documents.
func (s State) MarshalText() ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return []byte(s.String()), nil
}

// Error implements the error interface for UnknownStateError.
func (e *UnknownStateError) Error() string {
	return fmt.Sprintf("unknown state %d (valid: 0=uninitialized, 1=starting, 2=running, 3=stopping, 4=terminated)", e.Value)
}

// Unwrap returns the sentinel error for errors.Is() compatibility.
func (e *UnknownStateError) Unwrap() error {
	return ErrUnknownState
}

// Validate returns nil if the State is one of the defined lifecycle states,
// or an error wrapping ErrUnknownState if it is not.
func (s State) Validate() error {
	switch s {
	case StateUninitialized, StateStarting, StateRunning, StateStopping, StateTerminated:
		return nil
	default:
		return &UnknownStateError{Value: s}
	}
}

// IsTerminal returns true if the state is Terminated.
func (s State) IsTerminal() bool {
	return s == StateTerminated
}
