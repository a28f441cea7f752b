// SPDX-License-Identifier: MPL-2.0

package companion

import (
	"errors"
	"fmt"

	"github.com/invowk/companion/internal/core/serverbase"
	"github.com/invowk/companion/internal/ports"
)

var (
	// ErrConstruction is the sentinel wrapped by ConstructionError.
	ErrConstruction = errors.New("companion construction failed")
	// ErrStart is the sentinel wrapped by StartError.
	ErrStart = errors.New("companion start failed")
	// ErrInvalidState is the sentinel wrapped by InvalidStateError.
	ErrInvalidState = errors.New("operation not valid in the current state")
	// ErrDispatch is the sentinel wrapped by DispatchError.
	ErrDispatch = errors.New("dispatch failed")
	// ErrTermination is the sentinel wrapped by TerminationError.
	ErrTermination = errors.New("companion terminated")

	// ErrTargetLost reports that the served target became unavailable.
	ErrTargetLost = errors.New("target lost")
	// ErrTransportFailure reports a listener that failed beyond the retry policy.
	ErrTransportFailure = errors.New("transport failure")
	// ErrCancelled reports that the owner cancelled the continuation.
	ErrCancelled = errors.New("cancelled")

	// ErrMissingCollaborator is returned when a required parameter is nil.
	ErrMissingCollaborator = errors.New("missing collaborator")
	// ErrNoService is returned when no factory is registered for a configured service.
	ErrNoService = errors.New("no service registered")
	// ErrExecutorPanic wraps a panic recovered from the executor.
	ErrExecutorPanic = errors.New("executor panicked")
	// ErrServeExited is used when a service stops serving without an error.
	ErrServeExited = errors.New("service stopped serving")
)

type (
	// ConstructionError reports invalid factory input. No server and no
	// resources exist when it is returned.
	ConstructionError struct {
		Field string
		Err   error
	}

	// StartError reports a failed start. Every listener bound during the
	// attempt has been released by the time it is observed.
	StartError struct {
		Service ports.ServiceName
		Address string
		Err     error
	}

	// InvalidStateError reports an operation invoked out of sequence.
	InvalidStateError struct {
		Op    string
		State serverbase.State
	}

	// DispatchError reports a failure of one request. It never affects the
	// server or other requests.
	DispatchError struct {
		Command string
		Err     error
	}

	// TerminationError is the terminal value of a continuation that did not
	// end in a graceful stop.
	TerminationError struct {
		Kind serverbase.OutcomeKind
		Err  error
	}

	// AcceptError reports a listener whose Accept kept failing.
	AcceptError struct {
		Binding  ports.Binding
		Attempts int
		Err      error
	}
)

// Error implements the error interface.
func (e *ConstructionError) Error() string {
	return fmt.Sprintf("invalid companion %s: %v", e.Field, e.Err)
}

// Unwrap returns ErrConstruction and the cause.
func (e *ConstructionError) Unwrap() []error { return []error{ErrConstruction, e.Err} }

// Error implements the error interface.
func (e *StartError) Error() string {
	if e.Service == "" {
		return fmt.Sprintf("companion start failed: %v", e.Err)
	}
	return fmt.Sprintf("companion start failed: %s on %s: %v", e.Service, e.Address, e.Err)
}

// Unwrap returns ErrStart and the cause.
func (e *StartError) Unwrap() []error { return []error{ErrStart, e.Err} }

// Error implements the error interface.
func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s: server is %s", e.Op, e.State)
}

// Unwrap returns ErrInvalidState for errors.Is() compatibility.
func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

// Error implements the error interface.
func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch %q: %v", e.Command, e.Err)
}

// Unwrap returns ErrDispatch and the cause.
func (e *DispatchError) Unwrap() []error { return []error{ErrDispatch, e.Err} }

// Error implements the error interface.
func (e *TerminationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("companion terminated: %s", e.Kind)
	}
	return fmt.Sprintf("companion terminated: %s: %v", e.Kind, e.Err)
}

// Unwrap returns ErrTermination, the sentinel for the kind, and the cause.
func (e *TerminationError) Unwrap() []error {
	errs := []error{ErrTermination}
	if s := kindSentinel(e.Kind); s != nil {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// Error implements the error interface.
func (e *AcceptError) Error() string {
	return fmt.Sprintf("accept on %s failed %d times: %v", e.Binding, e.Attempts, e.Err)
}

// Unwrap returns ErrTransportFailure and the last accept error.
func (e *AcceptError) Unwrap() []error { return []error{ErrTransportFailure, e.Err} }

func kindSentinel(k serverbase.OutcomeKind) error {
	switch k {
	case serverbase.OutcomeTargetLost:
		return ErrTargetLost
	case serverbase.OutcomeTransportFailure:
		return ErrTransportFailure
	case serverbase.OutcomeCancelled:
		return ErrCancelled
	default:
		return nil
	}
}
