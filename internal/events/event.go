// SPDX-License-Identifier: MPL-2.0

package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/invowk/companion/pkg/types"
)

const (
	// KindStartSucceeded is recorded once every listener is bound.
	KindStartSucceeded Kind = "start.succeeded"
	// KindStartFailed is recorded when a start attempt is rolled back.
	KindStartFailed Kind = "start.failed"
	// KindStateChanged is recorded on every lifecycle transition.
	KindStateChanged Kind = "state.changed"
	// KindConnectionRejected is recorded when a connection arrives outside Running.
	KindConnectionRejected Kind = "connection.rejected"
	// KindDispatchCompleted is recorded when the executor returns a result.
	KindDispatchCompleted Kind = "dispatch.completed"
	// KindDispatchRejected is recorded when a request arrives outside Running.
	KindDispatchRejected Kind = "dispatch.rejected"
	// KindDispatchFailed is recorded when the executor fails or panics.
	KindDispatchFailed Kind = "dispatch.failed"
	// KindServerTerminated is recorded once, right before the continuation resolves.
	KindServerTerminated Kind = "server.terminated"
)

type (
	// Kind names an event type.
	Kind string

	// Event is one immutable record handed to a Reporter.
	Event struct {
		ID     uuid.UUID      `json:"id"`
		Time   time.Time      `json:"time"`
		Kind   Kind           `json:"kind"`
		Target types.TargetID `json:"target,omitempty"`
		Fields map[string]any `json:"fields,omitempty"`
		Err    string         `json:"error,omitempty"`
	}

	// Reporter receives events. Record must not block on slow storage for
	// long and must be safe for concurrent use.
	Reporter interface {
		Record(Event)
	}

	// ReporterFunc adapts a function to the Reporter interface.
	ReporterFunc func(Event)
)

// New builds an event stamped with a fresh id and the current time.
func New(kind Kind, target types.TargetID, fields map[string]any) Event {
	return Event{
		ID:     uuid.New(),
		Time:   time.Now().UTC(),
		Kind:   kind,
		Target: target,
		Fields: fields,
	}
}

// WithErr returns a copy of e carrying err's message. A nil err is ignored.
func (e Event) WithErr(err error) Event {
	if err != nil {
		e.Err = err.Error()
	}
	return e
}

// IsFailure reports whether the event describes a failure.
func (e Event) IsFailure() bool {
	return e.Err != "" || e.Kind == KindStartFailed || e.Kind == KindDispatchFailed || e.Kind == KindDispatchRejected
}

// Record implements Reporter.
func (f ReporterFunc) Record(e Event) { f(e) }
