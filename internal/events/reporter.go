// SPDX-License-Identifier: MPL-2.0

package events

import (
	"slices"
	"sync"
)

type (
	// Multi fans an event out to several reporters in order.
	Multi []Reporter

	// Recorder keeps every event in memory. It is used by tests and by
	// callers that want to inspect what a server emitted.
	Recorder struct {
		mu     sync.Mutex
		events []Event
		notify chan struct{}
	}

	discard struct{}
)

// Discard is a Reporter that drops every event.
var Discard Reporter = discard{}

func (discard) Record(Event) {}

// Record implements Reporter.
func (m Multi) Record(e Event) {
	for _, r := range m {
		if r != nil {
			r.Record(e)
		}
	}
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{notify: make(chan struct{}, 1)}
}

// Record implements Reporter.
func (r *Recorder) Record(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()

	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

// Kinds returns the kinds of the recorded events in order.
func (r *Recorder) Kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Kind, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}

// Count returns how many events of kind were recorded.
func (r *Recorder) Count(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// Last returns the most recent event of kind.
func (r *Recorder) Last(kind Kind) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Kind == kind {
			return r.events[i], true
		}
	}
	return Event{}, false
}

// Updated returns a channel that receives after new events are recorded.
func (r *Recorder) Updated() <-chan struct{} {
	return r.notify
}
