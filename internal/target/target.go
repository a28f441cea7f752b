// SPDX-License-Identifier: MPL-2.0

package target

import (
	"sync"

	"github.com/invowk/companion/pkg/types"
)

const (
	// KindHost is the machine the companion runs on.
	KindHost Kind = "host"
	// KindContainer is a running Docker or Podman container.
	KindContainer Kind = "container"
	// KindSocket is a process reachable through a Unix control socket.
	KindSocket Kind = "socket"
)

type (
	// Kind tags the concrete target implementation.
	Kind string

	// Handle is the companion's view of a target. Implementations must be
	// safe for concurrent use.
	Handle interface {
		ID() types.TargetID
		Name() string
		Kind() Kind
		IsAvailable() bool
		// OnUnavailable registers fn to run once when the target becomes
		// unavailable. If it already is, fn runs promptly. The returned
		// function unregisters fn.
		OnUnavailable(fn func()) (cancel func())
	}

	// Identity is the serializable description of a target.
	Identity struct {
		ID   types.TargetID `json:"udid" toml:"udid" yaml:"udid"`
		Name string         `json:"name" toml:"name" yaml:"name"`
		Kind Kind           `json:"kind" toml:"kind" yaml:"kind"`
	}

	// availability tracks subscribers and fires them once on loss.
	// Concrete handles embed it.
	availability struct {
		mu     sync.Mutex
		lost   bool
		nextID int
		subs   map[int]func()
	}
)

// Describe returns the identity of h.
func Describe(h Handle) Identity {
	return Identity{ID: h.ID(), Name: h.Name(), Kind: h.Kind()}
}

// IsKnown reports whether k is one of the built-in kinds.
func (k Kind) IsKnown() bool {
	switch k {
	case KindHost, KindContainer, KindSocket:
		return true
	default:
		return false
	}
}

func (a *availability) isLost() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lost
}

// OnUnavailable implements Handle.
func (a *availability) OnUnavailable(fn func()) (cancel func()) {
	a.mu.Lock()
	if a.lost {
		a.mu.Unlock()
		go fn()
		return func() {}
	}
	if a.subs == nil {
		a.subs = make(map[int]func())
	}
	id := a.nextID
	a.nextID++
	a.subs[id] = fn
	a.mu.Unlock()

	return func() {
		a.mu.Lock()
		delete(a.subs, id)
		a.mu.Unlock()
	}
}

// markLost flips the handle to unavailable and runs every subscriber once.
// It reports whether this call performed the transition.
func (a *availability) markLost() bool {
	a.mu.Lock()
	if a.lost {
		a.mu.Unlock()
		return false
	}
	a.lost = true
	subs := a.subs
	a.subs = nil
	a.mu.Unlock()

	for _, fn := range subs {
		fn()
	}
	return true
}
