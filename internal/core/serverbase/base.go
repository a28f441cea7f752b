// SPDX-License-Identifier: MPL-2.0

package serverbase

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/invowk/companion/internal/core/oneshot"
)

// Base provides the lifecycle fields and transition protocol for servers.
// Concrete server implementations embed this struct.
//
// A server instance is single-use: every path ends in StateTerminated and no
// state is ever re-entered.
type Base struct {
	// State management (atomic for lock-free reads)
	state     atomic.Int32
	startedAt atomic.Pointer[time.Time]
	outcome   atomic.Pointer[Outcome]

	// Serializes entry into Terminated so the outcome is recorded once.
	stateMu sync.Mutex

	wg   sync.WaitGroup
	done *oneshot.Promise[Outcome]
	now  func() time.Time
}

// NewBase creates a new Base in StateUninitialized.
func NewBase(opts ...Option) *Base {
	b := &Base{
		done: oneshot.New[Outcome](),
		now:  time.Now,
	}
	b.state.Store(int32(StateUninitialized))

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// State returns the current server state (atomic, lock-free read).
func (b *Base) State() State {
	return State(b.state.Load())
}

// IsRunning returns true if the server is in the Running state.
func (b *Base) IsRunning() bool {
	return b.State() == StateRunning
}

// StartedAt returns when the server reached Running, or the zero time.
func (b *Base) StartedAt() time.Time {
	if t := b.startedAt.Load(); t != nil {
		return *t
	}
	return time.Time{}
}

// --- Lifecycle helpers for concrete implementations ---

// TransitionToStarting attempts Uninitialized -> Starting.
// Returns false if the server was already started, stopped or terminated.
// Must be called at the beginning of Start().
func (b *Base) TransitionToStarting() bool {
	return b.state.CompareAndSwap(int32(StateUninitialized), int32(StateStarting))
}

// TransitionToRunning attempts Starting -> Running and stamps the start time.
// Must be called once every listener is bound.
func (b *Base) TransitionToRunning() bool {
	now := b.now()
	b.startedAt.Store(&now)
	if !b.state.CompareAndSwap(int32(StateStarting), int32(StateRunning)) {
		b.startedAt.Store(nil)
		return false
	}
	return true
}

// TransitionToStopping attempts Running -> Stopping.
// Returns true only for the caller that performed the transition.
func (b *Base) TransitionToStopping() bool {
	return b.state.CompareAndSwap(int32(StateRunning), int32(StateStopping))
}

// Terminate moves the server to Terminated with the given outcome, runs
// hooks, and then resolves the continuation. It returns false if the server
// had already terminated, in which case the earlier outcome stands.
//
// Callers must release every owned resource before calling Terminate so that
// observers woken by Done never see live listeners. Hooks run after the state
// is Terminated and before Done closes; they must not call Terminate.
func (b *Base) Terminate(kind OutcomeKind, err error, hooks ...func(Outcome)) (Outcome, bool) {
	return b.terminate(func() bool {
		if State(b.state.Load()) == StateTerminated {
			return false
		}
		b.state.Store(int32(StateTerminated))
		return true
	}, kind, err, hooks)
}

// TerminateUnstarted moves an Uninitialized server straight to Terminated.
// It returns false if Start already won, or if the server had terminated.
func (b *Base) TerminateUnstarted(kind OutcomeKind, err error, hooks ...func(Outcome)) (Outcome, bool) {
	return b.terminate(func() bool {
		return b.state.CompareAndSwap(int32(StateUninitialized), int32(StateTerminated))
	}, kind, err, hooks)
}

func (b *Base) terminate(transition func() bool, kind OutcomeKind, err error, hooks []func(Outcome)) (Outcome, bool) {
	b.stateMu.Lock()
	if !transition() {
		b.stateMu.Unlock()
		if o := b.outcome.Load(); o != nil {
			return *o, false
		}
		return Outcome{}, false
	}
	o := Outcome{Kind: kind, Err: err, At: b.now()}
	b.outcome.Store(&o)
	b.stateMu.Unlock()

	for _, hook := range hooks {
		hook(o)
	}
	b.done.Resolve(o, nil)

	return o, true
}

// Done returns a channel that is closed once the server has terminated.
func (b *Base) Done() <-chan struct{} {
	return b.done.Done()
}

// Outcome returns the terminal outcome and true once terminated. It is
// available as soon as the state reads Terminated, before Done closes.
func (b *Base) Outcome() (Outcome, bool) {
	if o := b.outcome.Load(); o != nil {
		return *o, true
	}
	return Outcome{}, false
}

// Snapshot returns the state and, once it reads Terminated, the outcome.
// The state is read first, so a Terminated snapshot always has an outcome.
func (b *Base) Snapshot() (State, Outcome, bool) {
	st := b.State()
	if st != StateTerminated {
		return st, Outcome{}, false
	}
	if o := b.outcome.Load(); o != nil {
		return st, *o, true
	}
	// The terminating call stores the outcome before releasing stateMu.
	b.stateMu.Lock()
	o := b.outcome.Load()
	b.stateMu.Unlock()
	return st, *o, true
}

// Wait blocks until the server terminates or ctx is done.
func (b *Base) Wait(ctx context.Context) (Outcome, error) {
	return b.done.Await(ctx)
}

// WaitForShutdown blocks until all goroutines tracked by WG have completed.
func (b *Base) WaitForShutdown() {
	b.wg.Wait()
}

// AddGoroutine increments the WaitGroup counter.
// Must be called before starting a goroutine.
func (b *Base) AddGoroutine() {
	b.wg.Add(1)
}

// DoneGoroutine decrements the WaitGroup counter.
// Must be deferred at the start of each goroutine.
func (b *Base) DoneGoroutine() {
	b.wg.Done()
}
