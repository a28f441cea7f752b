// SPDX-License-Identifier: MPL-2.0

// Package oneshot provides a write-once, read-many promise used for the
// start and termination signals of long-running components.
package oneshot

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrPending is returned by Result when the promise has not been resolved yet.
var ErrPending = errors.New("promise not resolved")

// Promise is a single-assignment result cell. The first Resolve wins; every
// observer, whether it started waiting before or after resolution, sees the
// same value and error.
//
// The zero value is not usable; construct with New or Resolved.
type Promise[T any] struct {
	once sync.Once
	done chan struct{}

	// Written exactly once, before done is closed.
	value T
	err   error
}

// New returns an unresolved promise.
func New[T any]() *Promise[T] {
	return &Promise[T]{done: make(chan struct{})}
}

// Resolved returns a promise that is already resolved with value and err.
func Resolved[T any](value T, err error) *Promise[T] {
	p := New[T]()
	p.Resolve(value, err)
	return p
}

// Resolve settles the promise. It returns true if this call won; later calls
// are no-ops that return false.
func (p *Promise[T]) Resolve(value T, err error) bool {
	won := false
	p.once.Do(func() {
		p.value = value
		p.err = err
		won = true
		close(p.done)
	})
	return won
}

// Done returns a channel that is closed once the promise is resolved.
func (p *Promise[T]) Done() <-chan struct{} {
	return p.done
}

// IsResolved reports whether the promise has been settled.
func (p *Promise[T]) IsResolved() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Result returns the settled value without blocking. It returns ErrPending
// while the promise is unresolved.
func (p *Promise[T]) Result() (T, error) {
	select {
	case <-p.done:
		return p.value, p.err
	default:
		var zero T
		return zero, ErrPending
	}
}

// Await blocks until the promise is resolved or ctx is done.
func (p *Promise[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-p.done:
		return p.value, p.err
	case <-ctx.Done():
		var zero T
		return zero, fmt.Errorf("awaiting promise: %w", ctx.Err())
	}
}
