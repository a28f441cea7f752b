// SPDX-License-Identifier: MPL-2.0

// Package serverbase provides the lifecycle state machine shared by
// long-running server components: lock-free state reads, forward-only
// transitions, goroutine tracking, and a single recorded terminal outcome
// that is published through a one-shot continuation.
package serverbase
