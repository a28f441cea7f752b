// SPDX-License-Identifier: MPL-2.0

// Package companion implements the server that exposes one target to remote
// clients. A Server binds every listener of its ports configuration on
// Start, forwards decoded requests to an executor through Dispatch, and
// resolves a single continuation when it stops serving: on an owner stop,
// on target loss, on an unrecoverable listener failure, or on cancellation.
//
// Transports (gRPC, HTTP, SSH) live in internal/transport and plug in as
// ServiceFactory values keyed by service name.
package companion
