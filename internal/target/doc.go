// SPDX-License-Identifier: MPL-2.0

// Package target defines the handle a companion server holds on the entity it
// serves, plus the concrete kinds of target: the local host, a running
// container, and a process reachable through a Unix control socket.
//
// The server only needs availability: IsAvailable for the pre-start check and
// OnUnavailable to learn, once, that the target went away.
package target
