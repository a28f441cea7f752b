// SPDX-License-Identifier: MPL-2.0

// Package events defines the lifecycle and telemetry events a companion
// emits and the reporters that record them. Reporters are append-only sinks:
// the companion never reads back what it recorded.
package events
