// SPDX-License-Identifier: MPL-2.0

// Package ports describes which network services a companion binds and
// reports the ports that were actually bound.
//
// A Config is immutable once built. The companion server treats it as opaque
// input and binds exactly the listed bindings, in order.
package ports
