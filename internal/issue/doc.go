// SPDX-License-Identifier: MPL-2.0

// Package issue turns failures into guidance a user can act on.
//
// ActionableError carries the failed operation, the resource involved and a
// list of suggestions. The catalog holds longer Markdown write-ups for the
// failures users hit most, rendered for the terminal with glamour.
package issue
