// SPDX-License-Identifier: MPL-2.0

// Package types holds small validated value types shared by the companion
// packages and the CLI: listen ports, exit codes, filesystem paths and
// target identifiers.
package types
