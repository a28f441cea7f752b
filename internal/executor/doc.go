// SPDX-License-Identifier: MPL-2.0

// Package executor defines the command execution layer a companion forwards
// decoded requests to, plus a registry of built-in commands.
//
// The companion does not impose a retry policy: an executor error is returned
// to the one caller that issued the request.
package executor
