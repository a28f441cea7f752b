// SPDX-License-Identifier: MPL-2.0

// Package cmd contains all CLI commands for companion.
//
// This package implements the Cobra command hierarchy: `serve` runs a
// companion for one target, `spawn` launches companions as child processes,
// `status` and `events` inspect running and past servers, and `config` and
// `issues` help with setup.
package cmd
