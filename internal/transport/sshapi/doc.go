// SPDX-License-Identifier: MPL-2.0

// Package sshapi exposes a companion backend as an SSH console. Every
// session runs exactly one command:
//
//	ssh -p 2222 companion@127.0.0.1 ls '**/*.log'
//
// The command's output goes to the session's stdout, its "stderr" data to
// stderr, and its exit code becomes the session's exit status. When a token
// store is configured, clients authenticate with a token as the password.
package sshapi
