// SPDX-License-Identifier: MPL-2.0

// Package testutil provides helpers shared by the companion test suites:
// Must* wrappers that fail the test on error, free-port and listener helpers
// for network tests, a fake clock, and a semaphore for container tests.
package testutil
