// SPDX-License-Identifier: MPL-2.0

package testutil

import (
	"os"
	"runtime"
	"testing"
)

// HomeEnv is the variable os.UserHomeDir reads on this platform.
func HomeEnv() string {
	switch runtime.GOOS {
	case "windows":
		return "USERPROFILE"
	case "plan9":
		return "home"
	default:
		return "HOME"
	}
}

// SetHome points the user's home directory at dir for the rest of the test
// and returns dir. Tests calling it cannot run in parallel.
func SetHome(t testing.TB, dir string) string {
	t.Helper()
	t.Setenv(HomeEnv(), dir)
	if got, err := os.UserHomeDir(); err != nil || got != dir {
		t.Fatalf("home directory = %q (%v), want %q", got, err, dir)
	}
	return dir
}
