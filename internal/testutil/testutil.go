// SPDX-License-Identifier: MPL-2.0

package testutil

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// StopTimeout bounds how long MustStop waits for a server to terminate.
const StopTimeout = 10 * time.Second

// Stopper is implemented by servers that stop with a context.
type Stopper interface {
	Stop(ctx context.Context) error
}

// MustClose closes the given io.Closer.
// The test fails immediately if the close fails.
func MustClose(t testing.TB, c io.Closer) {
	t.Helper()
	if err := c.Close(); err != nil {
		t.Fatalf("failed to close: %v", err)
	}
}

// MustStop stops s within StopTimeout. Shutdown errors are logged, not
// fatal, since they usually happen during cleanup.
func MustStop(t testing.TB, s Stopper) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), StopTimeout)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Logf("warning: stop returned error: %v", err)
	}
}

// DeferStop returns a cleanup function that stops s, for t.Cleanup.
func DeferStop(t testing.TB, s Stopper) func() {
	t.Helper()
	return func() {
		t.Helper()
		MustStop(t, s)
	}
}

// MustListen opens a listener and closes it when the test ends.
func MustListen(t testing.TB, network, address string) net.Listener {
	t.Helper()
	ln, err := net.Listen(network, address)
	if err != nil {
		t.Fatalf("listen %s %s: %v", network, address, err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	return ln
}

// FreePort returns a loopback tcp port that was free a moment ago. Another
// process may still grab it, so tests should use it promptly.
func FreePort(t testing.TB) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	if err := ln.Close(); err != nil {
		t.Fatalf("release free port: %v", err)
	}
	return port
}

// CanListen reports whether address can be bound right now.
func CanListen(network, address string) bool {
	ln, err := net.Listen(network, address)
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

// SocketPath returns a unix socket path short enough for every platform's
// sun_path limit. t.TempDir paths are often too long on macOS.
func SocketPath(t testing.TB, name string) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "cmp")
	if err != nil {
		t.Fatalf("create socket dir: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return filepath.Join(dir, name)
}

// Eventually polls cond every 5ms until it holds or timeout elapses.
func Eventually(t testing.TB, timeout time.Duration, cond func() bool, format string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf(format, args...)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
