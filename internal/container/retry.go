// SPDX-License-Identifier: MPL-2.0

package container

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/invowk/companion/pkg/types"
)

// DefaultInspectRetry is the policy targets use around Engine.Inspect.
var DefaultInspectRetry = Retry{Attempts: 3, Backoff: 200 * time.Millisecond}

// transientMarkers are engine error fragments that usually clear on their
// own: daemon restarts, rootless Podman races and overlay mount contention.
var transientMarkers = []string{
	"ping_group_range",
	"OCI runtime error",
	"Cannot connect to the Docker daemon",
	"connection refused",
	"connection reset by peer",
	"connection timed out",
	"error creating overlay mount",
	"error mounting layer",
}

// Retry runs engine calls again after transient failures, doubling the wait
// between attempts.
type Retry struct {
	Attempts int
	Backoff  time.Duration
}

// Do calls op until it succeeds, fails permanently, or the attempts run out.
// The last error is returned. Cancelling ctx aborts the wait between attempts.
func (r Retry) Do(ctx context.Context, op func(context.Context) error) error {
	attempts := max(r.Attempts, 1)
	wait := r.Backoff

	var err error
	for n := range attempts {
		if n > 0 {
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return fmt.Errorf("%w (after %d attempts: %w)", ctx.Err(), n, err)
			case <-t.C:
			}
			wait *= 2
		}
		if err = op(ctx); err == nil || !Transient(err) {
			return err
		}
	}
	return err
}

// Transient reports whether err is an engine failure worth retrying.
// Cancellation is never transient.
func Transient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return types.ExitCode(exitErr.ExitCode()).IsTransient()
	}
	msg := err.Error()
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
