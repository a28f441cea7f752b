// SPDX-License-Identifier: MPL-2.0

package companion

import (
	"context"

	"github.com/invowk/companion/internal/core/oneshot"
	"github.com/invowk/companion/internal/core/serverbase"
)

// Companion is the capability set an owner uses to drive a server.
type Companion interface {
	Start(ctx context.Context) *oneshot.Promise[*Server]
	Status() Status
	Wait(ctx context.Context) (serverbase.Outcome, error)
	Done() <-chan struct{}
	Stop(ctx context.Context) error
	Cancel()
}

var _ Companion = (*Server)(nil)
