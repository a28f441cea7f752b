// SPDX-License-Identifier: MPL-2.0

package companion

import (
	"context"
	"net"

	"github.com/invowk/companion/internal/executor"
)

type (
	// Backend is what a transport sees of the server.
	Backend interface {
		// Dispatch forwards one decoded request to the executor.
		Dispatch(ctx context.Context, req executor.Request) (executor.Result, error)
		// Status returns a snapshot of the server.
		Status() Status
	}

	// Service serves one listener. Serve blocks until the service stops;
	// Shutdown stops accepting and waits for active work until ctx is done;
	// Close stops immediately.
	Service interface {
		Serve(ln net.Listener) error
		Shutdown(ctx context.Context) error
		Close() error
	}

	// ServiceFactory builds a Service bound to a backend. The server calls
	// it once per configured binding during Start.
	ServiceFactory func(Backend) (Service, error)
)
