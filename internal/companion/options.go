// SPDX-License-Identifier: MPL-2.0

package companion

import (
	"context"
	"net"
	"time"
)

const (
	// DefaultGracePeriod bounds how long Stop waits for in-flight work.
	DefaultGracePeriod = 5 * time.Second
	// DefaultAcceptRetries is how many consecutive Accept failures a
	// listener tolerates before the server terminates with a transport failure.
	DefaultAcceptRetries = 5
	// DefaultAcceptBackoff is the pause between failed Accept calls.
	DefaultAcceptBackoff = 50 * time.Millisecond

	drainPollInterval = 10 * time.Millisecond
)

type (
	// ListenFunc opens a listener. It has the shape of net.ListenConfig.Listen.
	ListenFunc func(ctx context.Context, network, address string) (net.Listener, error)

	// Option configures a Server.
	Option func(*options)

	options struct {
		gracePeriod   time.Duration
		acceptRetries int
		acceptBackoff time.Duration
		listen        ListenFunc
		clock         func() time.Time
	}
)

func defaultOptions() options {
	var lc net.ListenConfig
	return options{
		gracePeriod:   DefaultGracePeriod,
		acceptRetries: DefaultAcceptRetries,
		acceptBackoff: DefaultAcceptBackoff,
		listen:        lc.Listen,
		clock:         time.Now,
	}
}

// WithGracePeriod sets how long a stop drains before force-closing.
func WithGracePeriod(d time.Duration) Option {
	return func(o *options) { o.gracePeriod = d }
}

// WithAcceptRetries sets the accept retry policy.
func WithAcceptRetries(retries int, backoff time.Duration) Option {
	return func(o *options) {
		o.acceptRetries = retries
		o.acceptBackoff = backoff
	}
}

// WithListenFunc replaces the function used to bind listeners.
func WithListenFunc(fn ListenFunc) Option {
	return func(o *options) {
		if fn != nil {
			o.listen = fn
		}
	}
}

// WithClock overrides the time source for lifecycle timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.clock = now
		}
	}
}
