// SPDX-License-Identifier: MPL-2.0

package companion

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/invowk/companion/internal/events"
	"github.com/invowk/companion/internal/ports"
)

type (
	// connSet tracks every accepted connection so stop can drain and then
	// force-close them.
	connSet struct {
		mu     sync.Mutex
		conns  map[*trackedConn]struct{}
		active atomic.Int64
	}

	trackedConn struct {
		net.Conn
		set  *connSet
		once sync.Once
	}

	// trackedListener applies admission, the accept retry policy, and
	// connection accounting to one bound listener.
	trackedListener struct {
		net.Listener
		srv     *Server
		binding ports.Binding

		closeOnce sync.Once
		closeErr  error
	}
)

func newConnSet() *connSet {
	return &connSet{conns: make(map[*trackedConn]struct{})}
}

func (s *connSet) track(c net.Conn) net.Conn {
	tc := &trackedConn{Conn: c, set: s}
	s.mu.Lock()
	s.conns[tc] = struct{}{}
	s.mu.Unlock()
	s.active.Add(1)
	return tc
}

func (s *connSet) untrack(tc *trackedConn) {
	s.mu.Lock()
	_, ok := s.conns[tc]
	delete(s.conns, tc)
	s.mu.Unlock()
	if ok {
		s.active.Add(-1)
	}
}

// len is lock-free so status snapshots never wait on connection handling.
func (s *connSet) len() int64 {
	return s.active.Load()
}

// closeAll force-closes every tracked connection and returns how many were open.
func (s *connSet) closeAll() int {
	s.mu.Lock()
	open := make([]*trackedConn, 0, len(s.conns))
	for tc := range s.conns {
		open = append(open, tc)
	}
	s.mu.Unlock()

	for _, tc := range open {
		_ = tc.Close()
	}
	return len(open)
}

func (c *trackedConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(func() { c.set.untrack(c) })
	return err
}

func (l *trackedListener) Accept() (net.Conn, error) {
	failures := 0
	for {
		c, err := l.Listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || !l.srv.base.IsRunning() {
				return nil, err
			}
			failures++
			if failures > l.srv.opts.acceptRetries {
				return nil, &AcceptError{Binding: l.binding, Attempts: failures, Err: err}
			}
			l.srv.logger.Warn("accept failed, retrying", "service", l.binding.Service, "attempt", failures, "err", err)
			select {
			case <-time.After(l.srv.opts.acceptBackoff):
			case <-l.srv.runCtx.Done():
				return nil, err
			}
			continue
		}
		failures = 0

		if !l.srv.base.IsRunning() {
			remote := c.RemoteAddr()
			_ = c.Close()
			l.srv.record(events.KindConnectionRejected, map[string]any{
				"service": string(l.binding.Service),
				"remote":  addrString(remote),
				"state":   l.srv.base.State().String(),
			}, nil)
			continue
		}
		return l.srv.conns.track(c), nil
	}
}

// Close closes the listener once. Unix listeners created by net.Listen
// unlink their socket file on close.
func (l *trackedListener) Close() error {
	l.closeOnce.Do(func() {
		l.closeErr = l.Listener.Close()
	})
	return l.closeErr
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
