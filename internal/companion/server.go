// SPDX-License-Identifier: MPL-2.0

package companion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/invowk/companion/internal/core/oneshot"
	"github.com/invowk/companion/internal/core/serverbase"
	"github.com/invowk/companion/internal/events"
	"github.com/invowk/companion/internal/executor"
	"github.com/invowk/companion/internal/ports"
	"github.com/invowk/companion/internal/target"
	"github.com/invowk/companion/internal/tempdir"
)

type (
	// Params are the collaborators a Server is built from. The server does
	// not own the target, executor, or reporter.
	Params struct {
		Target   target.Handle
		TempDir  tempdir.Dir
		Ports    ports.Config
		Executor executor.Executor
		// Reporter receives lifecycle events. Nil discards them.
		Reporter events.Reporter
		// Logger receives diagnostics. Nil discards them.
		Logger *log.Logger
		// Services maps every configured service name to its transport.
		Services map[ports.ServiceName]ServiceFactory
	}

	// Server serves one target. It is single-use: once terminated, build a
	// new one.
	Server struct {
		// Immutable after New
		target    target.Handle
		tempDir   tempdir.Dir
		ports     ports.Config
		exec      executor.Executor
		reporter  events.Reporter
		logger    *log.Logger
		factories map[ports.ServiceName]ServiceFactory
		opts      options

		base *serverbase.Base

		// Owned resources, installed once Start has bound every listener.
		mu        sync.Mutex
		listeners []*trackedListener
		services  []Service
		bound     atomic.Pointer[[]ports.Bound]

		conns    *connSet
		inflight atomic.Int64

		// Cancelled on force-close so in-flight dispatches stop.
		runCtx    context.Context
		cancelRun context.CancelFunc

		// Single-slot: the first termination trigger wins.
		triggers chan trigger
		lost     chan struct{}
		lostOnce sync.Once
		unwatch  func()
	}

	trigger struct {
		kind serverbase.OutcomeKind
		err  error
	}
)

// New validates params and returns a Server in the Uninitialized state.
// It never binds a port.
func New(p Params, opts ...Option) (*Server, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	if p.Target == nil {
		return nil, &ConstructionError{Field: "target", Err: ErrMissingCollaborator}
	}
	if !p.Target.IsAvailable() {
		return nil, &ConstructionError{Field: "target", Err: fmt.Errorf("%s: %w", p.Target.ID(), ErrTargetLost)}
	}
	if err := p.TempDir.Validate(); err != nil {
		return nil, &ConstructionError{Field: "temporary directory", Err: err}
	}
	if p.Ports.Len() == 0 {
		return nil, &ConstructionError{Field: "ports", Err: ports.ErrEmptyConfig}
	}
	for _, b := range p.Ports.Bindings() {
		if err := b.Validate(); err != nil {
			return nil, &ConstructionError{Field: "ports", Err: err}
		}
	}
	for _, svc := range p.Ports.Services() {
		if p.Services[svc] == nil {
			return nil, &ConstructionError{Field: "ports", Err: fmt.Errorf("%w for %q", ErrNoService, svc)}
		}
	}
	if p.Executor == nil {
		return nil, &ConstructionError{Field: "executor", Err: ErrMissingCollaborator}
	}
	if o.gracePeriod < 0 {
		return nil, &ConstructionError{Field: "grace period", Err: fmt.Errorf("must not be negative, got %s", o.gracePeriod)}
	}
	if o.acceptRetries < 0 {
		return nil, &ConstructionError{Field: "accept retries", Err: fmt.Errorf("must not be negative, got %d", o.acceptRetries)}
	}

	reporter := p.Reporter
	if reporter == nil {
		reporter = events.Discard
	}
	logger := p.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	s := &Server{
		target:    p.Target,
		tempDir:   p.TempDir,
		ports:     p.Ports,
		exec:      p.Executor,
		reporter:  reporter,
		logger:    logger,
		factories: p.Services,
		opts:      o,
		base:      serverbase.NewBase(serverbase.WithClock(o.clock)),
		conns:     newConnSet(),
		runCtx:    runCtx,
		cancelRun: cancelRun,
		triggers:  make(chan trigger, 1),
		lost:      make(chan struct{}),
		unwatch:   func() {},
	}
	return s, nil
}

// Target returns the served target.
func (s *Server) Target() target.Handle { return s.target }

// TempDir returns the scratch directory handed to the server.
func (s *Server) TempDir() tempdir.Dir { return s.tempDir }

// State returns the current lifecycle state.
func (s *Server) State() serverbase.State { return s.base.State() }

// Bound returns the listeners held while running.
func (s *Server) Bound() []ports.Bound {
	if b := s.bound.Load(); b != nil {
		return append([]ports.Bound(nil), (*b)...)
	}
	return nil
}

// Start binds every listener asynchronously. The returned promise resolves
// with the server once it is Running, or with a StartError after every
// listener bound during the attempt has been released. Calling Start on a
// server that is not Uninitialized resolves with an InvalidStateError and
// binds nothing.
func (s *Server) Start(ctx context.Context) *oneshot.Promise[*Server] {
	if !s.base.TransitionToStarting() {
		err := &InvalidStateError{Op: "start", State: s.base.State()}
		s.record(events.KindStartFailed, map[string]any{"reason": "invalid_state"}, err)
		return oneshot.Resolved[*Server](nil, err)
	}
	s.stateChanged(serverbase.StateUninitialized, serverbase.StateStarting, nil)

	p := oneshot.New[*Server]()
	go s.start(ctx, p)
	return p
}

// StartAndWait starts the server and blocks until it is Running or the
// start failed.
func (s *Server) StartAndWait(ctx context.Context) (*Server, error) {
	return s.Start(ctx).Await(ctx)
}

func (s *Server) start(ctx context.Context, p *oneshot.Promise[*Server]) {
	s.unwatch = s.target.OnUnavailable(s.onTargetLost)

	var (
		listeners []*trackedListener
		services  []Service
		bound     []ports.Bound
	)
	fail := func(err error) {
		for _, svc := range services {
			_ = svc.Close()
		}
		for _, ln := range listeners {
			_ = ln.Close()
		}
		s.failStart(err)
		p.Resolve(nil, err)
	}

	if !s.target.IsAvailable() {
		fail(&StartError{Err: fmt.Errorf("%s: %w", s.target.ID(), ErrTargetLost)})
		return
	}

	for _, b := range s.ports.Bindings() {
		if err := s.startAborted(ctx); err != nil {
			fail(&StartError{Service: b.Service, Address: b.Address, Err: err})
			return
		}

		svc, err := s.factories[b.Service](s)
		if err != nil {
			fail(&StartError{Service: b.Service, Address: b.Address, Err: fmt.Errorf("create service: %w", err)})
			return
		}
		services = append(services, svc)

		ln, err := s.listen(ctx, b)
		if err != nil {
			fail(&StartError{Service: b.Service, Address: b.Address, Err: err})
			return
		}
		listeners = append(listeners, ln)
		bound = append(bound, ports.Bound{Binding: b, Addr: ln.Addr()})
		s.logger.Debug("bound", "service", b.Service, "addr", ln.Addr())
	}

	if err := s.startAborted(ctx); err != nil {
		fail(&StartError{Err: err})
		return
	}

	s.mu.Lock()
	s.listeners = listeners
	s.services = services
	s.mu.Unlock()
	s.bound.Store(&bound)

	if !s.base.TransitionToRunning() {
		s.bound.Store(nil)
		fail(&StartError{Err: &InvalidStateError{Op: "run", State: s.base.State()}})
		return
	}

	// Running is reported before any goroutine can act on a trigger queued
	// while Starting.
	s.stateChanged(serverbase.StateStarting, serverbase.StateRunning, nil)
	doc := ports.Document(bound)
	fields := make(map[string]any, len(doc))
	for k, v := range doc {
		fields[k] = v
	}
	s.record(events.KindStartSucceeded, fields, nil)
	s.logger.Info("companion running", "target", s.target.ID(), "ports", doc)

	for i, svc := range services {
		s.base.AddGoroutine()
		go s.serve(svc, listeners[i])
	}
	go s.supervise()

	p.Resolve(s, nil)
}

// startAborted reports why a start in progress must be abandoned, if it must.
func (s *Server) startAborted(ctx context.Context) error {
	select {
	case <-s.lost:
		return fmt.Errorf("%s: %w", s.target.ID(), ErrTargetLost)
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

func (s *Server) failStart(err error) {
	s.unwatch()
	s.logger.Error("start failed", "target", s.target.ID(), "err", err)
	s.record(events.KindStartFailed, nil, err)
	s.base.Terminate(serverbase.OutcomeStartFailed, err, s.terminated(serverbase.StateStarting, 0))
}

func (s *Server) listen(ctx context.Context, b ports.Binding) (*trackedListener, error) {
	if b.Network == ports.NetworkUnix {
		if err := removeStaleSocket(b.Address); err != nil {
			return nil, err
		}
	}
	ln, err := s.opts.listen(ctx, string(b.Network), b.Address)
	if err != nil {
		return nil, err
	}
	return &trackedListener{Listener: ln, srv: s, binding: b}, nil
}

// removeStaleSocket deletes a socket file nobody is listening on.
func removeStaleSocket(path string) error {
	info, err := os.Lstat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("%s exists and is not a socket", path)
	}
	if c, err := net.DialTimeout("unix", path, 100*time.Millisecond); err == nil {
		_ = c.Close()
		return fmt.Errorf("%s is in use", path)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	return nil
}

func (s *Server) serve(svc Service, ln *trackedListener) {
	defer s.base.DoneGoroutine()

	err := svc.Serve(ln)
	if !s.base.IsRunning() {
		return
	}
	if err == nil {
		err = ErrServeExited
	}
	s.logger.Error("service stopped unexpectedly", "service", ln.binding.Service, "err", err)
	s.fire(trigger{
		kind: serverbase.OutcomeTransportFailure,
		err:  fmt.Errorf("%s on %s: %w", ln.binding.Service, ln.Addr(), err),
	})
}

// fire delivers a termination trigger. Only the first one is kept.
func (s *Server) fire(t trigger) bool {
	select {
	case s.triggers <- t:
		return true
	default:
		return false
	}
}

func (s *Server) onTargetLost() {
	s.lostOnce.Do(func() { close(s.lost) })
	s.fire(trigger{kind: serverbase.OutcomeTargetLost, err: fmt.Errorf("%s: %w", s.target.ID(), ErrTargetLost)})
}

func (s *Server) supervise() {
	t := <-s.triggers
	s.shutdown(t)
}

// shutdown runs the drain-then-close sequence and records the outcome.
func (s *Server) shutdown(t trigger) {
	if !s.base.TransitionToStopping() {
		return
	}
	s.stateChanged(serverbase.StateRunning, serverbase.StateStopping, map[string]any{"reason": t.kind.String()})
	s.unwatch()
	s.logger.Info("stopping", "reason", t.kind, "grace", s.opts.gracePeriod)

	s.mu.Lock()
	services := s.services
	listeners := s.listeners
	s.mu.Unlock()

	graceCtx, cancel := context.WithTimeout(context.Background(), s.opts.gracePeriod)
	var wg sync.WaitGroup
	for _, svc := range services {
		wg.Go(func() {
			if err := svc.Shutdown(graceCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
				s.logger.Debug("graceful shutdown", "err", err)
			}
		})
	}
	wg.Wait()
	s.awaitDrained(graceCtx)
	cancel()

	if n, r := s.conns.len(), s.inflight.Load(); n > 0 || r > 0 {
		s.logger.Warn("grace period elapsed, force-closing", "connections", n, "requests", r)
	}
	s.cancelRun()
	for _, svc := range services {
		_ = svc.Close()
	}
	forced := s.conns.closeAll()
	for _, ln := range listeners {
		_ = ln.Close()
	}
	s.base.WaitForShutdown()
	s.bound.Store(nil)

	var termErr error
	if t.kind != serverbase.OutcomeSuccess {
		termErr = &TerminationError{Kind: t.kind, Err: t.err}
	}
	s.base.Terminate(t.kind, termErr, s.terminated(serverbase.StateStopping, forced))
}

// awaitDrained waits until no connection or request is active, or ctx is done.
func (s *Server) awaitDrained(ctx context.Context) {
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()
	for s.conns.len() > 0 || s.inflight.Load() > 0 {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// terminated returns the hook that reports the terminal transition before
// the continuation resolves.
func (s *Server) terminated(from serverbase.State, forced int) func(serverbase.Outcome) {
	return func(o serverbase.Outcome) {
		s.cancelRun()
		s.stateChanged(from, serverbase.StateTerminated, nil)
		fields := map[string]any{"outcome": o.Kind.String()}
		if forced > 0 {
			fields["forced_connections"] = forced
		}
		s.record(events.KindServerTerminated, fields, o.Err)
		s.logger.Info("companion terminated", "target", s.target.ID(), "outcome", o.Kind)
	}
}

// Stop requests a graceful stop and waits until the server has terminated
// or ctx is done. A server that was never started terminates immediately.
// If another trigger already won, its outcome stands and Stop still
// returns nil.
func (s *Server) Stop(ctx context.Context) error {
	if _, ok := s.base.TerminateUnstarted(serverbase.OutcomeSuccess, nil, s.terminated(serverbase.StateUninitialized, 0)); ok {
		return nil
	}
	s.fire(trigger{kind: serverbase.OutcomeSuccess})
	if _, err := s.base.Wait(ctx); err != nil {
		return err
	}
	return nil
}

// Cancel requests termination with a Cancelled outcome without waiting.
// A stop requested while the server is Starting takes effect once it is
// Running.
func (s *Server) Cancel() {
	err := &TerminationError{Kind: serverbase.OutcomeCancelled, Err: context.Canceled}
	if _, ok := s.base.TerminateUnstarted(serverbase.OutcomeCancelled, err, s.terminated(serverbase.StateUninitialized, 0)); ok {
		return
	}
	s.fire(trigger{kind: serverbase.OutcomeCancelled, err: context.Canceled})
}

// Done returns a channel closed once the continuation has resolved.
func (s *Server) Done() <-chan struct{} { return s.base.Done() }

// Wait blocks until the continuation resolves or ctx is done. Every caller
// observes the same outcome.
func (s *Server) Wait(ctx context.Context) (serverbase.Outcome, error) {
	return s.base.Wait(ctx)
}

// Outcome returns the terminal outcome without blocking.
func (s *Server) Outcome() (serverbase.Outcome, bool) { return s.base.Outcome() }

func (s *Server) record(kind events.Kind, fields map[string]any, err error) {
	s.reporter.Record(events.New(kind, s.target.ID(), fields).WithErr(err))
}

func (s *Server) stateChanged(from, to serverbase.State, extra map[string]any) {
	fields := map[string]any{"from": from.String(), "to": to.String()}
	for k, v := range extra {
		fields[k] = v
	}
	s.record(events.KindStateChanged, fields, nil)
}
