// SPDX-License-Identifier: MPL-2.0

package companion

import (
	"context"
	"errors"
	"net"
	"os"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/invowk/companion/internal/core/serverbase"
	"github.com/invowk/companion/internal/events"
	"github.com/invowk/companion/internal/executor"
	"github.com/invowk/companion/internal/ports"
	"github.com/invowk/companion/internal/tempdir"
	"github.com/invowk/companion/internal/testutil"
)

func TestNewValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(f *fixture, p *Params)
		opts   []Option
		field  string
		is     error
	}{
		{
			name:   "nil target",
			mutate: func(_ *fixture, p *Params) { p.Target = nil },
			field:  "target",
			is:     ErrMissingCollaborator,
		},
		{
			name:   "unavailable target",
			mutate: func(f *fixture, _ *Params) { f.host.MarkUnavailable() },
			field:  "target",
			is:     ErrTargetLost,
		},
		{
			name:   "missing temp dir",
			mutate: func(_ *fixture, p *Params) { p.TempDir = tempdir.Dir(string(p.TempDir) + "/missing") },
			field:  "temporary directory",
			is:     tempdir.ErrNotWritable,
		},
		{
			name:   "empty ports",
			mutate: func(_ *fixture, p *Params) { p.Ports = ports.Config{} },
			field:  "ports",
			is:     ports.ErrEmptyConfig,
		},
		{
			name:   "no service for binding",
			mutate: func(_ *fixture, p *Params) { p.Services = map[ports.ServiceName]ServiceFactory{svcB: newLineService} },
			field:  "ports",
			is:     ErrNoService,
		},
		{
			name:   "nil executor",
			mutate: func(_ *fixture, p *Params) { p.Executor = nil },
			field:  "executor",
			is:     ErrMissingCollaborator,
		},
		{
			name:   "negative grace period",
			mutate: func(*fixture, *Params) {},
			opts:   []Option{WithGracePeriod(-time.Second)},
			field:  "grace period",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)
			p := f.params
			tt.mutate(f, &p)

			s, err := New(p, tt.opts...)
			if s != nil {
				t.Error("New() returned a server alongside an error")
			}
			var ce *ConstructionError
			if !errors.As(err, &ce) {
				t.Fatalf("New() error = %v, want *ConstructionError", err)
			}
			if ce.Field != tt.field {
				t.Errorf("Field = %q, want %q", ce.Field, tt.field)
			}
			if !errors.Is(err, ErrConstruction) {
				t.Error("error does not wrap ErrConstruction")
			}
			if tt.is != nil && !errors.Is(err, tt.is) {
				t.Errorf("error %v does not wrap %v", err, tt.is)
			}
		})
	}
}

func TestNewBindsNothing(t *testing.T) {
	t.Parallel()

	port := testutil.FreePort(t)
	f := newFixture(t, loopback(svcA, port))
	var listens atomic.Int64
	s := f.server(t, WithListenFunc(func(ctx context.Context, network, address string) (net.Listener, error) {
		listens.Add(1)
		var lc net.ListenConfig
		return lc.Listen(ctx, network, address)
	}))

	if s.State() != serverbase.StateUninitialized {
		t.Errorf("State() = %s, want uninitialized", s.State())
	}
	if n := listens.Load(); n != 0 {
		t.Errorf("New() opened %d listeners", n)
	}
	if addr := loopback(svcA, port).Address; !testutil.CanListen("tcp", addr) {
		t.Errorf("%s is held after New()", addr)
	}
	if got := s.Status(); got.State != serverbase.StateUninitialized || len(got.Ports) != 0 {
		t.Errorf("Status() = %+v", got)
	}
	if n := len(f.recorder.Events()); n != 0 {
		t.Errorf("New() emitted %d events", n)
	}
}

func TestStartTwice(t *testing.T) {
	t.Parallel()

	f := newFixture(t, loopback(svcA, 0), loopback(svcB, 0))
	s := f.server(t)
	mustStart(t, s)
	before := s.Bound()

	_, err := s.Start(t.Context()).Await(t.Context())
	var ise *InvalidStateError
	if !errors.As(err, &ise) {
		t.Fatalf("second Start() error = %v, want *InvalidStateError", err)
	}
	if ise.State != serverbase.StateRunning || !errors.Is(err, ErrInvalidState) {
		t.Errorf("InvalidStateError = %+v", ise)
	}

	after := s.Bound()
	if len(after) != len(before) {
		t.Fatalf("bound %d listeners after second Start, want %d", len(after), len(before))
	}
	for i := range before {
		if before[i].Addr.String() != after[i].Addr.String() {
			t.Errorf("listener %d moved from %s to %s", i, before[i].Addr, after[i].Addr)
		}
	}
	if n := f.recorder.Count(events.KindStartSucceeded); n != 1 {
		t.Errorf("start.succeeded recorded %d times", n)
	}
	if st := s.Status(); len(st.Ports) != 2 || st.Ports[0].Port == 0 {
		t.Errorf("Status().Ports = %+v", st.Ports)
	}
}

func TestStartRollsBackPartialBind(t *testing.T) {
	t.Parallel()

	t.Run("third port already in use", func(t *testing.T) {
		t.Parallel()

		p1 := testutil.FreePort(t)
		p2 := testutil.FreePort(t)
		for p2 == p1 {
			p2 = testutil.FreePort(t)
		}
		occupied := testutil.MustListen(t, "tcp", "127.0.0.1:0")
		p3 := occupied.Addr().(*net.TCPAddr).Port

		f := newFixture(t, loopback(svcA, p1), loopback(svcB, p2), loopback(svcC, p3))
		s := f.server(t)

		_, err := s.StartAndWait(t.Context())
		var se *StartError
		if !errors.As(err, &se) {
			t.Fatalf("Start() error = %v, want *StartError", err)
		}
		if se.Service != svcC || !errors.Is(err, ErrStart) {
			t.Errorf("StartError = %+v", se)
		}
		for _, p := range []int{p1, p2} {
			if addr := loopback(svcA, p).Address; !testutil.CanListen("tcp", addr) {
				t.Errorf("%s still bound after failed start", addr)
			}
		}
		if sawRunning(f.recorder) || s.State() != serverbase.StateTerminated {
			t.Errorf("state = %s, running seen = %v", s.State(), sawRunning(f.recorder))
		}
		if o, ok := s.Outcome(); !ok || o.Kind != serverbase.OutcomeStartFailed {
			t.Errorf("Outcome() = %v, %v", o, ok)
		}
	})

	t.Run("second of three listens fails", func(t *testing.T) {
		t.Parallel()

		errBind := errors.New("bind: address already in use")
		var (
			calls  atomic.Int64
			mu     sync.Mutex
			opened []string
		)
		f := newFixture(t, loopback(svcA, 0), loopback(svcB, 0), loopback(svcC, 0))
		s := f.server(t, WithListenFunc(func(ctx context.Context, network, address string) (net.Listener, error) {
			if calls.Add(1) == 2 {
				return nil, errBind
			}
			var lc net.ListenConfig
			ln, err := lc.Listen(ctx, network, address)
			if err == nil {
				mu.Lock()
				opened = append(opened, ln.Addr().String())
				mu.Unlock()
			}
			return ln, err
		}))

		_, err := s.StartAndWait(t.Context())
		if !errors.Is(err, errBind) || !errors.Is(err, ErrStart) {
			t.Fatalf("Start() error = %v", err)
		}
		if n := calls.Load(); n != 2 {
			t.Errorf("listen called %d times, want 2", n)
		}
		mu.Lock()
		defer mu.Unlock()
		if len(opened) != 1 {
			t.Fatalf("opened = %v", opened)
		}
		if !testutil.CanListen("tcp", opened[0]) {
			t.Errorf("%s still bound after failed start", opened[0])
		}
		if n := f.recorder.Count(events.KindStartFailed); n != 1 {
			t.Errorf("start.failed recorded %d times", n)
		}
		if n := f.recorder.Count(events.KindServerTerminated); n != 1 {
			t.Errorf("server.terminated recorded %d times", n)
		}
	})
}

func TestPortInUse(t *testing.T) {
	t.Parallel()

	occupied := testutil.MustListen(t, "tcp", "127.0.0.1:0")
	f := newFixture(t, loopback(svcA, occupied.Addr().(*net.TCPAddr).Port))
	s := f.server(t)

	p := s.Start(t.Context())
	_, err := p.Await(t.Context())
	if !errors.Is(err, ErrStart) {
		t.Fatalf("Start() error = %v, want ErrStart", err)
	}
	var se *StartError
	if !errors.As(err, &se) || se.Address != occupied.Addr().String() {
		t.Errorf("StartError = %+v", se)
	}
	if sawRunning(f.recorder) {
		t.Error("server reached Running")
	}
	st := s.Status()
	if st.State == serverbase.StateRunning || st.Outcome == nil || st.Outcome.Kind != serverbase.OutcomeStartFailed {
		t.Errorf("Status() = %+v", st)
	}
	if e, ok := f.recorder.Last(events.KindStartFailed); !ok || e.Err == "" {
		t.Errorf("start.failed event = %+v, %v", e, ok)
	}
}

func TestHappyPathTwoPorts(t *testing.T) {
	t.Parallel()

	const grace = 2 * time.Second
	f := newFixture(t, loopback(svcA, 0), loopback(svcB, 0))
	s, err := New(f.params, WithGracePeriod(grace))
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.StartAndWait(t.Context())
	if err != nil || got != s {
		t.Fatalf("StartAndWait() = %p, %v", got, err)
	}

	st := s.Status()
	if st.State != serverbase.StateRunning {
		t.Fatalf("State = %s, want running", st.State)
	}
	if len(st.Ports) != 2 || st.Ports[0].Service != string(svcA) || st.Ports[1].Service != string(svcB) {
		t.Fatalf("Ports = %+v", st.Ports)
	}
	for _, p := range st.Ports {
		if p.Port == 0 {
			t.Errorf("port for %s not resolved", p.Service)
		}
	}
	if e, ok := f.recorder.Last(events.KindStartSucceeded); !ok || e.Fields["alpha_port"] != st.Ports[0].Port {
		t.Errorf("start.succeeded = %+v", e)
	}

	c := dial(t, s, svcB)
	if reply := roundTrip(t, c, "ping hello"); reply != "ok ping hello" {
		t.Errorf("reply = %q", reply)
	}
	if n := f.exec.calls.Load(); n != 1 {
		t.Errorf("executor invoked %d times, want 1", n)
	}
	testutil.MustClose(t, c)
	testutil.Eventually(t, time.Second, func() bool { return s.Status().Connections == 0 }, "connection never released")

	began := time.Now()
	if err := s.Stop(t.Context()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if elapsed := time.Since(began); elapsed >= grace {
		t.Errorf("Stop() took %s, want under the %s grace period", elapsed, grace)
	}

	o := mustWait(t, s)
	if !o.IsSuccess() {
		t.Errorf("outcome = %s, want success", o)
	}
	if st := s.Status(); st.State != serverbase.StateTerminated || len(st.Ports) != 0 {
		t.Errorf("Status() after stop = %+v", st)
	}
	if n := f.recorder.Count(events.KindDispatchCompleted); n != 1 {
		t.Errorf("dispatch.completed recorded %d times", n)
	}
}

func TestContinuationObservers(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	s := f.server(t)
	mustStart(t, s)

	const observers = 8
	var ready, finished sync.WaitGroup
	results := make(chan serverbase.Outcome, observers*2)
	for range observers {
		ready.Add(1)
		finished.Go(func() {
			ready.Done()
			o, err := s.Wait(context.Background())
			if err != nil {
				t.Errorf("Wait() error = %v", err)
			}
			results <- o
		})
	}
	ready.Wait()
	time.Sleep(20 * time.Millisecond)

	s.Cancel()
	<-s.Done()

	for range observers {
		finished.Go(func() {
			o, err := s.Wait(context.Background())
			if err != nil {
				t.Errorf("late Wait() error = %v", err)
			}
			results <- o
		})
	}
	finished.Wait()
	close(results)

	want, ok := s.Outcome()
	if !ok {
		t.Fatal("Outcome() not available after Done")
	}
	n := 0
	for o := range results {
		n++
		if o != want {
			t.Errorf("observer saw %s at %v, want %s at %v", o, o.At, want, want.At)
		}
	}
	if n != observers*2 {
		t.Errorf("%d observers resolved, want %d", n, observers*2)
	}
	if c := f.recorder.Count(events.KindServerTerminated); c != 1 {
		t.Errorf("server.terminated recorded %d times", c)
	}
}

func TestStopAndCancelDrain(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		trigger  func(t *testing.T, s *Server)
		wantKind serverbase.OutcomeKind
		wantErr  error
	}{
		{
			name: "stop",
			trigger: func(t *testing.T, s *Server) {
				if err := s.Stop(t.Context()); err != nil {
					t.Errorf("Stop() error = %v", err)
				}
			},
			wantKind: serverbase.OutcomeSuccess,
		},
		{
			name:     "cancel",
			trigger:  func(_ *testing.T, s *Server) { s.Cancel() },
			wantKind: serverbase.OutcomeCancelled,
			wantErr:  ErrCancelled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)
			s := f.server(t, WithGracePeriod(100*time.Millisecond))
			mustStart(t, s)

			idle := dial(t, s, svcA)
			busy := dial(t, s, svcA)
			if _, err := busy.Write([]byte("block\n")); err != nil {
				t.Fatal(err)
			}
			testutil.Eventually(t, 2*time.Second, func() bool {
				st := s.Status()
				return st.Connections == 2 && st.InFlight == 1
			}, "connections/requests never became active: %+v", s.Status())

			tt.trigger(t, s)
			o := mustWait(t, s)

			if o.Kind != tt.wantKind {
				t.Errorf("outcome = %s, want %s", o.Kind, tt.wantKind)
			}
			if tt.wantErr != nil && !errors.Is(o.Err, tt.wantErr) {
				t.Errorf("outcome error = %v, want %v", o.Err, tt.wantErr)
			}
			if n := s.Status().Connections; n != 0 {
				t.Errorf("%d connections remain after termination", n)
			}
			testutil.Eventually(t, time.Second, func() bool { return s.Status().InFlight == 0 }, "in-flight requests never drained")

			_ = idle.SetReadDeadline(time.Now().Add(time.Second))
			if _, err := idle.Read(make([]byte, 1)); err == nil {
				t.Error("idle connection still open after termination")
			}
			if e, ok := f.recorder.Last(events.KindServerTerminated); !ok || e.Fields["forced_connections"] == nil {
				t.Errorf("server.terminated = %+v, want forced_connections", e)
			}
		})
	}
}

func TestStatusNeverStaleAfterTermination(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	s := f.server(t)
	mustStart(t, s)

	var wg sync.WaitGroup
	for range 4 {
		wg.Go(func() {
			for {
				terminated := false
				select {
				case <-s.Done():
					terminated = true
				default:
				}
				st := s.Status()
				if st.IsTerminated() && (st.Outcome == nil || st.TerminatedAt == nil) {
					t.Errorf("terminated status without outcome: %+v", st)
					return
				}
				if terminated {
					if st.State != serverbase.StateTerminated {
						t.Errorf("status after Done = %s", st.State)
					}
					return
				}
			}
		})
	}

	time.Sleep(10 * time.Millisecond)
	testutil.MustStop(t, s)
	wg.Wait()

	st := s.Status()
	if st.State != serverbase.StateTerminated || st.TerminatedAt == nil || st.Outcome == nil {
		t.Errorf("Status() = %+v", st)
	}
}

func TestTargetLost(t *testing.T) {
	t.Parallel()

	t.Run("while running", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		s := f.server(t)
		mustStart(t, s)

		f.host.MarkUnavailable()
		o := mustWait(t, s)
		if o.Kind != serverbase.OutcomeTargetLost || !errors.Is(o.Err, ErrTargetLost) {
			t.Errorf("outcome = %s", o)
		}
		var te *TerminationError
		if !errors.As(o.Err, &te) || te.Kind != serverbase.OutcomeTargetLost || !errors.Is(o.Err, ErrTermination) {
			t.Errorf("outcome error = %#v", o.Err)
		}
		if err := s.Stop(t.Context()); err != nil {
			t.Errorf("Stop() after termination error = %v", err)
		}
		if again, _ := s.Outcome(); again != o {
			t.Errorf("outcome changed to %s", again)
		}
		if e, ok := f.recorder.Last(events.KindServerTerminated); !ok || e.Fields["outcome"] != "target_lost" || e.Err == "" {
			t.Errorf("server.terminated = %+v", e)
		}
	})

	t.Run("before start", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		s := f.server(t)
		f.host.MarkUnavailable()

		_, err := s.StartAndWait(t.Context())
		if !errors.Is(err, ErrStart) || !errors.Is(err, ErrTargetLost) {
			t.Errorf("Start() error = %v", err)
		}
	})

	t.Run("while starting", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, loopback(svcA, 0), loopback(svcB, 0))
		var opened []string
		s := f.server(t, WithListenFunc(func(ctx context.Context, network, address string) (net.Listener, error) {
			var lc net.ListenConfig
			ln, err := lc.Listen(ctx, network, address)
			if err == nil {
				opened = append(opened, ln.Addr().String())
			}
			f.host.MarkUnavailable()
			return ln, err
		}))

		_, err := s.StartAndWait(t.Context())
		if !errors.Is(err, ErrStart) || !errors.Is(err, ErrTargetLost) {
			t.Fatalf("Start() error = %v", err)
		}
		if len(opened) != 1 {
			t.Fatalf("opened %v, want exactly the first listener", opened)
		}
		if !testutil.CanListen("tcp", opened[0]) {
			t.Errorf("%s still bound", opened[0])
		}
		if o, _ := s.Outcome(); o.Kind != serverbase.OutcomeStartFailed {
			t.Errorf("outcome = %s, want start_failed", o)
		}
	})
}

type failingListener struct {
	net.Listener
}

func (failingListener) Accept() (net.Conn, error) {
	return nil, errors.New("accept: too many open files")
}

func TestTransportFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	s := f.server(t,
		WithAcceptRetries(2, time.Millisecond),
		WithListenFunc(func(ctx context.Context, network, address string) (net.Listener, error) {
			var lc net.ListenConfig
			ln, err := lc.Listen(ctx, network, address)
			if err != nil {
				return nil, err
			}
			return failingListener{Listener: ln}, nil
		}),
	)
	mustStart(t, s)

	o := mustWait(t, s)
	if o.Kind != serverbase.OutcomeTransportFailure || !errors.Is(o.Err, ErrTransportFailure) {
		t.Fatalf("outcome = %s", o)
	}
	var ae *AcceptError
	if !errors.As(o.Err, &ae) || ae.Attempts != 3 || ae.Binding.Service != svcA {
		t.Errorf("AcceptError = %+v", ae)
	}
}

func TestDispatchIsolation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	s := f.server(t)
	mustStart(t, s)

	c := dial(t, s, svcA)
	if reply := roundTrip(t, c, "panic"); !strings.HasPrefix(reply, "err") || !strings.Contains(reply, "executor panicked") {
		t.Errorf("panic reply = %q", reply)
	}
	if reply := roundTrip(t, c, "fail now"); !strings.Contains(reply, "executor refused") {
		t.Errorf("fail reply = %q", reply)
	}
	if reply := roundTrip(t, c, "ping"); reply != "ok ping" {
		t.Errorf("ping after failures = %q", reply)
	}

	_, err := s.Dispatch(t.Context(), executor.Request{Command: "panic"})
	var de *DispatchError
	if !errors.As(err, &de) || de.Command != "panic" || !errors.Is(err, ErrExecutorPanic) || !errors.Is(err, ErrDispatch) {
		t.Errorf("Dispatch(panic) error = %v", err)
	}

	var wg sync.WaitGroup
	var failures, successes atomic.Int64
	for i := range 20 {
		wg.Go(func() {
			cmd := "ping"
			if i%2 == 0 {
				cmd = "fail"
			}
			if _, err := s.Dispatch(t.Context(), executor.Request{Command: cmd}); err != nil {
				failures.Add(1)
				return
			}
			successes.Add(1)
		})
	}
	wg.Wait()
	if failures.Load() != 10 || successes.Load() != 10 {
		t.Errorf("failures=%d successes=%d, want 10/10", failures.Load(), successes.Load())
	}

	if s.State() != serverbase.StateRunning {
		t.Errorf("State() = %s after executor failures", s.State())
	}
	if n := f.recorder.Count(events.KindDispatchFailed); n != 13 {
		t.Errorf("dispatch.failed recorded %d times, want 13", n)
	}
}

func TestDispatchOutsideRunning(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	s := f.server(t)

	_, err := s.Dispatch(t.Context(), executor.Request{Command: "ping"})
	var ise *InvalidStateError
	if !errors.As(err, &ise) || ise.State != serverbase.StateUninitialized {
		t.Errorf("Dispatch before start error = %v", err)
	}

	mustStart(t, s)
	testutil.MustStop(t, s)

	_, err = s.Dispatch(t.Context(), executor.Request{Command: "ping"})
	if !errors.As(err, &ise) || ise.State != serverbase.StateTerminated {
		t.Errorf("Dispatch after stop error = %v", err)
	}
	if n := f.exec.calls.Load(); n != 0 {
		t.Errorf("executor invoked %d times", n)
	}

	var states []any
	for _, e := range f.recorder.Events() {
		if e.Kind != events.KindDispatchRejected {
			continue
		}
		if e.Fields["command"] != "ping" || e.Fields["reason"] != "invalid_state" || e.Err == "" {
			t.Errorf("dispatch.rejected = %+v", e)
		}
		states = append(states, e.Fields["state"])
	}
	if want := []any{"uninitialized", "terminated"}; !slices.Equal(states, want) {
		t.Errorf("dispatch.rejected states = %v, want %v", states, want)
	}
}

func TestDispatchUsesClock(t *testing.T) {
	t.Parallel()

	clock := testutil.NewFakeClock(time.Time{}, time.Second)
	f := newFixture(t)
	s := f.server(t, WithClock(clock.Now))
	mustStart(t, s)

	if _, err := s.Dispatch(t.Context(), executor.Request{Command: "ping"}); err != nil {
		t.Fatal(err)
	}
	e, ok := f.recorder.Last(events.KindDispatchCompleted)
	if !ok || e.Fields["duration_ms"] != int64(1000) {
		t.Errorf("dispatch.completed = %+v", e)
	}
	if st := s.Status(); st.StartedAt == nil || st.StartedAt.Year() != 2020 {
		t.Errorf("StartedAt = %v", st.StartedAt)
	}
}

func TestStopBeforeStart(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		stop func(t *testing.T, s *Server)
		want serverbase.OutcomeKind
	}{
		{"stop", func(t *testing.T, s *Server) { testutil.MustStop(t, s) }, serverbase.OutcomeSuccess},
		{"cancel", func(_ *testing.T, s *Server) { s.Cancel() }, serverbase.OutcomeCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)
			s := f.server(t)
			tt.stop(t, s)

			if o := mustWait(t, s); o.Kind != tt.want {
				t.Errorf("outcome = %s, want %s", o.Kind, tt.want)
			}
			_, err := s.StartAndWait(t.Context())
			var ise *InvalidStateError
			if !errors.As(err, &ise) || ise.State != serverbase.StateTerminated {
				t.Errorf("Start() after stop error = %v", err)
			}
			if n := f.recorder.Count(events.KindStartSucceeded); n != 0 {
				t.Errorf("start.succeeded recorded %d times", n)
			}
		})
	}
}

func TestStopWhileStarting(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	release := make(chan struct{})
	f := newFixture(t)
	s := f.server(t, WithListenFunc(func(ctx context.Context, network, address string) (net.Listener, error) {
		close(entered)
		<-release
		var lc net.ListenConfig
		return lc.Listen(ctx, network, address)
	}))

	p := s.Start(t.Context())
	<-entered
	if s.State() != serverbase.StateStarting {
		t.Fatalf("State() = %s, want starting", s.State())
	}

	stopped := make(chan error, 1)
	go func() { stopped <- s.Stop(t.Context()) }()
	time.Sleep(10 * time.Millisecond)
	close(release)

	if _, err := p.Await(t.Context()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := <-stopped; err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if o, _ := s.Outcome(); !o.IsSuccess() {
		t.Errorf("outcome = %s, want success", o)
	}
	if !sawRunning(f.recorder) {
		t.Error("queued stop should apply after Running")
	}
	evs := f.recorder.Events()
	at := func(match func(events.Event) bool) int { return slices.IndexFunc(evs, match) }
	started := at(func(e events.Event) bool { return e.Kind == events.KindStartSucceeded })
	stopping := at(func(e events.Event) bool {
		return e.Kind == events.KindStateChanged && e.Fields["to"] == "stopping"
	})
	ended := at(func(e events.Event) bool { return e.Kind == events.KindServerTerminated })
	if started < 0 || stopping < started || ended < stopping {
		t.Errorf("events out of order: %v", f.recorder.Kinds())
	}
}

func TestFirstTriggerWins(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	s := f.server(t)
	mustStart(t, s)

	s.Cancel()
	var wg sync.WaitGroup
	for range 5 {
		wg.Go(func() {
			if err := s.Stop(t.Context()); err != nil {
				t.Errorf("Stop() error = %v", err)
			}
		})
	}
	wg.Wait()
	f.host.MarkUnavailable()

	if o := mustWait(t, s); o.Kind != serverbase.OutcomeCancelled {
		t.Errorf("outcome = %s, want cancelled", o.Kind)
	}
	if n := f.recorder.Count(events.KindServerTerminated); n != 1 {
		t.Errorf("server.terminated recorded %d times", n)
	}
}

func TestUnixBinding(t *testing.T) {
	t.Parallel()

	t.Run("stale socket is replaced and removed on stop", func(t *testing.T) {
		t.Parallel()

		path := testutil.SocketPath(t, "c.sock")
		stale, err := net.Listen("unix", path)
		if err != nil {
			t.Skipf("unix sockets unavailable: %v", err)
		}
		stale.(*net.UnixListener).SetUnlinkOnClose(false)
		testutil.MustClose(t, stale)

		f := newFixture(t, ports.Binding{Service: svcA, Network: ports.NetworkUnix, Address: path})
		s := f.server(t)
		mustStart(t, s)

		c := dial(t, s, svcA)
		if reply := roundTrip(t, c, "ping unix"); reply != "ok ping unix" {
			t.Errorf("reply = %q", reply)
		}
		testutil.MustStop(t, s)

		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Errorf("socket file left behind (stat err = %v)", err)
		}
	})

	t.Run("live socket is not stolen", func(t *testing.T) {
		t.Parallel()

		path := testutil.SocketPath(t, "c.sock")
		live, err := net.Listen("unix", path)
		if err != nil {
			t.Skipf("unix sockets unavailable: %v", err)
		}
		defer live.Close()

		f := newFixture(t, ports.Binding{Service: svcA, Network: ports.NetworkUnix, Address: path})
		s := f.server(t)
		if _, err := s.StartAndWait(t.Context()); !errors.Is(err, ErrStart) {
			t.Errorf("Start() error = %v, want ErrStart", err)
		}
		if _, err := os.Stat(path); err != nil {
			t.Errorf("live socket removed: %v", err)
		}
	})
}

func TestAdmissionRejectsOutsideRunning(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	s := f.server(t)

	raw := testutil.MustListen(t, "tcp", "127.0.0.1:0")
	l := &trackedListener{Listener: raw, srv: s, binding: loopback(svcA, 0)}
	acceptErr := make(chan error, 1)
	go func() {
		_, err := l.Accept()
		acceptErr <- err
	}()

	c, err := net.Dial("tcp", raw.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	testutil.Eventually(t, 2*time.Second, func() bool {
		return f.recorder.Count(events.KindConnectionRejected) == 1
	}, "connection was never rejected")

	_ = c.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := c.Read(make([]byte, 1)); err == nil {
		t.Error("rejected connection is still open")
	}
	if n := s.Status().Connections; n != 0 {
		t.Errorf("rejected connection was tracked (%d)", n)
	}

	testutil.MustClose(t, l)
	if err := <-acceptErr; !errors.Is(err, net.ErrClosed) {
		t.Errorf("Accept() after close error = %v", err)
	}
}
