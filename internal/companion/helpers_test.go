// SPDX-License-Identifier: MPL-2.0

package companion

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/invowk/companion/internal/core/serverbase"
	"github.com/invowk/companion/internal/events"
	"github.com/invowk/companion/internal/executor"
	"github.com/invowk/companion/internal/ports"
	"github.com/invowk/companion/internal/target"
	"github.com/invowk/companion/internal/tempdir"
	"github.com/invowk/companion/internal/testutil"
)

const (
	svcA ports.ServiceName = "alpha"
	svcB ports.ServiceName = "beta"
	svcC ports.ServiceName = "gamma"
)

// lineService is a minimal transport: each line "command arg..." becomes
// one Dispatch, answered with "ok <output>" or "err <message>".
type lineService struct {
	backend Backend

	mu      sync.Mutex
	ln      net.Listener
	conns   map[net.Conn]struct{}
	closing bool
	active  sync.WaitGroup
}

func newLineService(b Backend) (Service, error) {
	return &lineService{backend: b, conns: make(map[net.Conn]struct{})}, nil
}

func (l *lineService) Serve(ln net.Listener) error {
	l.mu.Lock()
	l.ln = ln
	l.mu.Unlock()
	for {
		c, err := ln.Accept()
		if err != nil {
			l.mu.Lock()
			closing := l.closing
			l.mu.Unlock()
			if closing {
				return nil
			}
			return err
		}
		l.mu.Lock()
		l.conns[c] = struct{}{}
		l.active.Add(1)
		l.mu.Unlock()
		go l.handle(c)
	}
}

func (l *lineService) handle(c net.Conn) {
	defer l.active.Done()
	defer func() {
		l.mu.Lock()
		delete(l.conns, c)
		l.mu.Unlock()
		_ = c.Close()
	}()
	sc := bufio.NewScanner(c)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		res, err := l.backend.Dispatch(context.Background(), executor.Request{Command: fields[0], Args: fields[1:]})
		if err != nil {
			_, _ = fmt.Fprintf(c, "err %v\n", err)
			continue
		}
		_, _ = fmt.Fprintf(c, "ok %s\n", res.Output)
	}
}

func (l *lineService) stopAccepting() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closing = true
	if l.ln != nil {
		_ = l.ln.Close()
	}
}

func (l *lineService) Shutdown(ctx context.Context) error {
	l.stopAccepting()
	done := make(chan struct{})
	go func() {
		l.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *lineService) Close() error {
	l.stopAccepting()
	l.mu.Lock()
	defer l.mu.Unlock()
	for c := range l.conns {
		_ = c.Close()
	}
	return nil
}

// countingExecutor echoes its arguments and counts calls.
type countingExecutor struct {
	calls atomic.Int64
}

func (e *countingExecutor) Execute(ctx context.Context, req executor.Request) (executor.Result, error) {
	e.calls.Add(1)
	switch req.Command {
	case "fail":
		return executor.Result{}, errors.New("executor refused")
	case "panic":
		panic("executor exploded")
	case "block":
		<-ctx.Done()
		return executor.Result{}, ctx.Err()
	default:
		return executor.Result{Output: strings.Join(append([]string{req.Command}, req.Args...), " ")}, nil
	}
}

type fixture struct {
	host     *target.Host
	exec     *countingExecutor
	recorder *events.Recorder
	params   Params
}

func newFixture(t *testing.T, bindings ...ports.Binding) *fixture {
	t.Helper()

	host, err := target.NewHost("dev-1", "bench")
	if err != nil {
		t.Fatal(err)
	}
	if len(bindings) == 0 {
		bindings = []ports.Binding{loopback(svcA, 0)}
	}
	cfg, err := ports.New(bindings...)
	if err != nil {
		t.Fatal(err)
	}

	f := &fixture{host: host, exec: &countingExecutor{}, recorder: events.NewRecorder()}
	f.params = Params{
		Target:   host,
		TempDir:  tempdir.Dir(t.TempDir()),
		Ports:    cfg,
		Executor: f.exec,
		Reporter: f.recorder,
		Services: map[ports.ServiceName]ServiceFactory{
			svcA: newLineService,
			svcB: newLineService,
			svcC: newLineService,
		},
	}
	return f
}

func (f *fixture) server(t *testing.T, opts ...Option) *Server {
	t.Helper()
	s, err := New(f.params, append([]Option{WithGracePeriod(200 * time.Millisecond)}, opts...)...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(testutil.DeferStop(t, s))
	return s
}

func loopback(svc ports.ServiceName, port int) ports.Binding {
	return ports.Binding{Service: svc, Network: ports.NetworkTCP, Address: net.JoinHostPort("127.0.0.1", strconv.Itoa(port))}
}

func mustStart(t *testing.T, s *Server) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.StartAndWait(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
}

func mustWait(t *testing.T, s *Server) serverbase.Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	o, err := s.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	return o
}

// dial connects to the first bound listener of svc.
func dial(t *testing.T, s *Server, svc ports.ServiceName) net.Conn {
	t.Helper()
	for _, b := range s.Bound() {
		if b.Service == svc {
			c, err := net.Dial(b.Addr.Network(), b.Addr.String())
			if err != nil {
				t.Fatalf("dial %s: %v", svc, err)
			}
			t.Cleanup(func() { _ = c.Close() })
			return c
		}
	}
	t.Fatalf("service %s is not bound", svc)
	return nil
}

func roundTrip(t *testing.T, c net.Conn, line string) string {
	t.Helper()
	if err := c.SetDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatal(err)
	}
	if _, err := fmt.Fprintln(c, line); err != nil {
		t.Fatalf("write %q: %v", line, err)
	}
	reply, err := bufio.NewReader(c).ReadString('\n')
	if err != nil {
		t.Fatalf("read reply to %q: %v", line, err)
	}
	return strings.TrimSpace(reply)
}

func sawRunning(r *events.Recorder) bool {
	for _, e := range r.Events() {
		if e.Kind == events.KindStateChanged && e.Fields["to"] == "running" {
			return true
		}
	}
	return false
}
