// SPDX-License-Identifier: MPL-2.0

// Package companiontest starts real companion servers for transport tests.
package companiontest

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/invowk/companion/internal/companion"
	"github.com/invowk/companion/internal/events"
	"github.com/invowk/companion/internal/executor"
	"github.com/invowk/companion/internal/ports"
	"github.com/invowk/companion/internal/target"
	"github.com/invowk/companion/internal/tempdir"
	"github.com/invowk/companion/internal/testutil"
)

// Echo is an executor that answers every command with its arguments joined
// by spaces. The command "fail" returns an error.
var Echo executor.Executor = executor.Func(func(_ context.Context, req executor.Request) (executor.Result, error) {
	if req.Command == "fail" {
		return executor.Result{}, executor.ErrInvalidRequest
	}
	return executor.Result{
		Output: strings.Join(req.Args, " "),
		Data:   map[string]any{"command": req.Command},
	}, nil
})

// Server is a running companion with its recorder.
type Server struct {
	*companion.Server
	Host     *target.Host
	Recorder *events.Recorder
}

// Start builds and starts a companion serving one loopback binding of name
// with factory. The server is stopped when the test ends.
func Start(t testing.TB, name ports.ServiceName, factory companion.ServiceFactory, exec executor.Executor) *Server {
	t.Helper()

	host, err := target.NewHost("test-udid", "companiontest")
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := ports.New(ports.Binding{Service: name, Network: ports.NetworkTCP, Address: "127.0.0.1:0"})
	if err != nil {
		t.Fatal(err)
	}
	if exec == nil {
		exec = Echo
	}

	rec := events.NewRecorder()
	s, err := companion.New(companion.Params{
		Target:   host,
		TempDir:  tempdir.Dir(t.TempDir()),
		Ports:    cfg,
		Executor: exec,
		Reporter: rec,
		Services: map[ports.ServiceName]companion.ServiceFactory{name: factory},
	}, companion.WithGracePeriod(500*time.Millisecond))
	if err != nil {
		t.Fatalf("companion.New() error = %v", err)
	}
	t.Cleanup(testutil.DeferStop(t, s))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.StartAndWait(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return &Server{Server: s, Host: host, Recorder: rec}
}

// Addr returns the bound "host:port" of the first listener.
func (s *Server) Addr() string {
	return s.Bound()[0].Addr.String()
}
