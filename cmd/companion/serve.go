// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/invowk/companion/internal/companion"
	"github.com/invowk/companion/internal/config"
	"github.com/invowk/companion/internal/container"
	"github.com/invowk/companion/internal/events"
	"github.com/invowk/companion/internal/executor"
	"github.com/invowk/companion/internal/issue"
	"github.com/invowk/companion/internal/ports"
	"github.com/invowk/companion/internal/target"
	"github.com/invowk/companion/internal/tempdir"
	"github.com/invowk/companion/internal/transport/grpcapi"
	"github.com/invowk/companion/internal/transport/httpapi"
	"github.com/invowk/companion/internal/transport/sshapi"
	"github.com/invowk/companion/pkg/types"
)

// stopSlack is added to the grace period when bounding the final wait.
const stopSlack = 2 * time.Second

type (
	// serveOptions holds `companion serve` flag values.
	serveOptions struct {
		udid       string
		name       string
		kind       string
		engine     string
		container  string
		socket     string
		host       string
		grpcPort   int
		httpPort   int
		sshPort    int
		replyFD    int
		preferIPv6 bool
	}

	// closer collects cleanups run in reverse order.
	closer []func()
)

func newServeCommand(app *App) *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve one target until stopped",
		Long: `Serve one target until stopped.

Once every configured service is listening, serve prints one JSON line on
stdout mapping port keys to bound ports, e.g. {"grpc_port":10882}. Logs go
to stderr. SIGINT or SIGTERM stops the companion gracefully.

Exit status: 0 after a graceful stop, 69 when the target went away, 74 after
a listener failure, 130 when cancelled.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), app, opts, cmd.Flags().Changed)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.udid, "udid", "", "target identifier")
	f.StringVar(&opts.name, "name", "", "human-readable target name")
	f.StringVar(&opts.kind, "target-kind", "", "target kind: host, container or socket")
	f.StringVar(&opts.engine, "engine", "", "container engine: auto, docker or podman")
	f.StringVar(&opts.container, "container", "", "container name or id (container targets)")
	f.StringVar(&opts.socket, "socket", "", "control socket path (socket targets)")
	f.StringVar(&opts.host, "listen-host", "127.0.0.1", "address used by the --*-port flags")
	f.IntVar(&opts.grpcPort, "grpc-port", 0, "serve gRPC on this tcp port (0 picks one)")
	f.IntVar(&opts.httpPort, "http-port", 0, "serve HTTP on this tcp port (0 picks one)")
	f.IntVar(&opts.sshPort, "ssh-port", 0, "serve SSH on this tcp port (0 picks one)")
	f.IntVar(&opts.replyFD, "reply-fd", 0, "also write the port document to this file descriptor and close it")
	f.BoolVar(&opts.preferIPv6, "prefer-ipv6", false, "report IPv6 ports on --reply-fd when both families are bound")
	return cmd
}

// overrides returns the config keys set by flags.
func (o *serveOptions) overrides(changed func(string) bool) map[string]any {
	out := make(map[string]any)
	for flag, kv := range map[string]struct {
		key   string
		value string
	}{
		"udid":        {"target.udid", o.udid},
		"name":        {"target.name", o.name},
		"target-kind": {"target.kind", o.kind},
		"engine":      {"target.engine", o.engine},
		"container":   {"target.container", o.container},
		"socket":      {"target.socket", o.socket},
	} {
		if changed(flag) {
			out[kv.key] = kv.value
		}
	}
	return out
}

// portFlags returns the service ports requested by --*-port flags.
func (o *serveOptions) portFlags(changed func(string) bool) map[ports.ServiceName]int {
	out := make(map[ports.ServiceName]int)
	if changed("grpc-port") {
		out[ports.ServiceGRPC] = o.grpcPort
	}
	if changed("http-port") {
		out[ports.ServiceHTTP] = o.httpPort
	}
	if changed("ssh-port") {
		out[ports.ServiceSSH] = o.sshPort
	}
	return out
}

// applyPortFlags replaces every binding of a flagged service with one tcp
// binding on host.
func applyPortFlags(specs []string, host string, flagged map[ports.ServiceName]int) ([]string, error) {
	if len(flagged) == 0 {
		return specs, nil
	}
	out := make([]string, 0, len(specs)+len(flagged))
	for _, spec := range specs {
		b, err := ports.ParseBinding(spec)
		if err != nil {
			return nil, err
		}
		if _, ok := flagged[b.Service]; !ok {
			out = append(out, spec)
		}
	}
	for _, svc := range []ports.ServiceName{ports.ServiceGRPC, ports.ServiceHTTP, ports.ServiceSSH} {
		port, ok := flagged[svc]
		if !ok {
			continue
		}
		if _, err := types.ParseListenPort(strconv.Itoa(port)); err != nil {
			return nil, fmt.Errorf("--%s-port: %w", svc, err)
		}
		out = append(out, fmt.Sprintf("%s=tcp://%s", svc, net.JoinHostPort(host, strconv.Itoa(port))))
	}
	return out, nil
}

func runServe(ctx context.Context, app *App, opts *serveOptions, changed func(string) bool) error {
	if opts.replyFD != 0 && opts.replyFD < 3 {
		return &ExitError{Code: types.ExitUsage, Err: fmt.Errorf("--reply-fd %d: must be 3 or greater", opts.replyFD)}
	}

	cfg, err := app.loadConfig(ctx, opts.overrides(changed))
	if err != nil {
		app.reportError(err)
		return err
	}
	if cfg.Ports, err = applyPortFlags(cfg.Ports, opts.host, opts.portFlags(changed)); err != nil {
		return &ExitError{Code: types.ExitUsage, Err: err}
	}

	logger := app.newLogger(cfg.Level())
	var cleanup closer
	defer cleanup.run()

	// Watchers outlive the signal context so a target lost during the
	// drain is still observed.
	watchCtx, stopWatch := context.WithCancel(context.WithoutCancel(ctx))
	cleanup.add(stopWatch)

	handle, err := buildTarget(watchCtx, cfg, logger)
	if err != nil {
		app.reportError(err)
		return err
	}

	reporter, tail, err := buildReporter(ctx, cfg, logger, &cleanup)
	if err != nil {
		app.reportError(err)
		return err
	}

	srv, err := buildServer(cfg, handle, reporter, tail, logger)
	if err != nil {
		app.reportError(err)
		return err
	}

	startCtx, cancelStart := context.WithTimeout(ctx, cfg.StartupTimeout)
	_, err = srv.StartAndWait(startCtx)
	cancelStart()
	if err != nil {
		// A start that outlived its timeout is still binding; wait for the
		// rollback so no listener survives this call.
		srv.Cancel()
		_, _ = srv.Wait(context.WithoutCancel(ctx))
		err = startFailure(handle, err)
		app.reportError(err)
		return err
	}

	if err := writeReadiness(app.stdout, srv.Bound(), opts.replyFD, opts.preferIPv6); err != nil {
		logger.Error("report ports", "error", err)
		srv.Cancel()
		_, _ = srv.Wait(context.WithoutCancel(ctx))
		return err
	}

	select {
	case <-ctx.Done():
		logger.Info("stopping", "target", handle.ID(), "reason", context.Cause(ctx))
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.GracePeriod+stopSlack)
		if err := srv.Stop(stopCtx); err != nil {
			logger.Warn("graceful stop timed out, cancelling", "error", err)
			srv.Cancel()
		}
		cancel()
	case <-srv.Done():
	}

	o, _ := srv.Wait(context.WithoutCancel(ctx))
	return exitForOutcome(o)
}

// buildTarget resolves the configured target and starts its availability
// watcher on ctx.
func buildTarget(ctx context.Context, cfg *config.Config, logger *log.Logger) (target.Handle, error) {
	tc := cfg.Target
	id := types.TargetID(tc.UDID)
	switch tc.Kind {
	case target.KindHost:
		h, err := target.NewHost(id, tc.Name)
		if err != nil {
			return nil, err
		}
		return h, nil

	case target.KindSocket:
		s, err := target.NewSocket(id, tc.Name, tc.Socket, logger.WithPrefix("target"))
		if err != nil {
			return nil, err
		}
		if !s.IsAvailable() {
			return nil, issue.NewErrorContext().
				WithOperation("open socket target").
				WithResource(s.Path()).
				WithIssue(issue.TargetUnavailableId).
				Wrap(companion.ErrTargetLost).
				BuildError()
		}
		go watchTarget(ctx, logger, s.Watch)
		return s, nil

	case target.KindContainer:
		engine, err := container.NewEngine(ctx, tc.EngineType())
		if err != nil {
			return nil, issue.NewErrorContext().
				WithOperation("find container engine").
				WithResource(tc.Engine).
				WithIssue(issue.ContainerEngineNotFoundId).
				Wrap(err).
				BuildError()
		}
		c, err := target.NewContainer(ctx, engine, container.ContainerID(tc.Container),
			target.WithPollInterval(tc.PollInterval),
			target.WithContainerLogger(logger.WithPrefix("target")))
		if err != nil {
			return nil, issue.NewErrorContext().
				WithOperation("inspect container").
				WithResource(tc.Container).
				WithIssue(issue.TargetUnavailableId).
				Wrap(err).
				BuildError()
		}
		go watchTarget(ctx, logger, c.Watch)
		return c, nil

	default:
		return nil, fmt.Errorf("unknown target kind %q", tc.Kind)
	}
}

func watchTarget(ctx context.Context, logger *log.Logger, watch func(context.Context) error) {
	if err := watch(ctx); err != nil && ctx.Err() == nil {
		logger.Error("target watcher stopped", "error", err)
	}
}

// buildReporter assembles the configured event sinks plus the broadcaster
// behind the live event tail. Sinks that hold files are closed by cleanup.
func buildReporter(ctx context.Context, cfg *config.Config, logger *log.Logger, cleanup *closer) (events.Reporter, *events.Broadcaster, error) {
	tail := events.NewBroadcaster(events.DefaultBacklog)
	cleanup.add(tail.Close)
	multi := events.Multi{tail}
	if cfg.Reporters.Log {
		multi = append(multi, events.NewLogReporter(logger.WithPrefix("events")))
	}
	if path := cfg.Reporters.File; path != "" {
		r, err := events.OpenFile(expandHome(path), logger)
		if err != nil {
			return nil, nil, eventsStoreError(path, err)
		}
		cleanup.add(func() { _ = r.Close() })
		multi = append(multi, r)
	}
	if path := cfg.Reporters.SQLite; path != "" {
		r, err := events.OpenSQLite(ctx, expandHome(path), logger)
		if err != nil {
			return nil, nil, eventsStoreError(path, err)
		}
		cleanup.add(func() { _ = r.Close() })
		multi = append(multi, r)
	}
	return multi, tail, nil
}

func eventsStoreError(path string, err error) error {
	return issue.NewErrorContext().
		WithOperation("open event store").
		WithResource(path).
		WithIssue(issue.EventsStoreFailedId).
		Wrap(err).
		BuildError()
}

// buildServer wires the transports and executor into a companion server.
func buildServer(cfg *config.Config, handle target.Handle, reporter events.Reporter, tail *events.Broadcaster, logger *log.Logger) (*companion.Server, error) {
	pc, err := cfg.PortsConfig()
	if err != nil {
		return nil, err
	}

	dir := tempdir.Default()
	if cfg.TempDir != "" {
		dir = tempdir.Dir(expandHome(cfg.TempDir))
	}
	if err := dir.Ensure(); err != nil {
		return nil, issue.NewErrorContext().
			WithOperation("prepare temporary directory").
			WithResource(dir.String()).
			WithIssue(issue.TempDirNotWritableId).
			Wrap(err).
			BuildError()
	}

	sshOpts := sshapi.Options{
		HostKeyPath: expandHome(cfg.SSH.HostKeyPath),
		IdleTimeout: cfg.SSH.IdleTimeout,
	}
	if cfg.SSH.Token != "" {
		sshOpts.Tokens = sshapi.NewTokens(0, nil)
		sshOpts.Tokens.Allow(cfg.SSH.Token, "config")
	}
	// Shells are for host targets only.
	if cfg.SSH.Shell != "" && handle.Kind() == target.KindHost {
		sshOpts.Shell = cfg.SSH.Shell
		sshOpts.ShellDir = dir.String()
	}
	services := map[ports.ServiceName]companion.ServiceFactory{
		ports.ServiceGRPC: grpcapi.Factory(logger.WithPrefix("grpc"), grpcapi.WithEvents(tail)),
		ports.ServiceHTTP: httpapi.Factory(logger.WithPrefix("http")),
		ports.ServiceSSH:  sshapi.Factory(logger.WithPrefix("ssh"), sshOpts),
	}

	params := companion.Params{
		Target:   handle,
		TempDir:  dir,
		Ports:    pc,
		Executor: executor.Builtins(handle, dir),
		Reporter: reporter,
		Logger:   logger,
		Services: services,
	}
	srv, err := companion.New(params,
		companion.WithGracePeriod(cfg.GracePeriod),
		companion.WithAcceptRetries(cfg.AcceptRetries, companion.DefaultAcceptBackoff),
	)
	if err != nil {
		return nil, issue.WrapWithContext(err, "create companion", string(handle.ID()))
	}
	return srv, nil
}

// startFailure links a start error to the catalog entry that explains it.
func startFailure(handle target.Handle, err error) error {
	ec := issue.NewErrorContext().
		WithOperation("start companion").
		WithResource(string(handle.ID())).
		Wrap(err)
	switch {
	case errors.Is(err, syscall.EADDRINUSE):
		ec.WithIssue(issue.PortInUseId)
	case errors.Is(err, companion.ErrTargetLost):
		ec.WithIssue(issue.TargetUnavailableId)
	case errors.Is(err, context.DeadlineExceeded):
		ec.WithSuggestion("Raise startup_timeout in the config file")
	}
	return ec.BuildError()
}

// writeReadiness prints the port document on stdout and, when fd is set,
// writes the family-filtered reply to fd and closes it.
func writeReadiness(stdout io.Writer, bound []ports.Bound, fd int, preferIPv6 bool) error {
	doc := ports.Document(bound)
	line, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintln(stdout, string(line)); err != nil {
		return fmt.Errorf("write readiness line: %w", err)
	}
	if fd == 0 {
		return nil
	}

	f := os.NewFile(uintptr(fd), "reply-fd")
	if f == nil {
		return fmt.Errorf("reply fd %d is not open", fd)
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(ports.Reply(doc, preferIPv6))
}

// expandHome replaces a leading "~/" with the user's home directory.
func expandHome(path string) string {
	rest, ok := cutHome(path)
	if !ok {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return home + string(os.PathSeparator) + rest
}

func cutHome(path string) (string, bool) {
	if len(path) >= 2 && path[0] == '~' && os.IsPathSeparator(path[1]) {
		return path[2:], true
	}
	return "", false
}

func (c *closer) add(fn func()) { *c = append(*c, fn) }

func (c *closer) run() {
	for i := len(*c) - 1; i >= 0; i-- {
		(*c)[i]()
	}
	*c = nil
}
