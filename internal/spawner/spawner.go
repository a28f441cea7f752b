// SPDX-License-Identifier: MPL-2.0

// Package spawner launches companion child processes and learns their
// ports from the readiness line each child prints on stdout.
package spawner

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"github.com/invowk/companion/pkg/types"
)

const (
	// DefaultStartTimeout bounds the wait for a child's readiness line.
	DefaultStartTimeout = 30 * time.Second
	// DefaultStopTimeout is how long a child gets after SIGTERM before SIGKILL.
	DefaultStopTimeout = 5 * time.Second
	// DefaultPortKey is the readiness key a spawn requires.
	DefaultPortKey = "grpc_port"
)

var (
	// ErrNoCompanionPath is returned when no companion binary is configured.
	ErrNoCompanionPath = errors.New("companion path is not configured")
	// ErrNoReadiness is returned when a child exits or closes stdout before
	// printing a usable readiness line.
	ErrNoReadiness = errors.New("companion did not report its ports")
	// ErrClosed is returned by Spawn after Close.
	ErrClosed = errors.New("spawner is closed")
)

type (
	// Options configure a Spawner.
	Options struct {
		// Path is the companion executable.
		Path string
		// LogDir receives one <udid>.log per target with the child's stderr.
		LogDir types.FilesystemPath
		// ExtraArgs are appended after the serve arguments.
		ExtraArgs []string
		// Env is appended to the parent's environment.
		Env []string
		// PortKey must be present and non-zero in the readiness line.
		PortKey string

		StartTimeout time.Duration
		StopTimeout  time.Duration
		Logger       *log.Logger
	}

	// Spawner starts and tracks companion children.
	Spawner struct {
		opts Options

		mu       sync.Mutex
		children []*Child
		closed   bool
	}

	// Child is one running companion process.
	Child struct {
		UDID    types.TargetID
		Ports   map[string]int
		LogPath string

		cmd      *exec.Cmd
		logFile  *os.File
		done     chan struct{}
		waitErr  error
		stopOnce sync.Once
		stopErr  error
		timeout  time.Duration
		logger   *log.Logger
	}
)

// DefaultLogDir returns <user cache dir>/companion/logs, or a directory under
// the system temp dir when no cache dir is known.
func DefaultLogDir() types.FilesystemPath {
	base, err := os.UserCacheDir()
	if err != nil {
		base = os.TempDir()
	}
	return types.FilesystemPath(filepath.Join(base, "companion", "logs"))
}

// New validates opts and returns a Spawner.
func New(opts Options) (*Spawner, error) {
	if opts.Path == "" {
		return nil, ErrNoCompanionPath
	}
	if opts.LogDir == "" {
		opts.LogDir = DefaultLogDir()
	}
	if opts.PortKey == "" {
		opts.PortKey = DefaultPortKey
	}
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = DefaultStartTimeout
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard)
	}
	return &Spawner{opts: opts}, nil
}

// Spawn starts `<path> serve --udid <udid> --grpc-port 0` and waits for its
// readiness line. A child that fails to report is terminated.
func (s *Spawner) Spawn(ctx context.Context, udid types.TargetID) (*Child, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	logDir := string(s.opts.LogDir)
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logPath := filepath.Join(logDir, string(udid)+".log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open companion log: %w", err)
	}

	args := append([]string{"serve", "--udid", string(udid), "--grpc-port", "0"}, s.opts.ExtraArgs...)
	cmd := exec.Command(s.opts.Path, args...)
	cmd.Env = append(os.Environ(), s.opts.Env...)
	cmd.Stderr = logFile
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = logFile.Close()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		return nil, fmt.Errorf("start companion for %s: %w", udid, err)
	}

	child := &Child{
		UDID:    udid,
		LogPath: logPath,
		cmd:     cmd,
		logFile: logFile,
		done:    make(chan struct{}),
		timeout: s.opts.StopTimeout,
		logger:  s.opts.Logger.With("udid", udid, "pid", cmd.Process.Pid),
	}
	child.logger.Debug("companion started", "path", s.opts.Path, "log", logPath)

	ports, err := s.awaitReadiness(ctx, child, stdout)
	if err != nil {
		_ = child.Stop()
		return nil, fmt.Errorf("spawn companion for %s: %w", udid, err)
	}
	child.Ports = ports

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = child.Stop()
		return nil, ErrClosed
	}
	s.children = append(s.children, child)
	s.mu.Unlock()

	child.logger.Info("companion ready", "ports", ports)
	return child, nil
}

type readiness struct {
	ports map[string]int
	err   error
}

// awaitReadiness reads stdout until the first non-empty JSON document. The
// rest of stdout is drained so the child never blocks on a full pipe. Wait
// runs only after stdout is fully read.
func (s *Spawner) awaitReadiness(ctx context.Context, child *Child, stdout io.Reader) (map[string]int, error) {
	ready := make(chan readiness, 1)
	go func() {
		sc := bufio.NewScanner(stdout)
		reported := false
		for sc.Scan() {
			if reported {
				continue
			}
			var doc map[string]int
			if err := json.Unmarshal(sc.Bytes(), &doc); err != nil {
				ready <- readiness{err: fmt.Errorf("%w: bad readiness line %q: %w", ErrNoReadiness, sc.Text(), err)}
				reported = true
				continue
			}
			if len(doc) == 0 {
				continue
			}
			if doc[s.opts.PortKey] == 0 {
				ready <- readiness{err: fmt.Errorf("%w: no %s in %v", ErrNoReadiness, s.opts.PortKey, doc)}
			} else {
				ready <- readiness{ports: doc}
			}
			reported = true
		}
		if !reported {
			ready <- readiness{err: ErrNoReadiness}
		}
		child.waitErr = child.cmd.Wait()
		_ = child.logFile.Close()
		close(child.done)
	}()

	timer := time.NewTimer(s.opts.StartTimeout)
	defer timer.Stop()
	select {
	case r := <-ready:
		return r.ports, r.err
	case <-timer.C:
		return nil, fmt.Errorf("%w within %s", ErrNoReadiness, s.opts.StartTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Children returns the running children in spawn order.
func (s *Spawner) Children() []*Child {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Child(nil), s.children...)
}

// Close stops every child and refuses further spawns.
func (s *Spawner) Close() error {
	s.mu.Lock()
	s.closed = true
	children := s.children
	s.children = nil
	s.mu.Unlock()

	s.opts.Logger.Info("stopping companion spawner", "children", len(children))
	errs := make([]error, len(children))
	var wg sync.WaitGroup
	for i, c := range children {
		wg.Go(func() { errs[i] = c.Stop() })
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Pid returns the child's process id.
func (c *Child) Pid() int {
	return c.cmd.Process.Pid
}

// Port returns the readiness value for key, or 0.
func (c *Child) Port(key string) int {
	return c.Ports[key]
}

// Done is closed once the child has exited.
func (c *Child) Done() <-chan struct{} {
	return c.done
}

// Err returns the child's exit error once Done is closed.
func (c *Child) Err() error {
	<-c.done
	return c.waitErr
}

// Stop sends SIGTERM and waits for the child to exit. After the stop timeout
// the child is killed. Stop is idempotent.
func (c *Child) Stop() error {
	c.stopOnce.Do(func() {
		select {
		case <-c.done:
			return
		default:
		}

		if err := c.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
			c.logger.Debug("SIGTERM failed, killing", "err", err)
			_ = c.cmd.Process.Kill()
		}

		timer := time.NewTimer(c.timeout)
		defer timer.Stop()
		select {
		case <-c.done:
		case <-timer.C:
			c.logger.Warn("companion ignored SIGTERM, killing", "timeout", c.timeout)
			if err := c.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				c.stopErr = fmt.Errorf("kill companion %d: %w", c.Pid(), err)
			}
			<-c.done
		}
	})
	return c.stopErr
}
