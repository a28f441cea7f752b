// SPDX-License-Identifier: MPL-2.0

package sshapi

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/charmbracelet/ssh"

	"github.com/invowk/companion/internal/companion"
	"github.com/invowk/companion/internal/core/serverbase"
	"github.com/invowk/companion/internal/executor"
)

// Exit statuses for sessions that never reach a command result.
const (
	ExitUsage          = 2
	ExitFailure        = 1
	ExitUnavailable    = 75
	ExitUnknownCommand = 127
)

// commandMiddleware runs the session's command. It is the innermost
// handler, so next is never called.
func (s *Service) commandMiddleware(ssh.Handler) ssh.Handler {
	return s.handle
}

func (s *Service) handle(sess ssh.Session) {
	args := sess.Command()
	if len(args) == 0 && s.opts.Shell != "" {
		s.interactive(sess)
		return
	}
	if len(args) == 0 {
		_, _ = fmt.Fprintln(sess.Stderr(), "usage: ssh <companion> <command> [args...]")
		_ = sess.Exit(ExitUsage)
		return
	}

	res, err := s.backend.Dispatch(sess.Context(), executor.Request{Command: args[0], Args: args[1:]})
	if err != nil {
		_, _ = fmt.Fprintf(sess.Stderr(), "error: %v\n", err)
		_ = sess.Exit(exitStatus(err))
		return
	}

	if res.Output != "" {
		_, _ = io.WriteString(sess, res.Output)
	}
	if stderr, ok := res.Data["stderr"].(string); ok && stderr != "" {
		_, _ = io.WriteString(sess.Stderr(), stderr)
	}
	_ = sess.Exit(int(res.ExitCode))
}

func exitStatus(err error) int {
	switch {
	case errors.Is(err, companion.ErrInvalidState):
		return ExitUnavailable
	case errors.Is(err, executor.ErrUnknownCommand):
		return ExitUnknownCommand
	case errors.Is(err, executor.ErrInvalidRequest):
		return ExitUsage
	default:
		return ExitFailure
	}
}

// interactive runs the configured shell in a pseudo-terminal. The shell
// dies with the session, so a forced close of the connection ends it.
func (s *Service) interactive(sess ssh.Session) {
	ptyReq, winCh, isPty := sess.Pty()
	if !isPty {
		_, _ = fmt.Fprintln(sess.Stderr(), "interactive sessions need a terminal (ssh -t)")
		_ = sess.Exit(ExitUsage)
		return
	}
	if st := s.backend.Status(); st.State != serverbase.StateRunning {
		_, _ = fmt.Fprintf(sess.Stderr(), "companion is %s\n", st.State)
		_ = sess.Exit(ExitUnavailable)
		return
	}

	cmd := exec.CommandContext(sess.Context(), s.opts.Shell)
	cmd.Dir = s.opts.ShellDir
	cmd.Env = append(os.Environ(), sess.Environ()...)
	cmd.Env = append(cmd.Env, "TERM="+ptyReq.Term)

	f, err := startPty(cmd, ptyReq.Window)
	if err != nil {
		_, _ = fmt.Fprintf(sess.Stderr(), "start shell: %v\n", err)
		_ = sess.Exit(ExitFailure)
		return
	}
	defer func() { _ = f.Close() }()

	go func() {
		for win := range winCh {
			resizePty(f, win)
		}
	}()
	go func() { _, _ = io.Copy(f, sess) }()
	_, _ = io.Copy(sess, f)

	code := 0
	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			s.logger.Warn("shell wait", "error", err)
		}
		code = ExitFailure
		if exitErr != nil && exitErr.ExitCode() >= 0 {
			code = exitErr.ExitCode()
		}
	}
	_ = sess.Exit(code)
}
