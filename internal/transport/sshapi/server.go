// SPDX-License-Identifier: MPL-2.0

package sshapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/charmbracelet/ssh"
	"github.com/charmbracelet/wish"

	"github.com/invowk/companion/internal/companion"
)

const sweepInterval = 5 * time.Minute

type (
	// Options configure an SSH console.
	Options struct {
		// HostKeyPath is where the host key is read from, or generated into
		// when missing. Empty uses an ephemeral key.
		HostKeyPath string
		// Tokens, when set, require password authentication with a valid
		// token. Nil accepts every client.
		Tokens *Tokens
		// IdleTimeout closes sessions idle for longer. Zero disables it.
		IdleTimeout time.Duration
		// Shell, when set, is started in a pseudo-terminal for sessions
		// that request a terminal without a command.
		Shell string
		// ShellDir is the working directory of interactive shells.
		ShellDir string
	}

	// Service serves the SSH console on one listener.
	Service struct {
		backend companion.Backend
		logger  *log.Logger
		opts    Options
		srv     *ssh.Server

		stopOnce sync.Once
		stop     chan struct{}
	}
)

var _ companion.Service = (*Service)(nil)

// New builds a Service for backend. A nil logger discards output.
func New(backend companion.Backend, logger *log.Logger, opts Options) (*Service, error) {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	s := &Service{backend: backend, logger: logger, opts: opts, stop: make(chan struct{})}

	serverOpts := []ssh.Option{
		wish.WithMiddleware(s.commandMiddleware, s.logging),
		wish.WithPublicKeyAuth(func(ssh.Context, ssh.PublicKey) bool { return false }),
	}
	if opts.HostKeyPath != "" {
		serverOpts = append(serverOpts, wish.WithHostKeyPath(opts.HostKeyPath))
	}
	if opts.Tokens != nil {
		serverOpts = append(serverOpts, wish.WithPasswordAuth(s.passwordHandler))
	} else {
		serverOpts = append(serverOpts, wish.WithPasswordAuth(func(ssh.Context, string) bool { return true }))
	}
	if opts.IdleTimeout > 0 {
		serverOpts = append(serverOpts, wish.WithIdleTimeout(opts.IdleTimeout))
	}

	srv, err := wish.NewServer(serverOpts...)
	if err != nil {
		return nil, fmt.Errorf("create ssh server: %w", err)
	}
	s.srv = srv
	return s, nil
}

// Factory returns a companion.ServiceFactory that builds SSH consoles.
func Factory(logger *log.Logger, opts Options) companion.ServiceFactory {
	return func(b companion.Backend) (companion.Service, error) {
		return New(b, logger, opts)
	}
}

// Serve blocks until the listener fails or the service is shut down.
func (s *Service) Serve(ln net.Listener) error {
	if s.opts.Tokens != nil {
		go s.sweep()
	}
	err := s.srv.Serve(ln)
	if errors.Is(err, ssh.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting and waits for open sessions until ctx ends.
func (s *Service) Shutdown(ctx context.Context) error {
	s.halt()
	return s.srv.Shutdown(ctx)
}

// Close closes the listener and every session.
func (s *Service) Close() error {
	s.halt()
	return s.srv.Close()
}

func (s *Service) halt() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Service) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if n := s.opts.Tokens.Sweep(); n > 0 {
				s.logger.Debug("expired tokens removed", "count", n)
			}
		}
	}
}

func (s *Service) passwordHandler(ctx ssh.Context, password string) bool {
	tok, ok := s.opts.Tokens.Validate(password)
	if !ok {
		s.logger.Warn("rejected token", "user", ctx.User(), "remote", ctx.RemoteAddr())
		return false
	}
	ctx.SetValue(tokenLabelKey{}, tok.Label)
	return true
}

func (s *Service) logging(next ssh.Handler) ssh.Handler {
	return func(sess ssh.Session) {
		start := time.Now()
		next(sess)
		label, _ := sess.Context().Value(tokenLabelKey{}).(string)
		s.logger.Debug("session",
			"user", sess.User(),
			"remote", sess.RemoteAddr(),
			"command", sess.Command(),
			"token", label,
			"duration", time.Since(start),
		)
	}
}

type tokenLabelKey struct{}
