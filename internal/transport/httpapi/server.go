// SPDX-License-Identifier: MPL-2.0

package httpapi

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/invowk/companion/internal/companion"
)

const (
	readHeaderTimeout = 5 * time.Second
	maxBodyBytes      = 1 << 20
)

// Service serves the HTTP API on one listener.
type Service struct {
	backend companion.Backend
	logger  *log.Logger
	srv     *http.Server
}

var _ companion.Service = (*Service)(nil)

// New builds a Service for backend. A nil logger discards output.
func New(backend companion.Backend, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	s := &Service{backend: backend, logger: logger}
	s.srv = &http.Server{
		Handler:           s.Routes(),
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          logger.StandardLog(log.StandardLogOptions{ForceLevel: log.WarnLevel}),
	}
	return s
}

// Factory returns a companion.ServiceFactory that builds HTTP services.
func Factory(logger *log.Logger) companion.ServiceFactory {
	return func(b companion.Backend) (companion.Service, error) {
		return New(b, logger), nil
	}
}

// Routes returns the API router.
func (s *Service) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.withLogging)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.health)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.status)
		r.Post("/commands/{name}", s.dispatch)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, errors.New(r.Method+" not allowed on "+r.URL.Path))
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, errors.New("no route for "+r.URL.Path))
	})
	return r
}

// Serve blocks until the listener fails or the service is shut down.
func (s *Service) Serve(ln net.Listener) error {
	err := s.srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting and waits for active requests until ctx ends.
func (s *Service) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Close closes the listener and every connection.
func (s *Service) Close() error {
	return s.srv.Close()
}

func (s *Service) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"uri", r.RequestURI,
			"status", ww.Status(),
			"size", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
