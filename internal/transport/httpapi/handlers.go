// SPDX-License-Identifier: MPL-2.0

package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/invowk/companion/internal/companion"
	"github.com/invowk/companion/internal/core/serverbase"
	"github.com/invowk/companion/internal/executor"
)

type (
	// CommandRequest is the body of POST /v1/commands/{name}.
	CommandRequest struct {
		Args    []string       `json:"args,omitempty"`
		Payload map[string]any `json:"payload,omitempty"`
	}

	// ErrorResponse is the body of every non-2xx reply.
	ErrorResponse struct {
		Error string `json:"error"`
	}
)

func (s *Service) health(w http.ResponseWriter, _ *http.Request) {
	st := s.backend.Status()
	code := http.StatusOK
	if st.State != serverbase.StateRunning {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"state": st.State})
}

func (s *Service) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.Status())
}

func (s *Service) dispatch(w http.ResponseWriter, r *http.Request) {
	var body CommandRequest
	if r.ContentLength != 0 {
		dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
			return
		}
	}

	res, err := s.backend.Dispatch(r.Context(), executor.Request{
		Command: chi.URLParam(r, "name"),
		Args:    body.Args,
		Payload: body.Payload,
	})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// statusFor maps dispatch failures onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, companion.ErrInvalidState):
		return http.StatusServiceUnavailable
	case errors.Is(err, executor.ErrUnknownCommand):
		return http.StatusNotFound
	case errors.Is(err, executor.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, companion.ErrExecutorPanic):
		return http.StatusInternalServerError
	default:
		return http.StatusUnprocessableEntity
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, ErrorResponse{Error: err.Error()})
}
