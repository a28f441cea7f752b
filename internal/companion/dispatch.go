// SPDX-License-Identifier: MPL-2.0

package companion

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/invowk/companion/internal/core/serverbase"
	"github.com/invowk/companion/internal/events"
	"github.com/invowk/companion/internal/executor"
)

// Dispatch forwards one request to the executor. It is only admitted while
// the server is Running. Executor errors and panics come back as a
// DispatchError to this caller alone; the server keeps serving.
//
// The request context is cancelled when the server force-closes after the
// grace period.
func (s *Server) Dispatch(ctx context.Context, req executor.Request) (executor.Result, error) {
	s.inflight.Add(1)
	defer s.inflight.Add(-1)

	if st := s.base.State(); st != serverbase.StateRunning {
		err := &InvalidStateError{Op: "dispatch", State: st}
		s.logger.Debug("dispatch rejected", "command", req.Command, "state", st)
		s.record(events.KindDispatchRejected, map[string]any{
			"command": req.Command,
			"state":   st.String(),
			"reason":  "invalid_state",
		}, err)
		return executor.Result{}, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.runCtx, cancel)
	defer stop()

	start := s.opts.clock()
	res, err := s.execute(ctx, req)
	elapsed := s.opts.clock().Sub(start)

	if err != nil {
		derr := &DispatchError{Command: req.Command, Err: err}
		s.logger.Warn("dispatch failed", "command", req.Command, "err", err)
		s.record(events.KindDispatchFailed, map[string]any{
			"command":     req.Command,
			"duration_ms": elapsed.Milliseconds(),
		}, derr)
		return executor.Result{}, derr
	}

	s.logger.Debug("dispatched", "command", req.Command, "exit_code", res.ExitCode, "duration", elapsed)
	s.record(events.KindDispatchCompleted, map[string]any{
		"command":     req.Command,
		"exit_code":   int(res.ExitCode),
		"duration_ms": elapsed.Milliseconds(),
	}, nil)
	return res, nil
}

func (s *Server) execute(ctx context.Context, req executor.Request) (res executor.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("executor panic", "command", req.Command, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("%w: %v", ErrExecutorPanic, r)
		}
	}()
	return s.exec.Execute(ctx, req)
}
