// SPDX-License-Identifier: MPL-2.0

package grpcapi

import (
	"context"
	"errors"
	"io"
	"net"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/invowk/companion/internal/companion"
	"github.com/invowk/companion/internal/events"
)

// tailBuffer is the queue length of one TailEvents subscriber.
const tailBuffer = events.DefaultSubscriptionBuffer

type (
	// Service serves the companion gRPC API on one listener.
	Service struct {
		backend companion.Backend
		logger  *log.Logger
		srv     *grpc.Server
		health  *health.Server
		events  *events.Broadcaster

		quit     chan struct{}
		quitOnce sync.Once
	}

	// Option configures a Service.
	Option func(*Service)
)

// WithEvents enables the TailEvents stream, fed by b.
func WithEvents(b *events.Broadcaster) Option {
	return func(s *Service) { s.events = b }
}

var (
	_ companion.Service = (*Service)(nil)
	_ companionServer   = (*Service)(nil)
)

// New builds a Service for backend. A nil logger discards output.
func New(backend companion.Backend, logger *log.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	s := &Service{backend: backend, logger: logger, health: health.NewServer(), quit: make(chan struct{})}
	for _, opt := range opts {
		opt(s)
	}
	s.srv = grpc.NewServer(
		grpc.ChainUnaryInterceptor(s.recovery, s.logging),
		grpc.ChainStreamInterceptor(s.streamRecovery),
	)
	s.srv.RegisterService(&serviceDesc, s)
	healthpb.RegisterHealthServer(s.srv, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return s
}

// Factory returns a companion.ServiceFactory that builds gRPC services.
func Factory(logger *log.Logger, opts ...Option) companion.ServiceFactory {
	return func(b companion.Backend) (companion.Service, error) {
		return New(b, logger, opts...), nil
	}
}

// Serve blocks until the listener fails or the service is stopped. A stop
// requested through Shutdown or Close returns nil.
func (s *Service) Serve(ln net.Listener) error {
	err := s.srv.Serve(ln)
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

// Shutdown reports NOT_SERVING, ends event tails, then waits for in-flight
// RPCs. When ctx ends first the remaining RPCs are cut off.
func (s *Service) Shutdown(ctx context.Context) error {
	s.health.Shutdown()
	s.endTails()

	done := make(chan struct{})
	go func() {
		s.srv.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.srv.Stop()
		<-done
		return ctx.Err()
	}
}

// Close stops the server and closes every connection.
func (s *Service) Close() error {
	s.health.Shutdown()
	s.endTails()
	s.srv.Stop()
	return nil
}

// Dispatch implements the Dispatch RPC.
func (s *Service) Dispatch(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := decodeRequest(in)
	if err != nil {
		return nil, err
	}
	res, err := s.backend.Dispatch(ctx, req)
	if err != nil {
		return nil, toStatus(err)
	}
	out, err := toStruct(res)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// Status implements the Status RPC.
func (s *Service) Status(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	out, err := toStruct(s.backend.Status())
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// TailEvents implements the TailEvents stream: the backlog first, then live
// events matching the requested kinds, until the client leaves or the
// service shuts down.
func (s *Service) TailEvents(in *structpb.Struct, stream grpc.ServerStream) error {
	if s.events == nil {
		return status.Error(codes.Unimplemented, "event tail is not enabled")
	}
	kinds, err := decodeKinds(in)
	if err != nil {
		return err
	}

	sub := s.events.Subscribe(tailBuffer)
	defer func() {
		sub.Close()
		if n := sub.Dropped(); n > 0 {
			s.logger.Warn("event tail fell behind", "dropped", n)
		}
	}()

	for {
		select {
		case <-stream.Context().Done():
			return nil
		case <-s.quit:
			return nil
		case e, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if len(kinds) > 0 && !slices.Contains(kinds, e.Kind) {
				continue
			}
			out, err := toStruct(e)
			if err != nil {
				return status.Error(codes.Internal, err.Error())
			}
			if err := stream.SendMsg(out); err != nil {
				return err
			}
		}
	}
}

func (s *Service) endTails() {
	s.quitOnce.Do(func() { close(s.quit) })
}

func (s *Service) recovery(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panic", "method", info.FullMethod, "panic", r, "stack", string(debug.Stack()))
			err = status.Errorf(codes.Internal, "panic in %s: %v", info.FullMethod, r)
		}
	}()
	return handler(ctx, req)
}

func (s *Service) logging(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	s.logger.Debug("rpc", "method", info.FullMethod, "code", status.Code(err), "duration", time.Since(start))
	return resp, err
}

func (s *Service) streamRecovery(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("stream panic", "method", info.FullMethod, "panic", r, "stack", string(debug.Stack()))
			err = status.Errorf(codes.Internal, "panic in %s: %v", info.FullMethod, r)
		}
	}()
	return handler(srv, ss)
}
