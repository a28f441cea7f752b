// SPDX-License-Identifier: MPL-2.0

package grpcapi

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/invowk/companion/internal/events"
	"github.com/invowk/companion/internal/executor"
)

// Client calls a companion gRPC service. Companions listen on loopback or
// Unix sockets, so the connection is not encrypted.
type Client struct {
	conn *grpc.ClientConn
}

// Dial creates a client for target, which may be "host:port" or
// "unix:///path.sock".
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc client for %s: %w", target, err)
	}
	return &Client{conn: conn}, nil
}

// Dispatch sends one request and decodes the result.
func (c *Client) Dispatch(ctx context.Context, req executor.Request) (executor.Result, error) {
	in, err := encodeRequest(req)
	if err != nil {
		return executor.Result{}, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, DispatchMethod, in, out); err != nil {
		return executor.Result{}, err
	}
	return decodeResult(out)
}

// Status returns the raw status document.
func (c *Client) Status(ctx context.Context) (map[string]any, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, StatusMethod, new(emptypb.Empty), out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// TailEvents streams events to fn until ctx is done, fn fails, or the
// companion ends the stream, which returns nil. A non-empty kinds filters the
// stream on the server.
func (c *Client) TailEvents(ctx context.Context, kinds []events.Kind, fn func(events.Event) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	in, err := toStruct(map[string]any{"kinds": kinds})
	if err != nil {
		return err
	}
	stream, err := c.conn.NewStream(ctx, &serviceDesc.Streams[0], TailEventsMethod)
	if err != nil {
		return err
	}
	if err := stream.SendMsg(in); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		out := new(structpb.Struct)
		if err := stream.RecvMsg(out); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		e, err := decodeEvent(out)
		if err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
}

// Healthy reports whether the companion service answers SERVING.
func (c *Client) Healthy(ctx context.Context) (bool, error) {
	resp, err := healthpb.NewHealthClient(c.conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return false, err
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
