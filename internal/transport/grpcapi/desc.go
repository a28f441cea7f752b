// SPDX-License-Identifier: MPL-2.0

package grpcapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "companion.v1.Companion"

	// DispatchMethod is the full method name of the unary dispatch call.
	DispatchMethod = "/" + ServiceName + "/Dispatch"
	// StatusMethod is the full method name of the unary status call.
	StatusMethod = "/" + ServiceName + "/Status"
	// TailEventsMethod is the full method name of the server-streaming event tail.
	TailEventsMethod = "/" + ServiceName + "/TailEvents"
)

// companionServer is the handler contract behind serviceDesc. Requests and
// replies are free-form structs so no generated code is needed.
type companionServer interface {
	Dispatch(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Status(ctx context.Context, in *emptypb.Empty) (*structpb.Struct, error)
	TailEvents(in *structpb.Struct, stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*companionServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Dispatch", Handler: dispatchHandler},
		{MethodName: "Status", Handler: statusHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "TailEvents", Handler: tailEventsHandler, ServerStreams: true},
	},
	Metadata: "companion/v1/companion.proto",
}

//nolint:revive // signature fixed by grpc.MethodDesc
func dispatchHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(companionServer).Dispatch(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: DispatchMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(companionServer).Dispatch(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

//nolint:revive // signature fixed by grpc.MethodDesc
func statusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(companionServer).Status(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: StatusMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(companionServer).Status(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func tailEventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(companionServer).TailEvents(in, stream)
}
