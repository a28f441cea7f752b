// SPDX-License-Identifier: MPL-2.0

// Package grpcapi exposes a companion backend over gRPC. The service is
// described by hand with structpb payloads, so clients in any language can
// call it without generated stubs:
//
//	companion.v1.Companion/Dispatch  {"command": "ping", "args": ["x"]}
//	companion.v1.Companion/Status    {}
//
// The standard grpc.health.v1 service is registered alongside it.
package grpcapi
