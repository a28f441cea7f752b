// SPDX-License-Identifier: MPL-2.0

package grpcapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/invowk/companion/internal/companion"
	"github.com/invowk/companion/internal/events"
	"github.com/invowk/companion/internal/executor"
)

// decodeRequest reads {"command": string, "args": [string], "payload": {}}.
func decodeRequest(in *structpb.Struct) (executor.Request, error) {
	fields := in.GetFields()

	var req executor.Request
	req.Command = fields["command"].GetStringValue()
	if req.Command == "" {
		return req, status.Error(codes.InvalidArgument, "command is required")
	}
	for i, v := range fields["args"].GetListValue().GetValues() {
		s, ok := v.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return req, status.Errorf(codes.InvalidArgument, "args[%d] must be a string", i)
		}
		req.Args = append(req.Args, s.StringValue)
	}
	if p := fields["payload"].GetStructValue(); p != nil {
		req.Payload = p.AsMap()
	}
	return req, nil
}

// decodeKinds reads the optional {"kinds": [string]} tail filter.
func decodeKinds(in *structpb.Struct) ([]events.Kind, error) {
	var kinds []events.Kind
	for i, v := range in.GetFields()["kinds"].GetListValue().GetValues() {
		s, ok := v.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return nil, status.Errorf(codes.InvalidArgument, "kinds[%d] must be a string", i)
		}
		kinds = append(kinds, events.Kind(s.StringValue))
	}
	return kinds, nil
}

// decodeEvent is the client-side inverse of toStruct(events.Event).
func decodeEvent(in *structpb.Struct) (events.Event, error) {
	var e events.Event
	raw, err := protojson.Marshal(in)
	if err != nil {
		return e, err
	}
	if err := json.Unmarshal(raw, &e); err != nil {
		return e, fmt.Errorf("decode event: %w", err)
	}
	return e, nil
}

// toStruct converts any JSON-marshalable value into a structpb.Struct.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode reply: %w", err)
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("encode reply: %w", err)
	}
	return out, nil
}

// encodeRequest is the client-side inverse of decodeRequest.
func encodeRequest(req executor.Request) (*structpb.Struct, error) {
	return toStruct(req)
}

// decodeResult is the client-side inverse of toStruct(executor.Result).
func decodeResult(in *structpb.Struct) (executor.Result, error) {
	var res executor.Result
	raw, err := protojson.Marshal(in)
	if err != nil {
		return res, err
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return res, fmt.Errorf("decode result: %w", err)
	}
	return res, nil
}

// toStatus maps dispatch failures onto gRPC codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	code := codes.Unknown
	switch {
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, companion.ErrInvalidState):
		code = codes.Unavailable
	case errors.Is(err, executor.ErrUnknownCommand):
		code = codes.NotFound
	case errors.Is(err, executor.ErrInvalidRequest):
		code = codes.InvalidArgument
	case errors.Is(err, companion.ErrExecutorPanic):
		code = codes.Internal
	case errors.Is(err, companion.ErrDispatch):
		code = codes.Aborted
	}
	return status.Error(code, err.Error())
}
