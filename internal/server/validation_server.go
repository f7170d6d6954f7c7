// Package server exposes the validation pipeline over gRPC.
//
// Messages are google.protobuf.Struct values carrying the same JSON shape
// as the HTTP API, so clients need no generated code:
//
//	request:  {"identity", "text", "source", "request_id", "tool_call": {"name", "arguments_json"}, "policy"}
//	response: the validation result object
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/triage-ai/bastion/internal/engine"
	"github.com/triage-ai/bastion/internal/validator"
)

const (
	ServiceName    = "bastion.v1.ValidationService"
	ValidateMethod = "/" + ServiceName + "/Validate"
)

// ValidationServer implements the ValidationService gRPC service.
type ValidationServer struct {
	validator *validator.Service
	logger    *zap.Logger
}

// NewValidationServer creates a ValidationServer over the given service.
func NewValidationServer(v *validator.Service, logger *zap.Logger) *ValidationServer {
	return &ValidationServer{validator: v, logger: logger}
}

type validateRequest struct {
	RequestID string               `json:"request_id"`
	Identity  string               `json:"identity"`
	Text      string               `json:"text"`
	Source    string               `json:"source"`
	ToolCall  *toolCallRequest     `json:"tool_call"`
	Policy    *engine.PolicyConfig `json:"policy"`
}

type toolCallRequest struct {
	Name          string `json:"name"`
	ArgumentsJSON string `json:"arguments_json"`
}

// Validate implements the ValidationService.Validate RPC.
func (s *ValidationServer) Validate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req validateRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "malformed request: %v", err)
	}

	vreq := validator.Request{
		RequestID: req.RequestID,
		Identity:  req.Identity,
		Text:      req.Text,
		Source:    engine.Source(req.Source),
		Policy:    req.Policy,
	}
	if req.ToolCall != nil {
		vreq.ToolCall = &engine.ToolCall{Name: req.ToolCall.Name, ArgumentsJSON: req.ToolCall.ArgumentsJSON}
	}

	result, err := s.validator.Validate(ctx, vreq)
	switch {
	case errors.Is(err, validator.ErrMissingIdentity),
		errors.Is(err, validator.ErrEmptyInput),
		errors.Is(err, validator.ErrUnknownSource):
		return nil, status.Error(codes.InvalidArgument, err.Error())
	case err != nil:
		s.logger.Error("validation failed", zap.Error(err))
		return nil, status.Error(codes.Internal, "validation failed")
	}

	out, err := toStruct(result)
	if err != nil {
		s.logger.Error("failed to encode result", zap.Error(err))
		return nil, status.Error(codes.Internal, "failed to encode result")
	}
	return out, nil
}

// serviceDesc is written by hand in place of protoc output.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "Validate",
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := &structpb.Struct{}
			if err := dec(in); err != nil {
				return nil, err
			}
			vs := srv.(*ValidationServer)
			if interceptor == nil {
				return vs.Validate(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ValidateMethod}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return vs.Validate(ctx, req.(*structpb.Struct))
			})
		},
	}},
	Metadata: "bastion/v1/validation.proto",
}

// RegisterValidationServer registers vs on s.
func RegisterValidationServer(s grpc.ServiceRegistrar, vs *ValidationServer) {
	s.RegisterService(&serviceDesc, vs)
}

// Client calls a remote ValidationService.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Validate sends req and decodes the result.
func (c *Client) Validate(ctx context.Context, req validator.Request) (*engine.ValidationResult, error) {
	body := validateRequest{
		RequestID: req.RequestID,
		Identity:  req.Identity,
		Text:      req.Text,
		Source:    string(req.Source),
		Policy:    req.Policy,
	}
	if req.ToolCall != nil {
		body.ToolCall = &toolCallRequest{Name: req.ToolCall.Name, ArgumentsJSON: req.ToolCall.ArgumentsJSON}
	}
	in, err := toStruct(body)
	if err != nil {
		return nil, fmt.Errorf("Validate: %w", err)
	}

	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, ValidateMethod, in, out); err != nil {
		return nil, fmt.Errorf("Validate: %w", err)
	}

	var result engine.ValidationResult
	if err := fromStruct(out, &result); err != nil {
		return nil, fmt.Errorf("Validate: decode result: %w", err)
	}
	return &result, nil
}

// toStruct converts v to a Struct through its JSON encoding.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

func fromStruct(s *structpb.Struct, v any) error {
	raw, err := s.MarshalJSON()
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
