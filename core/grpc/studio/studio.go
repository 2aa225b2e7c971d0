// Package studiopb is the gRPC contract between an agent and the studio that
// drives the generation tool. Messages are plain Go structs carried on the
// wire as google.protobuf.Struct.
package studiopb

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

const ServiceName = "genrelay.studio.v1.Studio"

const (
	methodConfigure        = "Configure"
	methodSubmitGeneration = "SubmitGeneration"
	methodPollArtifact     = "PollArtifact"
	methodTriggerUpscale   = "TriggerUpscale"
	methodUploadArtifact   = "UploadArtifact"
)

type StudioServer interface {
	Configure(context.Context, *ConfigureRequest) (*ConfigureResponse, error)
	SubmitGeneration(context.Context, *SubmitGenerationRequest) (*SubmitGenerationResponse, error)
	PollArtifact(context.Context, *PollArtifactRequest) (*PollArtifactResponse, error)
	TriggerUpscale(context.Context, *TriggerUpscaleRequest) (*TriggerUpscaleResponse, error)
	UploadArtifact(context.Context, *UploadArtifactRequest) (*UploadArtifactResponse, error)
}

type StudioClient interface {
	Configure(ctx context.Context, in *ConfigureRequest, opts ...grpc.CallOption) (*ConfigureResponse, error)
	SubmitGeneration(ctx context.Context, in *SubmitGenerationRequest, opts ...grpc.CallOption) (*SubmitGenerationResponse, error)
	PollArtifact(ctx context.Context, in *PollArtifactRequest, opts ...grpc.CallOption) (*PollArtifactResponse, error)
	TriggerUpscale(ctx context.Context, in *TriggerUpscaleRequest, opts ...grpc.CallOption) (*TriggerUpscaleResponse, error)
	UploadArtifact(ctx context.Context, in *UploadArtifactRequest, opts ...grpc.CallOption) (*UploadArtifactResponse, error)
}

// UnimplementedStudioServer answers every method with codes.Unimplemented.
type UnimplementedStudioServer struct{}

func (UnimplementedStudioServer) Configure(context.Context, *ConfigureRequest) (*ConfigureResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method Configure not implemented")
}

func (UnimplementedStudioServer) SubmitGeneration(context.Context, *SubmitGenerationRequest) (*SubmitGenerationResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method SubmitGeneration not implemented")
}

func (UnimplementedStudioServer) PollArtifact(context.Context, *PollArtifactRequest) (*PollArtifactResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method PollArtifact not implemented")
}

func (UnimplementedStudioServer) TriggerUpscale(context.Context, *TriggerUpscaleRequest) (*TriggerUpscaleResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method TriggerUpscale not implemented")
}

func (UnimplementedStudioServer) UploadArtifact(context.Context, *UploadArtifactRequest) (*UploadArtifactResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method UploadArtifact not implemented")
}

var Studio_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*StudioServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(methodConfigure, StudioServer.Configure),
		unary(methodSubmitGeneration, StudioServer.SubmitGeneration),
		unary(methodPollArtifact, StudioServer.PollArtifact),
		unary(methodTriggerUpscale, StudioServer.TriggerUpscale),
		unary(methodUploadArtifact, StudioServer.UploadArtifact),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "studio.proto",
}

func RegisterStudioServer(s grpc.ServiceRegistrar, srv StudioServer) {
	s.RegisterService(&Studio_ServiceDesc, srv)
}

func unary[Req, Resp any](
	method string,
	call func(StudioServer, context.Context, *Req) (*Resp, error),
) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + method

	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}

			handle := func(ctx context.Context, req any) (any, error) {
				r := new(Req)
				if err := fromStruct(req.(*structpb.Struct), r); err != nil {
					return nil, status.Errorf(codes.InvalidArgument, "%s: %v", method, err)
				}
				resp, err := call(srv.(StudioServer), ctx, r)
				if err != nil {
					return nil, err
				}
				return toStruct(resp)
			}

			if interceptor == nil {
				return handle(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			return interceptor(ctx, in, info, handle)
		},
	}
}

type studioClient struct {
	cc grpc.ClientConnInterface
}

func NewStudioClient(cc grpc.ClientConnInterface) StudioClient {
	return &studioClient{cc: cc}
}

func (c *studioClient) Configure(ctx context.Context, in *ConfigureRequest, opts ...grpc.CallOption) (*ConfigureResponse, error) {
	return invoke[ConfigureResponse](ctx, c.cc, methodConfigure, in, opts)
}

func (c *studioClient) SubmitGeneration(ctx context.Context, in *SubmitGenerationRequest, opts ...grpc.CallOption) (*SubmitGenerationResponse, error) {
	return invoke[SubmitGenerationResponse](ctx, c.cc, methodSubmitGeneration, in, opts)
}

func (c *studioClient) PollArtifact(ctx context.Context, in *PollArtifactRequest, opts ...grpc.CallOption) (*PollArtifactResponse, error) {
	return invoke[PollArtifactResponse](ctx, c.cc, methodPollArtifact, in, opts)
}

func (c *studioClient) TriggerUpscale(ctx context.Context, in *TriggerUpscaleRequest, opts ...grpc.CallOption) (*TriggerUpscaleResponse, error) {
	return invoke[TriggerUpscaleResponse](ctx, c.cc, methodTriggerUpscale, in, opts)
}

func (c *studioClient) UploadArtifact(ctx context.Context, in *UploadArtifactRequest, opts ...grpc.CallOption) (*UploadArtifactResponse, error) {
	return invoke[UploadArtifactResponse](ctx, c.cc, methodUploadArtifact, in, opts)
}

func invoke[Resp any](
	ctx context.Context,
	cc grpc.ClientConnInterface,
	method string,
	in any,
	opts []grpc.CallOption,
) (*Resp, error) {
	req, err := toStruct(in)
	if err != nil {
		return nil, fmt.Errorf("%s: encode request: %w", method, err)
	}

	out := new(structpb.Struct)
	if err := cc.Invoke(ctx, "/"+ServiceName+"/"+method, req, out, opts...); err != nil {
		return nil, err
	}

	resp := new(Resp)
	if err := fromStruct(out, resp); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", method, err)
	}
	return resp, nil
}

func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := new(structpb.Struct)
	if err := protojson.Unmarshal(data, s); err != nil {
		return nil, err
	}
	return s, nil
}

func fromStruct(s *structpb.Struct, v any) error {
	data, err := protojson.Marshal(s)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
