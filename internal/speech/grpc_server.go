package speech

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// speechHandler is the server-side contract behind the Speech service descriptor.
type speechHandler interface {
	transcribe(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.StringValue, error)
	synthesize(in *wrapperspb.StringValue, stream grpc.ServerStream) error
}

var speechServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*speechHandler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Transcribe", Handler: transcribeHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "SynthesizeStream", Handler: synthesizeHandler, ServerStreams: true},
	},
	Metadata: "voicerelay/speech/v1/speech.proto",
}

// RegisterServer serves t and s as the Speech gRPC service on srv.
func RegisterServer(srv *grpc.Server, t Transcriber, s Synthesizer) {
	srv.RegisterService(&speechServiceDesc, &server{transcriber: t, synthesizer: s})
}

type server struct {
	transcriber Transcriber
	synthesizer Synthesizer
}

func (s *server) transcribe(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.StringValue, error) {
	format := "wav"
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get(formatMetadataKey); len(v) > 0 && v[0] != "" {
			format = v[0]
		}
	}
	text, err := s.transcriber.Transcribe(ctx, in.GetValue(), format)
	if errors.Is(err, ErrEmptyAudio) {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err != nil {
		return nil, status.Errorf(codes.Unavailable, "transcribe: %v", err)
	}
	return wrapperspb.String(text), nil
}

func (s *server) synthesize(in *wrapperspb.StringValue, stream grpc.ServerStream) error {
	for chunk, err := range s.synthesizer.SynthesizeStream(stream.Context(), in.GetValue()) {
		if errors.Is(err, ErrEmptyText) {
			return status.Error(codes.InvalidArgument, err.Error())
		}
		if err != nil {
			return status.Errorf(codes.Unavailable, "synthesize: %v", err)
		}
		if err := stream.SendMsg(wrapperspb.Bytes(chunk)); err != nil {
			return err
		}
	}
	return nil
}

func transcribeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	h := srv.(speechHandler)
	if interceptor == nil {
		return h.transcribe(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodTranscribe}
	handler := func(ctx context.Context, req any) (any, error) {
		return h.transcribe(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func synthesizeHandler(srv any, stream grpc.ServerStream) error {
	in := new(wrapperspb.StringValue)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(speechHandler).synthesize(in, stream)
}
