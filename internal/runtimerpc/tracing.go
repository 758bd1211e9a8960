package runtimerpc

import (
	"context"
	"errors"
	"io"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"

	"github.com/taskctl/controlplane/internal/common/tracing"
)

const tracerName = "runtimerpc"

// TracingUnaryClientInterceptor wraps every unary runtime call in a span
// named after its method, mirroring the request/response tracing the
// control plane's HTTP middleware applies to inbound traffic.
func TracingUnaryClientInterceptor() grpc.UnaryClientInterceptor {
	tracer := tracing.Tracer(tracerName)
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		ctx, span := tracer.Start(ctx, method, trace.WithAttributes(attribute.String("rpc.method", method)))
		defer span.End()

		err := invoker(ctx, method, req, reply, cc, opts...)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	}
}

// TracingStreamClientInterceptor wraps the Subscribe stream in a single
// span covering its full lifetime (open to disconnect).
func TracingStreamClientInterceptor() grpc.StreamClientInterceptor {
	tracer := tracing.Tracer(tracerName)
	return func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
		ctx, span := tracer.Start(ctx, method, trace.WithAttributes(attribute.String("rpc.method", method)))

		stream, err := streamer(ctx, desc, cc, method, opts...)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.End()
			return nil, err
		}
		return &tracedClientStream{ClientStream: stream, span: span}, nil
	}
}

// tracedClientStream ends the span once the stream's terminal RecvMsg
// error (io.EOF or otherwise) is observed, since a streaming RPC has no
// single synchronous completion point to hang the span end on.
type tracedClientStream struct {
	grpc.ClientStream
	span trace.Span
}

func (s *tracedClientStream) RecvMsg(m interface{}) error {
	err := s.ClientStream.RecvMsg(m)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			s.span.RecordError(err)
			s.span.SetStatus(codes.Error, err.Error())
		}
		s.span.End()
	}
	return err
}
