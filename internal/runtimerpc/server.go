package runtimerpc

import (
	"context"

	"google.golang.org/grpc"
)

// Server is implemented by anything standing in for a task runtime on the
// gRPC wire: the real runtime harness, or the mock runtime used for
// local development and tests.
type Server interface {
	StartCommand(ctx context.Context, req *StartRuntimeCommandRequest) (*StartRuntimeCommandResult, error)
	CancelCommand(ctx context.Context, req *CancelRuntimeCommandRequest) (*CancelRuntimeCommandResult, error)
	GetCommandStatus(ctx context.Context, req *GetRuntimeCommandStatusRequest) (*RuntimeCommandStatusResult, error)
	CheckHealth(ctx context.Context) (*HealthResult, error)
	ReadEventBacklog(ctx context.Context, req *ReadEventBacklogRequest) (*ReadEventBacklogResult, error)
	EnsureRepositoryWorkspace(ctx context.Context, req *EnsureRepositoryWorkspaceRequest) (*EnsureRepositoryWorkspaceResult, error)
	RefreshRepositoryWorkspace(ctx context.Context, req *RefreshRepositoryWorkspaceRequest) (*RefreshRepositoryWorkspaceResult, error)
	Subscribe(stream SubscribeServerStream) error
}

// SubscribeServerStream is the server-side handle for an open event hub
// stream: one inbound SubscribeRequest followed by an unbounded sequence
// of outbound frames until the client disconnects.
type SubscribeServerStream interface {
	Recv() (*SubscribeRequest, error)
	Send(frame *RuntimeEventFrame) error
	Context() context.Context
}

type serverSubscribeStream struct {
	stream grpc.ServerStream
}

func (s *serverSubscribeStream) Recv() (*SubscribeRequest, error) {
	req := new(SubscribeRequest)
	if err := s.stream.RecvMsg(req); err != nil {
		return nil, err
	}
	return req, nil
}

func (s *serverSubscribeStream) Send(frame *RuntimeEventFrame) error {
	return s.stream.SendMsg(frame)
}

func (s *serverSubscribeStream) Context() context.Context { return s.stream.Context() }

// RegisterServer registers srv against gs using the hand-rolled service
// descriptor below, in place of a generated RegisterRuntimeServiceServer.
func RegisterServer(gs *grpc.Server, srv Server) {
	gs.RegisterService(&serviceDesc, srv)
}

func unaryHandler[Req any, Resp any](method string, call func(Server, context.Context, *Req) (*Resp, error)) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		s := srv.(Server)
		if interceptor == nil {
			return call(s, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(s, ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func subscribeHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(Server).Subscribe(&serverSubscribeStream{stream: stream})
}

func checkHealthCall(s Server, ctx context.Context, _ *struct{}) (*HealthResult, error) {
	return s.CheckHealth(ctx)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "StartCommand", Handler: unaryHandler(methodStartCommand, Server.StartCommand)},
		{MethodName: "CancelCommand", Handler: unaryHandler(methodCancelCommand, Server.CancelCommand)},
		{MethodName: "GetCommandStatus", Handler: unaryHandler(methodGetCommandStatus, Server.GetCommandStatus)},
		{MethodName: "CheckHealth", Handler: unaryHandler(methodCheckHealth, checkHealthCall)},
		{MethodName: "ReadEventBacklog", Handler: unaryHandler(methodReadEventBacklog, Server.ReadEventBacklog)},
		{MethodName: "EnsureRepositoryWorkspace", Handler: unaryHandler(methodEnsureRepositoryWorkspace, Server.EnsureRepositoryWorkspace)},
		{MethodName: "RefreshRepositoryWorkspace", Handler: unaryHandler(methodRefreshRepositoryWorkspace, Server.RefreshRepositoryWorkspace)},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Subscribe",
			Handler:       subscribeHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "internal/runtimerpc/service.go",
}
