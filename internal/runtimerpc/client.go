package runtimerpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client is the control plane's view of a task runtime: the unary
// command surface plus the bidirectional event hub stream. Every method
// takes a context so callers can bound RPCs with per-call deadlines.
type Client interface {
	StartCommand(ctx context.Context, req *StartRuntimeCommandRequest) (*StartRuntimeCommandResult, error)
	CancelCommand(ctx context.Context, req *CancelRuntimeCommandRequest) (*CancelRuntimeCommandResult, error)
	GetCommandStatus(ctx context.Context, req *GetRuntimeCommandStatusRequest) (*RuntimeCommandStatusResult, error)
	CheckHealth(ctx context.Context) (*HealthResult, error)
	ReadEventBacklog(ctx context.Context, req *ReadEventBacklogRequest) (*ReadEventBacklogResult, error)
	EnsureRepositoryWorkspace(ctx context.Context, req *EnsureRepositoryWorkspaceRequest) (*EnsureRepositoryWorkspaceResult, error)
	RefreshRepositoryWorkspace(ctx context.Context, req *RefreshRepositoryWorkspaceRequest) (*RefreshRepositoryWorkspaceResult, error)
	Subscribe(ctx context.Context, req *SubscribeRequest) (EventStream, error)
	Close() error
}

// EventStream is the receive side of the Subscribe call; Recv blocks
// until the next frame, io.EOF on a clean server-initiated close, or a
// transport error on disconnect.
type EventStream interface {
	Recv() (*RuntimeEventFrame, error)
	CloseSend() error
}

type grpcClient struct {
	conn *grpc.ClientConn
}

// NewClient dials a task runtime's gRPC endpoint, negotiating the JSON
// codec registered in codec.go in place of the default protobuf codec.
func NewClient(endpoint string, opts ...grpc.DialOption) (Client, error) {
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
		grpc.WithChainUnaryInterceptor(TracingUnaryClientInterceptor()),
		grpc.WithChainStreamInterceptor(TracingStreamClientInterceptor()),
	}, opts...)

	conn, err := grpc.NewClient(endpoint, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("runtimerpc: dial %s: %w", endpoint, err)
	}
	return &grpcClient{conn: conn}, nil
}

func (c *grpcClient) Close() error { return c.conn.Close() }

func (c *grpcClient) StartCommand(ctx context.Context, req *StartRuntimeCommandRequest) (*StartRuntimeCommandResult, error) {
	resp := &StartRuntimeCommandResult{}
	if err := c.conn.Invoke(ctx, methodStartCommand, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *grpcClient) CancelCommand(ctx context.Context, req *CancelRuntimeCommandRequest) (*CancelRuntimeCommandResult, error) {
	resp := &CancelRuntimeCommandResult{}
	if err := c.conn.Invoke(ctx, methodCancelCommand, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *grpcClient) GetCommandStatus(ctx context.Context, req *GetRuntimeCommandStatusRequest) (*RuntimeCommandStatusResult, error) {
	resp := &RuntimeCommandStatusResult{}
	if err := c.conn.Invoke(ctx, methodGetCommandStatus, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *grpcClient) CheckHealth(ctx context.Context) (*HealthResult, error) {
	resp := &HealthResult{}
	if err := c.conn.Invoke(ctx, methodCheckHealth, struct{}{}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *grpcClient) ReadEventBacklog(ctx context.Context, req *ReadEventBacklogRequest) (*ReadEventBacklogResult, error) {
	resp := &ReadEventBacklogResult{}
	if err := c.conn.Invoke(ctx, methodReadEventBacklog, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *grpcClient) EnsureRepositoryWorkspace(ctx context.Context, req *EnsureRepositoryWorkspaceRequest) (*EnsureRepositoryWorkspaceResult, error) {
	resp := &EnsureRepositoryWorkspaceResult{}
	if err := c.conn.Invoke(ctx, methodEnsureRepositoryWorkspace, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *grpcClient) RefreshRepositoryWorkspace(ctx context.Context, req *RefreshRepositoryWorkspaceRequest) (*RefreshRepositoryWorkspaceResult, error) {
	resp := &RefreshRepositoryWorkspaceResult{}
	if err := c.conn.Invoke(ctx, methodRefreshRepositoryWorkspace, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

var subscribeStreamDesc = &grpc.StreamDesc{
	StreamName:    "Subscribe",
	ServerStreams: true,
	ClientStreams: true,
}

type clientEventStream struct {
	stream grpc.ClientStream
}

func (c *grpcClient) Subscribe(ctx context.Context, req *SubscribeRequest) (EventStream, error) {
	stream, err := c.conn.NewStream(ctx, subscribeStreamDesc, streamSubscribe)
	if err != nil {
		return nil, fmt.Errorf("runtimerpc: open subscribe stream: %w", err)
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, fmt.Errorf("runtimerpc: send subscribe request: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("runtimerpc: close subscribe send side: %w", err)
	}
	return &clientEventStream{stream: stream}, nil
}

func (s *clientEventStream) Recv() (*RuntimeEventFrame, error) {
	frame := &RuntimeEventFrame{}
	if err := s.stream.RecvMsg(frame); err != nil {
		return nil, err
	}
	return frame, nil
}

func (s *clientEventStream) CloseSend() error { return s.stream.CloseSend() }
