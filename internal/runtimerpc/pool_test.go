package runtimerpc

import (
	"context"
	"testing"
)

type fakeClient struct {
	closed bool
}

func (f *fakeClient) StartCommand(ctx context.Context, req *StartRuntimeCommandRequest) (*StartRuntimeCommandResult, error) {
	return &StartRuntimeCommandResult{Success: true}, nil
}
func (f *fakeClient) CancelCommand(ctx context.Context, req *CancelRuntimeCommandRequest) (*CancelRuntimeCommandResult, error) {
	return &CancelRuntimeCommandResult{Success: true}, nil
}
func (f *fakeClient) GetCommandStatus(ctx context.Context, req *GetRuntimeCommandStatusRequest) (*RuntimeCommandStatusResult, error) {
	return &RuntimeCommandStatusResult{Success: true}, nil
}
func (f *fakeClient) CheckHealth(ctx context.Context) (*HealthResult, error) {
	return &HealthResult{Success: true}, nil
}
func (f *fakeClient) ReadEventBacklog(ctx context.Context, req *ReadEventBacklogRequest) (*ReadEventBacklogResult, error) {
	return &ReadEventBacklogResult{Success: true}, nil
}
func (f *fakeClient) EnsureRepositoryWorkspace(ctx context.Context, req *EnsureRepositoryWorkspaceRequest) (*EnsureRepositoryWorkspaceResult, error) {
	return &EnsureRepositoryWorkspaceResult{Success: true}, nil
}
func (f *fakeClient) RefreshRepositoryWorkspace(ctx context.Context, req *RefreshRepositoryWorkspaceRequest) (*RefreshRepositoryWorkspaceResult, error) {
	return &RefreshRepositoryWorkspaceResult{Success: true}, nil
}
func (f *fakeClient) Subscribe(ctx context.Context, req *SubscribeRequest) (EventStream, error) {
	return nil, nil
}
func (f *fakeClient) Close() error {
	f.closed = true
	return nil
}

func TestPoolReusesClientForSameEndpoint(t *testing.T) {
	dials := 0
	pool := NewPool(func(endpoint string) (Client, error) {
		dials++
		return &fakeClient{}, nil
	})

	c1, err := pool.Get("rt-1:7070")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	c2, err := pool.Get("rt-1:7070")
	if err != nil {
		t.Fatalf("Get (second): %v", err)
	}
	if c1 != c2 {
		t.Error("expected the same cached client for the same endpoint")
	}
	if dials != 1 {
		t.Errorf("dials = %d, want 1", dials)
	}
}

func TestPoolDropClosesAndEvicts(t *testing.T) {
	var last *fakeClient
	pool := NewPool(func(endpoint string) (Client, error) {
		last = &fakeClient{}
		return last, nil
	})

	if _, err := pool.Get("rt-1:7070"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	pool.Drop("rt-1:7070")
	if !last.closed {
		t.Error("expected Drop to close the cached client")
	}

	if _, err := pool.Get("rt-1:7070"); err != nil {
		t.Fatalf("Get (after drop): %v", err)
	}
	if last.closed {
		t.Error("expected a fresh client after Drop")
	}
}
