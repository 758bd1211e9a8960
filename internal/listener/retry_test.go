package listener

import (
	"context"
	"testing"
	"time"

	"github.com/taskctl/controlplane/internal/common/config"
	"github.com/taskctl/controlplane/internal/common/logger"
	"github.com/taskctl/controlplane/internal/lifecycle"
	"github.com/taskctl/controlplane/internal/model"
	"github.com/taskctl/controlplane/internal/publisher"
	"github.com/taskctl/controlplane/internal/publisher/bus"
	"github.com/taskctl/controlplane/internal/runtimerpc"

	"github.com/taskctl/controlplane/internal/dispatcher"
)

func newTestPublisherForListener(t *testing.T) publisher.Publisher {
	t.Helper()
	log := logger.Default()
	hub := publisher.NewRunHub(log)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)
	return publisher.New(bus.NewMemoryEventBus(log), hub, "test", log)
}

type retryFakeRuntime struct{}

func (retryFakeRuntime) Name() string                          { return "fake" }
func (retryFakeRuntime) HealthCheck(ctx context.Context) error { return nil }
func (retryFakeRuntime) Provision(ctx context.Context, req lifecycle.ProvisionRequest) (*lifecycle.ProvisionResult, error) {
	return &lifecycle.ProvisionResult{ContainerID: "c-" + req.RuntimeID, Endpoint: "10.0.0.5:7070", WorkspacePath: "/workspace"}, nil
}
func (retryFakeRuntime) Stop(ctx context.Context, containerID string, force bool) error { return nil }
func (retryFakeRuntime) Remove(ctx context.Context, containerID string) error          { return nil }
func (retryFakeRuntime) Recover(ctx context.Context) ([]lifecycle.RecoveredContainer, error) {
	return nil, nil
}
func (retryFakeRuntime) EnsureImageAvailable(ctx context.Context, image string, progress func(status string, current, total int64)) error {
	return nil
}

type retryFakeRPCClient struct{ startCalls int }

func (f *retryFakeRPCClient) StartCommand(ctx context.Context, req *runtimerpc.StartRuntimeCommandRequest) (*runtimerpc.StartRuntimeCommandResult, error) {
	f.startCalls++
	return &runtimerpc.StartRuntimeCommandResult{Success: true, CommandID: "cmd-1"}, nil
}
func (f *retryFakeRPCClient) CancelCommand(ctx context.Context, req *runtimerpc.CancelRuntimeCommandRequest) (*runtimerpc.CancelRuntimeCommandResult, error) {
	return &runtimerpc.CancelRuntimeCommandResult{Success: true}, nil
}
func (f *retryFakeRPCClient) GetCommandStatus(ctx context.Context, req *runtimerpc.GetRuntimeCommandStatusRequest) (*runtimerpc.RuntimeCommandStatusResult, error) {
	return &runtimerpc.RuntimeCommandStatusResult{Success: true}, nil
}
func (f *retryFakeRPCClient) CheckHealth(ctx context.Context) (*runtimerpc.HealthResult, error) {
	return &runtimerpc.HealthResult{Success: true}, nil
}
func (f *retryFakeRPCClient) ReadEventBacklog(ctx context.Context, req *runtimerpc.ReadEventBacklogRequest) (*runtimerpc.ReadEventBacklogResult, error) {
	return &runtimerpc.ReadEventBacklogResult{Success: true}, nil
}
func (f *retryFakeRPCClient) EnsureRepositoryWorkspace(ctx context.Context, req *runtimerpc.EnsureRepositoryWorkspaceRequest) (*runtimerpc.EnsureRepositoryWorkspaceResult, error) {
	return &runtimerpc.EnsureRepositoryWorkspaceResult{Success: true}, nil
}
func (f *retryFakeRPCClient) RefreshRepositoryWorkspace(ctx context.Context, req *runtimerpc.RefreshRepositoryWorkspaceRequest) (*runtimerpc.RefreshRepositoryWorkspaceResult, error) {
	return &runtimerpc.RefreshRepositoryWorkspaceResult{Success: true}, nil
}
func (f *retryFakeRPCClient) Subscribe(ctx context.Context, req *runtimerpc.SubscribeRequest) (runtimerpc.EventStream, error) {
	return nil, nil
}
func (f *retryFakeRPCClient) Close() error { return nil }

func TestRetrySchedulerCreatesNextAttemptAfterDelay(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	rpc := &retryFakeRPCClient{}
	mgr := lifecycle.NewManager(s, retryFakeRuntime{}, config.RuntimeConfig{Image: "taskctl/runtime:test"}, logger.Default())
	pool := runtimerpc.NewPool(func(endpoint string) (runtimerpc.Client, error) { return rpc, nil })
	disp := dispatcher.New(s, mgr, pool, newTestPublisherForListener(t), config.RuntimeConfig{Image: "taskctl/runtime:test"}, logger.Default())

	retry := newRetryScheduler(ctx, s, disp, logger.Default())

	repo := &model.Repository{Name: "org/repo", CloneURL: "https://example.com/org/repo.git", LocalPath: "/repos/repo"}
	if err := s.CreateRepository(ctx, repo); err != nil {
		t.Fatalf("CreateRepository: %v", err)
	}
	task := &model.Task{
		RepositoryID:     repo.ID,
		Name:             "build",
		Harness:          "claude-code",
		ConcurrencyLimit: 1,
		RetryPolicy:      model.RetryPolicy{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond, Multiplier: 1},
	}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	run := &model.Run{Repository: repo.ID, TaskID: task.ID, State: model.RunStateFailed, Attempt: 1}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	retry.ScheduleIfEligible(task, run)

	deadline := time.After(2 * time.Second)
	for {
		runs, err := s.ListRunsByState(ctx, model.RunStateQueued)
		if err != nil {
			t.Fatalf("ListRunsByState: %v", err)
		}
		if len(runs) == 1 {
			if runs[0].Attempt != 2 {
				t.Errorf("retry Attempt = %d, want 2", runs[0].Attempt)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for retry run to be created")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestRetrySchedulerSkipsWhenAttemptsExhausted(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	rpc := &retryFakeRPCClient{}
	mgr := lifecycle.NewManager(s, retryFakeRuntime{}, config.RuntimeConfig{Image: "taskctl/runtime:test"}, logger.Default())
	pool := runtimerpc.NewPool(func(endpoint string) (runtimerpc.Client, error) { return rpc, nil })
	disp := dispatcher.New(s, mgr, pool, newTestPublisherForListener(t), config.RuntimeConfig{Image: "taskctl/runtime:test"}, logger.Default())
	retry := newRetryScheduler(ctx, s, disp, logger.Default())

	repo := &model.Repository{Name: "org/repo2", CloneURL: "https://example.com/org/repo2.git", LocalPath: "/repos/repo2"}
	if err := s.CreateRepository(ctx, repo); err != nil {
		t.Fatalf("CreateRepository: %v", err)
	}
	task := &model.Task{
		RepositoryID:     repo.ID,
		Name:             "build",
		Harness:          "claude-code",
		ConcurrencyLimit: 1,
		RetryPolicy:      model.RetryPolicy{MaxAttempts: 1, BaseDelay: 10 * time.Millisecond, Multiplier: 1},
	}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	run := &model.Run{Repository: repo.ID, TaskID: task.ID, State: model.RunStateFailed, Attempt: 1}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	retry.ScheduleIfEligible(task, run)

	time.Sleep(50 * time.Millisecond)
	runs, err := s.ListRunsByState(ctx, model.RunStateQueued)
	if err != nil {
		t.Fatalf("ListRunsByState: %v", err)
	}
	if len(runs) != 0 {
		t.Errorf("len(runs) = %d, want 0 (max attempts already reached)", len(runs))
	}
}
