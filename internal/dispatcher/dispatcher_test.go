package dispatcher

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/jmoiron/sqlx"

	"github.com/taskctl/controlplane/internal/common/config"
	"github.com/taskctl/controlplane/internal/common/logger"
	"github.com/taskctl/controlplane/internal/db"
	"github.com/taskctl/controlplane/internal/lifecycle"
	"github.com/taskctl/controlplane/internal/model"
	"github.com/taskctl/controlplane/internal/publisher"
	"github.com/taskctl/controlplane/internal/publisher/bus"
	"github.com/taskctl/controlplane/internal/runtimerpc"
	"github.com/taskctl/controlplane/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	writer, err := db.OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	reader, err := db.OpenSQLiteReader(dbPath)
	if err != nil {
		t.Fatalf("OpenSQLiteReader: %v", err)
	}
	pool := db.NewPool(sqlx.NewDb(writer, "sqlite3"), sqlx.NewDb(reader, "sqlite3"))

	s, err := store.New(pool, "sqlite3")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestPublisher(t *testing.T) publisher.Publisher {
	t.Helper()
	log := logger.Default()
	hub := publisher.NewRunHub(log)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)
	return publisher.New(bus.NewMemoryEventBus(log), hub, "test", log)
}

type fakeRuntime struct{}

func (f *fakeRuntime) Name() string                          { return "fake" }
func (f *fakeRuntime) HealthCheck(ctx context.Context) error { return nil }
func (f *fakeRuntime) Provision(ctx context.Context, req lifecycle.ProvisionRequest) (*lifecycle.ProvisionResult, error) {
	return &lifecycle.ProvisionResult{ContainerID: "c-" + req.RuntimeID, Endpoint: "10.0.0.5:7070", WorkspacePath: "/workspace"}, nil
}
func (f *fakeRuntime) Stop(ctx context.Context, containerID string, force bool) error { return nil }
func (f *fakeRuntime) Remove(ctx context.Context, containerID string) error          { return nil }
func (f *fakeRuntime) Recover(ctx context.Context) ([]lifecycle.RecoveredContainer, error) {
	return nil, nil
}
func (f *fakeRuntime) EnsureImageAvailable(ctx context.Context, image string, progress func(status string, current, total int64)) error {
	return nil
}

type fakeRPCClient struct {
	startCalls int
	rejectNext bool
}

func (f *fakeRPCClient) StartCommand(ctx context.Context, req *runtimerpc.StartRuntimeCommandRequest) (*runtimerpc.StartRuntimeCommandResult, error) {
	f.startCalls++
	if f.rejectNext {
		return &runtimerpc.StartRuntimeCommandResult{Success: false, Error: "busy"}, nil
	}
	return &runtimerpc.StartRuntimeCommandResult{Success: true, CommandID: "cmd-1"}, nil
}
func (f *fakeRPCClient) CancelCommand(ctx context.Context, req *runtimerpc.CancelRuntimeCommandRequest) (*runtimerpc.CancelRuntimeCommandResult, error) {
	return &runtimerpc.CancelRuntimeCommandResult{Success: true}, nil
}
func (f *fakeRPCClient) GetCommandStatus(ctx context.Context, req *runtimerpc.GetRuntimeCommandStatusRequest) (*runtimerpc.RuntimeCommandStatusResult, error) {
	return &runtimerpc.RuntimeCommandStatusResult{Success: true}, nil
}
func (f *fakeRPCClient) CheckHealth(ctx context.Context) (*runtimerpc.HealthResult, error) {
	return &runtimerpc.HealthResult{Success: true}, nil
}
func (f *fakeRPCClient) ReadEventBacklog(ctx context.Context, req *runtimerpc.ReadEventBacklogRequest) (*runtimerpc.ReadEventBacklogResult, error) {
	return &runtimerpc.ReadEventBacklogResult{Success: true}, nil
}
func (f *fakeRPCClient) EnsureRepositoryWorkspace(ctx context.Context, req *runtimerpc.EnsureRepositoryWorkspaceRequest) (*runtimerpc.EnsureRepositoryWorkspaceResult, error) {
	return &runtimerpc.EnsureRepositoryWorkspaceResult{Success: true}, nil
}
func (f *fakeRPCClient) RefreshRepositoryWorkspace(ctx context.Context, req *runtimerpc.RefreshRepositoryWorkspaceRequest) (*runtimerpc.RefreshRepositoryWorkspaceResult, error) {
	return &runtimerpc.RefreshRepositoryWorkspaceResult{Success: true}, nil
}
func (f *fakeRPCClient) Subscribe(ctx context.Context, req *runtimerpc.SubscribeRequest) (runtimerpc.EventStream, error) {
	return nil, nil
}
func (f *fakeRPCClient) Close() error { return nil }

func seedRepoAndTask(t *testing.T, s store.Store, concurrency int) (*model.Repository, *model.Task) {
	t.Helper()
	ctx := context.Background()
	repo := &model.Repository{Name: "org/repo", CloneURL: "https://example.com/org/repo.git", LocalPath: "/repos/repo"}
	if err := s.CreateRepository(ctx, repo); err != nil {
		t.Fatalf("CreateRepository: %v", err)
	}
	task := &model.Task{RepositoryID: repo.ID, Name: "build", Harness: "claude-code", ConcurrencyLimit: concurrency}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	return repo, task
}

func newTestDispatcher(t *testing.T, s store.Store, rpc runtimerpc.Client) *Dispatcher {
	t.Helper()
	mgr := lifecycle.NewManager(s, &fakeRuntime{}, config.RuntimeConfig{Image: "taskctl/runtime:test"}, logger.Default())
	pool := runtimerpc.NewPool(func(endpoint string) (runtimerpc.Client, error) { return rpc, nil })
	return New(s, mgr, pool, newTestPublisher(t), config.RuntimeConfig{Image: "taskctl/runtime:test"}, logger.Default())
}

func TestDispatchProvisionsRuntimeAndStartsRun(t *testing.T) {
	s := newTestStore(t)
	rpc := &fakeRPCClient{}
	d := newTestDispatcher(t, s, rpc)

	repo, task := seedRepoAndTask(t, s, 1)
	ctx := context.Background()

	run := &model.Run{Repository: repo.ID, TaskID: task.ID, State: model.RunStateQueued, Attempt: 1}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	if err := d.Dispatch(ctx, repo, task, run); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.State != model.RunStateRunning {
		t.Errorf("State = %v, want Running", got.State)
	}
	if rpc.startCalls != 1 {
		t.Errorf("startCalls = %d, want 1", rpc.startCalls)
	}

	rt, err := s.GetTaskRuntimeByTaskID(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTaskRuntimeByTaskID: %v", err)
	}
	if rt.ActiveRuns != 1 {
		t.Errorf("ActiveRuns = %d, want 1", rt.ActiveRuns)
	}
}

func TestDispatchNextQueuedRunForTaskRespectsConcurrencyLimit(t *testing.T) {
	s := newTestStore(t)
	rpc := &fakeRPCClient{}
	d := newTestDispatcher(t, s, rpc)
	ctx := context.Background()

	repo, task := seedRepoAndTask(t, s, 1)

	running := &model.Run{Repository: repo.ID, TaskID: task.ID, State: model.RunStateRunning, Attempt: 1}
	if err := s.CreateRun(ctx, running); err != nil {
		t.Fatalf("CreateRun (running): %v", err)
	}
	queued := &model.Run{Repository: repo.ID, TaskID: task.ID, State: model.RunStateQueued, Attempt: 1}
	if err := s.CreateRun(ctx, queued); err != nil {
		t.Fatalf("CreateRun (queued): %v", err)
	}

	if err := d.DispatchNextQueuedRunForTask(ctx, task.ID); err != nil {
		t.Fatalf("DispatchNextQueuedRunForTask: %v", err)
	}

	got, err := s.GetRun(ctx, queued.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.State != model.RunStateQueued {
		t.Errorf("State = %v, want the run to remain Queued (concurrency limit reached)", got.State)
	}
	if rpc.startCalls != 0 {
		t.Errorf("startCalls = %d, want 0", rpc.startCalls)
	}
}

func TestDispatchNextQueuedRunForTaskSerializesConcurrentCallers(t *testing.T) {
	s := newTestStore(t)
	rpc := &fakeRPCClient{}
	d := newTestDispatcher(t, s, rpc)
	ctx := context.Background()

	repo, task := seedRepoAndTask(t, s, 1)

	for i := 0; i < 5; i++ {
		run := &model.Run{Repository: repo.ID, TaskID: task.ID, State: model.RunStateQueued, Attempt: 1}
		if err := s.CreateRun(ctx, run); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = d.DispatchNextQueuedRunForTask(ctx, task.ID)
		}()
	}
	wg.Wait()

	active, err := s.CountActiveRunsForTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("CountActiveRunsForTask: %v", err)
	}
	if active != task.EffectiveConcurrencyLimit() {
		t.Errorf("active runs = %d, want exactly the concurrency limit %d", active, task.EffectiveConcurrencyLimit())
	}
	if rpc.startCalls != task.EffectiveConcurrencyLimit() {
		t.Errorf("startCalls = %d, want %d", rpc.startCalls, task.EffectiveConcurrencyLimit())
	}
}

func TestDispatchNextQueuedRunForTaskIsNoOpWithoutBacklog(t *testing.T) {
	s := newTestStore(t)
	rpc := &fakeRPCClient{}
	d := newTestDispatcher(t, s, rpc)
	ctx := context.Background()

	_, task := seedRepoAndTask(t, s, 1)

	if err := d.DispatchNextQueuedRunForTask(ctx, task.ID); err != nil {
		t.Fatalf("DispatchNextQueuedRunForTask: %v", err)
	}
	if rpc.startCalls != 0 {
		t.Errorf("startCalls = %d, want 0", rpc.startCalls)
	}
}
