package listener

import (
	"context"
	"testing"
	"time"

	"github.com/taskctl/controlplane/internal/common/config"
	"github.com/taskctl/controlplane/internal/common/logger"
	"github.com/taskctl/controlplane/internal/model"
)

func TestReconcileConnectsReadyRuntimesWithEndpoints(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	repo := &model.Repository{Name: "org/repo", CloneURL: "https://example.com/org/repo.git", LocalPath: "/repos/repo"}
	if err := s.CreateRepository(ctx, repo); err != nil {
		t.Fatalf("CreateRepository: %v", err)
	}
	task := &model.Task{RepositoryID: repo.ID, Name: "build", Harness: "claude-code", ConcurrencyLimit: 1}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	rt := &model.TaskRuntime{TaskID: task.ID, RuntimeID: "rt-1", State: model.TaskRuntimeReady, Endpoint: "10.0.0.1:7070", MaxParallelRuns: 1}
	if err := s.UpsertTaskRuntime(ctx, rt); err != nil {
		t.Fatalf("UpsertTaskRuntime: %v", err)
	}

	client := &fakeConnClient{}
	pool := newFakePool(client)
	l := New(s, pool, newTestPublisherForListener(t), nil, config.ListenerConfig{}, nil, logger.Default())
	l.processor = newProcessor(s, l.artifacts, l.sequencer, l.pub, nil, nil, nil, logger.Default())

	l.reconcile(ctx)

	l.mu.Lock()
	n := len(l.connections)
	_, ok := l.connections["rt-1"]
	l.mu.Unlock()

	if n != 1 || !ok {
		t.Fatalf("connections = %d (has rt-1: %v), want exactly one connection for rt-1", n, ok)
	}
}

func TestReconcileIgnoresRuntimesWithoutEndpointOrWrongState(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	repo := &model.Repository{Name: "org/repo", CloneURL: "https://example.com/org/repo.git", LocalPath: "/repos/repo"}
	if err := s.CreateRepository(ctx, repo); err != nil {
		t.Fatalf("CreateRepository: %v", err)
	}
	task := &model.Task{RepositoryID: repo.ID, Name: "build", Harness: "claude-code", ConcurrencyLimit: 1}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	noEndpoint := &model.TaskRuntime{TaskID: task.ID, RuntimeID: "rt-no-endpoint", State: model.TaskRuntimeReady, MaxParallelRuns: 1}
	if err := s.UpsertTaskRuntime(ctx, noEndpoint); err != nil {
		t.Fatalf("UpsertTaskRuntime: %v", err)
	}
	provisioning := &model.TaskRuntime{TaskID: task.ID, RuntimeID: "rt-provisioning", State: model.TaskRuntimeProvisioning, Endpoint: "10.0.0.2:7070", MaxParallelRuns: 1}
	if err := s.UpsertTaskRuntime(ctx, provisioning); err != nil {
		t.Fatalf("UpsertTaskRuntime: %v", err)
	}

	pool := newFakePool(&fakeConnClient{})
	l := New(s, pool, newTestPublisherForListener(t), nil, config.ListenerConfig{}, nil, logger.Default())
	l.processor = newProcessor(s, l.artifacts, l.sequencer, l.pub, nil, nil, nil, logger.Default())

	l.reconcile(ctx)

	l.mu.Lock()
	n := len(l.connections)
	l.mu.Unlock()
	if n != 0 {
		t.Errorf("connections = %d, want 0 (neither runtime is connectable)", n)
	}
}

func TestReconcileTearsDownConnectionForRuntimeNoLongerRunning(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	repo := &model.Repository{Name: "org/repo", CloneURL: "https://example.com/org/repo.git", LocalPath: "/repos/repo"}
	if err := s.CreateRepository(ctx, repo); err != nil {
		t.Fatalf("CreateRepository: %v", err)
	}
	task := &model.Task{RepositoryID: repo.ID, Name: "build", Harness: "claude-code", ConcurrencyLimit: 1}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	rt := &model.TaskRuntime{TaskID: task.ID, RuntimeID: "rt-1", State: model.TaskRuntimeReady, Endpoint: "10.0.0.1:7070", MaxParallelRuns: 1}
	if err := s.UpsertTaskRuntime(ctx, rt); err != nil {
		t.Fatalf("UpsertTaskRuntime: %v", err)
	}

	pool := newFakePool(&fakeConnClient{})
	l := New(s, pool, newTestPublisherForListener(t), nil, config.ListenerConfig{}, nil, logger.Default())
	l.processor = newProcessor(s, l.artifacts, l.sequencer, l.pub, nil, nil, nil, logger.Default())
	l.reconcile(ctx)

	l.mu.Lock()
	if len(l.connections) != 1 {
		l.mu.Unlock()
		t.Fatalf("expected a connection to be established before the teardown")
	}
	l.mu.Unlock()

	if err := s.UpdateTaskRuntimeState(ctx, rt.ID, model.TaskRuntimeStopped); err != nil {
		t.Fatalf("UpdateTaskRuntimeState: %v", err)
	}
	l.reconcile(ctx)

	l.mu.Lock()
	n := len(l.connections)
	l.mu.Unlock()
	if n != 0 {
		t.Errorf("connections = %d, want 0 after runtime stopped", n)
	}

	// Allow the goroutine driving the torn-down connection to observe
	// cancellation before the test process exits.
	time.Sleep(10 * time.Millisecond)
}
