package lifecycle

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/taskctl/controlplane/internal/common/config"
	"github.com/taskctl/controlplane/internal/common/logger"
	"github.com/taskctl/controlplane/internal/db"
	"github.com/taskctl/controlplane/internal/model"
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

// fakeRuntime is an in-memory Runtime used to exercise Manager without a
// real Docker daemon.
type fakeRuntime struct {
	provisionCalls int
	stopCalls      []string
	removeCalls    []string
	failProvision  bool
	recovered      []RecoveredContainer
}

func (f *fakeRuntime) Name() string { return "fake" }

func (f *fakeRuntime) HealthCheck(ctx context.Context) error { return nil }

func (f *fakeRuntime) Provision(ctx context.Context, req ProvisionRequest) (*ProvisionResult, error) {
	f.provisionCalls++
	if f.failProvision {
		return nil, context.DeadlineExceeded
	}
	return &ProvisionResult{
		ContainerID:   "container-" + req.RuntimeID,
		Endpoint:      "10.0.0.1:7070",
		WorkspacePath: "/workspace",
	}, nil
}

func (f *fakeRuntime) Stop(ctx context.Context, containerID string, force bool) error {
	f.stopCalls = append(f.stopCalls, containerID)
	return nil
}

func (f *fakeRuntime) Remove(ctx context.Context, containerID string) error {
	f.removeCalls = append(f.removeCalls, containerID)
	return nil
}

func (f *fakeRuntime) Recover(ctx context.Context) ([]RecoveredContainer, error) {
	return f.recovered, nil
}

func (f *fakeRuntime) EnsureImageAvailable(ctx context.Context, image string, progress func(status string, current, total int64)) error {
	if progress != nil {
		progress("pulling", 0, 0)
		progress("done", 100, 100)
	}
	return nil
}

func seedTaskAndRepo(t *testing.T, st store.Store) (*model.Repository, *model.Task) {
	t.Helper()
	ctx := context.Background()

	repo := &model.Repository{Name: "org/repo", CloneURL: "https://example.com/org/repo.git", LocalPath: "/repos/repo"}
	if err := st.CreateRepository(ctx, repo); err != nil {
		t.Fatalf("CreateRepository: %v", err)
	}
	task := &model.Task{RepositoryID: repo.ID, Name: "build", ConcurrencyLimit: 2}
	if err := st.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	return repo, task
}

func TestEnsureRuntimeForTaskProvisionsOnce(t *testing.T) {
	st := newTestStore(t)
	rt := &fakeRuntime{}
	mgr := NewManager(st, rt, config.RuntimeConfig{Image: "taskctl/runtime:test"}, logger.Default())

	repo, task := seedTaskAndRepo(t, st)
	ctx := context.Background()

	first, err := mgr.EnsureRuntimeForTask(ctx, task, repo)
	if err != nil {
		t.Fatalf("EnsureRuntimeForTask: %v", err)
	}
	if first.State != model.TaskRuntimeReady {
		t.Errorf("state = %v, want Ready", first.State)
	}
	if rt.provisionCalls != 1 {
		t.Errorf("provisionCalls = %d, want 1", rt.provisionCalls)
	}

	second, err := mgr.EnsureRuntimeForTask(ctx, task, repo)
	if err != nil {
		t.Fatalf("EnsureRuntimeForTask (again): %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("expected the existing runtime to be reused, got a different id")
	}
	if rt.provisionCalls != 1 {
		t.Errorf("provisionCalls = %d, want still 1 after reuse", rt.provisionCalls)
	}
}

func TestEnsureRuntimeForTaskQuarantinesOnProvisionFailure(t *testing.T) {
	st := newTestStore(t)
	rt := &fakeRuntime{failProvision: true}
	mgr := NewManager(st, rt, config.RuntimeConfig{Image: "taskctl/runtime:test"}, logger.Default())

	repo, task := seedTaskAndRepo(t, st)
	ctx := context.Background()

	if _, err := mgr.EnsureRuntimeForTask(ctx, task, repo); err == nil {
		t.Fatal("expected an error from a failing Provision call")
	}

	got, err := st.GetTaskRuntimeByTaskID(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTaskRuntimeByTaskID: %v", err)
	}
	if got.State != model.TaskRuntimeQuarantined {
		t.Errorf("state = %v, want Quarantined after a failed provision", got.State)
	}
}

func TestSetTaskRuntimeDrainingTogglesFlag(t *testing.T) {
	st := newTestStore(t)
	rt := &fakeRuntime{}
	mgr := NewManager(st, rt, config.RuntimeConfig{Image: "taskctl/runtime:test"}, logger.Default())

	repo, task := seedTaskAndRepo(t, st)
	ctx := context.Background()
	created, err := mgr.EnsureRuntimeForTask(ctx, task, repo)
	if err != nil {
		t.Fatalf("EnsureRuntimeForTask: %v", err)
	}

	if err := mgr.SetTaskRuntimeDraining(ctx, created.ID, true); err != nil {
		t.Fatalf("SetTaskRuntimeDraining: %v", err)
	}
	if !mgr.IsDraining(created.ID) {
		t.Error("expected IsDraining to report true")
	}
	got, err := mgr.GetTaskRuntime(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetTaskRuntime: %v", err)
	}
	if got.State != model.TaskRuntimeDraining {
		t.Errorf("state = %v, want Draining", got.State)
	}

	if err := mgr.SetTaskRuntimeDraining(ctx, created.ID, false); err != nil {
		t.Fatalf("SetTaskRuntimeDraining (undrain): %v", err)
	}
	if mgr.IsDraining(created.ID) {
		t.Error("expected IsDraining to report false after undraining")
	}
}

func TestScaleDownIdleTaskRuntimesRespectsMinWarm(t *testing.T) {
	st := newTestStore(t)
	rt := &fakeRuntime{}
	mgr := NewManager(st, rt, config.RuntimeConfig{Image: "taskctl/runtime:test"}, logger.Default())
	ctx := context.Background()

	old := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		task := &model.Task{Name: "t"}
		repo := &model.Repository{Name: "org/r"}
		_ = st.CreateRepository(ctx, repo)
		task.RepositoryID = repo.ID
		_ = st.CreateTask(ctx, task)

		trt := &model.TaskRuntime{
			TaskID:           task.ID,
			RuntimeID:        model.NewID(),
			State:            model.TaskRuntimeReady,
			ContainerID:      "c-" + task.ID,
			LastActivityUtc:  old,
			MaxParallelRuns:  1,
		}
		if err := st.UpsertTaskRuntime(ctx, trt); err != nil {
			t.Fatalf("UpsertTaskRuntime: %v", err)
		}
	}

	if err := mgr.ScaleDownIdleTaskRuntimes(ctx, time.Minute, 1); err != nil {
		t.Fatalf("ScaleDownIdleTaskRuntimes: %v", err)
	}

	runtimes, err := st.ListTaskRuntimes(ctx)
	if err != nil {
		t.Fatalf("ListTaskRuntimes: %v", err)
	}
	stopped := 0
	for _, r := range runtimes {
		if r.State == model.TaskRuntimeStopped {
			stopped++
		}
	}
	if stopped != 2 {
		t.Errorf("stopped = %d, want 2 (3 idle runtimes minus minWarm=1)", stopped)
	}
	if len(rt.stopCalls) != 2 {
		t.Errorf("Stop was called %d times, want 2", len(rt.stopCalls))
	}
}

func TestEnsureTaskRuntimeImageAvailableReportsProgress(t *testing.T) {
	st := newTestStore(t)
	rt := &fakeRuntime{}
	mgr := NewManager(st, rt, config.RuntimeConfig{Image: "taskctl/runtime:test"}, logger.Default())

	var statuses []string
	err := mgr.EnsureTaskRuntimeImageAvailable(context.Background(), func(status string, current, total int64) {
		statuses = append(statuses, status)
	})
	if err != nil {
		t.Fatalf("EnsureTaskRuntimeImageAvailable: %v", err)
	}
	if len(statuses) != 2 || statuses[0] != "pulling" || statuses[1] != "done" {
		t.Errorf("statuses = %v, want [pulling done]", statuses)
	}
}
