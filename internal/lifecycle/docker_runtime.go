package lifecycle

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/taskctl/controlplane/internal/common/logger"
	"github.com/taskctl/controlplane/internal/lifecycle/docker"
)

// Container labels used to tag TaskRuntime containers so Recover can find
// them again after a process restart.
const (
	labelManaged      = "taskctl.managed"
	labelRuntimeID    = "taskctl.runtime_id"
	labelTaskID       = "taskctl.task_id"
	labelRepositoryID = "taskctl.repository_id"

	// runtimePort is the fixed gRPC port the task runtime image listens on.
	runtimePort = 7070
)

// DockerRuntime implements Runtime by creating one container per
// TaskRuntime via the Docker SDK.
type DockerRuntime struct {
	docker *docker.Client
	gate   *Gate
	logger *logger.Logger
}

// NewDockerRuntime creates a DockerRuntime. gate bounds the number of
// concurrent image pulls and container creations so a burst of
// provisioning requests cannot exhaust daemon resources at once.
func NewDockerRuntime(dockerClient *docker.Client, gate *Gate, log *logger.Logger) *DockerRuntime {
	return &DockerRuntime{
		docker: dockerClient,
		gate:   gate,
		logger: log.WithFields(zap.String("runtime", "docker")),
	}
}

func (r *DockerRuntime) Name() string { return "docker" }

func (r *DockerRuntime) HealthCheck(ctx context.Context) error {
	return r.docker.Ping(ctx)
}

func (r *DockerRuntime) EnsureImageAvailable(ctx context.Context, image string, progress func(status string, current, total int64)) error {
	if err := r.gate.Acquire(ctx); err != nil {
		return err
	}
	defer r.gate.Release()
	return r.docker.PullImage(ctx, image, docker.PullProgress(progress))
}

func (r *DockerRuntime) Provision(ctx context.Context, req ProvisionRequest) (*ProvisionResult, error) {
	if err := r.gate.Acquire(ctx); err != nil {
		return nil, err
	}
	defer r.gate.Release()

	env := make([]string, 0, len(req.Env))
	for k, v := range req.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	cfg := docker.ContainerConfig{
		Name:  "taskctl-runtime-" + req.RuntimeID,
		Image: req.Image,
		Env:   env,
		Mounts: []docker.MountConfig{
			{Source: req.WorkspacePath, Target: "/workspace"},
		},
		Labels: map[string]string{
			labelManaged:      "true",
			labelRuntimeID:    req.RuntimeID,
			labelTaskID:       req.TaskID,
			labelRepositoryID: req.RepositoryID,
		},
	}

	containerID, err := r.docker.CreateContainer(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create task runtime container: %w", err)
	}

	if err := r.docker.StartContainer(ctx, containerID); err != nil {
		_ = r.docker.RemoveContainer(ctx, containerID, true)
		return nil, fmt.Errorf("start task runtime container: %w", err)
	}

	ip, err := r.docker.GetContainerIP(ctx, containerID)
	if err != nil {
		r.logger.Warn("failed to get container ip, falling back to localhost",
			zap.String("container_id", containerID), zap.Error(err))
		ip = "127.0.0.1"
	}

	r.logger.Info("task runtime container provisioned",
		zap.String("runtime_id", req.RuntimeID),
		zap.String("container_id", containerID),
		zap.String("ip", ip))

	return &ProvisionResult{
		ContainerID:   containerID,
		Endpoint:      fmt.Sprintf("%s:%d", ip, runtimePort),
		WorkspacePath: "/workspace",
	}, nil
}

func (r *DockerRuntime) Stop(ctx context.Context, containerID string, force bool) error {
	if containerID == "" {
		return nil
	}
	if force {
		return r.docker.KillContainer(ctx, containerID, "SIGKILL")
	}
	return r.docker.StopContainer(ctx, containerID, 30*time.Second)
}

func (r *DockerRuntime) Remove(ctx context.Context, containerID string) error {
	if containerID == "" {
		return nil
	}
	return r.docker.RemoveContainer(ctx, containerID, true)
}

func (r *DockerRuntime) Recover(ctx context.Context) ([]RecoveredContainer, error) {
	containers, err := r.docker.ListContainers(ctx, map[string]string{labelManaged: "true"})
	if err != nil {
		return nil, fmt.Errorf("list managed containers: %w", err)
	}

	var recovered []RecoveredContainer
	for _, ctr := range containers {
		if ctr.State != "running" {
			r.logger.Debug("skipping non-running container", zap.String("container_id", ctr.ID), zap.String("state", ctr.State))
			continue
		}

		labels, err := r.docker.GetContainerLabels(ctx, ctr.ID)
		if err != nil {
			r.logger.Warn("failed to read container labels", zap.String("container_id", ctr.ID), zap.Error(err))
			continue
		}

		runtimeID := labels[labelRuntimeID]
		taskID := labels[labelTaskID]
		if runtimeID == "" || taskID == "" {
			r.logger.Warn("managed container missing required labels", zap.String("container_id", ctr.ID))
			continue
		}

		ip, err := r.docker.GetContainerIP(ctx, ctr.ID)
		if err != nil {
			r.logger.Warn("failed to get container ip during recovery", zap.String("container_id", ctr.ID), zap.Error(err))
			ip = "127.0.0.1"
		}

		recovered = append(recovered, RecoveredContainer{
			ContainerID:  ctr.ID,
			RuntimeID:    runtimeID,
			TaskID:       taskID,
			RepositoryID: labels[labelRepositoryID],
			Endpoint:     fmt.Sprintf("%s:%d", ip, runtimePort),
		})

		r.logger.Info("recovered task runtime container",
			zap.String("runtime_id", runtimeID), zap.String("task_id", taskID), zap.String("container_id", ctr.ID))
	}

	return recovered, nil
}
