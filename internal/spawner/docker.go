package spawner

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"go.uber.org/zap"

	"github.com/taskplane/taskplane/internal/common/config"
	"github.com/taskplane/taskplane/internal/common/logger"
)

// DockerDriver runs one container per session for local development. It is
// the dev-mode stand-in for the knative driver and shares its result and
// state vocabulary.
type DockerDriver struct {
	cfg    config.SpawnerConfig
	cli    *client.Client
	logger *logger.Logger
}

func NewDockerDriver(cfg config.SpawnerConfig, log *logger.Logger) (*DockerDriver, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, newError(FailureConfigMissing, fmt.Errorf("docker client: %w", err))
	}
	return &DockerDriver{
		cfg:    cfg,
		cli:    cli,
		logger: log.WithFields(zap.String("component", "spawner-docker")),
	}, nil
}

var _ Driver = (*DockerDriver)(nil)

func (d *DockerDriver) CreateSessionWorker(ctx context.Context, sessionID, tenantID, codebaseID string) (*SpawnResult, error) {
	if err := ValidateLabelValue("session_id", sessionID); err != nil {
		return nil, err
	}

	name := WorkerName(sessionID)
	containerCfg := &container.Config{
		Image: d.cfg.WorkerImage,
		Env: []string{
			"SESSION_ID=" + sessionID,
			"TENANT_ID=" + tenantID,
			"CODEBASE_ID=" + codebaseID,
		},
		Labels: map[string]string{
			LabelManagedBy: ManagedByValue,
			LabelSession:   sessionID,
			LabelTenant:    tenantID,
			LabelCodebase:  codebaseID,
		},
	}
	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(d.cfg.DockerNetwork),
		AutoRemove:  false,
	}

	created, err := d.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if errdefs.IsConflict(err) {
		d.logger.Debug("session worker container already exists",
			zap.String("session_id", sessionID))
		return &SpawnResult{Name: name, AlreadyExists: true, URL: d.workerURL(name)}, nil
	}
	if err != nil {
		return nil, newError(FailureTransient, fmt.Errorf("create container %s: %w", name, err))
	}

	if err := d.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		// Roll the half-made container back so a retry starts clean.
		_ = d.cli.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
		return nil, newError(FailureTransient, fmt.Errorf("start container %s: %w", name, err))
	}

	d.logger.Info("session worker container started", append(logFields(sessionID, tenantID),
		zap.String("container_id", created.ID))...)
	return &SpawnResult{Name: name, Created: true, URL: d.workerURL(name)}, nil
}

func (d *DockerDriver) DeleteSessionWorker(ctx context.Context, sessionID string) error {
	if err := ValidateLabelValue("session_id", sessionID); err != nil {
		return err
	}
	name := WorkerName(sessionID)
	err := d.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return newError(FailureTransient, fmt.Errorf("remove container %s: %w", name, err))
	}
	d.logger.Info("session worker container removed", zap.String("session_id", sessionID))
	return nil
}

func (d *DockerDriver) WorkerStatus(ctx context.Context, sessionID string) (WorkerState, error) {
	if err := ValidateLabelValue("session_id", sessionID); err != nil {
		return StateFailed, err
	}
	inspected, err := d.cli.ContainerInspect(ctx, WorkerName(sessionID))
	if client.IsErrNotFound(err) {
		return StateNotFound, nil
	}
	if err != nil {
		return StateFailed, newError(FailureTransient, err)
	}
	if inspected.State == nil {
		return StatePending, nil
	}
	return mapContainerState(inspected.State.Status), nil
}

func (d *DockerDriver) ListSessionWorkers(ctx context.Context, tenantID string) ([]WorkerInfo, error) {
	filterArgs := filters.NewArgs(
		filters.Arg("label", LabelManagedBy+"="+ManagedByValue),
	)
	if tenantID != "" {
		filterArgs.Add("label", LabelTenant+"="+tenantID)
	}

	containers, err := d.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: filterArgs})
	if err != nil {
		return nil, newError(FailureTransient, fmt.Errorf("list containers: %w", err))
	}

	infos := make([]WorkerInfo, 0, len(containers))
	for _, item := range containers {
		name := ""
		if len(item.Names) > 0 {
			name = item.Names[0]
		}
		infos = append(infos, WorkerInfo{
			Name:       name,
			SessionID:  item.Labels[LabelSession],
			TenantID:   item.Labels[LabelTenant],
			CodebaseID: item.Labels[LabelCodebase],
			State:      mapContainerState(item.State),
			CreatedAt:  time.Unix(item.Created, 0).UTC(),
		})
	}
	return infos, nil
}

func (d *DockerDriver) CleanupIdleWorkers(ctx context.Context, maxAge time.Duration) (int, error) {
	workers, err := d.ListSessionWorkers(ctx, "")
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().UTC().Add(-maxAge)
	deleted := 0
	for _, worker := range workers {
		if worker.SessionID == "" || worker.CreatedAt.After(cutoff) {
			continue
		}
		if err := d.DeleteSessionWorker(ctx, worker.SessionID); err != nil {
			d.logger.Warn("idle worker cleanup failed",
				zap.String("session_id", worker.SessionID), zap.Error(err))
			continue
		}
		deleted++
	}
	return deleted, nil
}

func (d *DockerDriver) Close() error {
	return d.cli.Close()
}

// workerURL is the in-network address of the session worker; containers on
// the shared network resolve each other by name.
func (d *DockerDriver) workerURL(name string) string {
	return "http://" + name + ":8080"
}

func mapContainerState(state string) WorkerState {
	switch state {
	case "created":
		return StateCreating
	case "running":
		return StateRunning
	case "restarting", "paused":
		return StatePending
	case "exited":
		return StateScaledToZero
	case "removing", "dead":
		return StateFailed
	default:
		return StatePending
	}
}
