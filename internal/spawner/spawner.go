// Package spawner reconciles one external session worker per active session
// against a container orchestrator. The knative driver talks to the cluster
// through the dynamic client; the docker driver runs one container per
// session for local development.
package spawner

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/taskplane/taskplane/internal/common/config"
	"github.com/taskplane/taskplane/internal/common/logger"
)

// WorkerState is the coarse lifecycle state of a session worker resource.
type WorkerState string

const (
	StatePending      WorkerState = "pending"
	StateCreating     WorkerState = "creating"
	StateReady        WorkerState = "ready"
	StateRunning      WorkerState = "running"
	StateScaledToZero WorkerState = "scaled_to_zero"
	StateFailed       WorkerState = "failed"
	StateNotFound     WorkerState = "not_found"
)

// SpawnResult reports the outcome of a create call.
type SpawnResult struct {
	Disabled      bool   `json:"disabled"`
	Created       bool   `json:"created"`
	AlreadyExists bool   `json:"already_exists"`
	Name          string `json:"name,omitempty"`
	URL           string `json:"url,omitempty"`
}

// WorkerInfo describes one managed session worker.
type WorkerInfo struct {
	Name       string      `json:"name"`
	SessionID  string      `json:"session_id"`
	TenantID   string      `json:"tenant_id"`
	CodebaseID string      `json:"codebase_id,omitempty"`
	State      WorkerState `json:"state"`
	CreatedAt  time.Time   `json:"created_at"`
	URL        string      `json:"url,omitempty"`
}

// Driver creates and tears down session worker resources.
type Driver interface {
	CreateSessionWorker(ctx context.Context, sessionID, tenantID, codebaseID string) (*SpawnResult, error)
	DeleteSessionWorker(ctx context.Context, sessionID string) error
	WorkerStatus(ctx context.Context, sessionID string) (WorkerState, error)
	ListSessionWorkers(ctx context.Context, tenantID string) ([]WorkerInfo, error)
	CleanupIdleWorkers(ctx context.Context, maxAge time.Duration) (int, error)
}

// Labels stamped on every managed resource; list and cleanup select on them.
const (
	LabelManagedBy = "taskplane.io/managed-by"
	LabelSession   = "taskplane.io/session-id"
	LabelTenant    = "taskplane.io/tenant-id"
	LabelCodebase  = "taskplane.io/codebase-id"

	ManagedByValue = "taskplane-controlplane"
)

// WorkerName derives the external resource name for a session.
func WorkerName(sessionID string) string {
	return "session-worker-" + sessionID
}

var dnsLabelPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// ValidateLabelValue rejects values that cannot be substituted into resource
// names or label selectors. The character class doubles as an injection
// guard for the textual template substitution.
func ValidateLabelValue(field, value string) error {
	if value == "" {
		return newError(FailureRendering, fmt.Errorf("%s must not be empty", field))
	}
	if !dnsLabelPattern.MatchString(value) {
		return newError(FailureRendering,
			fmt.Errorf("%s %q must match %s", field, value, dnsLabelPattern.String()))
	}
	return nil
}

// DisabledDriver is used when the spawner feature flag is off. Every call
// succeeds with an explicit disabled result so callers need no flag checks.
type DisabledDriver struct{}

func NewDisabledDriver() *DisabledDriver { return &DisabledDriver{} }

func (d *DisabledDriver) CreateSessionWorker(ctx context.Context, sessionID, tenantID, codebaseID string) (*SpawnResult, error) {
	return &SpawnResult{Disabled: true}, nil
}

func (d *DisabledDriver) DeleteSessionWorker(ctx context.Context, sessionID string) error {
	return nil
}

func (d *DisabledDriver) WorkerStatus(ctx context.Context, sessionID string) (WorkerState, error) {
	return StateNotFound, nil
}

func (d *DisabledDriver) ListSessionWorkers(ctx context.Context, tenantID string) ([]WorkerInfo, error) {
	return nil, nil
}

func (d *DisabledDriver) CleanupIdleWorkers(ctx context.Context, maxAge time.Duration) (int, error) {
	return 0, nil
}

var _ Driver = (*DisabledDriver)(nil)

// NewDriver builds the configured driver. Disabled config yields the no-op
// driver rather than an error.
func NewDriver(cfg config.SpawnerConfig, log *logger.Logger) (Driver, error) {
	if !cfg.Enabled {
		return NewDisabledDriver(), nil
	}
	switch cfg.Driver {
	case "knative":
		return NewKnativeDriver(cfg, log)
	case "docker":
		return NewDockerDriver(cfg, log)
	default:
		return nil, newError(FailureConfigMissing, fmt.Errorf("unknown spawner driver %q", cfg.Driver))
	}
}

func logFields(sessionID, tenantID string) []zap.Field {
	return []zap.Field{zap.String("session_id", sessionID), zap.String("tenant_id", tenantID)}
}
