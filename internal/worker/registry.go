// Package worker implements the worker registry and the push fabric that
// streams claim invitations to connected workers.
package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskplane/taskplane/internal/common/logger"
	"github.com/taskplane/taskplane/internal/store"
	"github.com/taskplane/taskplane/internal/tenant"
	v1 "github.com/taskplane/taskplane/pkg/api/v1"
)

// workerKey is a worker's identity. Worker ids are self-declared, so two
// tenants may legitimately use the same id; they must never collide.
type workerKey struct {
	tenantID string
	workerID string
}

// Registry tracks connected workers in memory, keyed by (tenant, worker id).
// The critical sections are short and never perform I/O; liveness persistence
// happens outside the lock.
type Registry struct {
	mu      sync.RWMutex
	workers map[workerKey]*v1.Worker

	store  store.Store
	logger *logger.Logger
}

// NewRegistry creates a registry backed by the store for liveness persistence.
func NewRegistry(st store.Store, log *logger.Logger) *Registry {
	return &Registry{
		workers: make(map[workerKey]*v1.Worker),
		store:   st,
		logger:  log.WithFields(zap.String("component", "worker-registry")),
	}
}

// Register adds or replaces a worker entry under its tenant.
func (r *Registry) Register(ctx context.Context, worker *v1.Worker) {
	now := time.Now().UTC()
	worker.Status = v1.WorkerStatusConnected
	worker.ConnectedAt = now
	worker.LastSeenAt = now

	r.mu.Lock()
	r.workers[workerKey{worker.TenantID, worker.ID}] = worker
	r.mu.Unlock()

	r.logger.Info("worker registered",
		zap.String("worker_id", worker.ID),
		zap.String("tenant_id", worker.TenantID),
		zap.String("worker_name", worker.Name),
		zap.Strings("codebases", worker.Codebases))

	r.persistLiveness(ctx, worker.ID, now)
}

// MarkDisconnected flags a worker whose stream closed. The entry stays in
// the registry so the liveness reaper can reclaim its tasks if it never
// comes back; a reconnect flips it to connected again.
func (r *Registry) MarkDisconnected(tenantID, workerID string) {
	r.mu.Lock()
	if worker, ok := r.workers[workerKey{tenantID, workerID}]; ok {
		worker.Status = v1.WorkerStatusDisconnected
	}
	r.mu.Unlock()
}

// Unregister removes a worker entry.
func (r *Registry) Unregister(tenantID, workerID string) {
	key := workerKey{tenantID, workerID}

	r.mu.Lock()
	_, existed := r.workers[key]
	delete(r.workers, key)
	r.mu.Unlock()

	if existed {
		r.logger.Info("worker unregistered",
			zap.String("worker_id", workerID), zap.String("tenant_id", tenantID))
	}
}

// Touch refreshes a worker's last-seen time under the caller's tenant scope.
// Any successful signal from the worker counts: heartbeat, claim, release,
// capability update.
func (r *Registry) Touch(ctx context.Context, workerID string) bool {
	now := time.Now().UTC()
	key := workerKey{tenant.FromContext(ctx).TenantID(), workerID}

	r.mu.Lock()
	worker, ok := r.workers[key]
	if ok {
		worker.LastSeenAt = now
	}
	r.mu.Unlock()

	r.persistLiveness(ctx, workerID, now)
	return ok
}

// UpdateCodebases replaces a worker's declared codebase set.
func (r *Registry) UpdateCodebases(tenantID, workerID string, codebases []string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	worker, ok := r.workers[workerKey{tenantID, workerID}]
	if !ok {
		return false
	}
	worker.Codebases = append([]string(nil), codebases...)
	return true
}

// Get returns a snapshot of one worker.
func (r *Registry) Get(tenantID, workerID string) (*v1.Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	worker, ok := r.workers[workerKey{tenantID, workerID}]
	if !ok {
		return nil, false
	}
	snapshot := *worker
	snapshot.Capabilities = append([]string(nil), worker.Capabilities...)
	snapshot.Codebases = append([]string(nil), worker.Codebases...)
	return &snapshot, true
}

// List returns snapshots of all connected workers.
func (r *Registry) List() []*v1.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*v1.Worker, 0, len(r.workers))
	for _, worker := range r.workers {
		snapshot := *worker
		snapshot.Capabilities = append([]string(nil), worker.Capabilities...)
		snapshot.Codebases = append([]string(nil), worker.Codebases...)
		result = append(result, &snapshot)
	}
	return result
}

// Expired returns the identities of workers not seen within the timeout.
func (r *Registry) Expired(timeout time.Duration) []workerKey {
	cutoff := time.Now().UTC().Add(-timeout)

	r.mu.RLock()
	defer r.mu.RUnlock()

	var expired []workerKey
	for key, worker := range r.workers {
		if worker.LastSeenAt.Before(cutoff) {
			expired = append(expired, key)
		}
	}
	return expired
}

func (r *Registry) persistLiveness(ctx context.Context, workerID string, now time.Time) {
	if err := r.store.SetWorkerLiveness(ctx, workerID, now); err != nil {
		r.logger.Warn("failed to persist worker liveness",
			zap.String("worker_id", workerID), zap.Error(err))
	}
}
