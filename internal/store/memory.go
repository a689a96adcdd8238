package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/taskplane/taskplane/internal/common/errors"
	"github.com/taskplane/taskplane/internal/tenant"
	v1 "github.com/taskplane/taskplane/pkg/api/v1"
)

// MemoryStore provides in-memory persistence for tests and single-process
// development runs. All operations honor the tenant scope from the context.
type MemoryStore struct {
	mu        sync.RWMutex
	codebases map[string]*v1.Codebase
	tasks     map[string]*v1.Task
	sessions  map[string]*v1.Session
	cronjobs  map[string]*v1.Cronjob
	liveness  map[livenessKey]time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		codebases: make(map[string]*v1.Codebase),
		tasks:     make(map[string]*v1.Task),
		sessions:  make(map[string]*v1.Session),
		cronjobs:  make(map[string]*v1.Cronjob),
		liveness:  make(map[livenessKey]time.Time),
	}
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

// resolveTenant stamps the owning tenant on a write. Tenant scopes always
// own their writes; the admin scope must name the tenant explicitly.
func resolveTenant(ctx context.Context, explicit string) (string, error) {
	scope := tenant.FromContext(ctx)
	if scope.IsAdmin() {
		if explicit == "" {
			return "", apperrors.BadRequest("tenant_id required for admin-scoped writes")
		}
		return explicit, nil
	}
	if scope.TenantID() == "" {
		return "", apperrors.Forbidden("no tenant scope on request")
	}
	return scope.TenantID(), nil
}

// Codebase operations

func (s *MemoryStore) UpsertCodebase(ctx context.Context, codebase *v1.Codebase) error {
	tenantID, err := resolveTenant(ctx, codebase.TenantID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if existing, ok := s.codebases[codebase.ID]; ok {
		if existing.TenantID != tenantID {
			// Id collision across tenants is treated as not visible.
			return apperrors.Conflict("codebase id already in use")
		}
		codebase.CreatedAt = existing.CreatedAt
	} else {
		codebase.CreatedAt = now
	}
	codebase.TenantID = tenantID
	codebase.UpdatedAt = now
	if codebase.Status == "" {
		codebase.Status = v1.CodebaseStatusActive
	}

	s.codebases[codebase.ID] = cloneCodebase(codebase)
	return nil
}

func (s *MemoryStore) GetCodebase(ctx context.Context, id string) (*v1.Codebase, error) {
	scope := tenant.FromContext(ctx)

	s.mu.RLock()
	defer s.mu.RUnlock()

	codebase, ok := s.codebases[id]
	if !ok || !scope.Visible(codebase.TenantID) {
		return nil, apperrors.NotFound("codebase", id)
	}
	return cloneCodebase(codebase), nil
}

func (s *MemoryStore) ListCodebases(ctx context.Context) ([]*v1.Codebase, error) {
	scope := tenant.FromContext(ctx)

	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*v1.Codebase, 0)
	for _, codebase := range s.codebases {
		if scope.Visible(codebase.TenantID) {
			result = append(result, cloneCodebase(codebase))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *MemoryStore) DeleteCodebase(ctx context.Context, id string) error {
	scope := tenant.FromContext(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	codebase, ok := s.codebases[id]
	if !ok || !scope.Visible(codebase.TenantID) {
		return apperrors.NotFound("codebase", id)
	}
	delete(s.codebases, id)
	return nil
}

// Task operations

func (s *MemoryStore) CreateTask(ctx context.Context, task *v1.Task) error {
	tenantID, err := resolveTenant(ctx, task.TenantID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if _, ok := s.tasks[task.ID]; ok {
		return apperrors.Conflict("task id already in use")
	}
	now := time.Now().UTC()
	task.TenantID = tenantID
	task.CreatedAt = now
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = v1.TaskStatusPending
	}

	s.tasks[task.ID] = cloneTask(task)
	return nil
}

func (s *MemoryStore) UpdateTask(ctx context.Context, task *v1.Task) error {
	scope := tenant.FromContext(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.tasks[task.ID]
	if !ok || !scope.Visible(existing.TenantID) {
		return apperrors.NotFound("task", task.ID)
	}
	task.TenantID = existing.TenantID
	task.CreatedAt = existing.CreatedAt
	task.UpdatedAt = time.Now().UTC()

	s.tasks[task.ID] = cloneTask(task)
	return nil
}

func (s *MemoryStore) GetTask(ctx context.Context, id string) (*v1.Task, error) {
	scope := tenant.FromContext(ctx)

	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[id]
	if !ok || !scope.Visible(task.TenantID) {
		return nil, apperrors.NotFound("task", id)
	}
	return cloneTask(task), nil
}

func (s *MemoryStore) ListTasks(ctx context.Context, opts ListTasksOptions) ([]*v1.Task, error) {
	scope := tenant.FromContext(ctx)

	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*v1.Task, 0)
	for _, task := range s.tasks {
		if !scope.Visible(task.TenantID) {
			continue
		}
		if !taskMatches(task, opts) {
			continue
		}
		result = append(result, cloneTask(task))
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}
	return result, nil
}

func taskMatches(task *v1.Task, opts ListTasksOptions) bool {
	if opts.CodebaseID != "" {
		if task.CodebaseID == nil || *task.CodebaseID != opts.CodebaseID {
			return false
		}
	}
	if opts.Status != "" && task.Status != opts.Status {
		return false
	}
	if opts.SessionID != "" {
		if task.SessionID == nil || *task.SessionID != opts.SessionID {
			return false
		}
	}
	if opts.WorkerID != "" {
		if task.WorkerID == nil || *task.WorkerID != opts.WorkerID {
			return false
		}
	}
	return true
}

func (s *MemoryStore) ClaimTask(ctx context.Context, taskID, workerID string) (ClaimOutcome, *v1.Task, error) {
	scope := tenant.FromContext(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok || !scope.Visible(task.TenantID) {
		return ClaimOutcomeNotFound, nil, nil
	}
	if !task.Status.IsClaimable() {
		return ClaimOutcomeAlreadyClaimed, nil, nil
	}

	task.Status = v1.TaskStatusAssigned
	task.WorkerID = &workerID
	task.UpdatedAt = time.Now().UTC()
	return ClaimOutcomeClaimed, cloneTask(task), nil
}

func (s *MemoryStore) ReleaseTask(ctx context.Context, taskID, workerID string, status v1.TaskStatus, result, errMsg string, sessionID *string) (*v1.Task, error) {
	scope := tenant.FromContext(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok || !scope.Visible(task.TenantID) {
		return nil, apperrors.NotFound("task", taskID)
	}
	if task.WorkerID == nil || *task.WorkerID != workerID {
		return nil, apperrors.Conflict("task is not assigned to this worker")
	}

	// Idempotent repeat of the same terminal status.
	if task.Status.IsTerminal() {
		if task.Status == status {
			return cloneTask(task), nil
		}
		return nil, apperrors.Conflict("task already in terminal state " + string(task.Status))
	}
	if !task.Status.CanTransitionTo(status) {
		return nil, apperrors.Conflict("invalid transition " + string(task.Status) + " -> " + string(status))
	}

	now := time.Now().UTC()
	task.Status = status
	task.UpdatedAt = now
	if sessionID != nil {
		task.SessionID = sessionID
	}
	switch status {
	case v1.TaskStatusRunning:
		if task.StartedAt == nil {
			started := now
			task.StartedAt = &started
		}
	case v1.TaskStatusCompleted:
		task.Result = result
		completed := now
		task.CompletedAt = &completed
	case v1.TaskStatusFailed:
		task.Error = errMsg
		completed := now
		task.CompletedAt = &completed
	case v1.TaskStatusCancelled:
		if errMsg != "" {
			task.Error = errMsg
		}
		completed := now
		task.CompletedAt = &completed
	}
	return cloneTask(task), nil
}

func (s *MemoryStore) CancelTask(ctx context.Context, taskID, reason string, force bool) (*v1.Task, bool, error) {
	scope := tenant.FromContext(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok || !scope.Visible(task.TenantID) {
		return nil, false, apperrors.NotFound("task", taskID)
	}
	if task.Status.IsTerminal() {
		return cloneTask(task), false, nil
	}
	if !force && !task.Status.IsClaimable() {
		return cloneTask(task), false, nil
	}

	now := time.Now().UTC()
	task.Status = v1.TaskStatusCancelled
	task.Error = reason
	task.UpdatedAt = now
	task.CompletedAt = &now
	return cloneTask(task), true, nil
}

func (s *MemoryStore) RequeueTask(ctx context.Context, taskID string) (*v1.Task, error) {
	scope := tenant.FromContext(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok || !scope.Visible(task.TenantID) {
		return nil, apperrors.NotFound("task", taskID)
	}
	if task.Status.IsTerminal() {
		return cloneTask(task), nil
	}

	task.Status = v1.TaskStatusPending
	task.WorkerID = nil
	task.StartedAt = nil
	task.UpdatedAt = time.Now().UTC()
	return cloneTask(task), nil
}

// Session operations

func (s *MemoryStore) CreateSession(ctx context.Context, session *v1.Session) error {
	tenantID, err := resolveTenant(ctx, session.TenantID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	if _, ok := s.sessions[session.ID]; ok {
		return apperrors.Conflict("session id already in use")
	}
	session.TenantID = tenantID
	session.CreatedAt = time.Now().UTC()
	if session.Status == "" {
		session.Status = v1.SessionStatusActive
	}

	// One active session per (tenant, codebase); mirrors the partial unique
	// index on the SQL store.
	if session.Status == v1.SessionStatusActive {
		for _, existing := range s.sessions {
			if existing.TenantID == tenantID &&
				existing.CodebaseID == session.CodebaseID &&
				existing.Status == v1.SessionStatusActive {
				return apperrors.Conflict("codebase already has an active session")
			}
		}
	}

	s.sessions[session.ID] = cloneSession(session)
	return nil
}

func (s *MemoryStore) GetSession(ctx context.Context, id string) (*v1.Session, error) {
	scope := tenant.FromContext(ctx)

	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	if !ok || !scope.Visible(session.TenantID) {
		return nil, apperrors.NotFound("session", id)
	}
	return cloneSession(session), nil
}

func (s *MemoryStore) GetActiveSessionByCodebase(ctx context.Context, codebaseID string) (*v1.Session, error) {
	scope := tenant.FromContext(ctx)

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, session := range s.sessions {
		if scope.Visible(session.TenantID) &&
			session.CodebaseID == codebaseID &&
			session.Status == v1.SessionStatusActive {
			return cloneSession(session), nil
		}
	}
	return nil, apperrors.NotFound("session", "active:"+codebaseID)
}

func (s *MemoryStore) UpdateSession(ctx context.Context, session *v1.Session) error {
	scope := tenant.FromContext(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.sessions[session.ID]
	if !ok || !scope.Visible(existing.TenantID) {
		return apperrors.NotFound("session", session.ID)
	}
	session.TenantID = existing.TenantID
	session.CreatedAt = existing.CreatedAt

	s.sessions[session.ID] = cloneSession(session)
	return nil
}

func (s *MemoryStore) EndSession(ctx context.Context, id string, endedAt time.Time) (*v1.Session, error) {
	scope := tenant.FromContext(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok || !scope.Visible(session.TenantID) {
		return nil, apperrors.NotFound("session", id)
	}
	if session.Status == v1.SessionStatusEnded {
		return cloneSession(session), nil
	}

	session.Status = v1.SessionStatusEnded
	session.EndedAt = &endedAt
	return cloneSession(session), nil
}

func (s *MemoryStore) ListSessions(ctx context.Context, status v1.SessionStatus) ([]*v1.Session, error) {
	scope := tenant.FromContext(ctx)

	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*v1.Session, 0)
	for _, session := range s.sessions {
		if !scope.Visible(session.TenantID) {
			continue
		}
		if status != "" && session.Status != status {
			continue
		}
		result = append(result, cloneSession(session))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// Cronjob operations

func (s *MemoryStore) CreateCronjob(ctx context.Context, cronjob *v1.Cronjob) error {
	tenantID, err := resolveTenant(ctx, cronjob.TenantID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if cronjob.ID == "" {
		cronjob.ID = uuid.New().String()
	}
	if _, ok := s.cronjobs[cronjob.ID]; ok {
		return apperrors.Conflict("cronjob id already in use")
	}
	now := time.Now().UTC()
	cronjob.TenantID = tenantID
	cronjob.CreatedAt = now
	cronjob.UpdatedAt = now

	s.cronjobs[cronjob.ID] = cloneCronjob(cronjob)
	return nil
}

func (s *MemoryStore) GetCronjob(ctx context.Context, id string) (*v1.Cronjob, error) {
	scope := tenant.FromContext(ctx)

	s.mu.RLock()
	defer s.mu.RUnlock()

	cronjob, ok := s.cronjobs[id]
	if !ok || !scope.Visible(cronjob.TenantID) {
		return nil, apperrors.NotFound("cronjob", id)
	}
	return cloneCronjob(cronjob), nil
}

func (s *MemoryStore) UpdateCronjob(ctx context.Context, cronjob *v1.Cronjob) error {
	scope := tenant.FromContext(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.cronjobs[cronjob.ID]
	if !ok || !scope.Visible(existing.TenantID) {
		return apperrors.NotFound("cronjob", cronjob.ID)
	}
	cronjob.TenantID = existing.TenantID
	cronjob.CreatedAt = existing.CreatedAt
	cronjob.UpdatedAt = time.Now().UTC()

	s.cronjobs[cronjob.ID] = cloneCronjob(cronjob)
	return nil
}

func (s *MemoryStore) DeleteCronjob(ctx context.Context, id string) error {
	scope := tenant.FromContext(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	cronjob, ok := s.cronjobs[id]
	if !ok || !scope.Visible(cronjob.TenantID) {
		return apperrors.NotFound("cronjob", id)
	}
	delete(s.cronjobs, id)
	return nil
}

func (s *MemoryStore) ListCronjobs(ctx context.Context) ([]*v1.Cronjob, error) {
	return s.listCronjobs(ctx, false)
}

func (s *MemoryStore) ListEnabledCronjobs(ctx context.Context) ([]*v1.Cronjob, error) {
	return s.listCronjobs(ctx, true)
}

func (s *MemoryStore) listCronjobs(ctx context.Context, enabledOnly bool) ([]*v1.Cronjob, error) {
	scope := tenant.FromContext(ctx)

	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*v1.Cronjob, 0)
	for _, cronjob := range s.cronjobs {
		if !scope.Visible(cronjob.TenantID) {
			continue
		}
		if enabledOnly && !cronjob.Enabled {
			continue
		}
		result = append(result, cloneCronjob(cronjob))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// livenessKey scopes worker liveness rows to their tenant; worker ids are
// self-declared and may repeat across tenants.
type livenessKey struct {
	tenantID string
	workerID string
}

// SetWorkerLiveness records the last-seen time for a worker under the
// caller's tenant.
func (s *MemoryStore) SetWorkerLiveness(ctx context.Context, workerID string, now time.Time) error {
	tenantID, err := resolveTenant(ctx, "")
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.liveness[livenessKey{tenantID, workerID}] = now.UTC()
	return nil
}

// clone helpers keep callers from aliasing stored rows.

func cloneTask(task *v1.Task) *v1.Task {
	clone := *task
	if task.CodebaseID != nil {
		id := *task.CodebaseID
		clone.CodebaseID = &id
	}
	if task.WorkerID != nil {
		id := *task.WorkerID
		clone.WorkerID = &id
	}
	if task.SessionID != nil {
		id := *task.SessionID
		clone.SessionID = &id
	}
	if task.StartedAt != nil {
		t := *task.StartedAt
		clone.StartedAt = &t
	}
	if task.CompletedAt != nil {
		t := *task.CompletedAt
		clone.CompletedAt = &t
	}
	clone.RequiredCapabilities = append([]string(nil), task.RequiredCapabilities...)
	if task.Metadata != nil {
		clone.Metadata = make(map[string]interface{}, len(task.Metadata))
		for k, v := range task.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}

func cloneCodebase(codebase *v1.Codebase) *v1.Codebase {
	clone := *codebase
	if codebase.WorkerID != nil {
		id := *codebase.WorkerID
		clone.WorkerID = &id
	}
	return &clone
}

func cloneSession(session *v1.Session) *v1.Session {
	clone := *session
	if session.EndedAt != nil {
		t := *session.EndedAt
		clone.EndedAt = &t
	}
	return &clone
}

func cloneCronjob(cronjob *v1.Cronjob) *v1.Cronjob {
	clone := *cronjob
	if cronjob.Template.Metadata != nil {
		clone.Template.Metadata = make(map[string]interface{}, len(cronjob.Template.Metadata))
		for k, v := range cronjob.Template.Metadata {
			clone.Template.Metadata[k] = v
		}
	}
	return &clone
}
