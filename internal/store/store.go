// Package store is the persistence layer for tasks, codebases, sessions,
// cronjobs, and worker liveness.
//
// Every operation is scoped by the tenant.Scope carried in the context:
// tenant scopes see only their own rows, the admin scope spans tenants.
// Mutations are durable before the call returns.
package store

import (
	"context"
	"time"

	v1 "github.com/taskplane/taskplane/pkg/api/v1"
)

// ClaimOutcome is the result of a claim attempt. Exactly one concurrent
// caller observes ClaimOutcomeClaimed for a given task.
type ClaimOutcome string

const (
	ClaimOutcomeClaimed        ClaimOutcome = "claimed"
	ClaimOutcomeAlreadyClaimed ClaimOutcome = "already_claimed"
	ClaimOutcomeNotFound       ClaimOutcome = "not_found"
)

// ListTasksOptions filters a task listing. Zero values mean no filter.
type ListTasksOptions struct {
	CodebaseID string
	Status     v1.TaskStatus
	SessionID  string
	WorkerID   string
	Limit      int
}

// Store provides tenant-scoped persistence for all control-plane entities.
type Store interface {
	// Codebase operations
	UpsertCodebase(ctx context.Context, codebase *v1.Codebase) error
	GetCodebase(ctx context.Context, id string) (*v1.Codebase, error)
	ListCodebases(ctx context.Context) ([]*v1.Codebase, error)
	DeleteCodebase(ctx context.Context, id string) error

	// Task operations
	CreateTask(ctx context.Context, task *v1.Task) error
	UpdateTask(ctx context.Context, task *v1.Task) error
	GetTask(ctx context.Context, id string) (*v1.Task, error)
	ListTasks(ctx context.Context, opts ListTasksOptions) ([]*v1.Task, error)

	// ClaimTask atomically assigns a claimable task to a worker. It is a
	// single conditional write: the task moves to assigned iff it is still
	// pending or queued, so concurrent claimers race safely.
	ClaimTask(ctx context.Context, taskID, workerID string) (ClaimOutcome, *v1.Task, error)

	// ReleaseTask records a status report from the owning worker. The write
	// is conditional on workerID matching the task's assignment; a mismatch
	// returns a conflict. Repeating the current terminal status is a no-op
	// acknowledged without change.
	ReleaseTask(ctx context.Context, taskID, workerID string, status v1.TaskStatus, result, errMsg string, sessionID *string) (*v1.Task, error)

	// RequeueTask resets an abandoned claim: status back to pending, worker
	// cleared. Terminal tasks are left untouched.
	RequeueTask(ctx context.Context, taskID string) (*v1.Task, error)

	// CancelTask moves a task to cancelled. Without force only claimable
	// tasks are cancelled; the bool result reports whether this call changed
	// the row. With force any non-terminal task is cancelled, regardless of
	// an active claim.
	CancelTask(ctx context.Context, taskID, reason string, force bool) (*v1.Task, bool, error)

	// Session operations
	CreateSession(ctx context.Context, session *v1.Session) error
	GetSession(ctx context.Context, id string) (*v1.Session, error)
	GetActiveSessionByCodebase(ctx context.Context, codebaseID string) (*v1.Session, error)
	UpdateSession(ctx context.Context, session *v1.Session) error
	EndSession(ctx context.Context, id string, endedAt time.Time) (*v1.Session, error)
	ListSessions(ctx context.Context, status v1.SessionStatus) ([]*v1.Session, error)

	// Cronjob operations
	CreateCronjob(ctx context.Context, cronjob *v1.Cronjob) error
	GetCronjob(ctx context.Context, id string) (*v1.Cronjob, error)
	UpdateCronjob(ctx context.Context, cronjob *v1.Cronjob) error
	DeleteCronjob(ctx context.Context, id string) error
	ListCronjobs(ctx context.Context) ([]*v1.Cronjob, error)
	ListEnabledCronjobs(ctx context.Context) ([]*v1.Cronjob, error)

	// SetWorkerLiveness records the last time a worker was seen.
	SetWorkerLiveness(ctx context.Context, workerID string, now time.Time) error

	Close() error
}
