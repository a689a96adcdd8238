package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/taskplane/taskplane/internal/common/errors"
	"github.com/taskplane/taskplane/internal/tenant"
	v1 "github.com/taskplane/taskplane/pkg/api/v1"
)

func scopedCtx(tenantID string) context.Context {
	return tenant.WithScope(context.Background(), tenant.For(tenantID))
}

func newTestTask(title string) *v1.Task {
	codebaseID := "cb-1"
	return &v1.Task{
		CodebaseID: &codebaseID,
		Title:      title,
		Prompt:     "do the thing",
		AgentType:  "build",
	}
}

func TestMemoryStoreTenantIsolation(t *testing.T) {
	s := NewMemoryStore()
	ctxA := scopedCtx("tenant-a")
	ctxB := scopedCtx("tenant-b")

	task := newTestTask("a task")
	require.NoError(t, s.CreateTask(ctxA, task))

	// Another tenant cannot see, claim, or list it.
	_, err := s.GetTask(ctxB, task.ID)
	assert.True(t, apperrors.IsNotFound(err))

	outcome, _, err := s.ClaimTask(ctxB, task.ID, "worker-b")
	require.NoError(t, err)
	assert.Equal(t, ClaimOutcomeNotFound, outcome)

	tasks, err := s.ListTasks(ctxB, ListTasksOptions{})
	require.NoError(t, err)
	assert.Empty(t, tasks)

	// The owning tenant sees it; admin sees everything.
	got, err := s.GetTask(ctxA, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "tenant-a", got.TenantID)

	adminCtx := tenant.WithScope(context.Background(), tenant.Admin())
	tasks, err = s.ListTasks(adminCtx, ListTasksOptions{})
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestMemoryStoreUnscopedContextSeesNothing(t *testing.T) {
	s := NewMemoryStore()
	ctx := scopedCtx("tenant-a")

	task := newTestTask("a task")
	require.NoError(t, s.CreateTask(ctx, task))

	_, err := s.GetTask(context.Background(), task.ID)
	assert.True(t, apperrors.IsNotFound(err))

	err = s.CreateTask(context.Background(), newTestTask("unscoped"))
	assert.Error(t, err)
}

func TestMemoryStoreClaimRace(t *testing.T) {
	s := NewMemoryStore()
	ctx := scopedCtx("tenant-a")

	task := newTestTask("contended")
	require.NoError(t, s.CreateTask(ctx, task))

	const claimers = 16
	outcomes := make([]ClaimOutcome, claimers)
	errs := make([]error, claimers)
	var wg sync.WaitGroup
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], _, errs[i] = s.ClaimTask(ctx, task.ID, "worker-"+string(rune('a'+i)))
		}(i)
	}
	wg.Wait()

	won := 0
	for i, outcome := range outcomes {
		require.NoError(t, errs[i])
		switch outcome {
		case ClaimOutcomeClaimed:
			won++
		case ClaimOutcomeAlreadyClaimed:
		default:
			t.Fatalf("unexpected outcome %q", outcome)
		}
	}
	assert.Equal(t, 1, won)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusAssigned, got.Status)
	require.NotNil(t, got.WorkerID)
}

func TestMemoryStoreReleaseLifecycle(t *testing.T) {
	s := NewMemoryStore()
	ctx := scopedCtx("tenant-a")

	task := newTestTask("lifecycle")
	require.NoError(t, s.CreateTask(ctx, task))

	outcome, _, err := s.ClaimTask(ctx, task.ID, "worker-1")
	require.NoError(t, err)
	require.Equal(t, ClaimOutcomeClaimed, outcome)

	// running is idempotent and records started_at once.
	sessionID := "sess-1"
	running, err := s.ReleaseTask(ctx, task.ID, "worker-1", v1.TaskStatusRunning, "", "", &sessionID)
	require.NoError(t, err)
	require.NotNil(t, running.StartedAt)
	firstStart := *running.StartedAt

	running, err = s.ReleaseTask(ctx, task.ID, "worker-1", v1.TaskStatusRunning, "", "", nil)
	require.NoError(t, err)
	assert.Equal(t, firstStart, *running.StartedAt)
	require.NotNil(t, running.SessionID)
	assert.Equal(t, "sess-1", *running.SessionID)

	// Wrong worker cannot release.
	_, err = s.ReleaseTask(ctx, task.ID, "worker-2", v1.TaskStatusCompleted, "done", "", nil)
	assert.True(t, apperrors.IsConflict(err))

	done, err := s.ReleaseTask(ctx, task.ID, "worker-1", v1.TaskStatusCompleted, "done", "", nil)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusCompleted, done.Status)
	assert.Equal(t, "done", done.Result)
	require.NotNil(t, done.CompletedAt)

	// Repeating the same terminal status is acknowledged without change.
	again, err := s.ReleaseTask(ctx, task.ID, "worker-1", v1.TaskStatusCompleted, "other", "", nil)
	require.NoError(t, err)
	assert.Equal(t, "done", again.Result)

	// A different terminal status after completion is rejected.
	_, err = s.ReleaseTask(ctx, task.ID, "worker-1", v1.TaskStatusFailed, "", "boom", nil)
	assert.True(t, apperrors.IsConflict(err))
}

func TestMemoryStoreRequeueTask(t *testing.T) {
	s := NewMemoryStore()
	ctx := scopedCtx("tenant-a")

	task := newTestTask("abandoned")
	require.NoError(t, s.CreateTask(ctx, task))

	outcome, _, err := s.ClaimTask(ctx, task.ID, "worker-1")
	require.NoError(t, err)
	require.Equal(t, ClaimOutcomeClaimed, outcome)

	requeued, err := s.RequeueTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusPending, requeued.Status)
	assert.Nil(t, requeued.WorkerID)

	// Requeue leaves terminal tasks untouched.
	outcome, _, err = s.ClaimTask(ctx, task.ID, "worker-2")
	require.NoError(t, err)
	require.Equal(t, ClaimOutcomeClaimed, outcome)
	_, err = s.ReleaseTask(ctx, task.ID, "worker-2", v1.TaskStatusCompleted, "done", "", nil)
	require.NoError(t, err)

	still, err := s.RequeueTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusCompleted, still.Status)
}

func TestMemoryStoreListTasksFilters(t *testing.T) {
	s := NewMemoryStore()
	ctx := scopedCtx("tenant-a")

	cb1, cb2 := "cb-1", "cb-2"
	t1 := &v1.Task{CodebaseID: &cb1, Title: "one", Prompt: "p"}
	t2 := &v1.Task{CodebaseID: &cb2, Title: "two", Prompt: "p"}
	require.NoError(t, s.CreateTask(ctx, t1))
	require.NoError(t, s.CreateTask(ctx, t2))

	tasks, err := s.ListTasks(ctx, ListTasksOptions{CodebaseID: "cb-2"})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "two", tasks[0].Title)

	tasks, err = s.ListTasks(ctx, ListTasksOptions{Status: v1.TaskStatusPending})
	require.NoError(t, err)
	assert.Len(t, tasks, 2)

	tasks, err = s.ListTasks(ctx, ListTasksOptions{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestMemoryStoreSessions(t *testing.T) {
	s := NewMemoryStore()
	ctx := scopedCtx("tenant-a")

	session := &v1.Session{CodebaseID: "cb-1"}
	require.NoError(t, s.CreateSession(ctx, session))
	assert.Equal(t, v1.SessionStatusActive, session.Status)

	active, err := s.GetActiveSessionByCodebase(ctx, "cb-1")
	require.NoError(t, err)
	assert.Equal(t, session.ID, active.ID)

	ended, err := s.EndSession(ctx, session.ID, time.Now())
	require.NoError(t, err)
	assert.Equal(t, v1.SessionStatusEnded, ended.Status)
	require.NotNil(t, ended.EndedAt)

	// Ending twice keeps the first ended_at.
	again, err := s.EndSession(ctx, session.ID, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, ended.EndedAt.Unix(), again.EndedAt.Unix())

	_, err = s.GetActiveSessionByCodebase(ctx, "cb-1")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestMemoryStoreSingleActiveSessionPerCodebase(t *testing.T) {
	s := NewMemoryStore()
	ctx := scopedCtx("tenant-a")

	first := &v1.Session{CodebaseID: "cb-1"}
	require.NoError(t, s.CreateSession(ctx, first))

	err := s.CreateSession(ctx, &v1.Session{CodebaseID: "cb-1"})
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))

	// Same codebase id under another tenant is a different codebase.
	require.NoError(t, s.CreateSession(scopedCtx("tenant-b"), &v1.Session{CodebaseID: "cb-1"}))

	// Once the active session ends the slot frees up.
	_, err = s.EndSession(ctx, first.ID, time.Now())
	require.NoError(t, err)
	require.NoError(t, s.CreateSession(ctx, &v1.Session{CodebaseID: "cb-1"}))
}

func TestMemoryStoreCronjobs(t *testing.T) {
	s := NewMemoryStore()
	ctx := scopedCtx("tenant-a")

	enabled := &v1.Cronjob{
		Schedule: "*/5 * * * *",
		Enabled:  true,
		Template: v1.TaskTemplate{Title: "health", Prompt: "ping", AgentType: "noop"},
	}
	disabled := &v1.Cronjob{
		Schedule: "0 0 * * *",
		Enabled:  false,
		Template: v1.TaskTemplate{Title: "nightly", Prompt: "sweep"},
	}
	require.NoError(t, s.CreateCronjob(ctx, enabled))
	require.NoError(t, s.CreateCronjob(ctx, disabled))

	all, err := s.ListCronjobs(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	active, err := s.ListEnabledCronjobs(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, enabled.ID, active[0].ID)

	enabled.Enabled = false
	require.NoError(t, s.UpdateCronjob(ctx, enabled))
	active, err = s.ListEnabledCronjobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestMemoryStoreCodebaseUpsert(t *testing.T) {
	s := NewMemoryStore()
	ctx := scopedCtx("tenant-a")

	codebase := &v1.Codebase{ID: "cb-1", Name: "api", Path: "/srv/api"}
	require.NoError(t, s.UpsertCodebase(ctx, codebase))
	created := codebase.CreatedAt

	codebase.Name = "api-renamed"
	require.NoError(t, s.UpsertCodebase(ctx, codebase))

	got, err := s.GetCodebase(ctx, "cb-1")
	require.NoError(t, err)
	assert.Equal(t, "api-renamed", got.Name)
	assert.Equal(t, created.Unix(), got.CreatedAt.Unix())

	// Same id from another tenant is a conflict, not an overwrite.
	err = s.UpsertCodebase(scopedCtx("tenant-b"), &v1.Codebase{ID: "cb-1", Name: "thief"})
	assert.True(t, apperrors.IsConflict(err))
}

func TestMemoryStoreClonesRows(t *testing.T) {
	s := NewMemoryStore()
	ctx := scopedCtx("tenant-a")

	task := newTestTask("isolated")
	task.Metadata = map[string]interface{}{"key": "value"}
	require.NoError(t, s.CreateTask(ctx, task))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	got.Metadata["key"] = "mutated"
	got.Title = "mutated"

	fresh, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "isolated", fresh.Title)
	assert.Equal(t, "value", fresh.Metadata["key"])
}
