package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/taskplane/taskplane/internal/common/errors"
	"github.com/taskplane/taskplane/internal/common/logger"
	"github.com/taskplane/taskplane/internal/db"
	"github.com/taskplane/taskplane/internal/db/dialect"
	v1 "github.com/taskplane/taskplane/pkg/api/v1"
)

func newSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")

	writer, err := db.OpenSQLite(path)
	require.NoError(t, err)
	reader, err := db.OpenSQLiteReader(path)
	require.NoError(t, err)

	pool := db.NewPool(
		sqlx.NewDb(writer, dialect.SQLite3),
		sqlx.NewDb(reader, dialect.SQLite3),
	)
	s, err := NewSQLStore(pool, logger.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLStoreTaskRoundTrip(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := scopedCtx("tenant-a")

	codebaseID := "cb-1"
	sessionID := "sess-1"
	task := &v1.Task{
		CodebaseID:           &codebaseID,
		Title:                "round trip",
		Prompt:               "do the thing",
		AgentType:            "build",
		Priority:             3,
		ResolvedModel:        "anthropic:claude-sonnet-4",
		TargetAgentName:      "builder",
		WorkerPersonality:    "default",
		RequiredCapabilities: []string{"git", "python"},
		SessionID:            &sessionID,
		Metadata: map[string]interface{}{
			"routing": map[string]interface{}{"complexity": "standard"},
			"custom":  "kept",
		},
	}
	require.NoError(t, s.CreateTask(ctx, task))
	require.NotEmpty(t, task.ID)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "round trip", got.Title)
	assert.Equal(t, v1.TaskStatusPending, got.Status)
	assert.Equal(t, []string{"git", "python"}, got.RequiredCapabilities)
	assert.Equal(t, "kept", got.Metadata["custom"])
	require.NotNil(t, got.CodebaseID)
	assert.Equal(t, "cb-1", *got.CodebaseID)

	routing, ok := got.Metadata["routing"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "standard", routing["complexity"])
}

func TestSQLStoreClaimConditionalWrite(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := scopedCtx("tenant-a")

	task := newTestTask("contended")
	require.NoError(t, s.CreateTask(ctx, task))

	outcome, claimed, err := s.ClaimTask(ctx, task.ID, "worker-1")
	require.NoError(t, err)
	require.Equal(t, ClaimOutcomeClaimed, outcome)
	assert.Equal(t, v1.TaskStatusAssigned, claimed.Status)

	outcome, _, err = s.ClaimTask(ctx, task.ID, "worker-2")
	require.NoError(t, err)
	assert.Equal(t, ClaimOutcomeAlreadyClaimed, outcome)

	outcome, _, err = s.ClaimTask(ctx, "missing", "worker-1")
	require.NoError(t, err)
	assert.Equal(t, ClaimOutcomeNotFound, outcome)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, got.WorkerID)
	assert.Equal(t, "worker-1", *got.WorkerID)
}

func TestSQLStoreTenantIsolation(t *testing.T) {
	s := newSQLiteStore(t)

	task := newTestTask("private")
	require.NoError(t, s.CreateTask(scopedCtx("tenant-a"), task))

	_, err := s.GetTask(scopedCtx("tenant-b"), task.ID)
	assert.True(t, apperrors.IsNotFound(err))

	outcome, _, err := s.ClaimTask(scopedCtx("tenant-b"), task.ID, "worker-b")
	require.NoError(t, err)
	assert.Equal(t, ClaimOutcomeNotFound, outcome)

	tasks, err := s.ListTasks(scopedCtx("tenant-b"), ListTasksOptions{})
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestSQLStoreReleaseAndRequeue(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := scopedCtx("tenant-a")

	task := newTestTask("lifecycle")
	require.NoError(t, s.CreateTask(ctx, task))

	outcome, _, err := s.ClaimTask(ctx, task.ID, "worker-1")
	require.NoError(t, err)
	require.Equal(t, ClaimOutcomeClaimed, outcome)

	_, err = s.ReleaseTask(ctx, task.ID, "worker-2", v1.TaskStatusCompleted, "done", "", nil)
	assert.True(t, apperrors.IsConflict(err))

	running, err := s.ReleaseTask(ctx, task.ID, "worker-1", v1.TaskStatusRunning, "", "", nil)
	require.NoError(t, err)
	require.NotNil(t, running.StartedAt)

	requeued, err := s.RequeueTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusPending, requeued.Status)
	assert.Nil(t, requeued.WorkerID)

	outcome, _, err = s.ClaimTask(ctx, task.ID, "worker-2")
	require.NoError(t, err)
	require.Equal(t, ClaimOutcomeClaimed, outcome)

	done, err := s.ReleaseTask(ctx, task.ID, "worker-2", v1.TaskStatusCompleted, "done", "", nil)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusCompleted, done.Status)
	assert.Equal(t, "done", done.Result)
}

func TestSQLStoreCronjobRoundTrip(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := scopedCtx("tenant-a")

	cronjob := &v1.Cronjob{
		Schedule: "*/5 * * * *",
		Timezone: "UTC",
		Enabled:  true,
		Template: v1.TaskTemplate{
			Title:     "health",
			Prompt:    "ping",
			AgentType: "noop",
			Metadata:  map[string]interface{}{"notify_email": "ops@example.com"},
		},
	}
	require.NoError(t, s.CreateCronjob(ctx, cronjob))

	got, err := s.GetCronjob(ctx, cronjob.ID)
	require.NoError(t, err)
	assert.Equal(t, "*/5 * * * *", got.Schedule)
	assert.Equal(t, "health", got.Template.Title)
	assert.Equal(t, "ops@example.com", got.Template.Metadata["notify_email"])

	enabled, err := s.ListEnabledCronjobs(ctx)
	require.NoError(t, err)
	require.Len(t, enabled, 1)

	got.Enabled = false
	require.NoError(t, s.UpdateCronjob(ctx, got))
	enabled, err = s.ListEnabledCronjobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, enabled)
}

func TestSQLStoreSingleActiveSessionPerCodebase(t *testing.T) {
	s := newSQLiteStore(t)
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
