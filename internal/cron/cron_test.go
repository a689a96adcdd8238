package cron

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	batchv1 "k8s.io/api/batch/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8sfake "k8s.io/client-go/kubernetes/fake"

	"github.com/taskplane/taskplane/internal/common/config"
	"github.com/taskplane/taskplane/internal/common/logger"
	"github.com/taskplane/taskplane/internal/events/bus"
	"github.com/taskplane/taskplane/internal/events/publisher"
	"github.com/taskplane/taskplane/internal/routing"
	"github.com/taskplane/taskplane/internal/store"
	taskservice "github.com/taskplane/taskplane/internal/task/service"
	"github.com/taskplane/taskplane/internal/tenant"
	v1 "github.com/taskplane/taskplane/pkg/api/v1"
)

func testCronConfig() config.CronConfig {
	return config.CronConfig{
		Driver:          "knative",
		InternalToken:   "secret-token",
		Namespace:       "taskplane",
		CallbackBaseURL: "http://controlplane:8080",
		TriggerImage:    "curlimages/curl:8.5.0",
	}
}

func TestExternalNameDeterministic(t *testing.T) {
	first := ExternalName("job-123")
	second := ExternalName("job-123")
	assert.Equal(t, first, second)
	assert.NotEqual(t, first, ExternalName("job-124"))

	assert.True(t, strings.HasPrefix(first, "cron-"))
	assert.LessOrEqual(t, len(first), externalNameMaxLen)

	// Unsafe characters sanitize away but distinct ids stay distinct.
	sanitized := ExternalName("Job_With UPPER/chars")
	assert.Regexp(t, "^[a-z0-9-]+$", sanitized)
	assert.NotEqual(t, sanitized, ExternalName("job-with-upper-chars"))

	long := ExternalName(strings.Repeat("verylongid-", 20))
	assert.LessOrEqual(t, len(long), externalNameMaxLen)
}

func TestRenderCronJobBody(t *testing.T) {
	r := newKnativeReconciler(testCronConfig(), k8sfake.NewSimpleClientset(), store.NewMemoryStore(), logger.Default())

	job := &v1.Cronjob{
		ID:       "job-1",
		TenantID: "tenant-a",
		Schedule: "*/5 * * * *",
		Timezone: "Europe/Berlin",
		Enabled:  true,
		Template: v1.TaskTemplate{Title: "nightly", Prompt: "run checks"},
	}
	rendered := r.render(job, "taskplane")

	assert.Equal(t, ExternalName("job-1"), rendered.Name)
	assert.Equal(t, "*/5 * * * *", rendered.Spec.Schedule)
	require.NotNil(t, rendered.Spec.Suspend)
	assert.False(t, *rendered.Spec.Suspend)
	assert.Equal(t, batchv1.ForbidConcurrent, rendered.Spec.ConcurrencyPolicy)
	require.NotNil(t, rendered.Spec.TimeZone)
	assert.Equal(t, "Europe/Berlin", *rendered.Spec.TimeZone)
	assert.Equal(t, "job-1", rendered.Labels[labelCronjob])

	command := rendered.Spec.JobTemplate.Spec.Template.Spec.Containers[0].Command
	joined := strings.Join(command, " ")
	assert.Contains(t, joined, triggerTokenHeader+": secret-token")
	assert.Contains(t, joined, "http://controlplane:8080/api/v1/cron/internal/job-1/trigger")

	// Disabling inverts to suspend.
	job.Enabled = false
	rendered = r.render(job, "taskplane")
	require.NotNil(t, rendered.Spec.Suspend)
	assert.True(t, *rendered.Spec.Suspend)
}

func TestReconcileCreateOrPatch(t *testing.T) {
	clientset := k8sfake.NewSimpleClientset()
	st := store.NewMemoryStore()
	r := newKnativeReconciler(testCronConfig(), clientset, st, logger.Default())

	job := &v1.Cronjob{
		ID:       "job-1",
		TenantID: "tenant-a",
		Schedule: "0 * * * *",
		Enabled:  true,
		Template: v1.TaskTemplate{Title: "hourly", Prompt: "p"},
	}
	require.NoError(t, r.ReconcileCronjob(context.Background(), job))

	created, err := clientset.BatchV1().CronJobs("taskplane").
		Get(context.Background(), ExternalName("job-1"), metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "0 * * * *", created.Spec.Schedule)

	// Second pass with a changed schedule patches in place.
	job.Schedule = "30 * * * *"
	require.NoError(t, r.ReconcileCronjob(context.Background(), job))

	patched, err := clientset.BatchV1().CronJobs("taskplane").
		Get(context.Background(), ExternalName("job-1"), metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "30 * * * *", patched.Spec.Schedule)

	require.NoError(t, r.DeleteCronjob(context.Background(), "job-1", "tenant-a"))
	_, err = clientset.BatchV1().CronJobs("taskplane").
		Get(context.Background(), ExternalName("job-1"), metav1.GetOptions{})
	assert.Error(t, err)

	// Deleting again is still success.
	require.NoError(t, r.DeleteCronjob(context.Background(), "job-1", "tenant-a"))
}

func TestReconcileAllReport(t *testing.T) {
	clientset := k8sfake.NewSimpleClientset()
	st := store.NewMemoryStore()
	r := newKnativeReconciler(testCronConfig(), clientset, st, logger.Default())

	ctx := tenant.WithScope(context.Background(), tenant.For("tenant-a"))
	for _, id := range []string{"job-1", "job-2"} {
		require.NoError(t, st.CreateCronjob(ctx, &v1.Cronjob{
			ID:       id,
			Schedule: "0 * * * *",
			Enabled:  true,
			Template: v1.TaskTemplate{Title: id, Prompt: "p"},
		}))
	}

	report, err := r.ReconcileAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Checked)
	assert.Equal(t, 2, report.Reconciled)
	assert.Zero(t, report.Failed)
}

func TestValidateSchedule(t *testing.T) {
	assert.NoError(t, ValidateSchedule("*/5 * * * *"))
	assert.NoError(t, ValidateSchedule("0 3 * * 1"))
	assert.Error(t, ValidateSchedule("not a schedule"))
	assert.Error(t, ValidateSchedule("61 * * * *"))
}

type cronFixture struct {
	handlers *CronHandlers
	store    *store.MemoryStore
	tasks    *taskservice.Service
	engine   *gin.Engine
	ctx      context.Context
}

func newCronFixture(t *testing.T) *cronFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st := store.NewMemoryStore()
	eventBus := bus.NewMemoryEventBus(logger.Default())
	t.Cleanup(eventBus.Close)

	router := routing.NewRouter(routing.Config{QuickMaxScore: 1, DeepMinScore: 6})
	tasks := taskservice.NewService(st, router, eventBus, publisher.NewNoopPublisher(), "taskplane/test", logger.Default())
	firer := NewFirer(st, tasks, eventBus, "taskplane/test", logger.Default())
	handlers := NewCronHandlers(testCronConfig(), st, NewDisabledReconciler(), firer, logger.Default())

	engine := gin.New()
	internal := engine.Group("/api/v1")
	handlers.RegisterInternalRoutes(internal)

	return &cronFixture{
		handlers: handlers,
		store:    st,
		tasks:    tasks,
		engine:   engine,
		ctx:      tenant.WithScope(context.Background(), tenant.For("tenant-a")),
	}
}

func (f *cronFixture) seedJob(t *testing.T) *v1.Cronjob {
	t.Helper()
	job := &v1.Cronjob{
		ID:       "job-1",
		Schedule: "0 * * * *",
		Enabled:  true,
		Template: v1.TaskTemplate{Title: "hourly audit", Prompt: "audit the workspace"},
	}
	require.NoError(t, f.store.CreateCronjob(f.ctx, job))
	return job
}

func TestTriggerRejectsBadToken(t *testing.T) {
	f := newCronFixture(t)
	f.seedJob(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/cron/internal/job-1/trigger", nil)
	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/cron/internal/job-1/trigger", nil)
	req.Header.Set(triggerTokenHeader, "wrong")
	rec = httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestTriggerFiresTemplatedTask(t *testing.T) {
	f := newCronFixture(t)
	job := f.seedJob(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/cron/internal/job-1/trigger", nil)
	req.Header.Set(triggerTokenHeader, "secret-token")
	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	taskID, _ := body["task_id"].(string)
	require.NotEmpty(t, taskID)

	// The task landed in the cronjob's tenant with routed metadata.
	task, err := f.store.GetTask(f.ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, job.Template.Title, task.Title)
	assert.Equal(t, "tenant-a", task.TenantID)
	assert.Contains(t, task.Metadata, "routing")
}

func TestTriggerUnknownJob(t *testing.T) {
	f := newCronFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/cron/internal/nope/trigger", nil)
	req.Header.Set(triggerTokenHeader, "secret-token")
	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAppSchedulerReconcile(t *testing.T) {
	st := store.NewMemoryStore()
	eventBus := bus.NewMemoryEventBus(logger.Default())
	t.Cleanup(eventBus.Close)

	router := routing.NewRouter(routing.Config{QuickMaxScore: 1, DeepMinScore: 6})
	tasks := taskservice.NewService(st, router, eventBus, publisher.NewNoopPublisher(), "taskplane/test", logger.Default())
	firer := NewFirer(st, tasks, eventBus, "taskplane/test", logger.Default())
	scheduler := NewAppScheduler(firer, logger.Default())

	ctx := tenant.WithScope(context.Background(), tenant.For("tenant-a"))
	job := &v1.Cronjob{
		ID:       "job-1",
		Schedule: "0 * * * *",
		Enabled:  true,
		Template: v1.TaskTemplate{Title: "hourly", Prompt: "p"},
	}
	require.NoError(t, st.CreateCronjob(ctx, job))

	require.NoError(t, scheduler.ReconcileCronjob(context.Background(), job))
	assert.Equal(t, 1, scheduler.EntryCount())

	// Disabling removes the entry instead of suspending it.
	job.Enabled = false
	require.NoError(t, scheduler.ReconcileCronjob(context.Background(), job))
	assert.Equal(t, 0, scheduler.EntryCount())

	job.Enabled = true
	require.NoError(t, st.UpdateCronjob(ctx, job))
	report, err := scheduler.ReconcileAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Checked)
	assert.Equal(t, 1, scheduler.EntryCount())

	// Rows that disappear are pruned on the next full pass.
	require.NoError(t, st.DeleteCronjob(ctx, "job-1"))
	_, err = scheduler.ReconcileAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, scheduler.EntryCount())

	require.Error(t, scheduler.ReconcileCronjob(context.Background(), &v1.Cronjob{
		ID: "bad", Schedule: "not-a-schedule", Enabled: true,
	}))
}
