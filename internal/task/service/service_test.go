package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/taskplane/taskplane/internal/common/errors"
	"github.com/taskplane/taskplane/internal/common/logger"
	"github.com/taskplane/taskplane/internal/events"
	"github.com/taskplane/taskplane/internal/events/bus"
	"github.com/taskplane/taskplane/internal/events/publisher"
	"github.com/taskplane/taskplane/internal/routing"
	"github.com/taskplane/taskplane/internal/store"
	"github.com/taskplane/taskplane/internal/tenant"
	v1 "github.com/taskplane/taskplane/pkg/api/v1"
)

// recordingPublisher captures outbound envelopes and can be told to fail.
type recordingPublisher struct {
	mu        sync.Mutex
	envelopes []*publisher.Envelope
	fail      bool
}

func (p *recordingPublisher) Publish(ctx context.Context, envelope *publisher.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("sink unreachable")
	}
	p.envelopes = append(p.envelopes, envelope)
	return nil
}

func (p *recordingPublisher) Enabled() bool { return true }

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.envelopes)
}

type fixture struct {
	svc   *Service
	store *store.MemoryStore
	bus   *bus.MemoryEventBus
	pub   *recordingPublisher
	ctx   context.Context
}

func newFixture(t *testing.T, pub publisher.Publisher) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	eventBus := bus.NewMemoryEventBus(logger.Default())
	t.Cleanup(eventBus.Close)

	recording, _ := pub.(*recordingPublisher)
	router := routing.NewRouter(routing.Config{
		AutoModel: true,
		TierModels: map[string]string{
			routing.TierFast:     "anthropic:claude-haiku-3-5",
			routing.TierBalanced: "anthropic:claude-sonnet-4",
			routing.TierHeavy:    "anthropic:claude-opus-4",
		},
		QuickMaxScore: 1,
		DeepMinScore:  6,
	})

	ctx := tenant.WithScope(context.Background(), tenant.For("tenant-a"))
	f := &fixture{
		svc:   NewService(st, router, eventBus, pub, "taskplane/test", logger.Default()),
		store: st,
		bus:   eventBus,
		pub:   recording,
		ctx:   ctx,
	}
	require.NoError(t, st.UpsertCodebase(ctx, &v1.Codebase{ID: "cb-1", Name: "api"}))
	require.NoError(t, st.CreateSession(ctx, &v1.Session{ID: "sess-1", CodebaseID: "cb-1"}))
	return f
}

// collectEvents subscribes to a subject and returns a drain function.
func collectEvents(t *testing.T, eventBus *bus.MemoryEventBus, subject string) func() []*bus.Event {
	t.Helper()
	var mu sync.Mutex
	var got []*bus.Event
	sub, err := eventBus.Subscribe(subject, func(ctx context.Context, event *bus.Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, event)
		return nil
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	return func() []*bus.Event {
		mu.Lock()
		defer mu.Unlock()
		return append([]*bus.Event(nil), got...)
	}
}

func TestCreateRoutesAndAdvertises(t *testing.T) {
	f := newFixture(t, publisher.NewNoopPublisher())
	drain := collectEvents(t, f.bus, events.TaskAvailable)

	codebaseID := "cb-1"
	task, err := f.svc.Create(f.ctx, &v1.CreateTaskRequest{
		CodebaseID: &codebaseID,
		Title:      "rename foo",
		Prompt:     "rename foo to bar",
		AgentType:  "build",
		Files:      []string{"a.py"},
	})
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusPending, task.Status)
	assert.Equal(t, "anthropic:claude-haiku-3-5", task.ResolvedModel)

	routingMeta, ok := task.Metadata["routing"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "quick", routingMeta["complexity"])
	assert.Equal(t, "fast", routingMeta["model_tier"])
	assert.Equal(t, DeliveryStream, routingMeta["delivery"])

	// Memory bus delivery is asynchronous.
	assert.Eventually(t, func() bool {
		for _, event := range drain() {
			if event.Data["task_id"] == task.ID {
				_, hasPrompt := event.Data["prompt"]
				return !hasPrompt
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestCreateUnknownCodebase(t *testing.T) {
	f := newFixture(t, publisher.NewNoopPublisher())

	missing := "cb-missing"
	_, err := f.svc.Create(f.ctx, &v1.CreateTaskRequest{
		CodebaseID: &missing,
		Title:      "t",
		Prompt:     "p",
	})
	assert.True(t, apperrors.IsNotFound(err))
}

func TestCreateNilCodebaseUsesGlobalSentinel(t *testing.T) {
	f := newFixture(t, publisher.NewNoopPublisher())

	task, err := f.svc.Create(f.ctx, &v1.CreateTaskRequest{Title: "t", Prompt: "p"})
	require.NoError(t, err)
	require.NotNil(t, task.CodebaseID)
	assert.Equal(t, v1.GlobalCodebase, *task.CodebaseID)
}

func TestCreateUnderEndedSessionConflicts(t *testing.T) {
	f := newFixture(t, publisher.NewNoopPublisher())

	_, err := f.store.EndSession(f.ctx, "sess-1", time.Now().UTC())
	require.NoError(t, err)

	sessionID := "sess-1"
	_, err = f.svc.Create(f.ctx, &v1.CreateTaskRequest{
		Title:     "late",
		Prompt:    "p",
		SessionID: &sessionID,
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))
}

func TestCreateEventRouteDeliversEnvelope(t *testing.T) {
	pub := &recordingPublisher{}
	f := newFixture(t, pub)

	sessionID := "sess-1"
	codebaseID := "cb-1"
	task, err := f.svc.Create(f.ctx, &v1.CreateTaskRequest{
		CodebaseID: &codebaseID,
		Title:      "session work",
		Prompt:     "continue",
		SessionID:  &sessionID,
	})
	require.NoError(t, err)

	routingMeta := task.Metadata["routing"].(map[string]interface{})
	assert.Equal(t, DeliveryEvents, routingMeta["delivery"])

	require.Equal(t, 1, pub.count())
	envelope := pub.envelopes[0]
	assert.Equal(t, events.TaskCreated, envelope.Type)
	assert.Equal(t, "sess-1", envelope.SessionID)
	assert.Equal(t, task.ID, envelope.Data["task_id"])
	assert.Equal(t, "continue", envelope.Data["prompt"])
}

func TestCreateEventRouteSinkFailureMarksTaskFailed(t *testing.T) {
	pub := &recordingPublisher{fail: true}
	f := newFixture(t, pub)

	sessionID := "sess-1"
	task, err := f.svc.Create(f.ctx, &v1.CreateTaskRequest{
		Title:     "doomed",
		Prompt:    "p",
		SessionID: &sessionID,
	})
	require.Error(t, err)
	require.NotNil(t, task)

	stored, err := f.store.GetTask(f.ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusFailed, stored.Status)
	assert.Contains(t, stored.Error, "event delivery failed")
}

func TestClaimPublishesRetirement(t *testing.T) {
	f := newFixture(t, publisher.NewNoopPublisher())
	drain := collectEvents(t, f.bus, events.TaskClaimed)

	task, err := f.svc.Create(f.ctx, &v1.CreateTaskRequest{Title: "t", Prompt: "p"})
	require.NoError(t, err)

	outcome, claimed, err := f.svc.Claim(f.ctx, task.ID, "worker-1")
	require.NoError(t, err)
	require.Equal(t, store.ClaimOutcomeClaimed, outcome)
	assert.Equal(t, "p", claimed.Prompt)

	outcome, _, err = f.svc.Claim(f.ctx, task.ID, "worker-2")
	require.NoError(t, err)
	assert.Equal(t, store.ClaimOutcomeAlreadyClaimed, outcome)

	assert.Eventually(t, func() bool {
		for _, event := range drain() {
			if event.Data["task_id"] == task.ID && event.Data["worker_id"] == "worker-1" {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestCancelPreClaimVersusInterrupt(t *testing.T) {
	f := newFixture(t, publisher.NewNoopPublisher())
	drainInterrupts := collectEvents(t, f.bus, events.BuildTaskInterruptWildcardSubject())

	// Pre-claim cancel is final.
	task, err := f.svc.Create(f.ctx, &v1.CreateTaskRequest{Title: "t1", Prompt: "p"})
	require.NoError(t, err)
	resp, err := f.svc.Cancel(f.ctx, task.ID, "changed my mind")
	require.NoError(t, err)
	assert.False(t, resp.Interrupted)
	assert.Equal(t, v1.TaskStatusCancelled, resp.Task.Status)

	// Post-claim cancel becomes an advisory interrupt.
	task2, err := f.svc.Create(f.ctx, &v1.CreateTaskRequest{Title: "t2", Prompt: "p"})
	require.NoError(t, err)
	_, _, err = f.svc.Claim(f.ctx, task2.ID, "worker-1")
	require.NoError(t, err)

	resp, err = f.svc.Cancel(f.ctx, task2.ID, "stop please")
	require.NoError(t, err)
	assert.True(t, resp.Interrupted)

	stored, err := f.svc.Get(f.ctx, task2.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusAssigned, stored.Status)

	assert.Eventually(t, func() bool {
		for _, event := range drainInterrupts() {
			if event.Data["task_id"] == task2.ID {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)

	// Terminal cancel conflicts.
	_, err = f.svc.Cancel(f.ctx, task.ID, "again")
	assert.True(t, apperrors.IsConflict(err))
}

func TestCancelSessionTasks(t *testing.T) {
	f := newFixture(t, publisher.NewNoopPublisher())

	sessionID := "sess-1"
	var ids []string
	for _, title := range []string{"one", "two"} {
		task, err := f.svc.Create(f.ctx, &v1.CreateTaskRequest{Title: title, Prompt: "p", SessionID: &sessionID})
		require.NoError(t, err)
		ids = append(ids, task.ID)
	}
	running, err := f.svc.Create(f.ctx, &v1.CreateTaskRequest{Title: "three", Prompt: "p", SessionID: &sessionID})
	require.NoError(t, err)
	_, _, err = f.svc.Claim(f.ctx, running.ID, "worker-1")
	require.NoError(t, err)
	_, err = f.svc.Release(f.ctx, &v1.ReleaseTaskRequest{TaskID: running.ID, WorkerID: "worker-1", Status: v1.TaskStatusRunning})
	require.NoError(t, err)
	ids = append(ids, running.ID)

	cancelled, err := f.svc.CancelSessionTasks(f.ctx, sessionID, "Session ended")
	require.NoError(t, err)
	assert.Equal(t, 3, cancelled)

	for _, id := range ids {
		task, err := f.svc.Get(f.ctx, id)
		require.NoError(t, err)
		assert.Equal(t, v1.TaskStatusCancelled, task.Status)
		assert.Equal(t, "Session ended", task.Error)
	}

	// A release from the old worker after session end is a conflict.
	_, err = f.svc.Release(f.ctx, &v1.ReleaseTaskRequest{
		TaskID: running.ID, WorkerID: "worker-1", Status: v1.TaskStatusCompleted, Result: "done",
	})
	assert.True(t, apperrors.IsConflict(err))

	// Second pass transitions nothing.
	cancelled, err = f.svc.CancelSessionTasks(f.ctx, sessionID, "Session ended")
	require.NoError(t, err)
	assert.Zero(t, cancelled)
}

func TestRequeueWorkerTasks(t *testing.T) {
	f := newFixture(t, publisher.NewNoopPublisher())
	drain := collectEvents(t, f.bus, events.TaskAvailable)

	task, err := f.svc.Create(f.ctx, &v1.CreateTaskRequest{Title: "t", Prompt: "p"})
	require.NoError(t, err)
	_, _, err = f.svc.Claim(f.ctx, task.ID, "worker-1")
	require.NoError(t, err)

	adminCtx := tenant.WithScope(context.Background(), tenant.Admin())
	requeued, err := f.svc.RequeueWorkerTasks(adminCtx, "worker-1", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)

	fresh, err := f.svc.Get(f.ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusPending, fresh.Status)
	assert.Nil(t, fresh.WorkerID)

	// The task is re-advertised so another worker can pick it up.
	assert.Eventually(t, func() bool {
		count := 0
		for _, event := range drain() {
			if event.Data["task_id"] == task.ID {
				count++
			}
		}
		return count >= 2
	}, time.Second, 10*time.Millisecond)

	outcome, _, err := f.svc.Claim(f.ctx, task.ID, "worker-2")
	require.NoError(t, err)
	assert.Equal(t, store.ClaimOutcomeClaimed, outcome)
}

func TestReleaseRecordsModelUsed(t *testing.T) {
	f := newFixture(t, publisher.NewNoopPublisher())

	task, err := f.svc.Create(f.ctx, &v1.CreateTaskRequest{Title: "t", Prompt: "p"})
	require.NoError(t, err)
	_, _, err = f.svc.Claim(f.ctx, task.ID, "worker-1")
	require.NoError(t, err)

	released, err := f.svc.Release(f.ctx, &v1.ReleaseTaskRequest{
		TaskID:    task.ID,
		WorkerID:  "worker-1",
		Status:    v1.TaskStatusCompleted,
		Result:    "done",
		ModelUsed: "anthropic/claude-opus-4",
	})
	require.NoError(t, err)
	assert.Equal(t, "anthropic:claude-opus-4", released.ResolvedModel)
	assert.Equal(t, "done", released.Result)
}
