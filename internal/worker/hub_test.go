package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskplane/taskplane/internal/common/config"
	"github.com/taskplane/taskplane/internal/common/logger"
	"github.com/taskplane/taskplane/internal/events"
	"github.com/taskplane/taskplane/internal/events/bus"
	"github.com/taskplane/taskplane/internal/events/publisher"
	"github.com/taskplane/taskplane/internal/routing"
	"github.com/taskplane/taskplane/internal/store"
	taskservice "github.com/taskplane/taskplane/internal/task/service"
	"github.com/taskplane/taskplane/internal/tenant"
	v1 "github.com/taskplane/taskplane/pkg/api/v1"
)

type hubFixture struct {
	hub      *Hub
	registry *Registry
	store    *store.MemoryStore
	bus      *bus.MemoryEventBus
	tasks    *taskservice.Service
}

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()
	st := store.NewMemoryStore()
	eventBus := bus.NewMemoryEventBus(logger.Default())
	t.Cleanup(eventBus.Close)

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
	tasks := taskservice.NewService(st, router, eventBus, publisher.NewNoopPublisher(), "taskplane/test", logger.Default())
	registry := NewRegistry(st, logger.Default())

	cfg := config.StreamConfig{
		HeartbeatInterval: 15,
		BufferSize:        4,
		LivenessTimeout:   60,
		ClaimGracePeriod:  0,
		ResweepInterval:   30,
	}
	return &hubFixture{
		hub:      NewHub(cfg, registry, tasks, eventBus, logger.Default()),
		registry: registry,
		store:    st,
		bus:      eventBus,
		tasks:    tasks,
	}
}

func attachWorker(f *hubFixture, worker *v1.Worker) *Channel {
	f.registry.Register(tenant.WithScope(context.Background(), tenant.For(worker.TenantID)), worker)
	return f.hub.Attach("chan-"+worker.ID, worker)
}

func eventNames(events []StreamEvent) []string {
	names := make([]string, 0, len(events))
	for _, event := range events {
		names = append(names, event.Name)
	}
	return names
}

func TestChannelBackpressurePrefersDroppingAvailable(t *testing.T) {
	channel := newChannel("ch-1", "w-1", "tenant-a", 3)

	channel.Enqueue(StreamEvent{Name: v1.StreamEventTaskAvailable, Data: map[string]interface{}{"task_id": "t-1"}})
	channel.Enqueue(StreamEvent{Name: v1.StreamEventInterrupt, Data: v1.InterruptEvent{TaskID: "t-0"}})
	channel.Enqueue(StreamEvent{Name: v1.StreamEventTaskAvailable, Data: map[string]interface{}{"task_id": "t-2"}})

	// Buffer is full; the oldest advertisement goes, the interrupt stays.
	channel.Enqueue(StreamEvent{Name: v1.StreamEventTaskAvailable, Data: map[string]interface{}{"task_id": "t-3"}})

	queued := channel.Drain()
	require.Len(t, queued, 3)
	assert.Equal(t, []string{
		v1.StreamEventInterrupt,
		v1.StreamEventTaskAvailable,
		v1.StreamEventTaskAvailable,
	}, eventNames(queued))
	assert.Equal(t, 1, channel.Dropped())
}

func TestChannelBackpressureFallsBackToHead(t *testing.T) {
	channel := newChannel("ch-1", "w-1", "tenant-a", 2)

	channel.Enqueue(StreamEvent{Name: v1.StreamEventTaskClaimed, Data: v1.TaskClaimedEvent{TaskID: "t-1"}})
	channel.Enqueue(StreamEvent{Name: v1.StreamEventInterrupt, Data: v1.InterruptEvent{TaskID: "t-2"}})
	channel.Enqueue(StreamEvent{Name: v1.StreamEventInterrupt, Data: v1.InterruptEvent{TaskID: "t-3"}})

	queued := channel.Drain()
	require.Len(t, queued, 2)
	assert.Equal(t, []string{v1.StreamEventInterrupt, v1.StreamEventInterrupt}, eventNames(queued))
	assert.Equal(t, 1, channel.Dropped())
}

func TestChannelNotifyCoalesces(t *testing.T) {
	channel := newChannel("ch-1", "w-1", "tenant-a", 8)
	channel.Enqueue(StreamEvent{Name: v1.StreamEventTaskAvailable})
	channel.Enqueue(StreamEvent{Name: v1.StreamEventTaskAvailable})

	select {
	case <-channel.Notify():
	default:
		t.Fatal("expected a pending notify signal")
	}
	select {
	case <-channel.Notify():
		t.Fatal("notify should coalesce to a single signal")
	default:
	}
	assert.Len(t, channel.Drain(), 2)
}

func TestMatchesRules(t *testing.T) {
	worker := &v1.Worker{
		ID:           "w-1",
		TenantID:     "tenant-a",
		Name:         "builder",
		Capabilities: []string{"python", "terraform", "personality:reviewer"},
		Codebases:    []string{"cb-1"},
	}

	cases := []struct {
		name string
		data map[string]interface{}
		want bool
	}{
		{"same tenant and codebase", map[string]interface{}{"tenant_id": "tenant-a", "codebase_id": "cb-1"}, true},
		{"other tenant", map[string]interface{}{"tenant_id": "tenant-b", "codebase_id": "cb-1"}, false},
		{"undeclared codebase", map[string]interface{}{"tenant_id": "tenant-a", "codebase_id": "cb-9"}, false},
		{"capabilities satisfied", map[string]interface{}{
			"tenant_id": "tenant-a", "codebase_id": "cb-1",
			"required_capabilities": []interface{}{"python"},
		}, true},
		{"capability missing", map[string]interface{}{
			"tenant_id": "tenant-a", "codebase_id": "cb-1",
			"required_capabilities": []string{"python", "rust"},
		}, false},
		{"target by name", map[string]interface{}{
			"tenant_id": "tenant-a", "codebase_id": "cb-1", "target_agent_name": "builder",
		}, true},
		{"target by capability", map[string]interface{}{
			"tenant_id": "tenant-a", "codebase_id": "cb-1", "target_agent_name": "terraform",
		}, true},
		{"target mismatch", map[string]interface{}{
			"tenant_id": "tenant-a", "codebase_id": "cb-1", "target_agent_name": "other",
		}, false},
		{"personality via capability", map[string]interface{}{
			"tenant_id": "tenant-a", "codebase_id": "cb-1", "worker_personality": "reviewer",
		}, true},
		{"personality mismatch", map[string]interface{}{
			"tenant_id": "tenant-a", "codebase_id": "cb-1", "worker_personality": "architect",
		}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, matches(worker, worker.TenantID, tc.data))
		})
	}
}

func TestGlobalCodebaseMatching(t *testing.T) {
	globalWorker := &v1.Worker{ID: "w-g", TenantID: "tenant-a", Name: "any", Codebases: []string{v1.GlobalCodebase}}
	bareWorker := &v1.Worker{ID: "w-b", TenantID: "tenant-a", Name: "any"}
	pinnedWorker := &v1.Worker{ID: "w-p", TenantID: "tenant-a", Name: "any", Codebases: []string{"cb-1"}}

	globalTask := map[string]interface{}{"tenant_id": "tenant-a", "codebase_id": v1.GlobalCodebase}
	assert.True(t, matches(globalWorker, "tenant-a", globalTask))
	assert.True(t, matches(bareWorker, "tenant-a", globalTask))
	assert.False(t, matches(pinnedWorker, "tenant-a", globalTask))
}

func TestBroadcastAvailableConfinesTenant(t *testing.T) {
	f := newHubFixture(t)

	chanA := attachWorker(f, &v1.Worker{ID: "w-a", TenantID: "tenant-a", Name: "a", Codebases: []string{"cb-1"}})
	chanB := attachWorker(f, &v1.Worker{ID: "w-b", TenantID: "tenant-b", Name: "b", Codebases: []string{"cb-1"}})

	f.hub.broadcastAvailable(map[string]interface{}{
		"task_id":     "t-1",
		"tenant_id":   "tenant-a",
		"codebase_id": "cb-1",
	})

	queued := chanA.Drain()
	require.Len(t, queued, 1)
	payload, ok := queued[0].Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "t-1", payload["task_id"])
	assert.NotContains(t, payload, "tenant_id")

	assert.Empty(t, chanB.Drain())
}

func TestBroadcastClaimedReachesAllStreams(t *testing.T) {
	f := newHubFixture(t)

	chanA := attachWorker(f, &v1.Worker{ID: "w-a", TenantID: "tenant-a", Name: "a"})
	chanB := attachWorker(f, &v1.Worker{ID: "w-b", TenantID: "tenant-a", Name: "b"})

	f.hub.broadcastClaimed(map[string]interface{}{"task_id": "t-1", "worker_id": "w-a"})

	for _, channel := range []*Channel{chanA, chanB} {
		queued := channel.Drain()
		require.Len(t, queued, 1)
		assert.Equal(t, v1.StreamEventTaskClaimed, queued[0].Name)
	}
}

func TestRouteInterruptTargetsOwner(t *testing.T) {
	f := newHubFixture(t)

	chanA := attachWorker(f, &v1.Worker{ID: "w-a", TenantID: "tenant-a", Name: "a"})
	chanB := attachWorker(f, &v1.Worker{ID: "w-b", TenantID: "tenant-a", Name: "b"})

	f.hub.routeInterrupt(bus.NewEvent(events.BuildTaskInterruptSubject("w-a"), "test", map[string]interface{}{
		"task_id":   "t-1",
		"reason":    "cancelled",
		"worker_id": "w-a",
		"tenant_id": "tenant-a",
	}))

	queued := chanA.Drain()
	require.Len(t, queued, 1)
	assert.Equal(t, v1.StreamEventInterrupt, queued[0].Name)
	interrupt, ok := queued[0].Data.(v1.InterruptEvent)
	require.True(t, ok)
	assert.Equal(t, "t-1", interrupt.TaskID)
	assert.Equal(t, "cancelled", interrupt.Reason)

	assert.Empty(t, chanB.Drain())
}

func TestRouteInterruptIgnoresMissingWorker(t *testing.T) {
	f := newHubFixture(t)
	chanA := attachWorker(f, &v1.Worker{ID: "w-a", TenantID: "tenant-a", Name: "a"})

	f.hub.routeInterrupt(bus.NewEvent(events.TaskInterrupt, "test", map[string]interface{}{
		"task_id": "t-1",
	}))
	assert.Empty(t, chanA.Drain())
}

func TestAttachReplacesStaleChannel(t *testing.T) {
	f := newHubFixture(t)
	worker := &v1.Worker{ID: "w-a", TenantID: "tenant-a", Name: "a"}

	stale := attachWorker(f, worker)
	fresh := f.hub.Attach("chan-2", worker)

	select {
	case <-stale.Done():
	default:
		t.Fatal("stale channel should be closed on reconnect")
	}

	// A detach from the old connection must not tear down the new channel.
	f.hub.Detach("tenant-a", "w-a", stale.ID)
	select {
	case <-fresh.Done():
		t.Fatal("fresh channel should survive the stale detach")
	default:
	}
	assert.Equal(t, 1, f.hub.ConnectedChannels())
}

func TestSameWorkerIDAcrossTenantsStaysIsolated(t *testing.T) {
	f := newHubFixture(t)

	workerA := &v1.Worker{ID: "w1", TenantID: "tenant-a", Name: "a", Codebases: []string{"cb-1"}}
	workerB := &v1.Worker{ID: "w1", TenantID: "tenant-b", Name: "b", Codebases: []string{"cb-1"}}

	f.registry.Register(tenant.WithScope(context.Background(), tenant.For("tenant-a")), workerA)
	chanA := f.hub.Attach("chan-a", workerA)
	f.registry.Register(tenant.WithScope(context.Background(), tenant.For("tenant-b")), workerB)
	chanB := f.hub.Attach("chan-b", workerB)

	// Tenant B declaring the same worker id must not displace tenant A.
	select {
	case <-chanA.Done():
		t.Fatal("tenant A's channel was closed by tenant B's connect")
	default:
	}
	assert.Equal(t, 2, f.hub.ConnectedChannels())

	gotA, ok := f.registry.Get("tenant-a", "w1")
	require.True(t, ok)
	gotB, ok := f.registry.Get("tenant-b", "w1")
	require.True(t, ok)
	assert.Equal(t, "tenant-a", gotA.TenantID)
	assert.Equal(t, "tenant-b", gotB.TenantID)

	f.hub.broadcastAvailable(map[string]interface{}{
		"task_id":     "t-1",
		"tenant_id":   "tenant-a",
		"codebase_id": "cb-1",
	})
	require.Len(t, chanA.Drain(), 1)
	assert.Empty(t, chanB.Drain())

	// Interrupts resolve against the owning tenant's stream only.
	f.hub.routeInterrupt(bus.NewEvent(events.BuildTaskInterruptSubject("w1"), "test", map[string]interface{}{
		"task_id":   "t-2",
		"reason":    "cancelled",
		"worker_id": "w1",
		"tenant_id": "tenant-b",
	}))
	assert.Empty(t, chanA.Drain())
	require.Len(t, chanB.Drain(), 1)

	f.hub.Detach("tenant-b", "w1", chanB.ID)
	select {
	case <-chanA.Done():
		t.Fatal("tenant A's channel should survive tenant B's detach")
	default:
	}
	assert.Equal(t, 1, f.hub.ConnectedChannels())
}

func TestReaperRequeuesAbandonedTasks(t *testing.T) {
	f := newHubFixture(t)
	ctx := tenant.WithScope(context.Background(), tenant.For("tenant-a"))
	require.NoError(t, f.store.UpsertCodebase(ctx, &v1.Codebase{ID: "cb-1", Name: "api"}))

	codebaseID := "cb-1"
	task, err := f.tasks.Create(ctx, &v1.CreateTaskRequest{
		CodebaseID: &codebaseID,
		Title:      "fix flake",
		Prompt:     "fix the flaky test",
	})
	require.NoError(t, err)

	outcome, _, err := f.tasks.Claim(ctx, task.ID, "w-dead")
	require.NoError(t, err)
	require.Equal(t, store.ClaimOutcomeClaimed, outcome)

	attachWorker(f, &v1.Worker{ID: "w-dead", TenantID: "tenant-a", Name: "dead", Codebases: []string{"cb-1"}})
	time.Sleep(5 * time.Millisecond)

	f.hub.reapExpired(context.Background(), 0)

	_, connected := f.registry.Get("tenant-a", "w-dead")
	assert.False(t, connected)
	assert.Equal(t, 0, f.hub.ConnectedChannels())

	fresh, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusPending, fresh.Status)
	assert.Nil(t, fresh.WorkerID)
}

func TestResweepReadvertisesClaimable(t *testing.T) {
	f := newHubFixture(t)
	ctx := tenant.WithScope(context.Background(), tenant.For("tenant-a"))
	require.NoError(t, f.store.UpsertCodebase(ctx, &v1.Codebase{ID: "cb-1", Name: "api"}))

	codebaseID := "cb-1"
	task, err := f.tasks.Create(ctx, &v1.CreateTaskRequest{
		CodebaseID: &codebaseID,
		Title:      "audit deps",
		Prompt:     "audit the dependency tree",
	})
	require.NoError(t, err)

	// Worker connects after the advertisement was published.
	channel := attachWorker(f, &v1.Worker{ID: "w-late", TenantID: "tenant-a", Name: "late", Codebases: []string{"cb-1"}})

	f.hub.resweep(context.Background())

	queued := channel.Drain()
	require.Len(t, queued, 1)
	assert.Equal(t, v1.StreamEventTaskAvailable, queued[0].Name)
	payload, ok := queued[0].Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, task.ID, payload["task_id"])
}

func TestRegistryExpiry(t *testing.T) {
	f := newHubFixture(t)
	ctx := tenant.WithScope(context.Background(), tenant.For("tenant-a"))
	f.registry.Register(ctx, &v1.Worker{ID: "w-1", TenantID: "tenant-a", Name: "a"})

	assert.Empty(t, f.registry.Expired(time.Minute))
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, []workerKey{{tenantID: "tenant-a", workerID: "w-1"}}, f.registry.Expired(0))

	require.True(t, f.registry.Touch(ctx, "w-1"))
	assert.Empty(t, f.registry.Expired(time.Minute))
}
