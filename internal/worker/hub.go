package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskplane/taskplane/internal/common/config"
	"github.com/taskplane/taskplane/internal/common/logger"
	"github.com/taskplane/taskplane/internal/events"
	"github.com/taskplane/taskplane/internal/events/bus"
	taskservice "github.com/taskplane/taskplane/internal/task/service"
	"github.com/taskplane/taskplane/internal/tenant"
	v1 "github.com/taskplane/taskplane/pkg/api/v1"
)

// StreamEvent is one text-framed event written on a worker stream.
type StreamEvent struct {
	Name string
	Data interface{}
}

// Channel is the server side of one worker's push stream: a bounded outbox
// drained by the stream handler's writer loop. Channels never share state.
type Channel struct {
	ID       string
	WorkerID string
	TenantID string

	mu      sync.Mutex
	queue   []StreamEvent
	max     int
	dropped int
	closed  bool

	notify chan struct{}
	done   chan struct{}
}

func newChannel(id, workerID, tenantID string, bufferSize int) *Channel {
	return &Channel{
		ID:       id,
		WorkerID: workerID,
		TenantID: tenantID,
		max:      bufferSize,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Enqueue adds an event without blocking. On a full buffer the oldest
// task_available is dropped and counted; interrupts and claim retirements
// are preserved by preference.
func (c *Channel) Enqueue(event StreamEvent) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if len(c.queue) >= c.max {
		dropped := false
		for i, queued := range c.queue {
			if queued.Name == v1.StreamEventTaskAvailable {
				c.queue = append(c.queue[:i], c.queue[i+1:]...)
				c.dropped++
				dropped = true
				break
			}
		}
		if !dropped {
			c.queue = c.queue[1:]
			c.dropped++
		}
	}
	c.queue = append(c.queue, event)
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Drain removes and returns all queued events.
func (c *Channel) Drain() []StreamEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	queued := c.queue
	c.queue = nil
	return queued
}

// Dropped returns the backpressure drop counter.
func (c *Channel) Dropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Notify is signaled when the outbox transitions from empty to non-empty.
func (c *Channel) Notify() <-chan struct{} { return c.notify }

// Done is closed when the hub detaches the channel.
func (c *Channel) Done() <-chan struct{} { return c.done }

func (c *Channel) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	close(c.done)
}

// Hub owns all worker channels and bridges the internal bus to the streams:
// task_available fan-out with matching rules, claim retirements, targeted
// interrupts, the periodic re-advertisement sweep, and the liveness reaper.
type Hub struct {
	cfg      config.StreamConfig
	registry *Registry
	tasks    *taskservice.Service
	eventBus bus.EventBus
	logger   *logger.Logger

	mu       sync.RWMutex
	channels map[workerKey]*Channel

	subs   []bus.Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHub creates the push fabric hub.
func NewHub(cfg config.StreamConfig, registry *Registry, tasks *taskservice.Service, eventBus bus.EventBus, log *logger.Logger) *Hub {
	return &Hub{
		cfg:      cfg,
		registry: registry,
		tasks:    tasks,
		eventBus: eventBus,
		channels: make(map[workerKey]*Channel),
		logger:   log.WithFields(zap.String("component", "push-fabric")),
	}
}

// Start wires the bus subscriptions and background loops.
func (h *Hub) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel

	sub, err := h.eventBus.Subscribe(events.TaskAvailable, func(ctx context.Context, event *bus.Event) error {
		h.broadcastAvailable(event.Data)
		return nil
	})
	if err != nil {
		return err
	}
	h.subs = append(h.subs, sub)

	sub, err = h.eventBus.Subscribe(events.TaskClaimed, func(ctx context.Context, event *bus.Event) error {
		h.broadcastClaimed(event.Data)
		return nil
	})
	if err != nil {
		return err
	}
	h.subs = append(h.subs, sub)

	sub, err = h.eventBus.Subscribe(events.BuildTaskInterruptWildcardSubject(), func(ctx context.Context, event *bus.Event) error {
		h.routeInterrupt(event)
		return nil
	})
	if err != nil {
		return err
	}
	h.subs = append(h.subs, sub)

	h.wg.Add(2)
	go h.resweepLoop(runCtx)
	go h.reaperLoop(runCtx)
	return nil
}

// Stop detaches all channels and stops background loops.
func (h *Hub) Stop() {
	for _, sub := range h.subs {
		_ = sub.Unsubscribe()
	}
	if h.cancel != nil {
		h.cancel()
	}

	h.mu.Lock()
	for key, channel := range h.channels {
		channel.close()
		delete(h.channels, key)
	}
	h.mu.Unlock()

	h.wg.Wait()
}

// Attach creates the channel for a connecting worker, replacing any stale
// channel left by a previous connection.
func (h *Hub) Attach(channelID string, worker *v1.Worker) *Channel {
	channel := newChannel(channelID, worker.ID, worker.TenantID, h.cfg.BufferSize)
	key := workerKey{worker.TenantID, worker.ID}

	h.mu.Lock()
	if stale, ok := h.channels[key]; ok {
		stale.close()
	}
	h.channels[key] = channel
	h.mu.Unlock()

	return channel
}

// Detach removes a worker's channel. The registry entry is removed by the
// stream handler; in-flight task recovery is the reaper's job.
func (h *Hub) Detach(tenantID, workerID, channelID string) {
	key := workerKey{tenantID, workerID}

	h.mu.Lock()
	channel, ok := h.channels[key]
	// Only detach the channel that asked: a reconnect may already have
	// replaced it.
	if ok && channel.ID == channelID {
		delete(h.channels, key)
	} else {
		channel = nil
	}
	h.mu.Unlock()

	if channel != nil {
		channel.close()
	}
}

// ConnectedChannels returns the number of attached streams.
func (h *Hub) ConnectedChannels() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels)
}

// broadcastAvailable fans a claim invitation out to every matching worker.
func (h *Hub) broadcastAvailable(data map[string]interface{}) {
	payload := availablePayload(data)

	h.mu.RLock()
	channels := make([]*Channel, 0, len(h.channels))
	for _, channel := range h.channels {
		channels = append(channels, channel)
	}
	h.mu.RUnlock()

	sent := 0
	for _, channel := range channels {
		worker, ok := h.registry.Get(channel.TenantID, channel.WorkerID)
		if !ok {
			continue
		}
		if !matches(worker, channel.TenantID, data) {
			continue
		}
		channel.Enqueue(StreamEvent{Name: v1.StreamEventTaskAvailable, Data: payload})
		sent++
	}

	h.logger.Debug("task_available fan-out",
		zap.Any("task_id", data["task_id"]), zap.Int("recipients", sent))
}

// broadcastClaimed retires an advertisement on every stream.
func (h *Hub) broadcastClaimed(data map[string]interface{}) {
	event := StreamEvent{Name: v1.StreamEventTaskClaimed, Data: v1.TaskClaimedEvent{
		TaskID:   stringField(data, "task_id"),
		WorkerID: stringField(data, "worker_id"),
	}}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, channel := range h.channels {
		channel.Enqueue(event)
	}
}

// routeInterrupt delivers an advisory cancel to the owning worker only. The
// subject encodes the worker id as its last token.
func (h *Hub) routeInterrupt(event *bus.Event) {
	taskID := stringField(event.Data, "task_id")
	reason := stringField(event.Data, "reason")
	workerID := stringField(event.Data, "worker_id")
	tenantID := stringField(event.Data, "tenant_id")
	if workerID == "" {
		return
	}

	h.mu.RLock()
	channel, ok := h.channels[workerKey{tenantID, workerID}]
	h.mu.RUnlock()
	if !ok {
		return
	}
	channel.Enqueue(StreamEvent{Name: v1.StreamEventInterrupt, Data: v1.InterruptEvent{TaskID: taskID, Reason: reason}})
}

// resweepLoop re-advertises still-claimable stream-route tasks so that
// invitations dropped under backpressure or published before a worker
// connected are not lost.
func (h *Hub) resweepLoop(ctx context.Context) {
	defer h.wg.Done()

	interval := h.cfg.ResweepIntervalDuration()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.resweep(ctx)
		}
	}
}

func (h *Hub) resweep(ctx context.Context) {
	if h.ConnectedChannels() == 0 {
		return
	}
	// The sweep spans tenants; matching still confines each invitation to
	// the owning tenant's workers.
	adminCtx := tenant.WithScope(ctx, tenant.Admin())
	tasks, err := h.tasks.ListClaimable(adminCtx)
	if err != nil {
		h.logger.Warn("re-sweep listing failed", zap.Error(err))
		return
	}
	for _, task := range tasks {
		h.broadcastAvailable(taskservice.AvailableData(task))
	}
}

// reaperLoop expires silent workers and requeues their abandoned claims.
func (h *Hub) reaperLoop(ctx context.Context) {
	defer h.wg.Done()

	timeout := h.cfg.LivenessTimeoutDuration()
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	ticker := time.NewTicker(timeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.reapExpired(ctx, timeout)
		}
	}
}

func (h *Hub) reapExpired(ctx context.Context, timeout time.Duration) {
	for _, key := range h.registry.Expired(timeout) {
		h.logger.Warn("worker expired, reaping",
			zap.String("worker_id", key.workerID), zap.String("tenant_id", key.tenantID))

		h.mu.Lock()
		channel, ok := h.channels[key]
		if ok {
			delete(h.channels, key)
		}
		h.mu.Unlock()
		if ok {
			channel.close()
		}
		h.registry.Unregister(key.tenantID, key.workerID)

		// Requeue under the dead worker's own tenant: the same self-declared
		// id in another tenant is a different worker.
		tenantCtx := tenant.WithScope(ctx, tenant.For(key.tenantID))
		requeued, err := h.tasks.RequeueWorkerTasks(tenantCtx, key.workerID, h.cfg.ClaimGraceDuration())
		if err != nil {
			h.logger.Error("failed to requeue expired worker's tasks",
				zap.String("worker_id", key.workerID), zap.Error(err))
			continue
		}
		if requeued > 0 {
			h.logger.Info("requeued abandoned tasks",
				zap.String("worker_id", key.workerID), zap.Int("count", requeued))
		}

		if err := h.eventBus.Publish(ctx, events.WorkerExpired,
			bus.NewEvent(events.WorkerExpired, "taskplane/push-fabric", map[string]interface{}{
				"worker_id": key.workerID,
				"tenant_id": key.tenantID,
			})); err != nil {
			h.logger.Warn("worker_expired publish failed", zap.Error(err))
		}
	}
}

// matches applies the fan-out rules: tenant confinement, codebase set (with
// the global sentinel), capability superset, and identity/personality
// targeting.
func matches(worker *v1.Worker, channelTenant string, data map[string]interface{}) bool {
	if taskTenant := stringField(data, "tenant_id"); taskTenant != "" && taskTenant != channelTenant {
		return false
	}

	codebaseID := stringField(data, "codebase_id")
	if !codebaseMatches(worker.Codebases, codebaseID) {
		return false
	}

	if !capabilitiesSatisfied(worker.Capabilities, data["required_capabilities"]) {
		return false
	}

	if target := stringField(data, "target_agent_name"); target != "" {
		if worker.Name != target && !contains(worker.Capabilities, target) {
			return false
		}
	}
	if personality := stringField(data, "worker_personality"); personality != "" {
		if !contains(worker.Capabilities, "personality:"+personality) && worker.Name != personality {
			return false
		}
	}
	return true
}

func codebaseMatches(declared []string, codebaseID string) bool {
	if codebaseID == "" || codebaseID == v1.GlobalCodebase || codebaseID == v1.PendingCodebase {
		return contains(declared, v1.GlobalCodebase) || len(declared) == 0
	}
	return contains(declared, codebaseID)
}

func capabilitiesSatisfied(declared []string, required interface{}) bool {
	switch caps := required.(type) {
	case nil:
		return true
	case []string:
		for _, capability := range caps {
			if !contains(declared, capability) {
				return false
			}
		}
		return true
	case []interface{}:
		for _, raw := range caps {
			capability, ok := raw.(string)
			if !ok {
				continue
			}
			if !contains(declared, capability) {
				return false
			}
		}
		return true
	default:
		return true
	}
}

func contains(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}

func stringField(data map[string]interface{}, key string) string {
	if data == nil {
		return ""
	}
	if value, ok := data[key].(string); ok {
		return value
	}
	return ""
}

// availablePayload strips internal-only fields from the bus event before it
// is written to a stream.
func availablePayload(data map[string]interface{}) map[string]interface{} {
	payload := make(map[string]interface{}, len(data))
	for k, v := range data {
		if k == "tenant_id" {
			continue
		}
		payload[k] = v
	}
	return payload
}
