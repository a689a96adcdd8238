// Package service implements the task queue: create with routing, the claim
// protocol, status releases, cancellation, and crash recovery requeues.
package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/taskplane/taskplane/internal/common/errors"
	"github.com/taskplane/taskplane/internal/common/logger"
	"github.com/taskplane/taskplane/internal/events"
	"github.com/taskplane/taskplane/internal/events/bus"
	"github.com/taskplane/taskplane/internal/events/publisher"
	"github.com/taskplane/taskplane/internal/routing"
	"github.com/taskplane/taskplane/internal/store"
	v1 "github.com/taskplane/taskplane/pkg/api/v1"
)

// Delivery routes. Every task gets exactly one, chosen at create time and
// recorded under metadata.routing.delivery.
const (
	DeliveryStream = "stream" // push fabric fan-out to connected workers
	DeliveryEvents = "events" // outbound envelope to the event sink
)

// Service provides task queue business logic.
type Service struct {
	store     store.Store
	router    *routing.Router
	eventBus  bus.EventBus
	publisher publisher.Publisher
	source    string
	logger    *logger.Logger
}

// NewService creates a task service.
func NewService(st store.Store, router *routing.Router, eventBus bus.EventBus, pub publisher.Publisher, source string, log *logger.Logger) *Service {
	return &Service{
		store:     st,
		router:    router,
		eventBus:  eventBus,
		publisher: pub,
		source:    source,
		logger:    log.WithFields(zap.String("component", "task-service")),
	}
}

// Create validates the request, routes it, persists the task, and dispatches
// the availability notification on the chosen delivery route.
func (s *Service) Create(ctx context.Context, req *v1.CreateTaskRequest) (*v1.Task, error) {
	codebaseID, err := s.validateCodebase(ctx, req.CodebaseID)
	if err != nil {
		return nil, err
	}

	if req.SessionID != nil && *req.SessionID != "" {
		session, err := s.store.GetSession(ctx, *req.SessionID)
		if err != nil {
			return nil, err
		}
		if session.Status == v1.SessionStatusEnded {
			return nil, apperrors.Conflict("session has ended")
		}
	}

	requestedModel := req.ModelRef
	if requestedModel == "" {
		requestedModel = req.Model
	}

	decision, metadata := s.router.Route(routing.Input{
		Prompt:            req.Prompt,
		AgentType:         req.AgentType,
		Files:             req.Files,
		RequestedModel:    requestedModel,
		WorkerPersonality: req.WorkerPersonality,
		TargetAgentName:   req.TargetAgentName,
		Metadata:          req.Metadata,
	})

	delivery := s.selectDelivery(req, metadata)
	if routingMeta, ok := metadata["routing"].(map[string]interface{}); ok {
		routingMeta["delivery"] = delivery
	}

	task := &v1.Task{
		CodebaseID:           codebaseID,
		Title:                req.Title,
		Prompt:               req.Prompt,
		AgentType:            req.AgentType,
		Priority:             req.Priority,
		RequestedModel:       routing.ToCanonical(requestedModel),
		ResolvedModel:        decision.ModelRef,
		TargetAgentName:      decision.TargetAgentName,
		WorkerPersonality:    decision.WorkerPersonality,
		RequiredCapabilities: decision.RequiredCapabilities,
		Status:               v1.TaskStatusPending,
		SessionID:            req.SessionID,
		Metadata:             metadata,
	}
	if err := s.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}

	s.logger.Info("task created",
		zap.String("task_id", task.ID),
		zap.String("complexity", decision.Complexity),
		zap.String("model_ref", decision.ModelRef),
		zap.String("delivery", delivery))

	if err := s.dispatch(ctx, task, delivery); err != nil {
		return task, err
	}
	return task, nil
}

// validateCodebase resolves the codebase reference. Nil maps to the global
// sentinel; sentinels skip the existence check.
func (s *Service) validateCodebase(ctx context.Context, codebaseID *string) (*string, error) {
	if codebaseID == nil {
		global := v1.GlobalCodebase
		return &global, nil
	}
	id := *codebaseID
	if id == v1.GlobalCodebase || id == v1.PendingCodebase {
		return codebaseID, nil
	}
	if _, err := s.store.GetCodebase(ctx, id); err != nil {
		if apperrors.IsNotFound(err) {
			return nil, apperrors.NotFound("codebase", id)
		}
		return nil, err
	}
	return codebaseID, nil
}

// selectDelivery picks the single route for a task: session-bound work goes
// through the outbound event sink when publishing is enabled, everything else
// is advertised on the push fabric.
func (s *Service) selectDelivery(req *v1.CreateTaskRequest, metadata map[string]interface{}) string {
	if !s.publisher.Enabled() {
		return DeliveryStream
	}
	if req.SessionID != nil && *req.SessionID != "" {
		return DeliveryEvents
	}
	if _, ok := metadata["knative"]; ok {
		return DeliveryEvents
	}
	return DeliveryStream
}

// dispatch publishes the availability notification after the durable commit.
// A stream-route bus failure is logged only; the periodic re-sweep will
// re-advertise. An events-route sink failure is fatal for the task because
// the sink was its sole delivery route.
func (s *Service) dispatch(ctx context.Context, task *v1.Task, delivery string) error {
	if delivery == DeliveryEvents {
		envelope := publisher.NewEnvelope(events.TaskCreated, s.source, sessionIDOf(task), taskEventData(task))
		if err := s.publisher.Publish(ctx, envelope); err != nil {
			s.logger.Error("event delivery failed, marking task failed",
				zap.String("task_id", task.ID), zap.Error(err))
			task.Status = v1.TaskStatusFailed
			task.Error = fmt.Sprintf("event delivery failed: %v", err)
			if updateErr := s.store.UpdateTask(ctx, task); updateErr != nil {
				s.logger.Error("failed to record event delivery failure",
					zap.String("task_id", task.ID), zap.Error(updateErr))
			}
			return apperrors.ServiceUnavailable("event sink")
		}
		return nil
	}

	if err := s.eventBus.Publish(ctx, events.TaskAvailable, bus.NewEvent(events.TaskAvailable, s.source, taskAvailableData(task))); err != nil {
		s.logger.Warn("task_available publish failed, re-sweep will retry",
			zap.String("task_id", task.ID), zap.Error(err))
	}
	return nil
}

// Get returns a task visible under the current scope.
func (s *Service) Get(ctx context.Context, id string) (*v1.Task, error) {
	return s.store.GetTask(ctx, id)
}

// List returns tasks matching the options under the current scope.
func (s *Service) List(ctx context.Context, opts store.ListTasksOptions) ([]*v1.Task, error) {
	return s.store.ListTasks(ctx, opts)
}

// Claim runs the claim protocol for a worker. On success the full task is
// returned and a task_claimed notification retires the advertisement on
// other streams.
func (s *Service) Claim(ctx context.Context, taskID, workerID string) (store.ClaimOutcome, *v1.Task, error) {
	outcome, task, err := s.store.ClaimTask(ctx, taskID, workerID)
	if err != nil {
		return "", nil, err
	}
	if outcome != store.ClaimOutcomeClaimed {
		return outcome, nil, nil
	}

	s.logger.Info("task claimed",
		zap.String("task_id", taskID), zap.String("worker_id", workerID))

	if err := s.eventBus.Publish(ctx, events.TaskClaimed, bus.NewEvent(events.TaskClaimed, s.source, map[string]interface{}{
		"task_id":   taskID,
		"worker_id": workerID,
	})); err != nil {
		s.logger.Warn("task_claimed publish failed", zap.String("task_id", taskID), zap.Error(err))
	}
	return outcome, task, nil
}

// Release records a worker's status report. Terminal releases on event-route
// tasks are also forwarded to the outbound sink.
func (s *Service) Release(ctx context.Context, req *v1.ReleaseTaskRequest) (*v1.Task, error) {
	task, err := s.store.ReleaseTask(ctx, req.TaskID, req.WorkerID, req.Status, req.Result, req.Error, req.SessionID)
	if err != nil {
		return nil, err
	}
	if req.ModelUsed != "" {
		task.ResolvedModel = routing.ToCanonical(req.ModelUsed)
		if err := s.store.UpdateTask(ctx, task); err != nil {
			s.logger.Warn("failed to record model_used", zap.String("task_id", task.ID), zap.Error(err))
		}
	}

	s.publishTaskUpdated(ctx, task)

	if task.Status.IsTerminal() && deliveryOf(task) == DeliveryEvents && s.publisher.Enabled() {
		envelope := publisher.NewEnvelope(events.TaskUpdated, s.source, sessionIDOf(task), taskEventData(task))
		if err := s.publisher.Publish(ctx, envelope); err != nil {
			s.logger.Warn("terminal status event delivery failed",
				zap.String("task_id", task.ID), zap.Error(err))
		}
	}
	return task, nil
}

// Cancel applies a client-side cancel. Pre-claim tasks are cancelled
// outright; claimed tasks receive an advisory interrupt routed to the owning
// worker. Terminal tasks yield a conflict.
func (s *Service) Cancel(ctx context.Context, taskID, reason string) (*v1.CancelTaskResponse, error) {
	task, changed, err := s.store.CancelTask(ctx, taskID, reason, false)
	if err != nil {
		return nil, err
	}
	if changed {
		s.publishTaskUpdated(ctx, task)
		return &v1.CancelTaskResponse{Task: task, Interrupted: false}, nil
	}
	if task.Status.IsTerminal() {
		return nil, apperrors.Conflict("task already in terminal state " + string(task.Status))
	}

	// Claimed: route an interrupt to the owning worker.
	workerID := ""
	if task.WorkerID != nil {
		workerID = *task.WorkerID
	}
	if err := s.eventBus.Publish(ctx, events.BuildTaskInterruptSubject(workerID),
		bus.NewEvent(events.TaskInterrupt, s.source, map[string]interface{}{
			"task_id":   taskID,
			"worker_id": workerID,
			"tenant_id": task.TenantID,
			"reason":    reason,
		})); err != nil {
		s.logger.Warn("interrupt publish failed", zap.String("task_id", taskID), zap.Error(err))
	}
	return &v1.CancelTaskResponse{Task: task, Interrupted: true}, nil
}

// CancelSessionTasks force-cancels every non-terminal task bound to a
// session and interrupts owning workers. Returns the number of tasks
// transitioned by this call.
func (s *Service) CancelSessionTasks(ctx context.Context, sessionID, reason string) (int, error) {
	tasks, err := s.store.ListTasks(ctx, store.ListTasksOptions{SessionID: sessionID})
	if err != nil {
		return 0, err
	}

	cancelled := 0
	for _, task := range tasks {
		if task.Status.IsTerminal() {
			continue
		}
		hadWorker := task.WorkerID != nil && !task.Status.IsClaimable()
		workerID := ""
		if task.WorkerID != nil {
			workerID = *task.WorkerID
		}

		updated, changed, err := s.store.CancelTask(ctx, task.ID, reason, true)
		if err != nil {
			s.logger.Error("failed to cancel session task",
				zap.String("task_id", task.ID), zap.String("session_id", sessionID), zap.Error(err))
			continue
		}
		if !changed {
			continue
		}
		cancelled++
		s.publishTaskUpdated(ctx, updated)

		if hadWorker {
			if err := s.eventBus.Publish(ctx, events.BuildTaskInterruptSubject(workerID),
				bus.NewEvent(events.TaskInterrupt, s.source, map[string]interface{}{
					"task_id":   task.ID,
					"worker_id": workerID,
					"tenant_id": updated.TenantID,
					"reason":    reason,
				})); err != nil {
				s.logger.Warn("interrupt publish failed", zap.String("task_id", task.ID), zap.Error(err))
			}
		}
	}
	return cancelled, nil
}

// RequeueWorkerTasks resets in-flight tasks of a dead worker back to pending
// and re-advertises them. Called by the liveness reaper under the admin
// scope. Tasks touched within the grace period are left alone; the worker
// may still come back for them.
func (s *Service) RequeueWorkerTasks(ctx context.Context, workerID string, grace time.Duration) (int, error) {
	tasks, err := s.store.ListTasks(ctx, store.ListTasksOptions{WorkerID: workerID})
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().UTC().Add(-grace)
	requeued := 0
	for _, task := range tasks {
		if task.Status != v1.TaskStatusAssigned && task.Status != v1.TaskStatusRunning {
			continue
		}
		if grace > 0 && task.UpdatedAt.After(cutoff) {
			continue
		}
		fresh, err := s.store.RequeueTask(ctx, task.ID)
		if err != nil {
			s.logger.Error("failed to requeue task",
				zap.String("task_id", task.ID), zap.String("worker_id", workerID), zap.Error(err))
			continue
		}
		if fresh.Status != v1.TaskStatusPending {
			continue
		}
		requeued++
		s.logger.Info("task requeued after worker expiry",
			zap.String("task_id", task.ID), zap.String("worker_id", workerID))

		if err := s.eventBus.Publish(ctx, events.TaskAvailable,
			bus.NewEvent(events.TaskAvailable, s.source, taskAvailableData(fresh))); err != nil {
			s.logger.Warn("task_available publish failed", zap.String("task_id", task.ID), zap.Error(err))
		}
	}
	return requeued, nil
}

// ListClaimable returns tasks still waiting for a claim, used by the
// periodic re-advertisement sweep.
func (s *Service) ListClaimable(ctx context.Context) ([]*v1.Task, error) {
	tasks, err := s.store.ListTasks(ctx, store.ListTasksOptions{Status: v1.TaskStatusPending})
	if err != nil {
		return nil, err
	}
	claimable := tasks[:0]
	for _, task := range tasks {
		if deliveryOf(task) == DeliveryStream {
			claimable = append(claimable, task)
		}
	}
	return claimable, nil
}

func (s *Service) publishTaskUpdated(ctx context.Context, task *v1.Task) {
	if err := s.eventBus.Publish(ctx, events.TaskUpdated,
		bus.NewEvent(events.TaskUpdated, s.source, taskEventData(task))); err != nil {
		s.logger.Warn("task_updated publish failed", zap.String("task_id", task.ID), zap.Error(err))
	}
}

// AvailableData exposes the minimal routing tuple for a claimable task; the
// push fabric uses it both for initial fan-out and re-sweeps.
func AvailableData(task *v1.Task) map[string]interface{} {
	return taskAvailableData(task)
}

func taskAvailableData(task *v1.Task) map[string]interface{} {
	data := map[string]interface{}{
		"task_id":   task.ID,
		"tenant_id": task.TenantID,
		"title":     task.Title,
		"priority":  task.Priority,
	}
	if task.CodebaseID != nil {
		data["codebase_id"] = *task.CodebaseID
	}
	if len(task.RequiredCapabilities) > 0 {
		data["required_capabilities"] = task.RequiredCapabilities
	}
	if task.TargetAgentName != "" {
		data["target_agent_name"] = task.TargetAgentName
	}
	if task.WorkerPersonality != "" {
		data["worker_personality"] = task.WorkerPersonality
	}
	if task.ResolvedModel != "" {
		data["model_ref"] = task.ResolvedModel
	}
	return data
}

func taskEventData(task *v1.Task) map[string]interface{} {
	data := map[string]interface{}{
		"task_id": task.ID,
		"title":   task.Title,
		"status":  string(task.Status),
	}
	if task.CodebaseID != nil {
		data["codebase_id"] = *task.CodebaseID
	}
	if task.WorkerID != nil {
		data["worker_id"] = *task.WorkerID
	}
	if task.SessionID != nil {
		data["session_id"] = *task.SessionID
	}
	if task.Result != "" {
		data["result"] = task.Result
	}
	if task.Error != "" {
		data["error"] = task.Error
	}
	if task.Status == v1.TaskStatusPending {
		data["prompt"] = task.Prompt
		data["agent_type"] = task.AgentType
		data["metadata"] = task.Metadata
		if task.ResolvedModel != "" {
			data["model_ref"] = task.ResolvedModel
		}
	}
	return data
}

func deliveryOf(task *v1.Task) string {
	if task.Metadata != nil {
		if routingMeta, ok := task.Metadata["routing"].(map[string]interface{}); ok {
			if delivery, ok := routingMeta["delivery"].(string); ok && delivery != "" {
				return delivery
			}
		}
	}
	return DeliveryStream
}

func sessionIDOf(task *v1.Task) string {
	if task.SessionID != nil {
		return *task.SessionID
	}
	return ""
}
