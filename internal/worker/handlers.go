package worker

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskplane/taskplane/internal/common/config"
	apperrors "github.com/taskplane/taskplane/internal/common/errors"
	"github.com/taskplane/taskplane/internal/common/logger"
	"github.com/taskplane/taskplane/internal/store"
	taskservice "github.com/taskplane/taskplane/internal/task/service"
	"github.com/taskplane/taskplane/internal/tenant"
	v1 "github.com/taskplane/taskplane/pkg/api/v1"
)

// WorkerHandlers exposes the worker-facing surface: the push stream plus the
// claim, release, heartbeat, and codebase update endpoints.
type WorkerHandlers struct {
	cfg      config.StreamConfig
	registry *Registry
	hub      *Hub
	tasks    *taskservice.Service
	logger   *logger.Logger
}

func NewWorkerHandlers(cfg config.StreamConfig, registry *Registry, hub *Hub, tasks *taskservice.Service, log *logger.Logger) *WorkerHandlers {
	return &WorkerHandlers{
		cfg:      cfg,
		registry: registry,
		hub:      hub,
		tasks:    tasks,
		logger:   log.WithFields(zap.String("component", "worker-handlers")),
	}
}

// RegisterRoutes mounts the worker endpoints on a tenant-scoped group.
func (h *WorkerHandlers) RegisterRoutes(api *gin.RouterGroup) {
	api.GET("/workers/stream", h.stream)
	api.GET("/workers", h.listWorkers)
	api.POST("/workers/claim", h.claimTask)
	api.POST("/workers/release", h.releaseTask)
	api.PUT("/workers/:id/codebases", h.updateCodebases)
	api.POST("/workers/heartbeat", h.heartbeat)
}

// stream opens the long-lived push stream for one worker. Identity comes
// from query parameters so plain EventSource clients work; headers are
// accepted as a fallback.
func (h *WorkerHandlers) stream(c *gin.Context) {
	workerID := firstNonEmpty(c.Query("worker_id"), c.GetHeader("X-Worker-ID"))
	if workerID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "worker_id is required"})
		return
	}
	workerName := firstNonEmpty(c.Query("worker_name"), c.GetHeader("X-Worker-Name"), workerID)

	scope := tenant.FromContext(c.Request.Context())

	worker := &v1.Worker{
		ID:              workerID,
		TenantID:        scope.TenantID(),
		Name:            workerName,
		Capabilities:    splitList(firstNonEmpty(c.Query("capabilities"), c.GetHeader("X-Worker-Capabilities"))),
		Codebases:       splitList(firstNonEmpty(c.Query("codebases"), c.GetHeader("X-Worker-Codebases"))),
		SupportedModels: splitList(c.Query("supported_models")),
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)

	ctx := c.Request.Context()
	h.registry.Register(ctx, worker)

	channelID := uuid.New().String()
	channel := h.hub.Attach(channelID, worker)
	defer func() {
		h.hub.Detach(worker.TenantID, workerID, channelID)
		h.registry.MarkDisconnected(worker.TenantID, workerID)
		h.logger.Info("worker stream closed",
			zap.String("worker_id", workerID),
			zap.String("channel_id", channelID),
			zap.Int("dropped", channel.Dropped()))
	}()

	if err := sse.Encode(c.Writer, sse.Event{
		Event: v1.StreamEventConnected,
		Data:  v1.ConnectedEvent{ChannelID: channelID, WorkerID: workerID},
	}); err != nil {
		return
	}
	flusher.Flush()

	// Heartbeats are written here directly, never queued through the
	// outbox, so backpressure can only ever shed task advertisements.
	heartbeat := time.NewTicker(h.cfg.HeartbeatIntervalDuration())
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-channel.Done():
			return
		case <-heartbeat.C:
			if err := sse.Encode(c.Writer, sse.Event{
				Event: v1.StreamEventHeartbeat,
				Data:  v1.HeartbeatEvent{Time: time.Now().UTC()},
			}); err != nil {
				return
			}
			flusher.Flush()
			h.registry.Touch(ctx, workerID)
		case <-channel.Notify():
			for _, event := range channel.Drain() {
				if err := sse.Encode(c.Writer, sse.Event{
					Event: event.Name,
					Data:  event.Data,
				}); err != nil {
					return
				}
			}
			flusher.Flush()
			h.registry.Touch(ctx, workerID)
		}
	}
}

func (h *WorkerHandlers) listWorkers(c *gin.Context) {
	scope := tenant.FromContext(c.Request.Context())

	workers := make([]*v1.Worker, 0)
	for _, worker := range h.registry.List() {
		if !scope.Visible(worker.TenantID) {
			continue
		}
		workers = append(workers, worker)
	}
	c.JSON(http.StatusOK, gin.H{"workers": workers, "total": len(workers)})
}

func (h *WorkerHandlers) claimTask(c *gin.Context) {
	var req v1.ClaimTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	workerID := firstNonEmpty(req.WorkerID, c.GetHeader("X-Worker-ID"))
	if workerID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "worker_id is required"})
		return
	}

	outcome, task, err := h.tasks.Claim(c.Request.Context(), req.TaskID, workerID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.registry.Touch(c.Request.Context(), workerID)

	switch outcome {
	case store.ClaimOutcomeClaimed:
		c.JSON(http.StatusOK, gin.H{"outcome": string(outcome), "task": task})
	case store.ClaimOutcomeAlreadyClaimed:
		c.JSON(http.StatusConflict, gin.H{"outcome": string(outcome), "error": "task already claimed"})
	default:
		c.JSON(http.StatusNotFound, gin.H{"outcome": string(outcome), "error": "task not found"})
	}
}

func (h *WorkerHandlers) releaseTask(c *gin.Context) {
	var req v1.ReleaseTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.WorkerID == "" {
		req.WorkerID = c.GetHeader("X-Worker-ID")
	}
	if req.WorkerID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "worker_id is required"})
		return
	}

	task, err := h.tasks.Release(c.Request.Context(), &req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.registry.Touch(c.Request.Context(), req.WorkerID)
	c.JSON(http.StatusOK, task)
}

func (h *WorkerHandlers) updateCodebases(c *gin.Context) {
	var req v1.UpdateCodebasesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	workerID := c.Param("id")
	scope := tenant.FromContext(c.Request.Context())
	if !h.registry.UpdateCodebases(scope.TenantID(), workerID, req.Codebases) {
		c.JSON(http.StatusNotFound, gin.H{"error": "worker not connected"})
		return
	}
	h.registry.Touch(c.Request.Context(), workerID)
	c.JSON(http.StatusOK, gin.H{"worker_id": workerID, "codebases": req.Codebases})
}

func (h *WorkerHandlers) heartbeat(c *gin.Context) {
	var req v1.HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if !h.registry.Touch(c.Request.Context(), req.WorkerID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "worker not connected"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"worker_id": req.WorkerID, "status": "ok"})
}

func (h *WorkerHandlers) respondError(c *gin.Context, err error) {
	appErr := apperrors.AsAppError(err)
	if appErr.HTTPStatus >= http.StatusInternalServerError {
		h.logger.Error("worker request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(appErr.HTTPStatus, gin.H{"error": appErr.Message, "code": appErr.Code})
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
