// Package handlers exposes the client-facing task HTTP surface.
package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/taskplane/taskplane/internal/common/errors"
	"github.com/taskplane/taskplane/internal/common/logger"
	"github.com/taskplane/taskplane/internal/store"
	"github.com/taskplane/taskplane/internal/task/service"
	v1 "github.com/taskplane/taskplane/pkg/api/v1"
)

type TaskHandlers struct {
	service *service.Service
	logger  *logger.Logger
}

func NewTaskHandlers(svc *service.Service, log *logger.Logger) *TaskHandlers {
	return &TaskHandlers{
		service: svc,
		logger:  log.WithFields(zap.String("component", "task-handlers")),
	}
}

// RegisterRoutes mounts the task endpoints on a tenant-scoped group.
func (h *TaskHandlers) RegisterRoutes(api *gin.RouterGroup) {
	api.POST("/tasks", h.createTask)
	api.GET("/tasks", h.listTasks)
	api.GET("/tasks/:id", h.getTask)
	api.POST("/tasks/:id/cancel", h.cancelTask)
}

func (h *TaskHandlers) createTask(c *gin.Context) {
	var req v1.CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	task, err := h.service.Create(c.Request.Context(), &req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, task)
}

func (h *TaskHandlers) getTask(c *gin.Context) {
	task, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *TaskHandlers) listTasks(c *gin.Context) {
	opts := store.ListTasksOptions{
		CodebaseID: c.Query("codebase_id"),
		Status:     v1.TaskStatus(c.Query("status")),
		SessionID:  c.Query("session_id"),
	}
	if limit := c.Query("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		opts.Limit = n
	}

	tasks, err := h.service.List(c.Request.Context(), opts)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, v1.ListTasksResponse{Tasks: tasks, Total: len(tasks)})
}

func (h *TaskHandlers) cancelTask(c *gin.Context) {
	reason := "Cancelled by client"
	var body struct {
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&body); err == nil && body.Reason != "" {
		reason = body.Reason
	}

	resp, err := h.service.Cancel(c.Request.Context(), c.Param("id"), reason)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *TaskHandlers) respondError(c *gin.Context, err error) {
	appErr := apperrors.AsAppError(err)
	if appErr.HTTPStatus >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(appErr.HTTPStatus, gin.H{"error": appErr.Message, "code": appErr.Code})
}
