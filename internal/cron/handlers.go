package cron

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskplane/taskplane/internal/common/config"
	apperrors "github.com/taskplane/taskplane/internal/common/errors"
	"github.com/taskplane/taskplane/internal/common/logger"
	"github.com/taskplane/taskplane/internal/store"
	v1 "github.com/taskplane/taskplane/pkg/api/v1"
)

// CronHandlers exposes cronjob CRUD plus the internal trigger endpoint the
// external scheduler calls back into.
type CronHandlers struct {
	cfg        config.CronConfig
	store      store.Store
	reconciler Reconciler
	firer      *Firer
	logger     *logger.Logger
}

func NewCronHandlers(cfg config.CronConfig, st store.Store, reconciler Reconciler, firer *Firer, log *logger.Logger) *CronHandlers {
	return &CronHandlers{
		cfg:        cfg,
		store:      st,
		reconciler: reconciler,
		firer:      firer,
		logger:     log.WithFields(zap.String("component", "cron-handlers")),
	}
}

// RegisterRoutes mounts the CRUD endpoints on a tenant-scoped group.
func (h *CronHandlers) RegisterRoutes(api *gin.RouterGroup) {
	api.POST("/cron/jobs", h.createCronjob)
	api.GET("/cron/jobs", h.listCronjobs)
	api.GET("/cron/jobs/:id", h.getCronjob)
	api.PUT("/cron/jobs/:id", h.updateCronjob)
	api.DELETE("/cron/jobs/:id", h.deleteCronjob)
	api.POST("/cron/reconcile", h.reconcileAll)
}

// RegisterInternalRoutes mounts the trigger endpoint outside the tenant
// middleware; callers authenticate with the shared token instead.
func (h *CronHandlers) RegisterInternalRoutes(api *gin.RouterGroup) {
	api.POST("/cron/internal/:id/trigger", h.trigger)
}

func (h *CronHandlers) createCronjob(c *gin.Context) {
	var req v1.CreateCronjobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := ValidateSchedule(req.Schedule); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	job := &v1.Cronjob{
		ID:       uuid.New().String(),
		Schedule: req.Schedule,
		Timezone: req.Timezone,
		Enabled:  enabled,
		Template: req.Template,
	}
	if err := h.store.CreateCronjob(c.Request.Context(), job); err != nil {
		h.respondError(c, err)
		return
	}

	if err := h.reconciler.ReconcileCronjob(c.Request.Context(), job); err != nil {
		h.logger.Error("cronjob reconcile after create failed",
			zap.String("cronjob_id", job.ID), zap.Error(err))
	}
	c.JSON(http.StatusCreated, job)
}

func (h *CronHandlers) getCronjob(c *gin.Context) {
	job, err := h.store.GetCronjob(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *CronHandlers) listCronjobs(c *gin.Context) {
	jobs, err := h.store.ListCronjobs(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cronjobs": jobs, "total": len(jobs)})
}

func (h *CronHandlers) updateCronjob(c *gin.Context) {
	var req v1.UpdateCronjobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, err := h.store.GetCronjob(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	if req.Schedule != nil {
		if err := ValidateSchedule(*req.Schedule); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		job.Schedule = *req.Schedule
	}
	if req.Timezone != nil {
		job.Timezone = *req.Timezone
	}
	if req.Enabled != nil {
		job.Enabled = *req.Enabled
	}
	if req.Template != nil {
		job.Template = *req.Template
	}

	if err := h.store.UpdateCronjob(c.Request.Context(), job); err != nil {
		h.respondError(c, err)
		return
	}
	if err := h.reconciler.ReconcileCronjob(c.Request.Context(), job); err != nil {
		h.logger.Error("cronjob reconcile after update failed",
			zap.String("cronjob_id", job.ID), zap.Error(err))
	}
	c.JSON(http.StatusOK, job)
}

func (h *CronHandlers) deleteCronjob(c *gin.Context) {
	jobID := c.Param("id")
	job, err := h.store.GetCronjob(c.Request.Context(), jobID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	if err := h.store.DeleteCronjob(c.Request.Context(), jobID); err != nil {
		h.respondError(c, err)
		return
	}
	if err := h.reconciler.DeleteCronjob(c.Request.Context(), jobID, job.TenantID); err != nil {
		h.logger.Error("external cronjob delete failed",
			zap.String("cronjob_id", jobID), zap.Error(err))
	}
	c.Status(http.StatusNoContent)
}

func (h *CronHandlers) reconcileAll(c *gin.Context) {
	report, err := h.reconciler.ReconcileAll(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// trigger is the callback the external CronJob fires. Authentication is the
// shared internal token; a bad or missing token is rejected before any
// lookup happens.
func (h *CronHandlers) trigger(c *gin.Context) {
	token := c.GetHeader(triggerTokenHeader)
	if h.cfg.InternalToken == "" ||
		subtle.ConstantTimeCompare([]byte(token), []byte(h.cfg.InternalToken)) != 1 {
		h.logger.Warn("cron trigger rejected", zap.String("cronjob_id", c.Param("id")))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid internal token"})
		return
	}

	task, err := h.firer.Fire(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"cronjob_id": c.Param("id"),
		"task_id":    task.ID,
		"fired_at":   time.Now().UTC(),
	})
}

func (h *CronHandlers) respondError(c *gin.Context, err error) {
	appErr := apperrors.AsAppError(err)
	if appErr.HTTPStatus >= http.StatusInternalServerError {
		h.logger.Error("cron request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(appErr.HTTPStatus, gin.H{"error": appErr.Message, "code": appErr.Code})
}
