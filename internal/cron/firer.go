package cron

import (
	"context"

	"go.uber.org/zap"

	"github.com/taskplane/taskplane/internal/common/logger"
	"github.com/taskplane/taskplane/internal/events"
	"github.com/taskplane/taskplane/internal/events/bus"
	"github.com/taskplane/taskplane/internal/store"
	taskservice "github.com/taskplane/taskplane/internal/task/service"
	"github.com/taskplane/taskplane/internal/tenant"
	v1 "github.com/taskplane/taskplane/pkg/api/v1"
)

// Firer materializes a task from a cronjob's template. Both the external
// callback endpoint and the in-process scheduler funnel through it.
type Firer struct {
	store    store.Store
	tasks    *taskservice.Service
	eventBus bus.EventBus
	source   string
	logger   *logger.Logger
}

func NewFirer(st store.Store, tasks *taskservice.Service, eventBus bus.EventBus, source string, log *logger.Logger) *Firer {
	return &Firer{
		store:    st,
		tasks:    tasks,
		eventBus: eventBus,
		source:   source,
		logger:   log.WithFields(zap.String("component", "cron-firer")),
	}
}

// Fire looks the cronjob up across tenants, then creates the templated task
// under the owning tenant's scope so routing and delivery behave exactly as
// a client-submitted task would.
func (f *Firer) Fire(ctx context.Context, jobID string) (*v1.Task, error) {
	adminCtx := tenant.WithScope(ctx, tenant.Admin())
	f.logger.Debug("cron fire lookup", zap.String("cronjob_id", jobID), zap.Bool("admin_scope", true))

	job, err := f.store.GetCronjob(adminCtx, jobID)
	if err != nil {
		return nil, err
	}

	tenantCtx := tenant.WithScope(ctx, tenant.For(job.TenantID))
	task, err := f.tasks.Create(tenantCtx, &v1.CreateTaskRequest{
		Title:     job.Template.Title,
		Prompt:    job.Template.Prompt,
		AgentType: job.Template.AgentType,
		Priority:  job.Template.Priority,
		Metadata:  job.Template.Metadata,
	})
	if err != nil {
		return nil, err
	}

	if err := f.eventBus.Publish(tenantCtx, events.CronFired,
		bus.NewEvent(events.CronFired, f.source, map[string]interface{}{
			"cronjob_id": job.ID,
			"task_id":    task.ID,
			"tenant_id":  job.TenantID,
		})); err != nil {
		f.logger.Warn("cron.fired publish failed",
			zap.String("cronjob_id", job.ID), zap.Error(err))
	}

	f.logger.Info("cronjob fired",
		zap.String("cronjob_id", job.ID), zap.String("task_id", task.ID))
	return task, nil
}
