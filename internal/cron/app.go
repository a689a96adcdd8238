package cron

import (
	"context"
	"fmt"
	"sync"

	robfig "github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/taskplane/taskplane/internal/common/logger"
	"github.com/taskplane/taskplane/internal/tenant"
	v1 "github.com/taskplane/taskplane/pkg/api/v1"
)

// ValidateSchedule checks a cron expression against the standard 5-field
// format before it is persisted.
func ValidateSchedule(schedule string) error {
	if _, err := robfig.ParseStandard(schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", schedule, err)
	}
	return nil
}

// AppScheduler is the in-process cron driver: it holds one scheduler entry
// per enabled cronjob and fires the same trigger path the external CronJob
// callback uses. Dev-mode alternative to the knative reconciler.
type AppScheduler struct {
	firer  *Firer
	logger *logger.Logger

	mu      sync.Mutex
	cron    *robfig.Cron
	entries map[string]robfig.EntryID
}

func NewAppScheduler(firer *Firer, log *logger.Logger) *AppScheduler {
	return &AppScheduler{
		firer:   firer,
		logger:  log.WithFields(zap.String("component", "cron-app")),
		cron:    robfig.New(),
		entries: make(map[string]robfig.EntryID),
	}
}

var _ Reconciler = (*AppScheduler)(nil)

// Start begins dispatching schedule fires.
func (s *AppScheduler) Start() { s.cron.Start() }

// Stop halts the scheduler and waits for in-flight fires.
func (s *AppScheduler) Stop() {
	<-s.cron.Stop().Done()
}

// ReconcileCronjob installs or replaces the scheduler entry for one job.
// Disabled jobs simply have their entry removed.
func (s *AppScheduler) ReconcileCronjob(ctx context.Context, job *v1.Cronjob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entries[job.ID]; ok {
		s.cron.Remove(existing)
		delete(s.entries, job.ID)
	}
	if !job.Enabled {
		return nil
	}

	spec := job.Schedule
	if job.Timezone != "" {
		spec = "CRON_TZ=" + job.Timezone + " " + spec
	}

	jobID := job.ID
	entryID, err := s.cron.AddFunc(spec, func() {
		if _, err := s.firer.Fire(context.Background(), jobID); err != nil {
			s.logger.Error("scheduled fire failed",
				zap.String("cronjob_id", jobID), zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule cronjob %s: %w", job.ID, err)
	}
	s.entries[job.ID] = entryID
	s.logger.Info("cronjob scheduled",
		zap.String("cronjob_id", job.ID), zap.String("schedule", job.Schedule))
	return nil
}

// DeleteCronjob drops the scheduler entry.
func (s *AppScheduler) DeleteCronjob(ctx context.Context, jobID, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entries[jobID]; ok {
		s.cron.Remove(existing)
		delete(s.entries, jobID)
		s.logger.Info("cronjob unscheduled", zap.String("cronjob_id", jobID))
	}
	return nil
}

// ReconcileAll rebuilds the entry set from the store.
func (s *AppScheduler) ReconcileAll(ctx context.Context) (*v1.ReconcileReport, error) {
	adminCtx := tenant.WithScope(ctx, tenant.Admin())
	jobs, err := s.firer.store.ListCronjobs(adminCtx)
	if err != nil {
		return nil, err
	}

	known := make(map[string]bool, len(jobs))
	report := &v1.ReconcileReport{Checked: len(jobs)}
	for _, job := range jobs {
		known[job.ID] = true
		if err := s.ReconcileCronjob(ctx, job); err != nil {
			report.Failed++
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", job.ID, err))
			continue
		}
		report.Reconciled++
	}

	// Drop entries whose row disappeared.
	s.mu.Lock()
	for jobID, entryID := range s.entries {
		if !known[jobID] {
			s.cron.Remove(entryID)
			delete(s.entries, jobID)
		}
	}
	s.mu.Unlock()

	return report, nil
}

// EntryCount reports the number of installed schedule entries.
func (s *AppScheduler) EntryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
