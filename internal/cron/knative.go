package cron

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/taskplane/taskplane/internal/common/config"
	"github.com/taskplane/taskplane/internal/common/logger"
	"github.com/taskplane/taskplane/internal/store"
	"github.com/taskplane/taskplane/internal/tenant"
	v1 "github.com/taskplane/taskplane/pkg/api/v1"
)

const (
	labelManagedBy = "taskplane.io/managed-by"
	labelCronjob   = "taskplane.io/cronjob-id"
	labelTenant    = "taskplane.io/tenant-id"
	managedByValue = "taskplane-controlplane"

	triggerTokenHeader = "X-Internal-Token"

	startingDeadlineSeconds    = int64(300)
	successfulJobsHistoryLimit = int32(1)
	failedJobsHistoryLimit     = int32(3)
	orchestratorTimeout        = 30 * time.Second
)

// KnativeReconciler renders one external CronJob per persisted cronjob. The
// external job's only responsibility is an authenticated callback into the
// control plane's trigger endpoint at fire time.
type KnativeReconciler struct {
	cfg    config.CronConfig
	client kubernetes.Interface
	store  store.Store
	logger *logger.Logger
}

// NewKnativeReconciler builds the reconciler from in-cluster credentials.
func NewKnativeReconciler(cfg config.CronConfig, st store.Store, log *logger.Logger) (*KnativeReconciler, error) {
	restConfig, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("in-cluster config: %w", err)
	}
	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("clientset: %w", err)
	}
	return newKnativeReconciler(cfg, clientset, st, log), nil
}

func newKnativeReconciler(cfg config.CronConfig, client kubernetes.Interface, st store.Store, log *logger.Logger) *KnativeReconciler {
	return &KnativeReconciler{
		cfg:    cfg,
		client: client,
		store:  st,
		logger: log.WithFields(zap.String("component", "cron-knative")),
	}
}

var _ Reconciler = (*KnativeReconciler)(nil)

// ReconcileCronjob converges one cronjob with create-or-patch semantics
// keyed by the deterministic external name.
func (r *KnativeReconciler) ReconcileCronjob(ctx context.Context, job *v1.Cronjob) error {
	ctx, cancel := context.WithTimeout(ctx, orchestratorTimeout)
	defer cancel()

	namespace := r.namespaceFor(job.TenantID)
	desired := r.render(job, namespace)
	client := r.client.BatchV1().CronJobs(namespace)

	existing, err := client.Get(ctx, desired.Name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		if _, err := client.Create(ctx, desired, metav1.CreateOptions{}); err != nil {
			return fmt.Errorf("create cronjob %s: %w", desired.Name, err)
		}
		r.logger.Info("external cronjob created",
			zap.String("cronjob_id", job.ID), zap.String("name", desired.Name))
		return nil
	}
	if err != nil {
		return fmt.Errorf("get cronjob %s: %w", desired.Name, err)
	}

	desired.ResourceVersion = existing.ResourceVersion
	if _, err := client.Update(ctx, desired, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("update cronjob %s: %w", desired.Name, err)
	}
	r.logger.Debug("external cronjob patched",
		zap.String("cronjob_id", job.ID), zap.String("name", desired.Name))
	return nil
}

// DeleteCronjob removes the external resource; absence is success.
func (r *KnativeReconciler) DeleteCronjob(ctx context.Context, jobID, tenantID string) error {
	ctx, cancel := context.WithTimeout(ctx, orchestratorTimeout)
	defer cancel()

	name := ExternalName(jobID)
	err := r.client.BatchV1().CronJobs(r.namespaceFor(tenantID)).
		Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete cronjob %s: %w", name, err)
	}
	r.logger.Info("external cronjob deleted", zap.String("cronjob_id", jobID))
	return nil
}

// ReconcileAll converges every persisted cronjob across tenants and reports
// the outcome. Per-job failures are collected, never fatal for the pass.
func (r *KnativeReconciler) ReconcileAll(ctx context.Context) (*v1.ReconcileReport, error) {
	adminCtx := tenant.WithScope(ctx, tenant.Admin())
	jobs, err := r.store.ListCronjobs(adminCtx)
	if err != nil {
		return nil, err
	}

	report := &v1.ReconcileReport{Checked: len(jobs)}
	for _, job := range jobs {
		if err := r.ReconcileCronjob(ctx, job); err != nil {
			report.Failed++
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", job.ID, err))
			r.logger.Error("cronjob reconcile failed",
				zap.String("cronjob_id", job.ID), zap.Error(err))
			continue
		}
		report.Reconciled++
	}
	r.logger.Info("cron reconcile pass finished",
		zap.Int("checked", report.Checked),
		zap.Int("reconciled", report.Reconciled),
		zap.Int("failed", report.Failed))
	return report, nil
}

func (r *KnativeReconciler) namespaceFor(tenantID string) string {
	if r.cfg.AllowCrossNamespace && tenantID != "" {
		return "tenant-" + tenantID
	}
	return r.cfg.Namespace
}

// render builds the CronJob body. Enabled inverts to suspend; concurrency
// is forbidden so fires for one cronjob never overlap.
func (r *KnativeReconciler) render(job *v1.Cronjob, namespace string) *batchv1.CronJob {
	suspend := !job.Enabled
	deadline := startingDeadlineSeconds
	successLimit := successfulJobsHistoryLimit
	failedLimit := failedJobsHistoryLimit

	triggerURL := fmt.Sprintf("%s/api/v1/cron/internal/%s/trigger", r.cfg.CallbackBaseURL, job.ID)
	command := []string{
		"curl", "-sf", "-X", "POST",
		"-H", triggerTokenHeader + ": " + r.cfg.InternalToken,
		triggerURL,
	}

	cronJob := &batchv1.CronJob{
		ObjectMeta: metav1.ObjectMeta{
			Name:      ExternalName(job.ID),
			Namespace: namespace,
			Labels: map[string]string{
				labelManagedBy: managedByValue,
				labelCronjob:   job.ID,
				labelTenant:    job.TenantID,
			},
		},
		Spec: batchv1.CronJobSpec{
			Schedule:                   job.Schedule,
			Suspend:                    &suspend,
			ConcurrencyPolicy:          batchv1.ForbidConcurrent,
			StartingDeadlineSeconds:    &deadline,
			SuccessfulJobsHistoryLimit: &successLimit,
			FailedJobsHistoryLimit:     &failedLimit,
			JobTemplate: batchv1.JobTemplateSpec{
				Spec: batchv1.JobSpec{
					Template: corev1.PodTemplateSpec{
						Spec: corev1.PodSpec{
							RestartPolicy: corev1.RestartPolicyNever,
							Containers: []corev1.Container{{
								Name:    "trigger",
								Image:   r.cfg.TriggerImage,
								Command: command,
							}},
						},
					},
				},
			},
		},
	}
	if job.Timezone != "" {
		timezone := job.Timezone
		cronJob.Spec.TimeZone = &timezone
	}
	return cronJob
}
