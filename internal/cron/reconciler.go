// Package cron keeps external CronJob resources (or an in-process scheduler)
// in sync with persisted cronjob rows, and hosts the authenticated trigger
// endpoint those schedules call back into.
package cron

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	v1 "github.com/taskplane/taskplane/pkg/api/v1"
)

// Reconciler converges external scheduler state with persisted cronjobs.
type Reconciler interface {
	ReconcileCronjob(ctx context.Context, job *v1.Cronjob) error
	DeleteCronjob(ctx context.Context, jobID, tenantID string) error
	ReconcileAll(ctx context.Context) (*v1.ReconcileReport, error)
}

// externalNameMaxLen bounds the derived resource name well under the DNS
// label limit, leaving room for suffixes the scheduler appends to job pods.
const externalNameMaxLen = 52

// ExternalName derives the deterministic resource name for a cronjob. The
// hash prefix keeps distinct ids distinct even after sanitizing; the
// sanitized id keeps the name readable.
func ExternalName(jobID string) string {
	sum := sha256.Sum256([]byte(jobID))
	name := fmt.Sprintf("cron-%s-%s", hex.EncodeToString(sum[:4]), sanitizeName(jobID))
	if len(name) > externalNameMaxLen {
		name = name[:externalNameMaxLen]
	}
	return strings.TrimRight(name, "-")
}

func sanitizeName(raw string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(raw) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			b.WriteRune(r)
		} else {
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

// DisabledReconciler is used when cron is configured off. Reconcile calls
// succeed without touching anything so the CRUD surface stays usable.
type DisabledReconciler struct{}

func NewDisabledReconciler() *DisabledReconciler { return &DisabledReconciler{} }

func (r *DisabledReconciler) ReconcileCronjob(ctx context.Context, job *v1.Cronjob) error {
	return nil
}

func (r *DisabledReconciler) DeleteCronjob(ctx context.Context, jobID, tenantID string) error {
	return nil
}

func (r *DisabledReconciler) ReconcileAll(ctx context.Context) (*v1.ReconcileReport, error) {
	return &v1.ReconcileReport{}, nil
}

var _ Reconciler = (*DisabledReconciler)(nil)
