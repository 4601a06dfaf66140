package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/kilnworks/autopilot/internal/audit"
)

// PruneJob deletes audit events older than the retention window. Pruning is
// the only mutation the audit log permits, so this job is registered
// manual-only and must be triggered by an operator.
type PruneJob struct {
	audit     audit.Store
	retention time.Duration

	now func() time.Time
}

func NewPruneJob(auditStore audit.Store, retention time.Duration) *PruneJob {
	return &PruneJob{audit: auditStore, retention: retention, now: time.Now}
}

func (j *PruneJob) Name() string { return "pruneAudit" }

func (j *PruneJob) Run(ctx context.Context) (string, error) {
	if j.retention <= 0 {
		return "", fmt.Errorf("retention not configured")
	}
	cutoff := j.now().UTC().Add(-j.retention)
	pruned, err := j.audit.PruneBefore(ctx, cutoff)
	if err != nil {
		return "", fmt.Errorf("prune audit events: %w", err)
	}
	return fmt.Sprintf("pruned=%d cutoff=%s", pruned, cutoff.Format(time.RFC3339)), nil
}
