package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/kilnworks/autopilot/internal/audit"
	"github.com/kilnworks/autopilot/internal/connector"
)

// ReconcileJob scans the business portal for billing discrepancies and emits a
// draft audit event per triggered rule. A rule that already emitted a draft
// within its cooldown window stays quiet even while the condition persists.
type ReconcileJob struct {
	portal   connector.Connector
	audit    audit.Store
	cooldown time.Duration

	mu          sync.Mutex
	lastEmitted map[string]time.Time
	now         func() time.Time
}

// reconcileCandidate is one rule hit reported by the portal.
type reconcileCandidate struct {
	RuleID     string  `json:"ruleId"`
	CustomerID string  `json:"customerId"`
	Amount     float64 `json:"amount"`
	Detail     string  `json:"detail,omitempty"`
}

func NewReconcileJob(portal connector.Connector, auditStore audit.Store, cooldown time.Duration) *ReconcileJob {
	if cooldown <= 0 {
		cooldown = 24 * time.Hour
	}
	return &ReconcileJob{
		portal:      portal,
		audit:       auditStore,
		cooldown:    cooldown,
		lastEmitted: map[string]time.Time{},
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (j *ReconcileJob) Name() string { return "financeReconcile" }

func (j *ReconcileJob) Run(ctx context.Context) (string, error) {
	raw, err := j.portal.Invoke(ctx, "/billing/reconciliation/candidates", json.RawMessage(`{}`))
	if err != nil {
		return "", fmt.Errorf("fetch reconciliation candidates: %w", err)
	}
	var resp struct {
		Candidates []reconcileCandidate `json:"candidates"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("decode candidates: %w", err)
	}

	emitted, suppressed := 0, 0
	for _, c := range resp.Candidates {
		if c.RuleID == "" {
			continue
		}
		if j.inCooldown(c.RuleID) {
			suppressed++
			continue
		}
		ev := &audit.Event{
			ActorType: audit.ActorTypeService,
			ActorID:   "job-runner",
			Action:    "finance.reconciliation_draft",
			Rationale: c.Detail,
			Target:    c.CustomerID,
			Metadata: map[string]interface{}{
				"ruleId": c.RuleID,
				"amount": c.Amount,
			},
		}
		if err := j.audit.Append(ctx, ev); err != nil {
			return "", fmt.Errorf("append reconciliation audit: %w", err)
		}
		j.markEmitted(c.RuleID)
		emitted++
	}
	return fmt.Sprintf("candidates=%d emitted=%d suppressed=%d", len(resp.Candidates), emitted, suppressed), nil
}

func (j *ReconcileJob) inCooldown(ruleID string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	last, ok := j.lastEmitted[ruleID]
	return ok && j.now().Sub(last) < j.cooldown
}

func (j *ReconcileJob) markEmitted(ruleID string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.lastEmitted[ruleID] = j.now()
}
