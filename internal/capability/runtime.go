package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/kilnworks/autopilot/internal/audit"
	"github.com/kilnworks/autopilot/internal/connector"
	"github.com/kilnworks/autopilot/internal/models"
	"github.com/kilnworks/autopilot/internal/store"
)

// Actor is the authenticated identity exercising a capability.
type Actor struct {
	ID       string
	Type     string // agent|human|service
	TenantID string
	Scopes   []string
	Staff    bool
}

// RuntimeConfig carries the governance toggles the runtime needs.
type RuntimeConfig struct {
	// RequireApprovalForExternalWrites forces manual review for every
	// capability regardless of its declared approval mode.
	RequireApprovalForExternalWrites bool

	// AllowedTenantIDs restricts which tenants may propose at all. Empty
	// means unrestricted.
	AllowedTenantIDs []string
}

// Runtime evaluates proposals and, when writes are enabled, dispatches
// approved ones through the pilot write executor. A nil executor means
// dry-run mode: approvals are recorded but nothing leaves the process.
type Runtime struct {
	cfg      RuntimeConfig
	catalog  *Catalog
	store    store.Store
	audit    audit.Store
	executor *connector.PilotWriteExecutor
	logger   *log.Logger
}

func NewRuntime(cfg RuntimeConfig, catalog *Catalog, st store.Store, auditStore audit.Store, executor *connector.PilotWriteExecutor, logger *log.Logger) *Runtime {
	if logger == nil {
		logger = log.New(os.Stdout, "[capability] ", log.LstdFlags)
	}
	return &Runtime{
		cfg:      cfg,
		catalog:  catalog,
		store:    st,
		audit:    auditStore,
		executor: executor,
		logger:   logger,
	}
}

// Decision is the outcome of propose/decide, including the audit trail
// pointer callers need for tracing.
type Decision struct {
	Proposal     models.Proposal
	ReasonCode   string
	AuditEventID string
}

// ExecuteResult reports what execution did. DryRun is set when the write
// executor is disabled: the proposal stays approved but unexecuted, visibly.
type ExecuteResult struct {
	Proposal     models.Proposal
	Executed     bool
	DryRun       bool
	Result       json.RawMessage
	AuditEventID string
}

// Propose records a new proposal and immediately evaluates it. The returned
// Decision reflects the proposal's post-evaluation status.
func (r *Runtime) Propose(ctx context.Context, actor Actor, ownerUID, capabilityID string, input json.RawMessage) (Decision, error) {
	p, err := r.store.CreateProposal(ctx, store.ProposalInput{
		CapabilityID: capabilityID,
		ActorID:      actor.ID,
		OwnerUID:     ownerUID,
		TenantID:     actor.TenantID,
		Input:        input,
	})
	if err != nil {
		return Decision{}, fmt.Errorf("create proposal: %w", err)
	}
	return r.Decide(ctx, actor, p.ID)
}

// Decide evaluates a pending proposal. Evaluation order: capability and scope,
// tenant, approval mode, quota. Every outcome, denials included, writes an
// audit event stamped with the active policy version.
func (r *Runtime) Decide(ctx context.Context, actor Actor, proposalID string) (Decision, error) {
	p, err := r.store.GetProposal(ctx, proposalID)
	if err != nil {
		return Decision{}, err
	}
	if p.Status != models.ProposalStatusPending {
		// Already decided; decisions are append-only and never revisited.
		return Decision{Proposal: p}, nil
	}

	policy, err := r.store.ActivePolicyVersion(ctx)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return Decision{}, fmt.Errorf("load policy version: %w", err)
	}

	// 1. Capability must exist and the actor must hold a matching scope.
	h := r.catalog.Get(p.CapabilityID)
	if h == nil {
		return r.deny(ctx, actor, p, policy, ReasonPolicyDenied, "unknown_capability")
	}
	def := h.Definition()
	if !scopeMatches(def.AllowedScopes, actor.Scopes) {
		return r.deny(ctx, actor, p, policy, ReasonPolicyDenied, "scope_mismatch")
	}

	// 2. Tenant of the actor must equal the proposal's tenant, and the tenant
	// must be allowed at all.
	if actor.TenantID != p.TenantID || !r.tenantAllowed(p.TenantID) {
		return r.deny(ctx, actor, p, policy, ReasonTenantMismatch, "tenant_mismatch")
	}

	// 3. Manual approval mode requires a prior staff approval event. Routing
	// to review happens before the quota gate so a pending proposal never
	// consumes quota.
	needsManual := def.ApprovalMode == models.ApprovalModeManual || r.cfg.RequireApprovalForExternalWrites
	if needsManual {
		approved, err := r.store.HasStaffApproval(ctx, p.ID)
		if err != nil {
			return Decision{}, fmt.Errorf("check staff approval: %w", err)
		}
		if !approved {
			evID := r.appendAudit(ctx, actor, p, policy, audit.ApprovalStatePending, "routed to manual review", "")
			return Decision{Proposal: p, AuditEventID: evID}, nil
		}
	}

	// 4. Quota for (actor, capability, window), charged exactly once on the
	// pass that approves.
	windowStart := quotaWindowStart(time.Now().UTC(), def.Quota.Window)
	count, allowed, err := r.store.IncrementQuota(ctx, p.ActorID, p.CapabilityID, windowStart, def.Quota.Limit)
	if err != nil {
		return Decision{}, fmt.Errorf("increment quota: %w", err)
	}
	if !allowed {
		return r.deny(ctx, actor, p, policy, ReasonQuotaExceeded, fmt.Sprintf("quota_exceeded: %d/%d in window", count, def.Quota.Limit))
	}

	decided, err := r.store.RecordDecision(ctx, p.ID, models.ProposalStatusApproved, "")
	if err != nil {
		if errors.Is(err, store.ErrStaleTransition) {
			// A concurrent decide won; surface the current row.
			current, getErr := r.store.GetProposal(ctx, p.ID)
			if getErr != nil {
				return Decision{}, getErr
			}
			return Decision{Proposal: current}, nil
		}
		return Decision{}, fmt.Errorf("record decision: %w", err)
	}
	evID := r.appendAudit(ctx, actor, decided, policy, audit.ApprovalStateApproved, "", "")
	return Decision{Proposal: decided, AuditEventID: evID}, nil
}

// Approve records a staff approval event for a pending proposal and
// re-evaluates it. Only staff actors may call this.
func (r *Runtime) Approve(ctx context.Context, staff Actor, proposalID string) (Decision, error) {
	if !staff.Staff {
		p, err := r.store.GetProposal(ctx, proposalID)
		if err != nil {
			return Decision{}, err
		}
		policy, _ := r.store.ActivePolicyVersion(ctx)
		return r.deny(ctx, staff, p, policy, ReasonPolicyDenied, "staff_role_required")
	}
	if err := r.store.RecordStaffApproval(ctx, proposalID, staff.ID); err != nil {
		return Decision{}, fmt.Errorf("record staff approval: %w", err)
	}
	p, err := r.store.GetProposal(ctx, proposalID)
	if err != nil {
		return Decision{}, err
	}
	ev := &audit.Event{
		ActorType:     audit.ActorTypeHuman,
		ActorID:       staff.ID,
		Action:        "capability.staff_approved",
		Target:        proposalID,
		ApprovalState: audit.ApprovalStateApproved,
	}
	if err := r.audit.Append(ctx, ev); err != nil {
		r.logger.Printf("append staff approval audit: %v", err)
	}
	decideActor := Actor{ID: p.ActorID, Type: audit.ActorTypeAgent, TenantID: p.TenantID, Scopes: scopesFor(r.catalog, p.CapabilityID)}
	return r.Decide(ctx, decideActor, proposalID)
}

// Execute dispatches an approved proposal through the pilot write executor.
// It is idempotent per proposal id: a replay returns the recorded result
// without re-invoking the connector.
func (r *Runtime) Execute(ctx context.Context, actor Actor, proposalID string) (ExecuteResult, error) {
	p, err := r.store.GetProposal(ctx, proposalID)
	if err != nil {
		return ExecuteResult{}, err
	}

	policy, perr := r.store.ActivePolicyVersion(ctx)
	if perr != nil && !errors.Is(perr, store.ErrNotFound) {
		return ExecuteResult{}, fmt.Errorf("load policy version: %w", perr)
	}

	// Execution may only follow an approved decision by an actor of the same
	// tenant.
	if actor.TenantID != p.TenantID {
		return ExecuteResult{}, r.denyExecution(ctx, actor, p, policy, ReasonTenantMismatch, "executing actor tenant does not match proposal tenant")
	}
	if p.Status == models.ProposalStatusExecuted {
		return ExecuteResult{Proposal: p, Executed: false, Result: p.Result}, nil
	}
	if p.Status != models.ProposalStatusApproved {
		return ExecuteResult{}, r.denyExecution(ctx, actor, p, policy, ReasonPolicyDenied, "proposal is not approved")
	}

	h := r.catalog.Get(p.CapabilityID)
	if h == nil {
		return ExecuteResult{}, r.denyExecution(ctx, actor, p, policy, ReasonPolicyDenied, "unknown_capability")
	}

	// Dry-run mode: write executor disabled. The approval stands, nothing
	// executes, and the caller sees that explicitly.
	if r.executor == nil {
		ev := &audit.Event{
			ActorType:     actor.Type,
			ActorID:       actor.ID,
			Action:        "capability.execution_skipped",
			Rationale:     "write execution disabled",
			Target:        p.ID,
			ApprovalState: audit.ApprovalStateSkipped,
			InputHash:     audit.HashValue(p.Input),
			Metadata:      policyMetadata(policy),
		}
		if err := r.audit.Append(ctx, ev); err != nil {
			r.logger.Printf("append dry-run audit: %v", err)
		}
		return ExecuteResult{Proposal: p, Executed: false, DryRun: true, AuditEventID: ev.ID}, nil
	}

	payload, err := h.Evaluate(ctx, p.Input)
	if err != nil {
		return ExecuteResult{}, r.denyExecution(ctx, actor, p, policy, ReasonPolicyDenied, "input rejected: "+err.Error())
	}

	def := h.Definition()
	result, err := r.executor.ExecuteWrite(ctx, def.Connector, def.InvokePath, payload)
	if err != nil {
		ev := &audit.Event{
			ActorType:     actor.Type,
			ActorID:       actor.ID,
			Action:        "capability.execution_failed",
			Rationale:     err.Error(),
			Target:        p.ID,
			ApprovalState: audit.ApprovalStateApproved,
			InputHash:     audit.HashValue(p.Input),
			Metadata:      policyMetadata(policy),
		}
		if aerr := r.audit.Append(ctx, ev); aerr != nil {
			r.logger.Printf("append execution failure audit: %v", aerr)
		}
		if errors.Is(err, connector.ErrUnavailable) {
			return ExecuteResult{}, &DeniedError{Code: ReasonConnectorUnavailable, Message: err.Error(), AuditEventID: ev.ID}
		}
		return ExecuteResult{}, err
	}

	executed, executedNow, err := r.store.MarkExecuted(ctx, p.ID, result)
	if err != nil {
		return ExecuteResult{}, fmt.Errorf("mark executed: %w", err)
	}
	ev := &audit.Event{
		ActorType:     actor.Type,
		ActorID:       actor.ID,
		Action:        "capability.executed",
		Target:        p.ID,
		ApprovalState: audit.ApprovalStateExecuted,
		InputHash:     audit.HashValue(p.Input),
		OutputHash:    audit.HashValue(result),
		Metadata:      policyMetadata(policy),
	}
	if err := r.audit.Append(ctx, ev); err != nil {
		r.logger.Printf("append execution audit: %v", err)
	}
	return ExecuteResult{Proposal: executed, Executed: executedNow, Result: result, AuditEventID: ev.ID}, nil
}

// --- internals ---

func (r *Runtime) deny(ctx context.Context, actor Actor, p models.Proposal, policy models.PolicyVersion, code, rationale string) (Decision, error) {
	denied, err := r.store.RecordDecision(ctx, p.ID, models.ProposalStatusDenied, code)
	if err != nil && !errors.Is(err, store.ErrStaleTransition) {
		return Decision{}, fmt.Errorf("record denial: %w", err)
	}
	if denied.ID == "" {
		denied = p
	}
	evID := r.appendAudit(ctx, actor, denied, policy, audit.ApprovalStateDenied, rationale, code)
	return Decision{Proposal: denied, ReasonCode: code, AuditEventID: evID},
		&DeniedError{Code: code, Message: rationale, AuditEventID: evID}
}

// denyExecution audits a refused execution without changing proposal status.
func (r *Runtime) denyExecution(ctx context.Context, actor Actor, p models.Proposal, policy models.PolicyVersion, code, rationale string) error {
	ev := &audit.Event{
		ActorType:     actor.Type,
		ActorID:       actor.ID,
		Action:        "capability.execution_denied",
		Rationale:     rationale,
		Target:        p.ID,
		ApprovalState: audit.ApprovalStateDenied,
		Metadata:      policyMetadata(policy),
	}
	if err := r.audit.Append(ctx, ev); err != nil {
		r.logger.Printf("append execution denial audit: %v", err)
	}
	return &DeniedError{Code: code, Message: rationale, AuditEventID: ev.ID}
}

func (r *Runtime) appendAudit(ctx context.Context, actor Actor, p models.Proposal, policy models.PolicyVersion, state, rationale, code string) string {
	action := "capability.decided"
	switch state {
	case audit.ApprovalStateApproved:
		action = "capability.approved"
	case audit.ApprovalStateDenied:
		action = "capability.denied"
	case audit.ApprovalStatePending:
		action = "capability.pending_review"
	}
	md := policyMetadata(policy)
	if code != "" {
		md["reasonCode"] = code
	}
	md["capabilityId"] = p.CapabilityID
	md["tenantId"] = p.TenantID
	ev := &audit.Event{
		ActorType:     actor.Type,
		ActorID:       actor.ID,
		Action:        action,
		Rationale:     rationale,
		Target:        p.ID,
		ApprovalState: state,
		InputHash:     audit.HashValue(p.Input),
		Metadata:      md,
	}
	if err := r.audit.Append(ctx, ev); err != nil {
		r.logger.Printf("append decision audit: %v", err)
	}
	return ev.ID
}

func (r *Runtime) tenantAllowed(tenantID string) bool {
	if len(r.cfg.AllowedTenantIDs) == 0 {
		return true
	}
	for _, t := range r.cfg.AllowedTenantIDs {
		if t == tenantID {
			return true
		}
	}
	return false
}

func policyMetadata(policy models.PolicyVersion) map[string]interface{} {
	md := map[string]interface{}{}
	if policy.ID != "" {
		md["policyVersionId"] = policy.ID
		md["policyVersion"] = policy.Version
	}
	return md
}

func scopeMatches(allowed, held []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		for _, h := range held {
			if a == h {
				return true
			}
		}
	}
	return false
}

func scopesFor(catalog *Catalog, capabilityID string) []string {
	h := catalog.Get(capabilityID)
	if h == nil {
		return nil
	}
	return h.Definition().AllowedScopes
}

func quotaWindowStart(now time.Time, window time.Duration) time.Time {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return now.Truncate(window)
}
