package capability_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kilnworks/autopilot/internal/audit"
	"github.com/kilnworks/autopilot/internal/capability"
	"github.com/kilnworks/autopilot/internal/connector"
	"github.com/kilnworks/autopilot/internal/models"
	"github.com/kilnworks/autopilot/internal/store"
)

type staticHandler struct {
	def models.Capability
}

func (h *staticHandler) Definition() models.Capability { return h.def }

func (h *staticHandler) Evaluate(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	if len(input) == 0 {
		return json.RawMessage(`{}`), nil
	}
	return input, nil
}

func newTestRuntime(t *testing.T, cfg capability.RuntimeConfig, executor *connector.PilotWriteExecutor) (*capability.Runtime, *store.MemoryStore, audit.Store) {
	t.Helper()
	catalog := capability.NewCatalog()
	register := func(id, scope string, mode string, limit int) {
		if err := catalog.Register(&staticHandler{def: models.Capability{
			ID:            id,
			ApprovalMode:  mode,
			AllowedScopes: []string{scope},
			Quota:         models.QuotaPolicy{Limit: limit, Window: time.Hour},
			Connector:     "portal",
			InvokePath:    "/" + id,
		}}); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}
	register("reservation.adjust", "reservations:write", models.ApprovalModeAuto, 20)
	register("invoice.tight", "billing:write", models.ApprovalModeAuto, 1)
	register("kiln.schedule.hold", "kiln:write", models.ApprovalModeManual, 1)

	mem := store.NewMemoryStore()
	auditStore := audit.NewFileStore(t.TempDir())
	return capability.NewRuntime(cfg, catalog, mem, auditStore, executor, nil), mem, auditStore
}

func agentActor(tenant string, scopes ...string) capability.Actor {
	return capability.Actor{ID: "agent-1", Type: "agent", TenantID: tenant, Scopes: scopes}
}

func TestProposeAutoApproved(t *testing.T) {
	rt, _, auditStore := newTestRuntime(t, capability.RuntimeConfig{}, nil)
	actor := agentActor("tenant-a", "reservations:write")

	d, err := rt.Propose(context.Background(), actor, "owner-1", "reservation.adjust", json.RawMessage(`{"reservationId":"r-1"}`))
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if d.Proposal.Status != models.ProposalStatusApproved {
		t.Fatalf("expected approved, got %s", d.Proposal.Status)
	}
	if d.AuditEventID == "" {
		t.Fatalf("decision must carry an audit event id")
	}
	ev, err := auditStore.Get(context.Background(), d.AuditEventID)
	if err != nil {
		t.Fatalf("audit event not persisted: %v", err)
	}
	if ev.ApprovalState != audit.ApprovalStateApproved {
		t.Fatalf("unexpected audit state %q", ev.ApprovalState)
	}
	if ev.Metadata["policyVersionId"] == nil {
		t.Fatalf("audit event must be stamped with the active policy version: %+v", ev.Metadata)
	}
}

func TestProposeUnknownCapabilityDenied(t *testing.T) {
	rt, _, _ := newTestRuntime(t, capability.RuntimeConfig{}, nil)
	actor := agentActor("tenant-a", "reservations:write")

	d, err := rt.Propose(context.Background(), actor, "owner-1", "no.such.capability", nil)
	de, ok := capability.Denied(err)
	if !ok {
		t.Fatalf("expected DeniedError, got %v", err)
	}
	if de.Code != capability.ReasonPolicyDenied {
		t.Fatalf("expected POLICY_DENIED, got %s", de.Code)
	}
	if d.Proposal.Status != models.ProposalStatusDenied {
		t.Fatalf("proposal should be denied, got %s", d.Proposal.Status)
	}
	if de.AuditEventID == "" {
		t.Fatalf("denial must carry an audit event id")
	}
}

func TestProposeScopeMismatchDenied(t *testing.T) {
	rt, _, _ := newTestRuntime(t, capability.RuntimeConfig{}, nil)
	actor := agentActor("tenant-a", "billing:write") // holds no reservations scope

	_, err := rt.Propose(context.Background(), actor, "owner-1", "reservation.adjust", nil)
	de, ok := capability.Denied(err)
	if !ok || de.Code != capability.ReasonPolicyDenied {
		t.Fatalf("expected POLICY_DENIED, got %v", err)
	}
}

func TestProposeTenantNotAllowed(t *testing.T) {
	rt, _, auditStore := newTestRuntime(t, capability.RuntimeConfig{AllowedTenantIDs: []string{"tenant-a"}}, nil)
	actor := agentActor("tenant-z", "reservations:write")

	d, err := rt.Propose(context.Background(), actor, "owner-1", "reservation.adjust", nil)
	de, ok := capability.Denied(err)
	if !ok || de.Code != capability.ReasonTenantMismatch {
		t.Fatalf("expected TENANT_MISMATCH, got %v", err)
	}
	ev, err := auditStore.Get(context.Background(), d.AuditEventID)
	if err != nil {
		t.Fatalf("denial audit not persisted: %v", err)
	}
	if ev.ApprovalState != audit.ApprovalStateDenied {
		t.Fatalf("unexpected audit state %q", ev.ApprovalState)
	}
}

func TestProposeQuotaExceeded(t *testing.T) {
	rt, _, _ := newTestRuntime(t, capability.RuntimeConfig{}, nil)
	actor := agentActor("tenant-a", "billing:write")

	if _, err := rt.Propose(context.Background(), actor, "owner-1", "invoice.tight", nil); err != nil {
		t.Fatalf("first proposal should pass: %v", err)
	}
	_, err := rt.Propose(context.Background(), actor, "owner-1", "invoice.tight", nil)
	de, ok := capability.Denied(err)
	if !ok || de.Code != capability.ReasonQuotaExceeded {
		t.Fatalf("expected QUOTA_EXCEEDED, got %v", err)
	}
}

func TestManualApprovalFlow(t *testing.T) {
	rt, _, _ := newTestRuntime(t, capability.RuntimeConfig{}, nil)
	actor := agentActor("tenant-a", "kiln:write")

	d, err := rt.Propose(context.Background(), actor, "owner-1", "kiln.schedule.hold", json.RawMessage(`{"kilnId":"k-1"}`))
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if d.Proposal.Status != models.ProposalStatusPending {
		t.Fatalf("manual capability should stay pending, got %s", d.Proposal.Status)
	}

	// Non-staff actors cannot approve.
	if _, err := rt.Approve(context.Background(), actor, d.Proposal.ID); err == nil {
		t.Fatalf("non-staff approve should fail")
	}

	staff := capability.Actor{ID: "ops-1", Type: "human", TenantID: "tenant-a", Staff: true}
	approved, err := rt.Approve(context.Background(), staff, d.Proposal.ID)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if approved.Proposal.Status != models.ProposalStatusApproved {
		t.Fatalf("expected approved after staff review, got %s", approved.Proposal.Status)
	}
}

func TestManualApprovalChargesQuotaOnce(t *testing.T) {
	rt, _, _ := newTestRuntime(t, capability.RuntimeConfig{}, nil)
	actor := agentActor("tenant-a", "kiln:write")
	staff := capability.Actor{ID: "ops-1", Type: "human", TenantID: "tenant-a", Staff: true}

	// kiln.schedule.hold has a quota of one per window. Routing to review and
	// the later staff approval together must consume exactly one unit.
	d, err := rt.Propose(context.Background(), actor, "owner-1", "kiln.schedule.hold", json.RawMessage(`{"kilnId":"k-1"}`))
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	approved, err := rt.Approve(context.Background(), staff, d.Proposal.ID)
	if err != nil {
		t.Fatalf("approving the actor's only proposal in the window: %v", err)
	}
	if approved.Proposal.Status != models.ProposalStatusApproved {
		t.Fatalf("expected approved, got %s", approved.Proposal.Status)
	}

	// A second proposal still routes to review without consuming quota; its
	// approval is what trips the limit.
	d2, err := rt.Propose(context.Background(), actor, "owner-1", "kiln.schedule.hold", json.RawMessage(`{"kilnId":"k-2"}`))
	if err != nil {
		t.Fatalf("second Propose: %v", err)
	}
	if d2.Proposal.Status != models.ProposalStatusPending {
		t.Fatalf("second proposal should be pending, got %s", d2.Proposal.Status)
	}
	_, err = rt.Approve(context.Background(), staff, d2.Proposal.ID)
	de, ok := capability.Denied(err)
	if !ok || de.Code != capability.ReasonQuotaExceeded {
		t.Fatalf("expected QUOTA_EXCEEDED on the second approval, got %v", err)
	}
}

func TestRequireApprovalForcesManualReview(t *testing.T) {
	rt, _, _ := newTestRuntime(t, capability.RuntimeConfig{RequireApprovalForExternalWrites: true}, nil)
	actor := agentActor("tenant-a", "reservations:write")

	d, err := rt.Propose(context.Background(), actor, "owner-1", "reservation.adjust", nil)
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if d.Proposal.Status != models.ProposalStatusPending {
		t.Fatalf("auto capability must route to review under the global toggle, got %s", d.Proposal.Status)
	}
}

func TestExecuteDryRunWhenWritesDisabled(t *testing.T) {
	rt, _, auditStore := newTestRuntime(t, capability.RuntimeConfig{}, nil)
	actor := agentActor("tenant-a", "reservations:write")

	d, err := rt.Propose(context.Background(), actor, "owner-1", "reservation.adjust", nil)
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}

	res, err := rt.Execute(context.Background(), actor, d.Proposal.ID)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.DryRun || res.Executed {
		t.Fatalf("expected dry-run, got %+v", res)
	}
	if res.Proposal.Status != models.ProposalStatusApproved {
		t.Fatalf("dry-run must leave the proposal approved, got %s", res.Proposal.Status)
	}
	ev, err := auditStore.Get(context.Background(), res.AuditEventID)
	if err != nil {
		t.Fatalf("dry-run audit not persisted: %v", err)
	}
	if ev.ApprovalState != audit.ApprovalStateSkipped {
		t.Fatalf("expected skipped audit state, got %q", ev.ApprovalState)
	}
}

func TestExecuteDispatchesAndReplays(t *testing.T) {
	var calls int
	portal := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true,"ref":"write-1"}`))
	}))
	defer portal.Close()

	registry := connector.NewRegistry()
	if err := registry.Register(connector.NewHTTPConnector("portal", portal.URL, 0)); err != nil {
		t.Fatalf("register connector: %v", err)
	}
	executor := connector.NewPilotWriteExecutor(registry, 0, nil)

	rt, _, _ := newTestRuntime(t, capability.RuntimeConfig{}, executor)
	actor := agentActor("tenant-a", "reservations:write")

	d, err := rt.Propose(context.Background(), actor, "owner-1", "reservation.adjust", json.RawMessage(`{"reservationId":"r-1"}`))
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}

	res, err := rt.Execute(context.Background(), actor, d.Proposal.ID)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Executed || res.DryRun {
		t.Fatalf("expected a real execution, got %+v", res)
	}
	if res.Proposal.Status != models.ProposalStatusExecuted {
		t.Fatalf("expected executed status, got %s", res.Proposal.Status)
	}

	// Replaying the execute returns the recorded result without a second call.
	replay, err := rt.Execute(context.Background(), actor, d.Proposal.ID)
	if err != nil {
		t.Fatalf("Execute replay: %v", err)
	}
	if replay.Executed {
		t.Fatalf("replay must not report executedNow")
	}
	if string(replay.Result) != `{"ok":true,"ref":"write-1"}` {
		t.Fatalf("replay should surface the recorded result, got %s", replay.Result)
	}
	if calls != 1 {
		t.Fatalf("connector must be invoked exactly once, got %d", calls)
	}
}

func TestExecuteRejectsUnapproved(t *testing.T) {
	rt, _, _ := newTestRuntime(t, capability.RuntimeConfig{}, nil)
	actor := agentActor("tenant-a", "kiln:write")

	d, err := rt.Propose(context.Background(), actor, "owner-1", "kiln.schedule.hold", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	_, err = rt.Execute(context.Background(), actor, d.Proposal.ID)
	de, ok := capability.Denied(err)
	if !ok || de.Code != capability.ReasonPolicyDenied {
		t.Fatalf("executing a pending proposal must be denied, got %v", err)
	}
}

func TestExecuteCrossTenantDenied(t *testing.T) {
	rt, _, auditStore := newTestRuntime(t, capability.RuntimeConfig{}, nil)
	owner := agentActor("tenant-a", "reservations:write")

	d, err := rt.Propose(context.Background(), owner, "owner-1", "reservation.adjust", json.RawMessage(`{"reservationId":"r-1"}`))
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}

	outsider := capability.Actor{ID: "agent-2", Type: "agent", TenantID: "tenant-b", Scopes: []string{"reservations:write"}}
	_, err = rt.Execute(context.Background(), outsider, d.Proposal.ID)
	de, ok := capability.Denied(err)
	if !ok || de.Code != capability.ReasonTenantMismatch {
		t.Fatalf("expected TENANT_MISMATCH, got %v", err)
	}
	ev, err := auditStore.Get(context.Background(), de.AuditEventID)
	if err != nil {
		t.Fatalf("cross-tenant denial audit not persisted: %v", err)
	}
	if ev.ApprovalState != audit.ApprovalStateDenied {
		t.Fatalf("unexpected audit state %q", ev.ApprovalState)
	}
}

func TestExecuteConnectorUnavailable(t *testing.T) {
	registry := connector.NewRegistry() // nothing registered
	executor := connector.NewPilotWriteExecutor(registry, time.Second, nil)

	rt, _, _ := newTestRuntime(t, capability.RuntimeConfig{}, executor)
	actor := agentActor("tenant-a", "reservations:write")

	d, err := rt.Propose(context.Background(), actor, "owner-1", "reservation.adjust", nil)
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	_, err = rt.Execute(context.Background(), actor, d.Proposal.ID)
	de, ok := capability.Denied(err)
	if !ok || de.Code != capability.ReasonConnectorUnavailable {
		t.Fatalf("expected CONNECTOR_UNAVAILABLE, got %v", err)
	}
}
