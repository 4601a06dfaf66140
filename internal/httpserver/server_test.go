package httpserver

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kilnworks/autopilot/internal/audit"
	"github.com/kilnworks/autopilot/internal/auth"
	"github.com/kilnworks/autopilot/internal/capability"
	"github.com/kilnworks/autopilot/internal/connector"
	"github.com/kilnworks/autopilot/internal/jobs"
	"github.com/kilnworks/autopilot/internal/skills"
	"github.com/kilnworks/autopilot/internal/store"
)

const debugToken = "test-debug-token"

func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	mem := store.NewMemoryStore()
	auditStore := audit.NewFileStore(t.TempDir())

	catalog := capability.NewCatalog()
	if err := capability.RegisterBuiltins(catalog, "portal"); err != nil {
		t.Fatalf("register builtins: %v", err)
	}
	runtime := capability.NewRuntime(capability.RuntimeConfig{}, catalog, mem, auditStore, nil, nil)

	runner := jobs.NewRunner(mem, auditStore, nil)
	if err := runner.Register(jobs.NewSnapshotJob(mem, auditStore)); err != nil {
		t.Fatalf("register snapshot job: %v", err)
	}

	installer := skills.NewInstaller(skills.InstallerConfig{
		SourceDir:     t.TempDir(),
		InstallDir:    t.TempDir(),
		RequirePinned: true,
	}, nil, auditStore, nil)

	srv := New(auth.Config{AllowDebugToken: true, DebugToken: debugToken},
		runtime, mem, auditStore, connector.NewRegistry(), runner, installer)
	return srv.Router()
}

func doRequest(router http.Handler, method, path string, body []byte, withAuth bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if withAuth {
		req.Header.Set("Authorization", "Bearer "+debugToken)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	router := newTestServer(t)
	rec := doRequest(router, "GET", "/healthz", nil, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode health resp: %v", err)
	}
	if ok, _ := resp["ok"].(bool); !ok {
		t.Fatalf("expected ok=true: %+v", resp)
	}
}

func TestProposalsRequireAuth(t *testing.T) {
	router := newTestServer(t)
	body := []byte(`{"capabilityId":"reservation.adjust","input":{"reservationId":"r-1","newStart":"2026-03-01T10:00:00Z"}}`)
	rec := doRequest(router, "POST", "/v1/proposals", body, false)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestProposeAutoCapability(t *testing.T) {
	router := newTestServer(t)
	body := []byte(`{"capabilityId":"reservation.adjust","ownerUid":"owner-1","input":{"reservationId":"r-1","newStart":"2026-03-01T10:00:00Z"}}`)
	rec := doRequest(router, "POST", "/v1/proposals", body, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	var resp struct {
		Status       string `json:"status"`
		ProposalID   string `json:"proposalId"`
		AuditEventID string `json:"auditEventId"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "approved" {
		t.Fatalf("expected approved, got %s (%s)", resp.Status, rec.Body.String())
	}
	if resp.ProposalID == "" || resp.AuditEventID == "" {
		t.Fatalf("response missing ids: %+v", resp)
	}

	// The audit event is retrievable through the API.
	audRec := doRequest(router, "GET", "/v1/audit/"+resp.AuditEventID, nil, true)
	if audRec.Code != http.StatusOK {
		t.Fatalf("expected 200 for audit fetch, got %d", audRec.Code)
	}

	// So is the proposal.
	propRec := doRequest(router, "GET", "/v1/proposals/"+resp.ProposalID, nil, true)
	if propRec.Code != http.StatusOK {
		t.Fatalf("expected 200 for proposal fetch, got %d", propRec.Code)
	}
}

func TestProposeUnknownCapabilityReturnsDenial(t *testing.T) {
	router := newTestServer(t)
	body := []byte(`{"capabilityId":"no.such.capability","input":{}}`)
	rec := doRequest(router, "POST", "/v1/proposals", body, true)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d (%s)", rec.Code, rec.Body.String())
	}
	var resp struct {
		ReasonCode   string `json:"reasonCode"`
		AuditEventID string `json:"auditEventId"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode denial: %v", err)
	}
	if resp.ReasonCode != capability.ReasonPolicyDenied {
		t.Fatalf("expected POLICY_DENIED, got %s", resp.ReasonCode)
	}
	if resp.AuditEventID == "" {
		t.Fatalf("denial must reference its audit event")
	}
}

func TestExecuteDryRun(t *testing.T) {
	router := newTestServer(t)
	body := []byte(`{"capabilityId":"reservation.adjust","input":{"reservationId":"r-1","newStart":"2026-03-01T10:00:00Z"}}`)
	rec := doRequest(router, "POST", "/v1/proposals", body, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("propose: %d (%s)", rec.Code, rec.Body.String())
	}
	var proposed struct {
		ProposalID string `json:"proposalId"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &proposed); err != nil {
		t.Fatalf("decode: %v", err)
	}

	execRec := doRequest(router, "POST", "/v1/proposals/"+proposed.ProposalID+"/execute", nil, true)
	if execRec.Code != http.StatusOK {
		t.Fatalf("execute: %d (%s)", execRec.Code, execRec.Body.String())
	}
	var resp struct {
		Status   string `json:"status"`
		Executed bool   `json:"executed"`
		DryRun   bool   `json:"dryRun"`
	}
	if err := json.Unmarshal(execRec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode execute resp: %v", err)
	}
	if resp.Executed || !resp.DryRun {
		t.Fatalf("writes are disabled; expected dry-run, got %+v", resp)
	}
	if resp.Status != "approved" {
		t.Fatalf("dry-run must leave proposal approved, got %s", resp.Status)
	}
}

func TestManualCapabilityApprovalOverHTTP(t *testing.T) {
	router := newTestServer(t)
	body := []byte(`{"capabilityId":"kiln.schedule.hold","input":{"kilnId":"k-1","slotStart":"2026-03-02T08:00:00Z"}}`)
	rec := doRequest(router, "POST", "/v1/proposals", body, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("propose: %d (%s)", rec.Code, rec.Body.String())
	}
	var proposed struct {
		Status     string `json:"status"`
		ProposalID string `json:"proposalId"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &proposed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if proposed.Status != "pending" {
		t.Fatalf("manual capability should be pending, got %s", proposed.Status)
	}

	appRec := doRequest(router, "POST", "/v1/proposals/"+proposed.ProposalID+"/approve", nil, true)
	if appRec.Code != http.StatusOK {
		t.Fatalf("approve: %d (%s)", appRec.Code, appRec.Body.String())
	}
	var approved struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(appRec.Body.Bytes(), &approved); err != nil {
		t.Fatalf("decode approve resp: %v", err)
	}
	if approved.Status != "approved" {
		t.Fatalf("expected approved after staff review, got %s", approved.Status)
	}
}

func TestGetProposalNotFound(t *testing.T) {
	router := newTestServer(t)
	rec := doRequest(router, "GET", "/v1/proposals/does-not-exist", nil, true)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestRunJobEndpoint(t *testing.T) {
	router := newTestServer(t)
	rec := doRequest(router, "POST", "/v1/jobs/computeState/run", nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}

	statsRec := doRequest(router, "GET", "/v1/jobs/stats", nil, true)
	if statsRec.Code != http.StatusOK {
		t.Fatalf("stats: %d", statsRec.Code)
	}
	var stats map[string]jobs.Stats
	if err := json.Unmarshal(statsRec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats["computeState"].Succeeded != 1 {
		t.Fatalf("job run not reflected in stats: %+v", stats)
	}
}

func TestInstallSkillRejectsUnpinned(t *testing.T) {
	router := newTestServer(t)
	body := []byte(`{"reference":"glaze-planner@latest"}`)
	rec := doRequest(router, "POST", "/v1/skills/install", body, true)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d (%s)", rec.Code, rec.Body.String())
	}
	var resp struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Code != skills.CodeUnpinnedReference {
		t.Fatalf("expected UNPINNED_REFERENCE, got %s", resp.Code)
	}
}

func TestConnectorHealthEmptyRegistry(t *testing.T) {
	router := newTestServer(t)
	rec := doRequest(router, "GET", "/v1/connectors/health", nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
