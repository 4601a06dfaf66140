package jobs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/kilnworks/autopilot/internal/audit"
	"github.com/kilnworks/autopilot/internal/connector"
)

type fakePortal struct {
	resp json.RawMessage
}

func (f *fakePortal) Name() string { return "portal" }

func (f *fakePortal) Health(ctx context.Context) connector.Health { return connector.Health{OK: true} }

func (f *fakePortal) Invoke(ctx context.Context, path string, payload json.RawMessage) (json.RawMessage, error) {
	return f.resp, nil
}

func TestReconcileCooldownSuppression(t *testing.T) {
	portal := &fakePortal{resp: json.RawMessage(`{
		"candidates": [
			{"ruleId": "unbilled-firing", "customerId": "c-1", "amount": 42.50},
			{"ruleId": "stale-deposit", "customerId": "c-2", "amount": 120}
		]
	}`)}
	job := NewReconcileJob(portal, audit.NewFileStore(t.TempDir()), time.Hour)

	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	job.now = func() time.Time { return clock }

	summary, err := job.Run(context.Background())
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if summary != "candidates=2 emitted=2 suppressed=0" {
		t.Fatalf("unexpected first summary: %s", summary)
	}

	// Same rules still firing inside the cooldown window stay quiet.
	clock = clock.Add(30 * time.Minute)
	summary, err = job.Run(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if summary != "candidates=2 emitted=0 suppressed=2" {
		t.Fatalf("expected full suppression, got: %s", summary)
	}

	// Past the cooldown the rules may emit again.
	clock = clock.Add(2 * time.Hour)
	summary, err = job.Run(context.Background())
	if err != nil {
		t.Fatalf("third run: %v", err)
	}
	if summary != "candidates=2 emitted=2 suppressed=0" {
		t.Fatalf("expected re-emission after cooldown, got: %s", summary)
	}
}

func TestReconcileSkipsCandidatesWithoutRule(t *testing.T) {
	portal := &fakePortal{resp: json.RawMessage(`{"candidates": [{"customerId": "c-1", "amount": 5}]}`)}
	job := NewReconcileJob(portal, audit.NewFileStore(t.TempDir()), time.Hour)

	summary, err := job.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary != "candidates=1 emitted=0 suppressed=0" {
		t.Fatalf("unexpected summary: %s", summary)
	}
}
