package jobs

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kilnworks/autopilot/internal/audit"
)

func TestPruneJobRemovesExpired(t *testing.T) {
	store := audit.NewFileStore(t.TempDir())
	now := time.Now().UTC()

	old := &audit.Event{At: now.Add(-72 * time.Hour), ActorType: audit.ActorTypeService, ActorID: "svc", Action: "old"}
	if err := store.Append(context.Background(), old); err != nil {
		t.Fatalf("append old: %v", err)
	}
	recent := &audit.Event{At: now.Add(-time.Hour), ActorType: audit.ActorTypeService, ActorID: "svc", Action: "recent"}
	if err := store.Append(context.Background(), recent); err != nil {
		t.Fatalf("append recent: %v", err)
	}

	job := NewPruneJob(store, 24*time.Hour)
	job.now = func() time.Time { return now }

	summary, err := job.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(summary, "pruned=1") {
		t.Fatalf("expected one pruned event, got %q", summary)
	}

	if _, err := store.Get(context.Background(), old.ID); !errors.Is(err, audit.ErrNotFound) {
		t.Fatalf("old event should be gone, got %v", err)
	}
	if _, err := store.Get(context.Background(), recent.ID); err != nil {
		t.Fatalf("recent event must survive: %v", err)
	}
}

func TestPruneJobRequiresRetention(t *testing.T) {
	job := NewPruneJob(audit.NewFileStore(t.TempDir()), 0)
	if _, err := job.Run(context.Background()); err == nil {
		t.Fatalf("zero retention must error")
	}
}
