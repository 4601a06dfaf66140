package audit

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/kilnworks/autopilot/internal/canonical"
)

// Store is the persistence abstraction for the audit log. Events are append
// only; the single permitted mutation is an explicit time-boxed retention
// prune.
type Store interface {
	// Append canonicalizes the event body, computes the chain hash, and
	// persists the event. The event's ID, At, PrevHash and Hash fields are
	// populated on return.
	Append(ctx context.Context, ev *Event) error

	// Get retrieves an event by id.
	Get(ctx context.Context, id string) (*Event, error)

	// PruneBefore deletes events older than cutoff and returns how many rows
	// were removed. Never invoked automatically.
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Ping validates the store is reachable.
	Ping(ctx context.Context) error
}

// chainBody is the portion of an event covered by the chain hash. PrevHash is
// mixed in separately as raw bytes.
func chainBody(ev *Event) map[string]interface{} {
	return map[string]interface{}{
		"id":            ev.ID,
		"at":            ev.At.Format(time.RFC3339Nano),
		"actorType":     ev.ActorType,
		"actorId":       ev.ActorID,
		"action":        ev.Action,
		"rationale":     ev.Rationale,
		"target":        ev.Target,
		"approvalState": ev.ApprovalState,
		"inputHash":     ev.InputHash,
		"outputHash":    ev.OutputHash,
		"metadata":      ev.Metadata,
	}
}

// computeChainHash fills ID/At defaults and computes
// sha256(canonical(body) || prevHashBytes).
func computeChainHash(ev *Event, prev string) error {
	if ev.ID == "" {
		ev.ID = NewUUID()
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	canon, err := canonical.Marshal(chainBody(ev))
	if err != nil {
		return fmt.Errorf("canonicalize audit event: %w", err)
	}
	concat := append([]byte(nil), canon...)
	if prev != "" {
		prevBytes, err := hex.DecodeString(prev)
		if err != nil {
			return fmt.Errorf("decode prev hash: %w", err)
		}
		concat = append(concat, prevBytes...)
	}
	ev.PrevHash = prev
	ev.Hash = HashHex(concat)
	return nil
}

// HashValue hashes an arbitrary JSON-like value for InputHash/OutputHash
// fields. Returns "" for nil.
func HashValue(v interface{}) string {
	if v == nil {
		return ""
	}
	h, err := canonical.HashHex(v)
	if err != nil {
		return ""
	}
	return h
}
