package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PGStore persists audit events into Postgres.
type PGStore struct {
	db *sql.DB
}

// NewPGStore constructs a Postgres-backed audit store.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

// Ping verifies connectivity to Postgres.
func (p *PGStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// EnsureSchema creates the audit table if it does not exist.
func (p *PGStore) EnsureSchema(ctx context.Context) error {
	const q = `
CREATE TABLE IF NOT EXISTS audit_events (
  id text PRIMARY KEY,
  at timestamptz NOT NULL,
  actor_type text NOT NULL,
  actor_id text NOT NULL,
  action text NOT NULL,
  rationale text NOT NULL DEFAULT '',
  target text NOT NULL DEFAULT '',
  approval_state text NOT NULL DEFAULT '',
  input_hash text NOT NULL DEFAULT '',
  output_hash text NOT NULL DEFAULT '',
  metadata jsonb,
  prev_hash text NOT NULL DEFAULT '',
  hash text NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_events_at ON audit_events (at DESC);
CREATE INDEX IF NOT EXISTS idx_audit_events_target ON audit_events (target);
`
	_, err := p.db.ExecContext(ctx, q)
	return err
}

// lastHash returns the latest chain hash from audit_events or "" if none.
func (p *PGStore) lastHash(ctx context.Context) (string, error) {
	var h sql.NullString
	q := `SELECT hash FROM audit_events ORDER BY at DESC, id DESC LIMIT 1`
	if err := p.db.QueryRowContext(ctx, q).Scan(&h); err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", err
	}
	if !h.Valid {
		return "", nil
	}
	return h.String, nil
}

// Append computes the chain hash against the current head and inserts the
// event row.
func (p *PGStore) Append(ctx context.Context, ev *Event) error {
	prev, err := p.lastHash(ctx)
	if err != nil {
		return fmt.Errorf("fetch last hash: %w", err)
	}
	if err := computeChainHash(ev, prev); err != nil {
		return err
	}

	var metadataJSON []byte
	if ev.Metadata != nil {
		metadataJSON, err = json.Marshal(ev.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
	} else {
		metadataJSON = []byte("null")
	}

	q := `
		INSERT INTO audit_events
		  (id, at, actor_type, actor_id, action, rationale, target, approval_state,
		   input_hash, output_hash, metadata, prev_hash, hash)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`
	_, err = p.db.ExecContext(ctx, q,
		ev.ID, ev.At, ev.ActorType, ev.ActorID, ev.Action, ev.Rationale,
		ev.Target, ev.ApprovalState, ev.InputHash, ev.OutputHash,
		metadataJSON, ev.PrevHash, ev.Hash,
	)
	if err != nil {
		return fmt.Errorf("insert audit_event: %w", err)
	}
	return nil
}

// Get fetches an audit event by id.
func (p *PGStore) Get(ctx context.Context, id string) (*Event, error) {
	q := `
		SELECT id, at, actor_type, actor_id, action, rationale, target,
		       approval_state, input_hash, output_hash, metadata, prev_hash, hash
		FROM audit_events WHERE id=$1
	`
	row := p.db.QueryRowContext(ctx, q, id)

	var (
		ev        Event
		metaBytes []byte
	)
	err := row.Scan(&ev.ID, &ev.At, &ev.ActorType, &ev.ActorID, &ev.Action,
		&ev.Rationale, &ev.Target, &ev.ApprovalState, &ev.InputHash,
		&ev.OutputHash, &metaBytes, &ev.PrevHash, &ev.Hash)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query audit_event: %w", err)
	}
	if len(metaBytes) > 0 && string(metaBytes) != "null" {
		if err := json.Unmarshal(metaBytes, &ev.Metadata); err != nil {
			// Keep the record retrievable even if metadata bytes are mangled.
			ev.Metadata = map[string]interface{}{"raw": string(metaBytes)}
		}
	}
	return &ev, nil
}

// PruneBefore removes events older than cutoff. This is the only mutation the
// audit log permits.
func (p *PGStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM audit_events WHERE at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune audit_events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
