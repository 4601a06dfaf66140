// package store persists governance state: proposals, quota usage, policy
// versions, swarm agents/tasks/events, and job runs. The relational store is
// the single arbiter of consistency; all writes are single-row transactions.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/kilnworks/autopilot/internal/models"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrStaleTransition is returned when a guarded status update matched no
	// row because the record was already past the expected state.
	ErrStaleTransition = errors.New("stale transition")
)

// ProposalInput carries the caller-supplied fields of a new proposal.
type ProposalInput struct {
	ID           string
	CapabilityID string
	ActorID      string
	OwnerUID     string
	TenantID     string
	Input        json.RawMessage
	Status       string
}

// Store is the governance persistence abstraction. PGStore backs production;
// MemoryStore backs dev mode and tests.
type Store interface {
	// Proposals. Decisions are guarded transitions from pending; execution is
	// a guarded transition from approved and idempotent per proposal id.
	CreateProposal(ctx context.Context, in ProposalInput) (models.Proposal, error)
	GetProposal(ctx context.Context, id string) (models.Proposal, error)
	RecordDecision(ctx context.Context, id, status, reason string) (models.Proposal, error)
	MarkExecuted(ctx context.Context, id string, result json.RawMessage) (models.Proposal, bool, error)
	RecordStaffApproval(ctx context.Context, proposalID, staffID string) error
	HasStaffApproval(ctx context.Context, proposalID string) (bool, error)

	// Quota. IncrementQuota is a compare-and-increment: the count only grows
	// while it is below limit, atomically under concurrent proposals.
	// limit <= 0 means unlimited.
	IncrementQuota(ctx context.Context, actorID, capabilityID string, windowStart time.Time, limit int) (count int, allowed bool, err error)

	// Policy versioning.
	ActivePolicyVersion(ctx context.Context) (models.PolicyVersion, error)

	// Swarm state. AppendSwarmEvent is idempotent by event id and must happen
	// before any derived mutation. CreateSwarmTask reports whether the row was
	// created (false on replay). Status updates are forward-only.
	AppendSwarmEvent(ctx context.Context, ev models.SwarmEvent) (bool, error)
	UpsertSwarmAgent(ctx context.Context, agent models.SwarmAgent) error
	GetSwarmTask(ctx context.Context, id string) (models.SwarmTask, error)
	CreateSwarmTask(ctx context.Context, task models.SwarmTask) (bool, error)
	AssignSwarmTask(ctx context.Context, id, agentID string) (bool, error)
	FinishSwarmTask(ctx context.Context, id, status string, outputs json.RawMessage) (bool, error)
	RequeueSwarmTask(ctx context.Context, id string) (bool, error)
	SwarmTaskCounts(ctx context.Context) (map[string]int, error)

	// Job runs.
	StartJobRun(ctx context.Context, run models.JobRun) error
	FinishJobRun(ctx context.Context, id, status, summary string) error

	Ping(ctx context.Context) error
}

func ensureJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return raw
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
