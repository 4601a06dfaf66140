package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kilnworks/autopilot/internal/models"
)

// PGStore is the Postgres-backed governance store.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// EnsureSchema creates the governance tables if they do not exist.
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	const q = `
CREATE TABLE IF NOT EXISTS proposals (
  id text PRIMARY KEY,
  capability_id text NOT NULL,
  actor_id text NOT NULL,
  owner_uid text NOT NULL DEFAULT '',
  tenant_id text NOT NULL DEFAULT '',
  input jsonb NOT NULL DEFAULT '{}',
  status text NOT NULL,
  reason text,
  result jsonb,
  created_at timestamptz NOT NULL DEFAULT now(),
  decided_at timestamptz
);
CREATE INDEX IF NOT EXISTS idx_proposals_actor ON proposals (actor_id, created_at DESC);

CREATE TABLE IF NOT EXISTS staff_approvals (
  id text PRIMARY KEY,
  proposal_id text NOT NULL,
  staff_id text NOT NULL,
  created_at timestamptz NOT NULL DEFAULT now(),
  UNIQUE (proposal_id, staff_id)
);

CREATE TABLE IF NOT EXISTS quota_usage (
  actor_id text NOT NULL,
  capability_id text NOT NULL,
  window_start timestamptz NOT NULL,
  count integer NOT NULL DEFAULT 0,
  PRIMARY KEY (actor_id, capability_id, window_start)
);

CREATE TABLE IF NOT EXISTS policy_versions (
  id text PRIMARY KEY,
  version integer NOT NULL,
  active boolean NOT NULL DEFAULT false,
  activated_at timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS swarm_events (
  id text PRIMARY KEY,
  event_type text NOT NULL,
  swarm_id text NOT NULL,
  run_id text NOT NULL,
  actor_id text NOT NULL DEFAULT '',
  payload jsonb NOT NULL DEFAULT '{}',
  created_at timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_swarm_events_swarm ON swarm_events (swarm_id, created_at);

CREATE TABLE IF NOT EXISTS swarm_agents (
  agent_id text PRIMARY KEY,
  swarm_id text NOT NULL,
  run_id text NOT NULL,
  role text NOT NULL DEFAULT '',
  created_at timestamptz NOT NULL DEFAULT now(),
  last_seen_at timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS swarm_tasks (
  id text PRIMARY KEY,
  status text NOT NULL,
  assigned_agent_id text,
  inputs jsonb NOT NULL DEFAULT '{}',
  outputs jsonb,
  swarm_id text NOT NULL,
  run_id text NOT NULL,
  created_at timestamptz NOT NULL DEFAULT now(),
  updated_at timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_swarm_tasks_status ON swarm_tasks (status);

CREATE TABLE IF NOT EXISTS job_runs (
  id text PRIMARY KEY,
  job_name text NOT NULL,
  status text NOT NULL,
  summary text NOT NULL DEFAULT '',
  started_at timestamptz NOT NULL,
  completed_at timestamptz
);
CREATE INDEX IF NOT EXISTS idx_job_runs_name ON job_runs (job_name, started_at DESC);
`
	_, err := s.db.ExecContext(ctx, q)
	return err
}

// --- Proposals ---

func (s *PGStore) CreateProposal(ctx context.Context, in ProposalInput) (models.Proposal, error) {
	if in.ID == "" {
		in.ID = uuid.New().String()
	}
	if in.Status == "" {
		in.Status = models.ProposalStatusPending
	}
	query := `
		INSERT INTO proposals (id, capability_id, actor_id, owner_uid, tenant_id, input, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING created_at
	`
	var createdAt time.Time
	if err := s.db.QueryRowContext(ctx, query, in.ID, in.CapabilityID, in.ActorID, in.OwnerUID, in.TenantID, ensureJSON(in.Input), in.Status).Scan(&createdAt); err != nil {
		return models.Proposal{}, fmt.Errorf("insert proposal: %w", err)
	}
	return models.Proposal{
		ID:           in.ID,
		CapabilityID: in.CapabilityID,
		ActorID:      in.ActorID,
		OwnerUID:     in.OwnerUID,
		TenantID:     in.TenantID,
		Input:        ensureJSON(in.Input),
		Status:       in.Status,
		CreatedAt:    createdAt,
	}, nil
}

func (s *PGStore) GetProposal(ctx context.Context, id string) (models.Proposal, error) {
	const query = `
		SELECT id, capability_id, actor_id, owner_uid, tenant_id, input, status,
		       reason, result, created_at, decided_at
		FROM proposals WHERE id=$1
	`
	return scanProposal(s.db.QueryRowContext(ctx, query, id))
}

// RecordDecision moves a pending proposal to approved/denied. A proposal that
// already left pending yields ErrStaleTransition so callers never overwrite a
// prior decision.
func (s *PGStore) RecordDecision(ctx context.Context, id, status, reason string) (models.Proposal, error) {
	const query = `
		UPDATE proposals
		SET status=$2, reason=$3, decided_at=NOW()
		WHERE id=$1 AND status=$4
		RETURNING id, capability_id, actor_id, owner_uid, tenant_id, input, status,
		          reason, result, created_at, decided_at
	`
	p, err := scanProposal(s.db.QueryRowContext(ctx, query, id, status, reason, models.ProposalStatusPending))
	if errors.Is(err, ErrNotFound) {
		if _, getErr := s.GetProposal(ctx, id); getErr == nil {
			return models.Proposal{}, ErrStaleTransition
		}
		return models.Proposal{}, ErrNotFound
	}
	return p, err
}

// MarkExecuted transitions approved -> executed. Replays return the already
// executed proposal with executedNow=false.
func (s *PGStore) MarkExecuted(ctx context.Context, id string, result json.RawMessage) (models.Proposal, bool, error) {
	const query = `
		UPDATE proposals
		SET status=$2, result=$3
		WHERE id=$1 AND status=$4
		RETURNING id, capability_id, actor_id, owner_uid, tenant_id, input, status,
		          reason, result, created_at, decided_at
	`
	p, err := scanProposal(s.db.QueryRowContext(ctx, query, id, models.ProposalStatusExecuted, ensureJSON(result), models.ProposalStatusApproved))
	if err == nil {
		return p, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return models.Proposal{}, false, err
	}
	existing, getErr := s.GetProposal(ctx, id)
	if getErr != nil {
		return models.Proposal{}, false, getErr
	}
	if existing.Status == models.ProposalStatusExecuted {
		return existing, false, nil
	}
	return models.Proposal{}, false, ErrStaleTransition
}

func (s *PGStore) RecordStaffApproval(ctx context.Context, proposalID, staffID string) error {
	query := `
		INSERT INTO staff_approvals (id, proposal_id, staff_id)
		VALUES ($1,$2,$3)
		ON CONFLICT (proposal_id, staff_id) DO NOTHING
	`
	if _, err := s.db.ExecContext(ctx, query, uuid.New().String(), proposalID, staffID); err != nil {
		return fmt.Errorf("insert staff approval: %w", err)
	}
	return nil
}

func (s *PGStore) HasStaffApproval(ctx context.Context, proposalID string) (bool, error) {
	var n int
	query := `SELECT COUNT(1) FROM staff_approvals WHERE proposal_id=$1`
	if err := s.db.QueryRowContext(ctx, query, proposalID).Scan(&n); err != nil {
		return false, fmt.Errorf("count staff approvals: %w", err)
	}
	return n > 0, nil
}

func scanProposal(row *sql.Row) (models.Proposal, error) {
	var (
		p       models.Proposal
		input   []byte
		reason  sql.NullString
		result  []byte
		decided sql.NullTime
	)
	err := row.Scan(&p.ID, &p.CapabilityID, &p.ActorID, &p.OwnerUID, &p.TenantID,
		&input, &p.Status, &reason, &result, &p.CreatedAt, &decided)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Proposal{}, ErrNotFound
		}
		return models.Proposal{}, fmt.Errorf("scan proposal: %w", err)
	}
	p.Input = append(json.RawMessage(nil), input...)
	if len(result) > 0 {
		p.Result = append(json.RawMessage(nil), result...)
	}
	p.Reason = reason.String
	p.DecidedAt = nullTimePtr(decided)
	return p, nil
}

// --- Quota ---

// IncrementQuota performs an atomic compare-and-increment on the usage row for
// (actor, capability, window). Under concurrent proposals the ON CONFLICT
// update is serialized by the row lock, so counts are never lost.
func (s *PGStore) IncrementQuota(ctx context.Context, actorID, capabilityID string, windowStart time.Time, limit int) (int, bool, error) {
	if limit <= 0 {
		const query = `
			INSERT INTO quota_usage (actor_id, capability_id, window_start, count)
			VALUES ($1,$2,$3,1)
			ON CONFLICT (actor_id, capability_id, window_start)
			DO UPDATE SET count = quota_usage.count + 1
			RETURNING count
		`
		var count int
		if err := s.db.QueryRowContext(ctx, query, actorID, capabilityID, windowStart).Scan(&count); err != nil {
			return 0, false, fmt.Errorf("increment quota: %w", err)
		}
		return count, true, nil
	}

	const query = `
		INSERT INTO quota_usage (actor_id, capability_id, window_start, count)
		VALUES ($1,$2,$3,1)
		ON CONFLICT (actor_id, capability_id, window_start)
		DO UPDATE SET count = quota_usage.count + 1
		WHERE quota_usage.count < $4
		RETURNING count
	`
	var count int
	err := s.db.QueryRowContext(ctx, query, actorID, capabilityID, windowStart, limit).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		// Conditional update matched nothing: the window is already at limit.
		return limit, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("increment quota: %w", err)
	}
	return count, true, nil
}

// --- Policy versions ---

func (s *PGStore) ActivePolicyVersion(ctx context.Context) (models.PolicyVersion, error) {
	const query = `
		SELECT id, version, activated_at
		FROM policy_versions
		WHERE active = TRUE
		ORDER BY version DESC
		LIMIT 1
	`
	var pv models.PolicyVersion
	if err := s.db.QueryRowContext(ctx, query).Scan(&pv.ID, &pv.Version, &pv.ActivatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.PolicyVersion{}, ErrNotFound
		}
		return models.PolicyVersion{}, fmt.Errorf("query active policy version: %w", err)
	}
	return pv, nil
}

// --- Swarm ---

// AppendSwarmEvent writes the event to the durable log. Replayed ids are
// absorbed by ON CONFLICT and reported as appended=false.
func (s *PGStore) AppendSwarmEvent(ctx context.Context, ev models.SwarmEvent) (bool, error) {
	query := `
		INSERT INTO swarm_events (id, event_type, swarm_id, run_id, actor_id, payload)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (id) DO NOTHING
	`
	res, err := s.db.ExecContext(ctx, query, ev.ID, ev.EventType, ev.SwarmID, ev.RunID, ev.ActorID, ensureJSON(ev.Payload))
	if err != nil {
		return false, fmt.Errorf("append swarm event: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *PGStore) UpsertSwarmAgent(ctx context.Context, agent models.SwarmAgent) error {
	query := `
		INSERT INTO swarm_agents (agent_id, swarm_id, run_id, role, last_seen_at)
		VALUES ($1,$2,$3,$4,NOW())
		ON CONFLICT (agent_id)
		DO UPDATE SET swarm_id = EXCLUDED.swarm_id,
			run_id = EXCLUDED.run_id,
			role = COALESCE(NULLIF(EXCLUDED.role, ''), swarm_agents.role),
			last_seen_at = NOW()
	`
	if _, err := s.db.ExecContext(ctx, query, agent.AgentID, agent.SwarmID, agent.RunID, agent.Role); err != nil {
		return fmt.Errorf("upsert swarm agent: %w", err)
	}
	return nil
}

func (s *PGStore) GetSwarmTask(ctx context.Context, id string) (models.SwarmTask, error) {
	const query = `
		SELECT id, status, assigned_agent_id, inputs, outputs, swarm_id, run_id, created_at, updated_at
		FROM swarm_tasks WHERE id=$1
	`
	var (
		t        models.SwarmTask
		assigned sql.NullString
		inputs   []byte
		outputs  []byte
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(&t.ID, &t.Status, &assigned, &inputs, &outputs, &t.SwarmID, &t.RunID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.SwarmTask{}, ErrNotFound
		}
		return models.SwarmTask{}, fmt.Errorf("get swarm task: %w", err)
	}
	t.AssignedAgentID = assigned.String
	t.Inputs = append(json.RawMessage(nil), inputs...)
	if len(outputs) > 0 {
		t.Outputs = append(json.RawMessage(nil), outputs...)
	}
	return t, nil
}

// CreateSwarmTask inserts a task row if absent. A replayed task.created is a
// no-op and reports created=false.
func (s *PGStore) CreateSwarmTask(ctx context.Context, task models.SwarmTask) (bool, error) {
	query := `
		INSERT INTO swarm_tasks (id, status, assigned_agent_id, inputs, swarm_id, run_id)
		VALUES ($1,$2,NULLIF($3,''),$4,$5,$6)
		ON CONFLICT (id) DO NOTHING
	`
	res, err := s.db.ExecContext(ctx, query, task.ID, task.Status, task.AssignedAgentID, ensureJSON(task.Inputs), task.SwarmID, task.RunID)
	if err != nil {
		return false, fmt.Errorf("create swarm task: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// AssignSwarmTask moves created -> assigned. Missing or already-progressed
// tasks report false.
func (s *PGStore) AssignSwarmTask(ctx context.Context, id, agentID string) (bool, error) {
	query := `
		UPDATE swarm_tasks
		SET status=$2, assigned_agent_id=$3, updated_at=NOW()
		WHERE id=$1 AND status=$4
	`
	res, err := s.db.ExecContext(ctx, query, id, models.TaskStatusAssigned, agentID, models.TaskStatusCreated)
	if err != nil {
		return false, fmt.Errorf("assign swarm task: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// FinishSwarmTask moves a non-terminal task to completed/failed.
func (s *PGStore) FinishSwarmTask(ctx context.Context, id, status string, outputs json.RawMessage) (bool, error) {
	query := `
		UPDATE swarm_tasks
		SET status=$2, outputs=COALESCE($3, outputs), updated_at=NOW()
		WHERE id=$1 AND status IN ($4, $5)
	`
	var out interface{}
	if len(outputs) > 0 {
		out = []byte(outputs)
	}
	res, err := s.db.ExecContext(ctx, query, id, status, out, models.TaskStatusCreated, models.TaskStatusAssigned)
	if err != nil {
		return false, fmt.Errorf("finish swarm task: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RequeueSwarmTask is the explicit exception to forward-only transitions: a
// terminal task returns to assigned for another attempt.
func (s *PGStore) RequeueSwarmTask(ctx context.Context, id string) (bool, error) {
	query := `
		UPDATE swarm_tasks
		SET status=$2, outputs=NULL, updated_at=NOW()
		WHERE id=$1 AND status IN ($3, $4)
	`
	res, err := s.db.ExecContext(ctx, query, id, models.TaskStatusAssigned, models.TaskStatusCompleted, models.TaskStatusFailed)
	if err != nil {
		return false, fmt.Errorf("requeue swarm task: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *PGStore) SwarmTaskCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM swarm_tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count swarm tasks: %w", err)
	}
	defer rows.Close()
	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan task count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// --- Job runs ---

func (s *PGStore) StartJobRun(ctx context.Context, run models.JobRun) error {
	query := `
		INSERT INTO job_runs (id, job_name, status, started_at)
		VALUES ($1,$2,$3,$4)
	`
	if _, err := s.db.ExecContext(ctx, query, run.ID, run.JobName, models.JobStatusRunning, run.StartedAt); err != nil {
		return fmt.Errorf("insert job run: %w", err)
	}
	return nil
}

func (s *PGStore) FinishJobRun(ctx context.Context, id, status, summary string) error {
	query := `
		UPDATE job_runs
		SET status=$2, summary=$3, completed_at=NOW()
		WHERE id=$1
	`
	res, err := s.db.ExecContext(ctx, query, id, status, summary)
	if err != nil {
		return fmt.Errorf("finish job run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
