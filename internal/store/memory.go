package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kilnworks/autopilot/internal/models"
)

// MemoryStore is an in-process Store for dev mode and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	proposals map[string]models.Proposal
	approvals map[string]map[string]struct{}
	quotas    map[string]int
	policy    models.PolicyVersion
	events    map[string]models.SwarmEvent
	agents    map[string]models.SwarmAgent
	tasks     map[string]models.SwarmTask
	jobRuns   map[string]models.JobRun
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		proposals: map[string]models.Proposal{},
		approvals: map[string]map[string]struct{}{},
		quotas:    map[string]int{},
		policy: models.PolicyVersion{
			ID:          "policy-dev",
			Version:     1,
			ActivatedAt: time.Now().UTC(),
		},
		events:  map[string]models.SwarmEvent{},
		agents:  map[string]models.SwarmAgent{},
		tasks:   map[string]models.SwarmTask{},
		jobRuns: map[string]models.JobRun{},
	}
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func copyJSON(raw json.RawMessage, fallback string) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(fallback)
	}
	return append(json.RawMessage(nil), raw...)
}

// --- Proposals ---

func (m *MemoryStore) CreateProposal(ctx context.Context, in ProposalInput) (models.Proposal, error) {
	if in.ID == "" {
		in.ID = uuid.New().String()
	}
	if in.Status == "" {
		in.Status = models.ProposalStatusPending
	}
	p := models.Proposal{
		ID:           in.ID,
		CapabilityID: in.CapabilityID,
		ActorID:      in.ActorID,
		OwnerUID:     in.OwnerUID,
		TenantID:     in.TenantID,
		Input:        copyJSON(in.Input, "{}"),
		Status:       in.Status,
		CreatedAt:    time.Now().UTC(),
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.proposals[p.ID] = p
	return p, nil
}

func (m *MemoryStore) GetProposal(ctx context.Context, id string) (models.Proposal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.proposals[id]
	if !ok {
		return models.Proposal{}, ErrNotFound
	}
	return p, nil
}

func (m *MemoryStore) RecordDecision(ctx context.Context, id, status, reason string) (models.Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.proposals[id]
	if !ok {
		return models.Proposal{}, ErrNotFound
	}
	if p.Status != models.ProposalStatusPending {
		return models.Proposal{}, ErrStaleTransition
	}
	now := time.Now().UTC()
	p.Status = status
	p.Reason = reason
	p.DecidedAt = &now
	m.proposals[id] = p
	return p, nil
}

func (m *MemoryStore) MarkExecuted(ctx context.Context, id string, result json.RawMessage) (models.Proposal, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.proposals[id]
	if !ok {
		return models.Proposal{}, false, ErrNotFound
	}
	if p.Status == models.ProposalStatusExecuted {
		return p, false, nil
	}
	if p.Status != models.ProposalStatusApproved {
		return models.Proposal{}, false, ErrStaleTransition
	}
	p.Status = models.ProposalStatusExecuted
	p.Result = copyJSON(result, "{}")
	m.proposals[id] = p
	return p, true, nil
}

func (m *MemoryStore) RecordStaffApproval(ctx context.Context, proposalID, staffID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.approvals[proposalID]
	if !ok {
		set = map[string]struct{}{}
		m.approvals[proposalID] = set
	}
	set[staffID] = struct{}{}
	return nil
}

func (m *MemoryStore) HasStaffApproval(ctx context.Context, proposalID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.approvals[proposalID]) > 0, nil
}

// --- Quota ---

func (m *MemoryStore) IncrementQuota(ctx context.Context, actorID, capabilityID string, windowStart time.Time, limit int) (int, bool, error) {
	key := actorID + "|" + capabilityID + "|" + windowStart.UTC().Format(time.RFC3339)
	m.mu.Lock()
	defer m.mu.Unlock()
	count := m.quotas[key]
	if limit > 0 && count >= limit {
		return count, false, nil
	}
	count++
	m.quotas[key] = count
	return count, true, nil
}

// --- Policy ---

func (m *MemoryStore) ActivePolicyVersion(ctx context.Context) (models.PolicyVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.policy, nil
}

// --- Swarm ---

func (m *MemoryStore) AppendSwarmEvent(ctx context.Context, ev models.SwarmEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.events[ev.ID]; exists {
		return false, nil
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	ev.Payload = copyJSON(ev.Payload, "{}")
	m.events[ev.ID] = ev
	return true, nil
}

func (m *MemoryStore) UpsertSwarmAgent(ctx context.Context, agent models.SwarmAgent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	existing, ok := m.agents[agent.AgentID]
	if ok {
		existing.SwarmID = agent.SwarmID
		existing.RunID = agent.RunID
		if agent.Role != "" {
			existing.Role = agent.Role
		}
		existing.LastSeenAt = now
		m.agents[agent.AgentID] = existing
		return nil
	}
	agent.CreatedAt = now
	agent.LastSeenAt = now
	m.agents[agent.AgentID] = agent
	return nil
}

func (m *MemoryStore) GetSwarmTask(ctx context.Context, id string) (models.SwarmTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return models.SwarmTask{}, ErrNotFound
	}
	return t, nil
}

func (m *MemoryStore) CreateSwarmTask(ctx context.Context, task models.SwarmTask) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tasks[task.ID]; exists {
		return false, nil
	}
	now := time.Now().UTC()
	task.Inputs = copyJSON(task.Inputs, "{}")
	task.CreatedAt = now
	task.UpdatedAt = now
	m.tasks[task.ID] = task
	return true, nil
}

func (m *MemoryStore) AssignSwarmTask(ctx context.Context, id, agentID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.Status != models.TaskStatusCreated {
		return false, nil
	}
	t.Status = models.TaskStatusAssigned
	t.AssignedAgentID = agentID
	t.UpdatedAt = time.Now().UTC()
	m.tasks[id] = t
	return true, nil
}

func (m *MemoryStore) FinishSwarmTask(ctx context.Context, id, status string, outputs json.RawMessage) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return false, nil
	}
	if t.Status != models.TaskStatusCreated && t.Status != models.TaskStatusAssigned {
		return false, nil
	}
	t.Status = status
	if len(outputs) > 0 {
		t.Outputs = append(json.RawMessage(nil), outputs...)
	}
	t.UpdatedAt = time.Now().UTC()
	m.tasks[id] = t
	return true, nil
}

func (m *MemoryStore) RequeueSwarmTask(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return false, nil
	}
	if t.Status != models.TaskStatusCompleted && t.Status != models.TaskStatusFailed {
		return false, nil
	}
	t.Status = models.TaskStatusAssigned
	t.Outputs = nil
	t.UpdatedAt = time.Now().UTC()
	m.tasks[id] = t
	return true, nil
}

func (m *MemoryStore) SwarmTaskCounts(ctx context.Context) (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[string]int)
	for _, t := range m.tasks {
		counts[t.Status]++
	}
	return counts, nil
}

// --- Job runs ---

func (m *MemoryStore) StartJobRun(ctx context.Context, run models.JobRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run.Status = models.JobStatusRunning
	m.jobRuns[run.ID] = run
	return nil
}

func (m *MemoryStore) FinishJobRun(ctx context.Context, id, status, summary string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.jobRuns[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	run.Status = status
	run.Summary = summary
	run.CompletedAt = &now
	m.jobRuns[id] = run
	return nil
}
