package models

import (
	"encoding/json"
	"time"
)

// Approval modes for capabilities.
const (
	ApprovalModeAuto   = "auto"
	ApprovalModeManual = "manual"
)

// Proposal statuses. Transitions are append-only: decision and execution rows
// reference the proposal, history is never overwritten.
const (
	ProposalStatusPending  = "pending"
	ProposalStatusApproved = "approved"
	ProposalStatusDenied   = "denied"
	ProposalStatusExecuted = "executed"
	ProposalStatusExpired  = "expired"
)

// Capability is an immutable catalog entry describing a policy-governed class
// of privileged action. Defined at boot, never mutated at runtime.
type Capability struct {
	ID            string      `json:"id"`
	Description   string      `json:"description"`
	ApprovalMode  string      `json:"approvalMode"`
	AllowedScopes []string    `json:"allowedScopes"`
	Quota         QuotaPolicy `json:"quotaPolicy"`
	Connector     string      `json:"connector,omitempty"`
	InvokePath    string      `json:"invokePath,omitempty"`
}

// QuotaPolicy bounds how often an actor may exercise a capability within a
// rolling window. Limit <= 0 means unlimited.
type QuotaPolicy struct {
	Limit  int           `json:"limit"`
	Window time.Duration `json:"window"`
}

// Proposal is a recorded request to exercise a capability.
type Proposal struct {
	ID           string          `json:"id"`
	CapabilityID string          `json:"capabilityId"`
	ActorID      string          `json:"actorId"`
	OwnerUID     string          `json:"ownerUid"`
	TenantID     string          `json:"tenantId"`
	Input        json.RawMessage `json:"input"`
	Status       string          `json:"status"`
	Reason       string          `json:"reason,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	DecidedAt    *time.Time      `json:"decidedAt,omitempty"`
}

// QuotaRecord tracks per-actor usage of a capability inside one window.
type QuotaRecord struct {
	ActorID      string    `json:"actorId"`
	CapabilityID string    `json:"capabilityId"`
	WindowStart  time.Time `json:"windowStart"`
	Count        int       `json:"count"`
}

// PolicyVersion identifies the rule set a decision was evaluated against.
// The active version id is stamped into audit metadata so later audits can
// reconstruct what rule applied.
type PolicyVersion struct {
	ID          string    `json:"id"`
	Version     int       `json:"version"`
	ActivatedAt time.Time `json:"activatedAt"`
}

// Swarm task statuses. Status only moves forward; completed/failed are
// terminal except for an explicit requeue.
const (
	TaskStatusCreated   = "created"
	TaskStatusAssigned  = "assigned"
	TaskStatusCompleted = "completed"
	TaskStatusFailed    = "failed"
)

// SwarmAgent is the stable identity of one agent process in a swarm run.
// Upserted on every run.started and heartbeat event.
type SwarmAgent struct {
	AgentID    string    `json:"agentId"`
	SwarmID    string    `json:"swarmId"`
	RunID      string    `json:"runId"`
	Role       string    `json:"role,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	LastSeenAt time.Time `json:"lastSeenAt"`
}

// SwarmTask is a unit of shared work claimed and completed by swarm agents.
type SwarmTask struct {
	ID              string          `json:"id"`
	Status          string          `json:"status"`
	AssignedAgentID string          `json:"assignedAgentId,omitempty"`
	Inputs          json.RawMessage `json:"inputs,omitempty"`
	Outputs         json.RawMessage `json:"outputs,omitempty"`
	SwarmID         string          `json:"swarmId"`
	RunID           string          `json:"runId"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// SwarmEvent is one entry of the canonical, replayable event log the
// orchestrator consumes to rebuild agent and task state.
type SwarmEvent struct {
	ID        string          `json:"id"`
	EventType string          `json:"eventType"`
	SwarmID   string          `json:"swarmId"`
	RunID     string          `json:"runId"`
	ActorID   string          `json:"actorId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Job run statuses.
const (
	JobStatusRunning   = "running"
	JobStatusSucceeded = "succeeded"
	JobStatusFailed    = "failed"
)

// JobRun is one row per background job invocation.
type JobRun struct {
	ID          string     `json:"id"`
	JobName     string     `json:"jobName"`
	Status      string     `json:"status"`
	Summary     string     `json:"summary,omitempty"`
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}
