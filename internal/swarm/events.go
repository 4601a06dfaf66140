// package swarm maintains agent and task lifecycle state by consuming the
// ordered swarm event stream and re-publishing derived events.
package swarm

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind enumerates the event types the orchestrator understands. Unknown wire
// types map to KindUnknown and are ignored, never treated as errors.
type Kind int

const (
	KindUnknown Kind = iota
	KindRunStarted
	KindRunFinished
	KindTaskCreated
	KindTaskAssigned
	KindAgentMessage
)

// Wire type strings.
const (
	TypeRunStarted   = "run.started"
	TypeRunFinished  = "run.finished"
	TypeTaskCreated  = "task.created"
	TypeTaskAssigned = "task.assigned"
	TypeAgentMessage = "agent.message"
)

// Envelope is the event-bus wire format.
type Envelope struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	SwarmID string          `json:"swarmId"`
	RunID   string          `json:"runId"`
	ActorID string          `json:"actorId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	At      time.Time       `json:"at,omitempty"`
}

// KindOf maps a wire type to its Kind.
func KindOf(wireType string) Kind {
	switch wireType {
	case TypeRunStarted:
		return KindRunStarted
	case TypeRunFinished:
		return KindRunFinished
	case TypeTaskCreated:
		return KindTaskCreated
	case TypeTaskAssigned:
		return KindTaskAssigned
	case TypeAgentMessage:
		return KindAgentMessage
	default:
		return KindUnknown
	}
}

// RunStartedPayload accompanies run.started and heartbeats.
type RunStartedPayload struct {
	Role string `json:"role,omitempty"`
}

// TaskCreatedPayload accompanies task.created.
type TaskCreatedPayload struct {
	TaskID          string          `json:"taskId"`
	Inputs          json.RawMessage `json:"inputs,omitempty"`
	AssignedAgentID string          `json:"assignedAgentId,omitempty"`
}

// TaskAssignedPayload accompanies task.assigned.
type TaskAssignedPayload struct {
	TaskID  string `json:"taskId"`
	AgentID string `json:"agentId"`
}

// AgentMessagePayload accompanies agent.message. State values done/completed
// finish a task; error/failed fail it. Anything else is a progress note.
type AgentMessagePayload struct {
	TaskID  string          `json:"taskId"`
	State   string          `json:"state,omitempty"`
	Outputs json.RawMessage `json:"outputs,omitempty"`
	Message string          `json:"message,omitempty"`
}

func decodePayload(ev Envelope, into interface{}) error {
	if len(ev.Payload) == 0 {
		return fmt.Errorf("event %s (%s): empty payload", ev.ID, ev.Type)
	}
	if err := json.Unmarshal(ev.Payload, into); err != nil {
		return fmt.Errorf("event %s (%s): decode payload: %w", ev.ID, ev.Type, err)
	}
	return nil
}
