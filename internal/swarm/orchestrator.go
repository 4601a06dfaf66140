package swarm

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/google/uuid"

	"github.com/kilnworks/autopilot/internal/audit"
	"github.com/kilnworks/autopilot/internal/models"
	"github.com/kilnworks/autopilot/internal/store"
)

// Publisher re-publishes derived events onto the swarm stream so assignments
// are observable by every consumer, not just this process.
type Publisher interface {
	Publish(ctx context.Context, ev Envelope) error
}

// Orchestrator applies swarm events to durable agent/task state. One instance
// owns its state; there are no ambient globals. At-least-once delivery is
// assumed, so every mutation is idempotent.
type Orchestrator struct {
	store     store.Store
	audit     audit.Store
	publisher Publisher
	logger    *log.Logger
}

func NewOrchestrator(st store.Store, auditStore audit.Store, publisher Publisher, logger *log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.New(os.Stdout, "[swarm] ", log.LstdFlags)
	}
	return &Orchestrator{store: st, audit: auditStore, publisher: publisher, logger: logger}
}

// HandleEvent durably appends the event to the swarm log, then applies the
// derived state change. A crash between append and apply is recoverable by
// replay: the append is idempotent by event id, and every apply tolerates
// having already run.
func (o *Orchestrator) HandleEvent(ctx context.Context, ev Envelope) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if _, err := o.store.AppendSwarmEvent(ctx, models.SwarmEvent{
		ID:        ev.ID,
		EventType: ev.Type,
		SwarmID:   ev.SwarmID,
		RunID:     ev.RunID,
		ActorID:   ev.ActorID,
		Payload:   ev.Payload,
	}); err != nil {
		return fmt.Errorf("append swarm event: %w", err)
	}

	switch KindOf(ev.Type) {
	case KindRunStarted:
		return o.applyRunStarted(ctx, ev)
	case KindRunFinished:
		return o.applyRunFinished(ctx, ev)
	case KindTaskCreated:
		return o.applyTaskCreated(ctx, ev)
	case KindTaskAssigned:
		return o.applyTaskAssigned(ctx, ev)
	case KindAgentMessage:
		return o.applyAgentMessage(ctx, ev)
	case KindUnknown:
		// Forward compatibility: unknown types are no-ops.
		o.logger.Printf("ignoring unknown event type %q (id=%s)", ev.Type, ev.ID)
		return nil
	}
	return nil
}

// applyRunStarted upserts the emitting agent's identity. Replays and
// heartbeats converge on the same row.
func (o *Orchestrator) applyRunStarted(ctx context.Context, ev Envelope) error {
	var p RunStartedPayload
	if len(ev.Payload) > 0 {
		if err := decodePayload(ev, &p); err != nil {
			return err
		}
	}
	return o.store.UpsertSwarmAgent(ctx, models.SwarmAgent{
		AgentID: ev.ActorID,
		SwarmID: ev.SwarmID,
		RunID:   ev.RunID,
		Role:    p.Role,
	})
}

func (o *Orchestrator) applyRunFinished(ctx context.Context, ev Envelope) error {
	o.appendAudit(ctx, ev, "swarm.run_finished", "")
	return nil
}

// applyTaskCreated creates the task row if absent, synthesizes an assignment,
// and re-publishes task.assigned so every consumer observes it. A replay for
// an already-assigned task is absorbed; a redelivery that finds the task still
// in created (the previous attempt crashed before assigning) completes the
// assignment.
func (o *Orchestrator) applyTaskCreated(ctx context.Context, ev Envelope) error {
	var p TaskCreatedPayload
	if err := decodePayload(ev, &p); err != nil {
		return err
	}
	if p.TaskID == "" {
		return fmt.Errorf("event %s: task.created without taskId", ev.ID)
	}

	agentID := p.AssignedAgentID
	if agentID == "" {
		agentID = fmt.Sprintf("%s-agent-1", ev.RunID)
	}

	created, err := o.store.CreateSwarmTask(ctx, models.SwarmTask{
		ID:      p.TaskID,
		Status:  models.TaskStatusCreated,
		Inputs:  p.Inputs,
		SwarmID: ev.SwarmID,
		RunID:   ev.RunID,
	})
	if err != nil {
		return err
	}
	if !created {
		task, err := o.store.GetSwarmTask(ctx, p.TaskID)
		if err != nil {
			return err
		}
		if task.Status != models.TaskStatusCreated {
			return nil
		}
	}

	if _, err := o.store.AssignSwarmTask(ctx, p.TaskID, agentID); err != nil {
		return err
	}
	o.appendAudit(ctx, ev, "swarm.task_assigned", p.TaskID)

	if o.publisher != nil {
		payload, _ := json.Marshal(TaskAssignedPayload{TaskID: p.TaskID, AgentID: agentID})
		assigned := Envelope{
			ID:      uuid.New().String(),
			Type:    TypeTaskAssigned,
			SwarmID: ev.SwarmID,
			RunID:   ev.RunID,
			ActorID: "orchestrator",
			Payload: payload,
		}
		if err := o.publisher.Publish(ctx, assigned); err != nil {
			// The assignment is already durable; re-publish failure only costs
			// observability and is retried on replay.
			o.logger.Printf("re-publish task.assigned for %s: %v", p.TaskID, err)
		}
	}
	return nil
}

// applyTaskAssigned only mutates a task that already exists, protecting
// against events for unknown tasks.
func (o *Orchestrator) applyTaskAssigned(ctx context.Context, ev Envelope) error {
	var p TaskAssignedPayload
	if err := decodePayload(ev, &p); err != nil {
		return err
	}
	if _, err := o.store.GetSwarmTask(ctx, p.TaskID); err != nil {
		if err == store.ErrNotFound {
			o.logger.Printf("task.assigned for unknown task %s; ignoring", p.TaskID)
			return nil
		}
		return err
	}
	_, err := o.store.AssignSwarmTask(ctx, p.TaskID, p.AgentID)
	return err
}

// applyAgentMessage moves a task to its terminal state when the agent reports
// done/completed or error/failed. Other states are progress notes.
func (o *Orchestrator) applyAgentMessage(ctx context.Context, ev Envelope) error {
	var p AgentMessagePayload
	if err := decodePayload(ev, &p); err != nil {
		return err
	}
	if p.TaskID == "" {
		return nil
	}

	var status string
	switch p.State {
	case "done", "completed":
		status = models.TaskStatusCompleted
	case "error", "failed":
		status = models.TaskStatusFailed
	default:
		return nil
	}

	moved, err := o.store.FinishSwarmTask(ctx, p.TaskID, status, p.Outputs)
	if err != nil {
		return err
	}
	if moved {
		o.appendAudit(ctx, ev, "swarm.task_"+status, p.TaskID)
	}
	return nil
}

func (o *Orchestrator) appendAudit(ctx context.Context, ev Envelope, action, target string) {
	if target == "" {
		target = ev.RunID
	}
	aev := &audit.Event{
		ActorType: audit.ActorTypeAgent,
		ActorID:   ev.ActorID,
		Action:    action,
		Target:    target,
		Metadata: map[string]interface{}{
			"swarmId": ev.SwarmID,
			"runId":   ev.RunID,
			"eventId": ev.ID,
		},
	}
	if err := o.audit.Append(ctx, aev); err != nil {
		o.logger.Printf("append swarm audit (%s): %v", action, err)
	}
}
