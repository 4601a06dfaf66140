// package audit contains the append-only governance audit log. Every policy
// decision, swarm lifecycle change, and job outcome lands here; it is the
// single source of truth for "what happened and why".
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Actor types recorded on audit events.
const (
	ActorTypeAgent   = "agent"
	ActorTypeHuman   = "human"
	ActorTypeService = "service"
)

// Approval states recorded on audit events.
const (
	ApprovalStateApproved = "approved"
	ApprovalStateDenied   = "denied"
	ApprovalStatePending  = "pending"
	ApprovalStateExecuted = "executed"
	ApprovalStateSkipped  = "skipped"
	ApprovalStateNone     = ""
)

// Event is a single immutable audit record. Hash chains each event to its
// predecessor so tampering with history is detectable.
type Event struct {
	ID            string                 `json:"id,omitempty"`
	At            time.Time              `json:"at"`
	ActorType     string                 `json:"actorType"`
	ActorID       string                 `json:"actorId"`
	Action        string                 `json:"action"`
	Rationale     string                 `json:"rationale,omitempty"`
	Target        string                 `json:"target,omitempty"`
	ApprovalState string                 `json:"approvalState,omitempty"`
	InputHash     string                 `json:"inputHash,omitempty"`
	OutputHash    string                 `json:"outputHash,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	PrevHash      string                 `json:"prevHash,omitempty"`
	Hash          string                 `json:"hash,omitempty"`
}

// ErrNotFound is returned when a requested audit event cannot be located.
var ErrNotFound = errors.New("not found")

// NewUUID returns a freshly-generated UUID string.
func NewUUID() string {
	return uuid.New().String()
}

// HashBytes computes the SHA-256 digest bytes for input data.
func HashBytes(b []byte) []byte {
	h := sha256.Sum256(b)
	return h[:]
}

// HashHex returns the hex-encoded SHA-256 of the input bytes.
func HashHex(b []byte) string {
	return hex.EncodeToString(HashBytes(b))
}
