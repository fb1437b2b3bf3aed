// Package events carries orchestration progress as ordered, typed events.
//
// Every event belongs to a stream identified by a scope and a key:
//
//	conversation.{conversation_id}   phase changes, plan review, outcome
//	execution.{plan_id}              per-file execution progress and rollback
//
// Events within one stream carry a strictly increasing Sequence and are
// delivered to subscribers in that order. Events are records for observers;
// orchestration state is never rebuilt from them.
package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Scope selects the stream family an event belongs to.
type Scope string

const (
	ScopeConversation Scope = "conversation"
	ScopeExecution    Scope = "execution"
)

// Type identifies what happened.
type Type string

// Execution stream event types.
const (
	Started           Type = "started"
	FileStarted       Type = "file_started"
	AwaitingApproval  Type = "awaiting_approval"
	FileGenerating    Type = "file_generating"
	FileCompleted     Type = "file_completed"
	FileFailed        Type = "file_failed"
	FileSkipped       Type = "file_skipped"
	ExecutionStopped  Type = "execution_stopped"
	RollbackStarted   Type = "rollback_started"
	RollbackCompleted Type = "rollback_completed"
	Completed         Type = "completed"
)

// Conversation stream event types.
const (
	ConversationCreated    Type = "conversation_created"
	MessageReceived        Type = "message_received"
	PhaseChanged           Type = "phase_changed"
	ClarificationRequested Type = "clarification_requested"
	PlanGenerated          Type = "plan_generated"
	PlanApproved           Type = "plan_approved"
	PlanRejected           Type = "plan_rejected"
	ConversationCompleted  Type = "conversation_completed"
	ConversationFailed     Type = "conversation_failed"
)

// IsFinal returns true for events that end a stream.
func (t Type) IsFinal() bool {
	switch t {
	case Completed, ExecutionStopped, ConversationCompleted, ConversationFailed:
		return true
	default:
		return false
	}
}

// Event is an immutable, timestamped record on one stream.
type Event struct {
	ID        string          `json:"id"`
	Type      Type            `json:"type"`
	Scope     Scope           `json:"scope"`
	Key       string          `json:"key"`
	Sequence  uint64          `json:"sequence"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Subject returns the stream name, e.g. "execution.{plan_id}".
func Subject(scope Scope, key string) string {
	return string(scope) + "." + key
}

// Subject returns the stream this event belongs to.
func (e Event) Subject() string {
	return Subject(e.Scope, e.Key)
}

// Decode unmarshals the event payload into P.
func Decode[P any](e Event) (P, error) {
	var p P
	if len(e.Payload) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return p, fmt.Errorf("decoding %s payload: %w", e.Type, err)
	}
	return p, nil
}
