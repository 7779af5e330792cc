package audit

import "time"

// Event is an immutable, append-only audit log record of a call lifecycle step.
//
// Invariants:
// - Events are never updated or deleted.
// - call_id is required; call records are retained after ended for audit.
// - actor capture is best-effort; do not block call flows on audit failures.
//
// Storage recommendation (Postgres):
// - Table call_audit_events with an INSERT-only policy.
// - Optional: trigger to prevent UPDATE/DELETE.

type Event struct {
	ID     string `json:"id" db:"id"`
	CallID string `json:"call_id" db:"call_id"`

	// Type indicates the lifecycle step being recorded.
	Type EventType `json:"type" db:"type"`

	// ActorUserID is the party whose intent caused the event.
	ActorUserID string `json:"actor_user_id,omitempty" db:"actor_user_id"`

	// FromStatus/ToStatus capture the record transition, when there is one.
	FromStatus string `json:"from_status,omitempty" db:"from_status"`
	ToStatus   string `json:"to_status,omitempty" db:"to_status"`

	// Message is a short human-readable description for internal ops.
	Message string `json:"message,omitempty" db:"message"`

	// Metadata is optional JSON for full details.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeCallCreated      EventType = "call_created"
	EventTypeCallResponded    EventType = "call_responded"
	EventTypeParticipantAdded EventType = "participant_added"
	EventTypeCallEnded        EventType = "call_ended"
)
