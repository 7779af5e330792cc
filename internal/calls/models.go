package calls

import "time"

// Record is the shared signaling document describing one call.
//
// Both parties' orchestrators read and write the same record; neither owns it.
// The store is the source of truth, so callers must treat any in-memory copy as
// a snapshot and reconcile against the next revision they observe.
//
// Party invariant: only RequesterID and ResponderID may hold entries in
// Participants, and each party writes only its own entry.
type Record struct {
	ID          string `json:"id" db:"id"`
	RequesterID string `json:"requester_id" db:"requester_id"`
	ResponderID string `json:"responder_id" db:"responder_id"`

	// RequesterName is a display label captured when the call is created.
	RequesterName string `json:"requester_name,omitempty" db:"requester_name"`

	Status Status `json:"status" db:"status"`

	Participants map[string]Participant `json:"participants" db:"participants"`

	// Version is the store revision. It increases by one on every committed write.
	Version int64 `json:"version" db:"version"`

	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	AcceptedAt *time.Time `json:"accepted_at,omitempty" db:"accepted_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty" db:"ended_at"`
	UpdatedAt  time.Time  `json:"updated_at" db:"updated_at"`

	// EndedBy is the identity whose intent (or failure) ended the call.
	EndedBy string `json:"ended_by,omitempty" db:"ended_by"`
}

// Participant is a party's claim that its media is live in the transport session.
type Participant struct {
	Identity           string `json:"identity"`
	TransportSessionID string `json:"transport_session_id"`
	Role               Role   `json:"role"`
}

type Role string

const (
	RoleRequester Role = "requester"
	RoleResponder Role = "responder"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
	StatusActive   Status = "active"
	StatusEnded    Status = "ended"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAccepted, StatusRejected, StatusActive, StatusEnded:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transition can leave s.
func (s Status) IsTerminal() bool {
	return s == StatusRejected || s == StatusEnded
}

// Clone returns a deep copy so callers never share the participants map.
func (r Record) Clone() Record {
	out := r
	if r.Participants != nil {
		out.Participants = make(map[string]Participant, len(r.Participants))
		for k, v := range r.Participants {
			out.Participants[k] = v
		}
	}
	if r.AcceptedAt != nil {
		t := *r.AcceptedAt
		out.AcceptedAt = &t
	}
	if r.EndedAt != nil {
		t := *r.EndedAt
		out.EndedAt = &t
	}
	return out
}
