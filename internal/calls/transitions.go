package calls

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrUnauthorized      = errors.New("calls: identity is not a party to the call")
	ErrInvalidTransition = errors.New("calls: invalid status transition")
)

// edges is the complete set of valid forward transitions.
// End uses Terminate instead, which may cut any non-terminal status short.
var edges = map[Status]map[Status]struct{}{
	StatusPending:  {StatusAccepted: {}, StatusRejected: {}},
	StatusAccepted: {StatusActive: {}},
	StatusActive:   {StatusEnded: {}},
}

// CanTransition reports whether current -> next is a valid edge.
func CanTransition(current, next Status) bool {
	nexts, ok := edges[current]
	if !ok {
		return false
	}
	_, ok = nexts[next]
	return ok
}

// IsAuthorized reports whether identity is the requester or the responder.
// Empty identities never match.
func IsAuthorized(r Record, identity string) bool {
	if identity == "" {
		return false
	}
	return identity == r.RequesterID || identity == r.ResponderID
}

// RoleOf returns the role identity plays in r.
func RoleOf(r Record, identity string) (Role, error) {
	switch {
	case identity == "":
		return "", ErrUnauthorized
	case identity == r.RequesterID:
		return RoleRequester, nil
	case identity == r.ResponderID:
		return RoleResponder, nil
	default:
		return "", ErrUnauthorized
	}
}

// OtherParty returns the identity on the far side of the call from identity.
func OtherParty(r Record, identity string) (string, error) {
	role, err := RoleOf(r, identity)
	if err != nil {
		return "", err
	}
	if role == RoleRequester {
		return r.ResponderID, nil
	}
	return r.RequesterID, nil
}

// Apply moves r to next if the edge is valid, stamping the timestamps owned by
// that transition. On error r is left untouched.
func (r *Record) Apply(next Status, now time.Time) error {
	if !CanTransition(r.Status, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, next)
	}
	r.Status = next
	switch next {
	case StatusAccepted:
		if r.AcceptedAt == nil {
			t := now
			r.AcceptedAt = &t
		}
	case StatusEnded:
		if r.EndedAt == nil {
			t := now
			r.EndedAt = &t
		}
	}
	r.UpdatedAt = now
	return nil
}

// Terminate ends r on behalf of actor regardless of the non-terminal status it
// is in. Terminal states dominate: an ended or rejected record is never
// rewritten, and Terminate reports false.
func (r *Record) Terminate(actor string, now time.Time) bool {
	if r.Status.IsTerminal() {
		return false
	}
	r.Status = StatusEnded
	if r.EndedAt == nil {
		t := now
		r.EndedAt = &t
	}
	r.EndedBy = actor
	r.UpdatedAt = now
	return true
}

// SetParticipant records identity's own transport session. It reports whether
// the record changed. Writing an entry for anyone but a party fails closed.
func (r *Record) SetParticipant(identity, transportSessionID string, now time.Time) (bool, error) {
	role, err := RoleOf(*r, identity)
	if err != nil {
		return false, err
	}
	if existing, ok := r.Participants[identity]; ok && existing.TransportSessionID == transportSessionID {
		return false, nil
	}
	if r.Participants == nil {
		r.Participants = make(map[string]Participant, 2)
	}
	r.Participants[identity] = Participant{
		Identity:           identity,
		TransportSessionID: transportSessionID,
		Role:               role,
	}
	r.UpdatedAt = now
	return true, nil
}
