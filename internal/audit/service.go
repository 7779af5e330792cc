package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository persists call audit events. It is append-only: events
// outlive the call record they describe.
type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service logs internal audit information about call lifecycles.
//
// IMPORTANT:
// - Audit is internal-only. Do not expose these records to call parties by default.
// - Callers should treat audit logging as best-effort.

type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.CallID == "" {
		return ErrInvalidEvent
	}
	if e.Type == "" {
		return ErrInvalidEvent
	}

	now := s.clock().UTC()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	return s.repo.Append(ctx, e)
}

// LogTransition records a status change made by actorUserID.
func (s *Service) LogTransition(ctx context.Context, typ EventType, callID, actorUserID, from, to, message string) error {
	return s.Append(ctx, Event{
		CallID:      callID,
		Type:        typ,
		ActorUserID: actorUserID,
		FromStatus:  from,
		ToStatus:    to,
		Message:     message,
	})
}

// LogParticipant records a party's claim that its media is live.
func (s *Service) LogParticipant(ctx context.Context, callID, actorUserID, transportSessionID string) error {
	meta, err := json.Marshal(map[string]string{"transport_session_id": transportSessionID})
	if err != nil {
		return err
	}
	return s.Append(ctx, Event{
		CallID:      callID,
		Type:        EventTypeParticipantAdded,
		ActorUserID: actorUserID,
		Message:     "participant published",
		Metadata:    string(meta),
	})
}
