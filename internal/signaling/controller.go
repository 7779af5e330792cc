package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"devcall/internal/audit"
	"devcall/internal/calls"
	"devcall/internal/presence"

	"github.com/google/uuid"
)

var (
	ErrRecordNotFound       = errors.New("signaling: call record not found")
	ErrResponderNotFound    = errors.New("signaling: responder not found")
	ErrResponderUnavailable = errors.New("signaling: responder unavailable")
	ErrStoreUnavailable     = errors.New("signaling: store unavailable")
	ErrCallInFlight         = errors.New("signaling: requester already has a pending call")
	ErrInvalidArgument      = errors.New("signaling: invalid argument")
)

// Decision is the responder's answer to a pending call.
type Decision string

const (
	DecisionAccept Decision = "accept"
	DecisionReject Decision = "reject"
)

func (d Decision) status() (calls.Status, bool) {
	switch d {
	case DecisionAccept:
		return calls.StatusAccepted, true
	case DecisionReject:
		return calls.StatusRejected, true
	default:
		return "", false
	}
}

// Deps are the optional collaborators of a Controller. Any of them may be nil.
type Deps struct {
	Directory presence.Directory
	Guard     CallGuard
	Audit     *audit.Service
	Logger    *slog.Logger
}

// Controller is the only component that reads or writes call records.
//
// Invariants:
// - Every write goes through Store.Update and the transition rules in package calls.
// - Authorization and transition failures are returned as-is; anything else the
//   store reports is wrapped in ErrStoreUnavailable.
// - The Controller never retries. Callers own retry policy.
type Controller struct {
	store Store
	dir   presence.Directory
	guard CallGuard
	audit *audit.Service
	log   *slog.Logger

	// clock and newID are injectable for deterministic tests.
	clock func() time.Time
	newID func() string
}

func NewController(store Store, deps Deps) *Controller {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		store: store,
		dir:   deps.Directory,
		guard: deps.Guard,
		audit: deps.Audit,
		log:   log,
		clock: time.Now,
		newID: uuid.NewString,
	}
}

func storeErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrRecordNotFound),
		errors.Is(err, ErrInvalidArgument),
		errors.Is(err, calls.ErrUnauthorized),
		errors.Is(err, calls.ErrInvalidTransition),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
}

// CreateCall opens a pending call from requesterID to responderID.
//
// recordID may be empty, in which case one is generated. A caller that picks
// its own id (a UUID) may repeat the request safely: the record already stored
// under that id is returned as long as it belongs to the same two parties.
func (c *Controller) CreateCall(ctx context.Context, recordID, requesterID, responderID, requesterName string) (calls.Record, error) {
	if requesterID == "" || responderID == "" || requesterID == responderID {
		return calls.Record{}, ErrInvalidArgument
	}
	if recordID == "" {
		recordID = c.newID()
	} else {
		if _, err := uuid.Parse(recordID); err != nil {
			return calls.Record{}, ErrInvalidArgument
		}
		rec, found, err := c.existingCall(ctx, recordID, requesterID, responderID)
		if err != nil || found {
			return rec, err
		}
	}
	if err := c.checkResponder(ctx, responderID); err != nil {
		return calls.Record{}, err
	}
	if c.guard != nil {
		ok, err := c.guard.Acquire(ctx, requesterID)
		if err != nil {
			return calls.Record{}, fmt.Errorf("%w: pending-call guard: %w", ErrStoreUnavailable, err)
		}
		if !ok {
			return calls.Record{}, ErrCallInFlight
		}
	}

	now := c.clock().UTC()
	rec, err := c.store.Create(ctx, calls.Record{
		ID:            recordID,
		RequesterID:   requesterID,
		ResponderID:   responderID,
		RequesterName: requesterName,
		Status:        calls.StatusPending,
		Participants:  map[string]calls.Participant{},
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if errors.Is(err, ErrRecordExists) {
		// A concurrent request with the same id won; it holds the guard.
		c.releaseGuard(ctx, requesterID)
		if !sameParties(rec, requesterID, responderID) {
			return calls.Record{}, ErrInvalidArgument
		}
		return rec, nil
	}
	if err != nil {
		c.releaseGuard(ctx, requesterID)
		return calls.Record{}, storeErr(err)
	}

	c.log.Info("call created", "call_id", rec.ID, "requester_id", requesterID, "responder_id", responderID)
	c.logAudit(ctx, audit.EventTypeCallCreated, rec.ID, requesterID, "", string(rec.Status), "call requested")
	return rec, nil
}

// existingCall looks up a caller-chosen id before anything is written.
func (c *Controller) existingCall(ctx context.Context, recordID, requesterID, responderID string) (calls.Record, bool, error) {
	rec, err := c.store.Get(ctx, recordID)
	switch {
	case errors.Is(err, ErrRecordNotFound):
		return calls.Record{}, false, nil
	case err != nil:
		return calls.Record{}, false, storeErr(err)
	case !sameParties(rec, requesterID, responderID):
		return calls.Record{}, false, ErrInvalidArgument
	}
	c.log.Info("call create repeated", "call_id", rec.ID, "requester_id", requesterID, "status", string(rec.Status))
	return rec, true, nil
}

func sameParties(rec calls.Record, requesterID, responderID string) bool {
	return rec.RequesterID == requesterID && rec.ResponderID == responderID
}

func (c *Controller) checkResponder(ctx context.Context, responderID string) error {
	if c.dir == nil {
		return nil
	}
	p, err := c.dir.Get(ctx, responderID)
	if err != nil {
		if errors.Is(err, presence.ErrNotFound) {
			return ErrResponderNotFound
		}
		return fmt.Errorf("%w: presence: %w", ErrStoreUnavailable, err)
	}
	if !p.IsOnline {
		return ErrResponderUnavailable
	}
	return nil
}

// Respond records the responder's decision on a pending call.
func (c *Controller) Respond(ctx context.Context, recordID, actorID string, decision Decision) (calls.Record, error) {
	next, ok := decision.status()
	if !ok {
		return calls.Record{}, ErrInvalidArgument
	}
	rec, _, err := c.store.Update(ctx, recordID, func(r *calls.Record) error {
		if actorID == "" || actorID != r.ResponderID {
			return calls.ErrUnauthorized
		}
		return r.Apply(next, c.clock().UTC())
	})
	if err != nil {
		return calls.Record{}, storeErr(err)
	}

	c.releaseGuard(ctx, rec.RequesterID)
	c.log.Info("call responded", "call_id", rec.ID, "decision", string(decision), "version", rec.Version)
	c.logAudit(ctx, audit.EventTypeCallResponded, rec.ID, actorID, string(calls.StatusPending), string(rec.Status), "responder "+string(decision)+"ed")
	return rec, nil
}

// MarkActive writes the actor's participant entry once its media is published.
// The second entry advances the record to active. Repeating the call with the
// same transport session id changes nothing.
func (c *Controller) MarkActive(ctx context.Context, recordID, actorID, transportSessionID string) (calls.Record, error) {
	if transportSessionID == "" {
		return calls.Record{}, ErrInvalidArgument
	}
	var from calls.Status
	rec, changed, err := c.store.Update(ctx, recordID, func(r *calls.Record) error {
		if !calls.IsAuthorized(*r, actorID) {
			return calls.ErrUnauthorized
		}
		from = r.Status
		if r.Status != calls.StatusAccepted && r.Status != calls.StatusActive {
			return fmt.Errorf("%w: cannot join a %s call", calls.ErrInvalidTransition, r.Status)
		}
		now := c.clock().UTC()
		wrote, err := r.SetParticipant(actorID, transportSessionID, now)
		if err != nil {
			return err
		}
		if !wrote {
			return ErrNoChange
		}
		if r.Status == calls.StatusAccepted && len(r.Participants) >= 2 {
			return r.Apply(calls.StatusActive, now)
		}
		return nil
	})
	if err != nil {
		return calls.Record{}, storeErr(err)
	}
	if !changed {
		return rec, nil
	}

	c.log.Info("participant joined", "call_id", rec.ID, "identity", actorID, "status", string(rec.Status), "version", rec.Version)
	c.logAuditParticipant(ctx, rec.ID, actorID, transportSessionID)
	if from != rec.Status {
		c.logAudit(ctx, audit.EventTypeCallResponded, rec.ID, actorID, string(from), string(rec.Status), "both parties joined")
	}
	return rec, nil
}

// End terminates the call from whatever non-terminal status it is in.
// Ending a rejected or ended call is a no-op.
func (c *Controller) End(ctx context.Context, recordID, actorID string) (calls.Record, error) {
	var from calls.Status
	rec, changed, err := c.store.Update(ctx, recordID, func(r *calls.Record) error {
		if !calls.IsAuthorized(*r, actorID) {
			return calls.ErrUnauthorized
		}
		from = r.Status
		if !r.Terminate(actorID, c.clock().UTC()) {
			return ErrNoChange
		}
		return nil
	})
	if err != nil {
		return calls.Record{}, storeErr(err)
	}
	if !changed {
		return rec, nil
	}

	if from == calls.StatusPending {
		c.releaseGuard(ctx, rec.RequesterID)
	}
	c.log.Info("call ended", "call_id", rec.ID, "ended_by", actorID, "from", string(from), "version", rec.Version)
	c.logAudit(ctx, audit.EventTypeCallEnded, rec.ID, actorID, string(from), string(rec.Status), "call ended")
	return rec, nil
}

// Get returns the record if actorID is one of its parties.
func (c *Controller) Get(ctx context.Context, recordID, actorID string) (calls.Record, error) {
	rec, err := c.store.Get(ctx, recordID)
	if err != nil {
		return calls.Record{}, storeErr(err)
	}
	if !calls.IsAuthorized(rec, actorID) {
		return calls.Record{}, calls.ErrUnauthorized
	}
	return rec, nil
}

// Subscribe delivers the current revision and then every later revision of the
// record to onChange, in version order. onChange runs on a single goroutine.
//
// The watch is attached before the current revision is read, so a transition
// committed while subscribing is never missed. Revisions at or below the last
// delivered version are skipped.
//
// onLost, when non-nil, is called once if the store stops delivering before
// unsubscribe or ctx ends the subscription. No revision follows it.
//
// unsubscribe is idempotent and does not wait for an in-progress onChange,
// so it is safe to call from inside onChange.
func (c *Controller) Subscribe(ctx context.Context, recordID, actorID string, onChange func(calls.Record), onLost func(error)) (func(), error) {
	if onChange == nil {
		return nil, ErrInvalidArgument
	}
	ch, cancel, err := c.store.Watch(ctx, recordID)
	if err != nil {
		return nil, storeErr(err)
	}
	cur, err := c.store.Get(ctx, recordID)
	if err != nil {
		cancel()
		return nil, storeErr(err)
	}
	if !calls.IsAuthorized(cur, actorID) {
		cancel()
		return nil, calls.ErrUnauthorized
	}

	done := make(chan struct{})
	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			close(done)
			cancel()
		})
	}

	go func() {
		last := cur.Version
		onChange(cur)
		for {
			select {
			case <-done:
				return
			case rec, ok := <-ch:
				if !ok {
					if ctx.Err() != nil {
						return
					}
					select {
					case <-done:
						return
					default:
					}
					c.log.Warn("call watch closed by store", "call_id", recordID, "version", last)
					if onLost != nil {
						onLost(fmt.Errorf("%w: watch closed", ErrStoreUnavailable))
					}
					return
				}
				if rec.Version <= last {
					continue
				}
				select {
				case <-done:
					return
				default:
				}
				last = rec.Version
				onChange(rec)
			}
		}
	}()
	return unsubscribe, nil
}

// ListIncoming returns the pending calls waiting on responderID.
func (c *Controller) ListIncoming(ctx context.Context, responderID string) ([]calls.Record, error) {
	if responderID == "" {
		return nil, ErrInvalidArgument
	}
	out, err := c.store.Query(ctx, Filter{ResponderID: responderID, Statuses: []calls.Status{calls.StatusPending}})
	return out, storeErr(err)
}

// ListOutgoing returns calls placed by requesterID, optionally limited to statuses.
func (c *Controller) ListOutgoing(ctx context.Context, requesterID string, statuses ...calls.Status) ([]calls.Record, error) {
	if requesterID == "" {
		return nil, ErrInvalidArgument
	}
	for _, s := range statuses {
		if !s.Valid() {
			return nil, ErrInvalidArgument
		}
	}
	out, err := c.store.Query(ctx, Filter{RequesterID: requesterID, Statuses: statuses})
	return out, storeErr(err)
}

func (c *Controller) releaseGuard(ctx context.Context, requesterID string) {
	if c.guard == nil {
		return
	}
	if err := c.guard.Release(ctx, requesterID); err != nil {
		c.log.Warn("pending-call guard release failed", "requester_id", requesterID, "err", err)
	}
}

func (c *Controller) logAudit(ctx context.Context, typ audit.EventType, callID, actor, from, to, msg string) {
	if c.audit == nil {
		return
	}
	if err := c.audit.LogTransition(ctx, typ, callID, actor, from, to, msg); err != nil {
		c.log.Warn("audit append failed", "call_id", callID, "type", string(typ), "err", err)
	}
}

func (c *Controller) logAuditParticipant(ctx context.Context, callID, actor, transportSessionID string) {
	if c.audit == nil {
		return
	}
	if err := c.audit.LogParticipant(ctx, callID, actor, transportSessionID); err != nil {
		c.log.Warn("audit append failed", "call_id", callID, "type", string(audit.EventTypeParticipantAdded), "err", err)
	}
}
