package signaling

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"devcall/internal/audit"
	"devcall/internal/calls"
	"devcall/internal/presence"
)

func newTestController(t *testing.T) (*Controller, *MemoryStore, *audit.MemoryRepo) {
	t.Helper()
	store := NewMemoryStore()
	repo := audit.NewMemoryRepo()
	dir := presence.NewMemoryDirectory(
		presence.Presence{Identity: "dev", IsOnline: true, HourlyRate: 40},
		presence.Presence{Identity: "dev-offline", IsOnline: false, HourlyRate: 40},
	)
	c := NewController(store, Deps{
		Directory: dir,
		Guard:     NewMemoryCallGuard(1),
		Audit:     audit.NewService(repo),
	})
	n := 0
	c.newID = func() string {
		n++
		return fmt.Sprintf("call-%d", n)
	}
	return c, store, repo
}

func TestController_CreateCall(t *testing.T) {
	c, _, repo := newTestController(t)
	ctx := context.Background()

	rec, err := c.CreateCall(ctx, "", "client", "dev", "Ada")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if rec.Status != calls.StatusPending || rec.Version != 1 {
		t.Fatalf("expected pending v1, got %s v%d", rec.Status, rec.Version)
	}
	if rec.RequesterName != "Ada" || len(rec.Participants) != 0 {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if evs := repo.EventsForCall(rec.ID); len(evs) != 1 || evs[0].Type != audit.EventTypeCallCreated {
		t.Fatalf("expected call_created audit event, got %+v", evs)
	}
}

func TestController_CreateCallRejectsBadInput(t *testing.T) {
	c, _, _ := newTestController(t)
	ctx := context.Background()

	if _, err := c.CreateCall(ctx, "", "", "dev", ""); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if _, err := c.CreateCall(ctx, "", "dev", "dev", ""); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for self-call, got %v", err)
	}
	if _, err := c.CreateCall(ctx, "", "client", "nobody", ""); !errors.Is(err, ErrResponderNotFound) {
		t.Fatalf("expected ErrResponderNotFound, got %v", err)
	}
	if _, err := c.CreateCall(ctx, "", "client", "dev-offline", ""); !errors.Is(err, ErrResponderUnavailable) {
		t.Fatalf("expected ErrResponderUnavailable, got %v", err)
	}
}

func TestController_OnePendingCallPerRequester(t *testing.T) {
	c, _, _ := newTestController(t)
	ctx := context.Background()

	first, err := c.CreateCall(ctx, "", "client", "dev", "")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if _, err := c.CreateCall(ctx, "", "client", "dev", ""); !errors.Is(err, ErrCallInFlight) {
		t.Fatalf("expected ErrCallInFlight, got %v", err)
	}
	if _, err := c.Respond(ctx, first.ID, "dev", DecisionReject); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if _, err := c.CreateCall(ctx, "", "client", "dev", ""); err != nil {
		t.Fatalf("expected slot released after response, got %v", err)
	}
}

func TestController_CreateCallReleasesGuardOnStoreFailure(t *testing.T) {
	c, store, _ := newTestController(t)
	ctx := context.Background()

	store.FailNext(errors.New("connection reset"))
	if _, err := c.CreateCall(ctx, "", "client", "dev", ""); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if _, err := c.CreateCall(ctx, "", "client", "dev", ""); err != nil {
		t.Fatalf("expected guard slot released, got %v", err)
	}
}

func TestController_CreateCallWithCallerIDIsRepeatable(t *testing.T) {
	c, store, repo := newTestController(t)
	ctx := context.Background()
	const id = "6f1c2a9e-3b4d-4c1e-9a57-0d2f8e6b7c10"

	first, err := c.CreateCall(ctx, id, "client", "dev", "Ada")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if first.ID != id {
		t.Fatalf("expected id %s, got %s", id, first.ID)
	}
	again, err := c.CreateCall(ctx, id, "client", "dev", "Ada")
	if err != nil {
		t.Fatalf("expected repeated create to succeed, got %v", err)
	}
	if again.ID != id || again.Version != first.Version {
		t.Fatalf("expected the stored record back, got %+v", again)
	}
	if evs := repo.EventsForCall(id); len(evs) != 1 {
		t.Fatalf("expected one call_created event, got %d", len(evs))
	}

	if _, err := c.CreateCall(ctx, id, "client-b", "dev", ""); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for another requester, got %v", err)
	}
	if _, err := c.CreateCall(ctx, "not-a-uuid", "client-b", "dev", ""); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for malformed id, got %v", err)
	}

	// A lookup failure surfaces as a store outage and leaves the guard free.
	store.FailNext(errors.New("connection reset"))
	const other = "0b7e4f52-8c1a-4d3b-b2f6-5e9d1c0a4f87"
	if _, err := c.CreateCall(ctx, other, "client-b", "dev", ""); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if _, err := c.CreateCall(ctx, other, "client-b", "dev", ""); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
}

// staleReadStore hides one record from Get, as a lagging read would.
type staleReadStore struct {
	*MemoryStore
	hidden string
}

func (s staleReadStore) Get(ctx context.Context, id string) (calls.Record, error) {
	if id == s.hidden {
		return calls.Record{}, ErrRecordNotFound
	}
	return s.MemoryStore.Get(ctx, id)
}

func TestController_CreateCallLosesRaceToSameID(t *testing.T) {
	mem := NewMemoryStore()
	const id = "3d8a6b1f-2e4c-4f9a-8b7d-1c5e9f0a2b63"
	c := NewController(staleReadStore{MemoryStore: mem, hidden: id}, Deps{Guard: NewMemoryCallGuard(1)})
	ctx := context.Background()

	now := time.Now().UTC()
	if _, err := mem.Create(ctx, calls.Record{ID: id, RequesterID: "client", ResponderID: "dev", Status: calls.StatusEnded, CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := mem.Create(ctx, calls.Record{ID: id, RequesterID: "client", ResponderID: "dev"}); !errors.Is(err, ErrRecordExists) {
		t.Fatalf("expected ErrRecordExists, got %v", err)
	}

	rec, err := c.CreateCall(ctx, id, "client", "dev", "")
	if err != nil || rec.Status != calls.StatusEnded {
		t.Fatalf("expected existing ended record, got %+v %v", rec, err)
	}
	if _, err := c.CreateCall(ctx, id, "client-b", "dev", ""); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for another requester, got %v", err)
	}
	if _, err := c.CreateCall(ctx, "", "client", "dev", ""); err != nil {
		t.Fatalf("expected guard slot released, got %v", err)
	}
}

func TestController_RespondOnlyByResponder(t *testing.T) {
	c, _, _ := newTestController(t)
	ctx := context.Background()
	rec, _ := c.CreateCall(ctx, "", "client", "dev", "")

	if _, err := c.Respond(ctx, rec.ID, "client", DecisionAccept); !errors.Is(err, calls.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for requester, got %v", err)
	}
	if _, err := c.Respond(ctx, rec.ID, "mallory", DecisionAccept); !errors.Is(err, calls.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for outsider, got %v", err)
	}
	if _, err := c.Respond(ctx, rec.ID, "dev", Decision("maybe")); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}

	got, err := c.Respond(ctx, rec.ID, "dev", DecisionAccept)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if got.Status != calls.StatusAccepted || got.AcceptedAt == nil {
		t.Fatalf("expected accepted with AcceptedAt, got %+v", got)
	}
	if _, err := c.Respond(ctx, rec.ID, "dev", DecisionReject); !errors.Is(err, calls.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition on second response, got %v", err)
	}
}

func TestController_MarkActive(t *testing.T) {
	c, _, repo := newTestController(t)
	ctx := context.Background()
	rec, _ := c.CreateCall(ctx, "", "client", "dev", "")

	if _, err := c.MarkActive(ctx, rec.ID, "client", "t-client"); !errors.Is(err, calls.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition while pending, got %v", err)
	}
	if _, err := c.Respond(ctx, rec.ID, "dev", DecisionAccept); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	one, err := c.MarkActive(ctx, rec.ID, "dev", "t-dev")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if one.Status != calls.StatusAccepted || len(one.Participants) != 1 {
		t.Fatalf("expected accepted with one participant, got %+v", one)
	}

	again, err := c.MarkActive(ctx, rec.ID, "dev", "t-dev")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if again.Version != one.Version {
		t.Fatalf("expected idempotent MarkActive to keep version %d, got %d", one.Version, again.Version)
	}

	if _, err := c.MarkActive(ctx, rec.ID, "mallory", "t-x"); !errors.Is(err, calls.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	two, err := c.MarkActive(ctx, rec.ID, "client", "t-client")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if two.Status != calls.StatusActive || len(two.Participants) != 2 {
		t.Fatalf("expected active with two participants, got %+v", two)
	}
	if two.Participants["client"].Role != calls.RoleRequester {
		t.Fatalf("expected requester role on client entry")
	}

	rejoined, err := c.MarkActive(ctx, rec.ID, "client", "t-client-2")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if rejoined.Participants["client"].TransportSessionID != "t-client-2" || len(rejoined.Participants) != 2 {
		t.Fatalf("expected re-join to replace transport id, got %+v", rejoined.Participants)
	}

	var added int
	for _, e := range repo.EventsForCall(rec.ID) {
		if e.Type == audit.EventTypeParticipantAdded {
			added++
		}
	}
	if added != 3 {
		t.Fatalf("expected 3 participant events, got %d", added)
	}
}

func TestController_EndTerminalDominates(t *testing.T) {
	c, _, _ := newTestController(t)
	ctx := context.Background()
	rec, _ := c.CreateCall(ctx, "", "client", "dev", "")

	if _, err := c.End(ctx, rec.ID, "mallory"); !errors.Is(err, calls.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	ended, err := c.End(ctx, rec.ID, "client")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if ended.Status != calls.StatusEnded || ended.EndedBy != "client" || ended.EndedAt == nil {
		t.Fatalf("expected ended by client, got %+v", ended)
	}

	again, err := c.End(ctx, rec.ID, "dev")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if again.Version != ended.Version || again.EndedBy != "client" {
		t.Fatalf("expected End on ended record to be a no-op, got %+v", again)
	}

	if _, err := c.Respond(ctx, rec.ID, "dev", DecisionAccept); !errors.Is(err, calls.ErrInvalidTransition) {
		t.Fatalf("expected late accept to fail, got %v", err)
	}

	// Ending a pending call frees the requester's slot.
	if _, err := c.CreateCall(ctx, "", "client", "dev", ""); err != nil {
		t.Fatalf("expected slot released after end, got %v", err)
	}
}

func TestController_EndOnRejectedIsNoop(t *testing.T) {
	c, _, _ := newTestController(t)
	ctx := context.Background()
	rec, _ := c.CreateCall(ctx, "", "client", "dev", "")
	rejected, err := c.Respond(ctx, rec.ID, "dev", DecisionReject)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	got, err := c.End(ctx, rec.ID, "client")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if got.Status != calls.StatusRejected || got.Version != rejected.Version {
		t.Fatalf("expected rejected record untouched, got %+v", got)
	}
}

func TestController_GetAuthorizes(t *testing.T) {
	c, _, _ := newTestController(t)
	ctx := context.Background()
	rec, _ := c.CreateCall(ctx, "", "client", "dev", "")

	if _, err := c.Get(ctx, rec.ID, "mallory"); !errors.Is(err, calls.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := c.Get(ctx, "missing", "client"); !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}
	if _, err := c.Get(ctx, rec.ID, "dev"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
}

func TestController_StoreFailureIsWrapped(t *testing.T) {
	c, store, _ := newTestController(t)
	ctx := context.Background()
	rec, _ := c.CreateCall(ctx, "", "client", "dev", "")

	store.FailNext(errors.New("timeout"))
	_, err := c.Respond(ctx, rec.ID, "dev", DecisionAccept)
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	got, _ := c.Get(ctx, rec.ID, "dev")
	if got.Status != calls.StatusPending {
		t.Fatalf("expected failed write to leave record pending, got %s", got.Status)
	}
}

func TestController_SubscribeDeliversCurrentThenChanges(t *testing.T) {
	c, _, _ := newTestController(t)
	ctx := context.Background()
	rec, _ := c.CreateCall(ctx, "", "client", "dev", "")

	got := make(chan calls.Record, 16)
	unsubscribe, err := c.Subscribe(ctx, rec.ID, "client", func(r calls.Record) { got <- r }, nil)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	defer unsubscribe()

	if _, err := c.Respond(ctx, rec.ID, "dev", DecisionAccept); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if _, err := c.MarkActive(ctx, rec.ID, "dev", "t-dev"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if _, err := c.MarkActive(ctx, rec.ID, "client", "t-client"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if _, err := c.End(ctx, rec.ID, "dev"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	want := []calls.Status{calls.StatusPending, calls.StatusAccepted, calls.StatusAccepted, calls.StatusActive, calls.StatusEnded}
	var last int64
	for i, st := range want {
		select {
		case r := <-got:
			if r.Status != st {
				t.Fatalf("revision %d: expected %s, got %s", i, st, r.Status)
			}
			if r.Version <= last {
				t.Fatalf("revision %d: version %d not after %d", i, r.Version, last)
			}
			last = r.Version
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for revision %d", i)
		}
	}
}

func TestController_SubscribeRejectsOutsiders(t *testing.T) {
	c, store, _ := newTestController(t)
	ctx := context.Background()
	rec, _ := c.CreateCall(ctx, "", "client", "dev", "")

	if _, err := c.Subscribe(ctx, rec.ID, "mallory", func(calls.Record) {}, nil); !errors.Is(err, calls.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if n := store.hub.watcherCount(rec.ID); n != 0 {
		t.Fatalf("expected rejected subscription to detach, got %d watchers", n)
	}
}

func TestController_UnsubscribeIsIdempotent(t *testing.T) {
	c, store, _ := newTestController(t)
	ctx := context.Background()
	rec, _ := c.CreateCall(ctx, "", "client", "dev", "")

	first := make(chan struct{}, 1)
	unsubscribe, err := c.Subscribe(ctx, rec.ID, "dev", func(calls.Record) {
		select {
		case first <- struct{}{}:
		default:
		}
	}, nil)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	<-first
	unsubscribe()
	unsubscribe()
	if n := store.hub.watcherCount(rec.ID); n != 0 {
		t.Fatalf("expected no watchers after unsubscribe, got %d", n)
	}
}

type closingStore struct {
	*MemoryStore
	ch chan calls.Record
}

func (s closingStore) Watch(ctx context.Context, id string) (<-chan calls.Record, func(), error) {
	return s.ch, func() {}, nil
}

func TestController_SubscribeReportsClosedWatch(t *testing.T) {
	mem := NewMemoryStore()
	store := closingStore{MemoryStore: mem, ch: make(chan calls.Record)}
	c := NewController(store, Deps{})
	ctx := context.Background()
	rec, err := c.CreateCall(ctx, "", "client", "dev", "")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	got := make(chan calls.Record, 4)
	lost := make(chan error, 1)
	unsubscribe, err := c.Subscribe(ctx, rec.ID, "client", func(r calls.Record) { got <- r }, func(err error) { lost <- err })
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	defer unsubscribe()

	<-got
	close(store.ch)
	select {
	case err := <-lost:
		if !errors.Is(err, ErrStoreUnavailable) {
			t.Fatalf("expected ErrStoreUnavailable, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected lost subscription to be reported")
	}
}

func TestController_UnsubscribeDoesNotReportLoss(t *testing.T) {
	c, _, _ := newTestController(t)
	ctx, cancel := context.WithCancel(context.Background())
	rec, _ := c.CreateCall(ctx, "", "client", "dev", "")

	lost := make(chan error, 1)
	if _, err := c.Subscribe(ctx, rec.ID, "client", func(calls.Record) {}, func(err error) { lost <- err }); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	cancel()
	select {
	case err := <-lost:
		t.Fatalf("expected no loss report after cancel, got %v", err)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestController_Lists(t *testing.T) {
	c, _, _ := newTestController(t)
	ctx := context.Background()
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.clock = func() time.Time { clock = clock.Add(time.Second); return clock }

	a, _ := c.CreateCall(ctx, "", "client-a", "dev", "")
	b, _ := c.CreateCall(ctx, "", "client-b", "dev", "")
	if _, err := c.Respond(ctx, a.ID, "dev", DecisionAccept); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	incoming, err := c.ListIncoming(ctx, "dev")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(incoming) != 1 || incoming[0].ID != b.ID {
		t.Fatalf("expected only %s incoming, got %+v", b.ID, incoming)
	}

	outgoing, err := c.ListOutgoing(ctx, "client-a", calls.StatusAccepted, calls.StatusActive)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(outgoing) != 1 || outgoing[0].ID != a.ID {
		t.Fatalf("expected %s outgoing, got %+v", a.ID, outgoing)
	}
	if _, err := c.ListOutgoing(ctx, "client-a", calls.Status("bogus")); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}
