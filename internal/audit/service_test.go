package audit

import (
	"context"
	"testing"
)

func TestService_AppendRequiresCallAndType(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)

	if err := svc.Append(context.Background(), Event{Type: EventTypeCallCreated}); err == nil {
		t.Fatalf("expected error")
	}
	if err := svc.Append(context.Background(), Event{CallID: "c"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestService_AppendsImmutableEvents(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)

	if err := svc.LogTransition(context.Background(), EventTypeCallResponded, "c1", "dev", "pending", "accepted", "accepted"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if err := svc.LogParticipant(context.Background(), "c2", "client", "t-1"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	evs := repo.EventsForCall("c1")
	if len(evs) != 1 {
		t.Fatalf("expected 1 event")
	}
	if evs[0].ID == "" || evs[0].CreatedAt.IsZero() {
		t.Fatalf("expected id and created_at populated")
	}
	if evs[0].FromStatus != "pending" || evs[0].ToStatus != "accepted" {
		t.Fatalf("expected transition captured, got %+v", evs[0])
	}
	if len(repo.Events()) != 2 {
		t.Fatalf("expected 2 events total")
	}
}

func TestMemoryRepo_KeepsPerCallOrder(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)
	ctx := context.Background()

	for _, step := range []struct{ call, to string }{
		{"c1", "accepted"}, {"c2", "rejected"}, {"c1", "ended"},
	} {
		if err := svc.LogTransition(ctx, EventTypeCallResponded, step.call, "dev", "", step.to, ""); err != nil {
			t.Fatalf("unexpected err: %v", err)
		}
	}
	evs := repo.EventsForCall("c1")
	if len(evs) != 2 || evs[0].ToStatus != "accepted" || evs[1].ToStatus != "ended" {
		t.Fatalf("unexpected c1 events %+v", evs)
	}
	if got := repo.EventsForCall("missing"); len(got) != 0 {
		t.Fatalf("expected no events, got %+v", got)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := repo.Append(cancelled, Event{CallID: "c3", Type: EventTypeCallEnded}); err == nil {
		t.Fatalf("expected cancelled append to fail")
	}
}
