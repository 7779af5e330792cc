package signaling

import (
	"context"
	"errors"
	"testing"
	"time"

	"devcall/internal/calls"
)

func TestHub_SlowWatcherLosesNothing(t *testing.T) {
	h := NewHub()
	ch, cancel, err := h.Watch(context.Background(), "c1")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	defer cancel()

	// Publish far more than any channel buffer before reading anything.
	for v := int64(1); v <= 500; v++ {
		_ = h.Publish(context.Background(), calls.Record{ID: "c1", Version: v})
	}
	for v := int64(1); v <= 500; v++ {
		select {
		case r := <-ch:
			if r.Version != v {
				t.Fatalf("expected version %d, got %d", v, r.Version)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out at version %d", v)
		}
	}
}

func TestHub_CancelClosesChannel(t *testing.T) {
	h := NewHub()
	ch, cancel, _ := h.Watch(context.Background(), "c1")
	cancel()
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatalf("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("channel not closed")
	}
	if n := h.watcherCount("c1"); n != 0 {
		t.Fatalf("expected 0 watchers, got %d", n)
	}
}

func TestHub_ContextCancelDetaches(t *testing.T) {
	h := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	ch, _, _ := h.Watch(ctx, "c1")
	cancel()

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("channel not closed after context cancel")
	}
	deadline := time.Now().Add(2 * time.Second)
	for h.watcherCount("c1") != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("watcher not detached")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestMemoryStore_UpdateNoChange(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if _, err := s.Create(ctx, calls.Record{ID: "c1", Status: calls.StatusPending}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	rec, changed, err := s.Update(ctx, "c1", func(*calls.Record) error { return ErrNoChange })
	if err != nil || changed {
		t.Fatalf("expected unchanged nil-error update, got changed=%v err=%v", changed, err)
	}
	if rec.Version != 1 {
		t.Fatalf("expected version 1, got %d", rec.Version)
	}

	boom := errors.New("boom")
	if _, _, err := s.Update(ctx, "c1", func(r *calls.Record) error {
		r.Status = calls.StatusEnded
		return boom
	}); !errors.Is(err, boom) {
		t.Fatalf("expected mutate error, got %v", err)
	}
	got, _ := s.Get(ctx, "c1")
	if got.Status != calls.StatusPending {
		t.Fatalf("expected failed mutate to leave record untouched, got %s", got.Status)
	}

	if _, _, err := s.Update(ctx, "missing", func(*calls.Record) error { return nil }); !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_, _ = s.Create(ctx, calls.Record{ID: "c1", Status: calls.StatusAccepted, Participants: map[string]calls.Participant{}})

	got, _ := s.Get(ctx, "c1")
	got.Participants["x"] = calls.Participant{Identity: "x"}

	again, _ := s.Get(ctx, "c1")
	if len(again.Participants) != 0 {
		t.Fatalf("expected store copy to be unaffected")
	}
}

func TestMemoryStore_QueryRequiresOneParty(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.Query(context.Background(), Filter{}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if _, err := s.Query(context.Background(), Filter{RequesterID: "a", ResponderID: "b"}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestBuildQuery_StatusPlaceholders(t *testing.T) {
	q, args := buildQuery(Filter{ResponderID: "dev", Statuses: []calls.Status{calls.StatusPending, calls.StatusAccepted}})
	if len(args) != 3 {
		t.Fatalf("expected 3 args, got %d", len(args))
	}
	want := `responder_id = $1 AND status IN ($2,$3) ORDER BY created_at ASC`
	if len(q) < len(want) || q[len(q)-len(want):] != want {
		t.Fatalf("unexpected query: %s", q)
	}
}
