package presence

import (
	"context"
	"errors"
	"testing"
)

func TestValidate_OnlineRequiresRate(t *testing.T) {
	if err := (Presence{Identity: "dev", IsOnline: true}).Validate(); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if err := (Presence{Identity: "dev", IsOnline: false}).Validate(); err != nil {
		t.Fatalf("offline without rate should be allowed, got %v", err)
	}
	if err := (Presence{Identity: "", IsOnline: true, HourlyRate: 10}).Validate(); err == nil {
		t.Fatalf("expected identity required")
	}
}

func TestFilterByMaxRate(t *testing.T) {
	in := []Presence{
		{Identity: "c", HourlyRate: 90},
		{Identity: "a", HourlyRate: 40},
		{Identity: "b", HourlyRate: 40},
	}
	got := FilterByMaxRate(in, 50)
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got[0].Identity != "a" || got[1].Identity != "b" {
		t.Fatalf("unexpected order: %+v", got)
	}
	if all := FilterByMaxRate(in, 0); len(all) != 3 {
		t.Fatalf("expected no filtering for maxRate=0")
	}
}

func TestMemoryDirectory_ListOnline(t *testing.T) {
	d := NewMemoryDirectory(
		Presence{Identity: "on", IsOnline: true, HourlyRate: 50},
		Presence{Identity: "off", IsOnline: false, HourlyRate: 30},
	)
	ctx := context.Background()

	online, err := d.ListOnline(ctx)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(online) != 1 || online[0].Identity != "on" {
		t.Fatalf("unexpected online set: %+v", online)
	}

	if err := d.Set(ctx, Presence{Identity: "off", IsOnline: true, HourlyRate: 30}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	online, _ = d.ListOnline(ctx)
	if len(online) != 2 {
		t.Fatalf("expected 2 online, got %d", len(online))
	}

	if _, err := d.Get(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDecodePresence(t *testing.T) {
	p, err := decodePresence("dev", map[string]string{"is_online": "1", "hourly_rate": "72.5"})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if !p.IsOnline || p.HourlyRate != 72.5 {
		t.Fatalf("unexpected presence: %+v", p)
	}
	if _, err := decodePresence("dev", map[string]string{"hourly_rate": "cheap"}); err == nil {
		t.Fatalf("expected parse error")
	}
}
