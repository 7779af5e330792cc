package audit

import (
	"context"
	"sync"
)

// MemoryRepo keeps audit events in process. It backs tests and local runs
// without Postgres; nothing survives a restart.
type MemoryRepo struct {
	mu     sync.Mutex
	events []Event
	byCall map[string][]int
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{byCall: make(map[string][]int)}
}

func (r *MemoryRepo) Append(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byCall[e.CallID] = append(r.byCall[e.CallID], len(r.events))
	r.events = append(r.events, e)
	return nil
}

// Events returns every event in append order.
func (r *MemoryRepo) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// EventsForCall returns the events of one call, in append order.
func (r *MemoryRepo) EventsForCall(callID string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.byCall[callID]
	out := make([]Event, 0, len(idx))
	for _, i := range idx {
		out = append(out, r.events[i])
	}
	return out
}
