package presence

import (
	"context"
	"sync"
)

// MemoryDirectory is a simple in-memory directory useful for tests and the local env.
type MemoryDirectory struct {
	mu      sync.RWMutex
	entries map[string]Presence
}

func NewMemoryDirectory(entries ...Presence) *MemoryDirectory {
	d := &MemoryDirectory{entries: make(map[string]Presence, len(entries))}
	for _, p := range entries {
		d.entries[p.Identity] = p
	}
	return d
}

func (d *MemoryDirectory) Get(ctx context.Context, identity string) (Presence, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.entries[identity]
	if !ok {
		return Presence{}, ErrNotFound
	}
	return p, nil
}

func (d *MemoryDirectory) ListOnline(ctx context.Context) ([]Presence, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Presence, 0, len(d.entries))
	for _, p := range d.entries {
		if p.IsOnline {
			out = append(out, p)
		}
	}
	return out, nil
}

func (d *MemoryDirectory) Set(ctx context.Context, p Presence) error {
	if err := p.Validate(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[p.Identity] = p
	return nil
}
