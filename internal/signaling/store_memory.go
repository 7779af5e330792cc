package signaling

import (
	"context"
	"errors"
	"sort"
	"sync"

	"devcall/internal/calls"
)

// MemoryStore is an in-memory Store useful for tests and the local env.
// Writes are serialized by a single mutex, and revisions are published before the
// lock is released so watchers observe commit order.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]calls.Record
	hub     *Hub

	// failNext is returned once by the next Create/Get/Update.
	failNext error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]calls.Record), hub: NewHub()}
}

// FailNext makes the next Create, Get or Update call return err.
func (s *MemoryStore) FailNext(err error) {
	s.mu.Lock()
	s.failNext = err
	s.mu.Unlock()
}

func (s *MemoryStore) takeFailure() error {
	err := s.failNext
	s.failNext = nil
	return err
}

func (s *MemoryStore) Create(ctx context.Context, rec calls.Record) (calls.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return calls.Record{}, err
	}
	if rec.ID == "" {
		return calls.Record{}, ErrInvalidArgument
	}
	if cur, ok := s.records[rec.ID]; ok {
		return cur.Clone(), ErrRecordExists
	}
	rec = rec.Clone()
	rec.Version = 1
	s.records[rec.ID] = rec
	_ = s.hub.Publish(ctx, rec)
	return rec.Clone(), nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (calls.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return calls.Record{}, err
	}
	rec, ok := s.records[id]
	if !ok {
		return calls.Record{}, ErrRecordNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, mutate func(*calls.Record) error) (calls.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return calls.Record{}, false, err
	}
	cur, ok := s.records[id]
	if !ok {
		return calls.Record{}, false, ErrRecordNotFound
	}

	next := cur.Clone()
	if err := mutate(&next); err != nil {
		if errors.Is(err, ErrNoChange) {
			return cur.Clone(), false, nil
		}
		return cur.Clone(), false, err
	}
	next.ID = cur.ID
	next.Version = cur.Version + 1
	s.records[id] = next
	_ = s.hub.Publish(ctx, next)
	return next.Clone(), true, nil
}

func (s *MemoryStore) Query(ctx context.Context, f Filter) ([]calls.Record, error) {
	if !f.valid() {
		return nil, ErrInvalidArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []calls.Record
	for _, r := range s.records {
		if f.matches(r) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) Watch(ctx context.Context, id string) (<-chan calls.Record, func(), error) {
	return s.hub.Watch(ctx, id)
}
