package signaling

import (
	"context"
	"errors"

	"devcall/internal/calls"
)

// ErrNoChange is returned by a mutate func to abort an Update without writing.
// Update then reports changed=false and a nil error.
var ErrNoChange = errors.New("signaling: no change")

// ErrRecordExists is returned by Create when the id is already taken. The
// stored record is returned alongside it.
var ErrRecordExists = errors.New("signaling: record id already exists")

// Store is the document-style signaling store boundary.
//
// Contract:
// - Update is an atomic read-modify-write of a single record. Concurrent writers
//   are serialized per record; correctness relies on the transition rules the
//   mutate func applies, not on any lock held across calls.
// - Every committed write increments Version and is delivered to watchers of
//   that record, at-least-once, in commit order.
// - Returned records are copies; callers may mutate them freely.
type Store interface {
	Create(ctx context.Context, rec calls.Record) (calls.Record, error)
	Get(ctx context.Context, id string) (calls.Record, error)
	Update(ctx context.Context, id string, mutate func(*calls.Record) error) (calls.Record, bool, error)
	Query(ctx context.Context, f Filter) ([]calls.Record, error)
	Watch(ctx context.Context, id string) (<-chan calls.Record, func(), error)
}

// Filter selects records by exactly one party plus a status set.
// An empty Statuses matches every status.
type Filter struct {
	RequesterID string
	ResponderID string
	Statuses    []calls.Status
}

func (f Filter) valid() bool {
	return (f.RequesterID == "") != (f.ResponderID == "")
}

func (f Filter) matches(r calls.Record) bool {
	if f.RequesterID != "" && r.RequesterID != f.RequesterID {
		return false
	}
	if f.ResponderID != "" && r.ResponderID != f.ResponderID {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if r.Status == s {
			return true
		}
	}
	return false
}

// Notifier fans committed revisions out to watchers.
// PostgresStore publishes through it after each commit.
type Notifier interface {
	Publish(ctx context.Context, rec calls.Record) error
	Watch(ctx context.Context, id string) (<-chan calls.Record, func(), error)
}
