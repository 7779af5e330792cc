package presence

import (
	"context"
	"errors"
	"sort"
)

// Presence is a responder's advertised availability.
// It is an input to call eligibility only; the call core never mutates it.
type Presence struct {
	Identity   string  `json:"identity"`
	IsOnline   bool    `json:"is_online"`
	HourlyRate float64 `json:"hourly_rate"`
}

var (
	ErrNotFound        = errors.New("presence: identity not found")
	ErrInvalidArgument = errors.New("presence: invalid argument")
)

// Directory resolves responder presence.
// Implementations may use Redis or memory.
type Directory interface {
	Get(ctx context.Context, identity string) (Presence, error)
	ListOnline(ctx context.Context) ([]Presence, error)
	Set(ctx context.Context, p Presence) error
}

// Validate enforces the dashboard rule that going online requires a rate.
func (p Presence) Validate() error {
	if p.Identity == "" {
		return ErrInvalidArgument
	}
	if p.HourlyRate < 0 {
		return ErrInvalidArgument
	}
	if p.IsOnline && p.HourlyRate <= 0 {
		return ErrInvalidArgument
	}
	return nil
}

// FilterByMaxRate keeps entries whose rate is at most maxRate.
// A non-positive maxRate disables the filter. Output is ordered by rate, then identity.
func FilterByMaxRate(in []Presence, maxRate float64) []Presence {
	out := make([]Presence, 0, len(in))
	for _, p := range in {
		if maxRate > 0 && p.HourlyRate > maxRate {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].HourlyRate != out[j].HourlyRate {
			return out[i].HourlyRate < out[j].HourlyRate
		}
		return out[i].Identity < out[j].Identity
	})
	return out
}
