package reporting

import (
	"time"

	"devcall/internal/calls"
)

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Contains reports whether t falls in [From, To).
func (r TimeRange) Contains(t time.Time) bool {
	return !t.Before(r.From) && t.Before(r.To)
}

// CallsSummaryRequest asks for one party's call history over a range.
// Identity is required; calls are selected by CreatedAt.
type CallsSummaryRequest struct {
	Identity string     `json:"identity"`
	Side     calls.Role `json:"side"`
	Range    TimeRange  `json:"range"`
}

// CallsSummary aggregates call records for one party.
//
// Outcomes:
//   - Completed: accepted, then ended
//   - Declined: rejected by the responder
//   - Missed: ended before anyone accepted
//   - InProgress: not yet terminal
type CallsSummary struct {
	Identity string     `json:"identity"`
	Side     calls.Role `json:"side"`

	TotalCalls      int `json:"total_calls"`
	CompletedCalls  int `json:"completed_calls"`
	DeclinedCalls   int `json:"declined_calls"`
	MissedCalls     int `json:"missed_calls"`
	InProgressCalls int `json:"in_progress_calls"`

	// Talk time runs from acceptance to end, for completed calls.
	TotalTalkSeconds   int `json:"total_talk_seconds"`
	AverageTalkSeconds int `json:"average_talk_seconds"`

	// AcceptanceRate is accepted / answered-or-declined, 0 when nothing was
	// answered yet.
	AcceptanceRate float64 `json:"acceptance_rate"`
}
