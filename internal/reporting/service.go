package reporting

import (
	"context"
	"errors"

	"devcall/internal/calls"
	"devcall/internal/signaling"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// Repository is the read side reporting needs. signaling.Store satisfies it.
//
// Reports are derived from call records only; nothing here writes.
type Repository interface {
	Query(ctx context.Context, f signaling.Filter) ([]calls.Record, error)
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service { return &Service{repo: repo} }

func (s *Service) CallsSummary(ctx context.Context, req CallsSummaryRequest) (CallsSummary, error) {
	if req.Identity == "" {
		return CallsSummary{}, ErrInvalidRequest
	}
	if req.Side != calls.RoleRequester && req.Side != calls.RoleResponder {
		return CallsSummary{}, ErrInvalidRequest
	}
	if req.Range.From.IsZero() || req.Range.To.IsZero() || !req.Range.To.After(req.Range.From) {
		return CallsSummary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return CallsSummary{}, errors.New("reporting: repository not configured")
	}

	f := signaling.Filter{RequesterID: req.Identity}
	if req.Side == calls.RoleResponder {
		f = signaling.Filter{ResponderID: req.Identity}
	}
	rows, err := s.repo.Query(ctx, f)
	if err != nil {
		return CallsSummary{}, err
	}

	out := CallsSummary{Identity: req.Identity, Side: req.Side}
	accepted := 0
	for _, r := range rows {
		if !req.Range.Contains(r.CreatedAt) {
			continue
		}
		out.TotalCalls++
		if r.AcceptedAt != nil {
			accepted++
		}
		switch {
		case r.Status == calls.StatusRejected:
			out.DeclinedCalls++
		case r.Status == calls.StatusEnded && r.AcceptedAt != nil:
			out.CompletedCalls++
			if r.EndedAt != nil && r.EndedAt.After(*r.AcceptedAt) {
				out.TotalTalkSeconds += int(r.EndedAt.Sub(*r.AcceptedAt).Seconds())
			}
		case r.Status == calls.StatusEnded:
			out.MissedCalls++
		default:
			out.InProgressCalls++
		}
	}
	if out.CompletedCalls > 0 {
		out.AverageTalkSeconds = out.TotalTalkSeconds / out.CompletedCalls
	}
	if answered := accepted + out.DeclinedCalls; answered > 0 {
		out.AcceptanceRate = float64(accepted) / float64(answered)
	}
	return out, nil
}
