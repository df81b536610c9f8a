package reporting

import (
	"context"
	"errors"
	"sort"
	"time"

	"voice-platform/internal/calls"
	"voice-platform/internal/store"
	"voice-platform/internal/usage"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// Repository is the read side of the persistence gateway. Implementations
// must filter by tenant.
type Repository interface {
	ListSessions(ctx context.Context, f store.SessionFilter) ([]calls.Session, error)
	ListUsage(ctx context.Context, tenantID string, from, to time.Time) ([]usage.Record, error)
}

const pageSize = 500

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service { return &Service{repo: repo} }

// SessionStats aggregates the tenant's sessions and usage over a time range.
func (s *Service) SessionStats(ctx context.Context, req SessionStatsRequest) (SessionStats, error) {
	if req.TenantID == "" || !req.Range.valid() {
		return SessionStats{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return SessionStats{}, errors.New("reporting: repository not configured")
	}

	sessions, err := s.sessions(ctx, req)
	if err != nil {
		return SessionStats{}, err
	}
	out := SessionStats{
		TenantID:    req.TenantID,
		AgentID:     req.AgentID,
		Range:       req.Range,
		ByState:     map[calls.State]int{},
		ByEndReason: map[calls.EndReason]int{},
		Usage:       []UsageLine{},
	}
	closed := int64(0)
	for _, sess := range sessions {
		out.TotalSessions++
		out.ByState[sess.State]++
		out.TotalTurns += len(sess.Turns)
		if sess.State.Terminal() {
			out.ByEndReason[sess.EndReason]++
		}
		if sess.EndedAt != nil {
			out.TotalDurationSeconds += int64(sess.EndedAt.Sub(sess.StartedAt).Seconds())
			closed++
		}
	}
	if closed > 0 {
		out.AverageDurationSeconds = out.TotalDurationSeconds / closed
	}

	records, err := s.repo.ListUsage(ctx, req.TenantID, req.Range.From, req.Range.To)
	if err != nil {
		return SessionStats{}, err
	}
	out.Usage = aggregateUsage(records, req.AgentID)
	return out, nil
}

// sessions walks the range newest first, moving the upper bound down to the
// oldest start time seen. Boundary rows are re-read and dropped by id.
func (s *Service) sessions(ctx context.Context, req SessionStatsRequest) ([]calls.Session, error) {
	seen := map[string]bool{}
	var out []calls.Session
	to := req.Range.To
	for {
		page, err := s.repo.ListSessions(ctx, store.SessionFilter{
			TenantID: req.TenantID,
			AgentID:  req.AgentID,
			From:     req.Range.From,
			To:       to,
			Limit:    pageSize,
		})
		if err != nil {
			return nil, err
		}
		added := 0
		for _, sess := range page {
			if seen[sess.ID] {
				continue
			}
			seen[sess.ID] = true
			out = append(out, sess)
			added++
		}
		if len(page) < pageSize || added == 0 {
			return out, nil
		}
		to = page[len(page)-1].StartedAt.Add(time.Nanosecond)
	}
}

func aggregateUsage(records []usage.Record, agentID string) []UsageLine {
	lines := map[string]*UsageLine{}
	for _, r := range records {
		if agentID != "" && r.AgentID != agentID {
			continue
		}
		key := r.Vendor + "|" + string(r.Capability) + "|" + r.Currency
		l, ok := lines[key]
		if !ok {
			l = &UsageLine{Vendor: r.Vendor, Capability: r.Capability, UnitKind: r.UnitKind, Currency: r.Currency}
			lines[key] = l
		}
		l.totalLatencyMS += r.LatencyMS
		if r.Outcome == usage.OutcomeFailure {
			l.Failures++
			continue
		}
		l.Successes++
		l.Units += r.Units
		l.EstimatedCost = l.EstimatedCost.Add(r.EstimatedCost)
	}

	out := make([]UsageLine, 0, len(lines))
	for _, l := range lines {
		if n := int64(l.Successes + l.Failures); n > 0 {
			l.AvgLatencyMS = l.totalLatencyMS / n
		}
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Capability != out[j].Capability {
			return out[i].Capability < out[j].Capability
		}
		return out[i].Vendor < out[j].Vendor
	})
	return out
}
