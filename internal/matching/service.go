// Package matching performs the client and charter mutations on a travel
// match: create, select a charter, respond and cancel.
package matching

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/example/flexpress-matching/internal/api"
	"github.com/example/flexpress-matching/internal/geo"
	"github.com/example/flexpress-matching/internal/inflight"
	"github.com/example/flexpress-matching/internal/models"
	"github.com/example/flexpress-matching/internal/observability"
)

// API is the travel-matching side of the REST client.
type API interface {
	CreateMatch(ctx context.Context, req models.CreateMatchRequest) (*models.CreateMatchResult, error)
	SelectCharter(ctx context.Context, matchID, charterID string) (*models.TravelMatch, error)
	RespondToMatch(ctx context.Context, matchID string, accept bool) (*models.TravelMatch, error)
	CancelMatch(ctx context.Context, matchID string) (*models.TravelMatch, error)
}

// Store is the repository surface mutations read and write.
type Store interface {
	Match(id string) (*models.TravelMatch, bool)
	Refetch(ctx context.Context, id string) (*models.TravelMatch, error)
	Put(m *models.TravelMatch)
	InvalidateLists(ctx context.Context) error
}

// ExpiryOracle answers whether a pending selection is predicted expired.
type ExpiryOracle interface {
	IsPredictedExpired(matchID string) bool
}

type Service struct {
	API    API
	Store  Store
	Expiry ExpiryOracle // optional
	Guard  *inflight.Guard
	Role   models.Role
	Logger *slog.Logger // optional
}

// CreateMatch opens a search and returns the charters able to serve it,
// cheapest first.
func (s *Service) CreateMatch(ctx context.Context, req models.CreateMatchRequest) (*models.CreateMatchResult, error) {
	if err := validateCreate(req); err != nil {
		return nil, err
	}
	release, err := s.Guard.Acquire("create")
	if err != nil {
		return nil, err
	}
	defer release()

	start := time.Now()
	res, err := s.API.CreateMatch(ctx, req)
	observe("create_match", start, err)
	if err != nil {
		return nil, err
	}
	RankCharters(res.AvailableCharters)
	matchID := ""
	if res.Match != nil {
		s.Store.Put(res.Match)
		matchID = res.Match.ID
	}
	s.invalidate(ctx, matchID)
	return res, nil
}

func validateCreate(req models.CreateMatchRequest) error {
	const op = "create match"
	if strings.TrimSpace(req.PickupAddress) == "" || strings.TrimSpace(req.DestinationAddress) == "" {
		return api.Invalid(op, "pickup and destination addresses are required")
	}
	pickup := geo.Point{Lat: req.PickupLatitude, Lon: req.PickupLongitude}
	dest := geo.Point{Lat: req.DestinationLatitude, Lon: req.DestinationLongitude}
	if !pickup.Valid() || !dest.Valid() {
		return api.Invalid(op, "coordinates out of range")
	}
	if pickup == dest {
		return api.Invalid(op, "pickup and destination are the same point")
	}
	if req.WorkersCount < 0 {
		return api.Invalid(op, "workers count cannot be negative")
	}
	return nil
}

// RankCharters orders candidates by estimated credits, then distance.
func RankCharters(cs []models.AvailableCharter) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].EstimatedCredits != cs[j].EstimatedCredits {
			return cs[i].EstimatedCredits < cs[j].EstimatedCredits
		}
		return cs[i].TotalDistance < cs[j].TotalDistance
	})
}

// SelectCharter binds a charter to a searching match.
func (s *Service) SelectCharter(ctx context.Context, matchID, charterID string) (*models.TravelMatch, error) {
	const op = "select charter"
	if s.Role == models.RoleCharter {
		return nil, api.Conflict(op, "only the client can select a charter")
	}
	if charterID == "" {
		return nil, api.Invalid(op, "charter id is required")
	}
	return s.mutate(ctx, "select_charter", matchID, func(m *models.TravelMatch) error {
		if m.Status != models.MatchSearching {
			return api.Conflict(op, "match %s is %s", matchID, m.Status)
		}
		if m.HasCharter() {
			return api.Conflict(op, "match %s already has a charter", matchID)
		}
		return nil
	}, func() (*models.TravelMatch, error) {
		return s.API.SelectCharter(ctx, matchID, charterID)
	})
}

// Respond is the charter's accept or reject of a pending selection.
func (s *Service) Respond(ctx context.Context, matchID string, accept bool) (*models.TravelMatch, error) {
	const op = "respond to match"
	action := "reject"
	if accept {
		action = "accept"
	}
	if s.Role != models.RoleCharter {
		return nil, api.Conflict(op, "only the charter can respond")
	}
	return s.mutate(ctx, action, matchID, func(m *models.TravelMatch) error {
		if m.Status != models.MatchPending {
			return api.Conflict(op, "match %s is %s", matchID, m.Status)
		}
		if s.Expiry != nil && s.Expiry.IsPredictedExpired(matchID) {
			return api.Conflict(op, "the request for match %s has expired", matchID)
		}
		return nil
	}, func() (*models.TravelMatch, error) {
		return s.API.RespondToMatch(ctx, matchID, accept)
	})
}

// CancelMatch withdraws a match that has not been closed yet.
func (s *Service) CancelMatch(ctx context.Context, matchID string) (*models.TravelMatch, error) {
	const op = "cancel match"
	return s.mutate(ctx, "cancel_match", matchID, func(m *models.TravelMatch) error {
		switch m.Status {
		case models.MatchSearching, models.MatchPending, models.MatchAccepted:
		default:
			return api.Conflict(op, "match %s is %s", matchID, m.Status)
		}
		if m.HasTrip() {
			return api.Conflict(op, "match %s already has a trip", matchID)
		}
		return nil
	}, func() (*models.TravelMatch, error) {
		return s.API.CancelMatch(ctx, matchID)
	})
}

// Busy reports whether a mutation on matchID is in flight.
func (s *Service) Busy(matchID string) bool {
	return s.Guard.Busy(matchID)
}

// mutate runs the shared pre-check, guard, call and store sequence. On any
// failure the cached match is left as it was.
func (s *Service) mutate(ctx context.Context, action, matchID string, check func(*models.TravelMatch) error, call func() (*models.TravelMatch, error)) (*models.TravelMatch, error) {
	m, err := s.current(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if err := check(m); err != nil {
		observability.MutationsTotal.WithLabelValues(action, "rejected").Inc()
		return nil, err
	}
	release, err := s.Guard.Acquire(matchID)
	if err != nil {
		return nil, err
	}
	defer release()

	start := time.Now()
	updated, err := call()
	observe(action, start, err)
	if err != nil {
		return nil, err
	}
	s.Store.Put(updated)
	s.invalidate(ctx, updated.ID)
	return updated, nil
}

func (s *Service) current(ctx context.Context, matchID string) (*models.TravelMatch, error) {
	if m, ok := s.Store.Match(matchID); ok {
		return m, nil
	}
	return s.Store.Refetch(ctx, matchID)
}

func (s *Service) invalidate(ctx context.Context, matchID string) {
	if err := s.Store.InvalidateLists(ctx); err != nil && s.Logger != nil {
		s.Logger.Debug("list invalidation after mutation failed", "match_id", matchID, "error", err)
	}
}

func observe(action string, start time.Time, err error) {
	observability.MutationLatency.WithLabelValues(action).Observe(time.Since(start).Seconds())
	outcome := "ok"
	if err != nil {
		outcome = string(api.KindOf(err))
	}
	observability.MutationsTotal.WithLabelValues(action, outcome).Inc()
}
