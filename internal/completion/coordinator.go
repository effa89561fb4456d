// Package completion drives an accepted match through trip creation, the
// two-sided completion handshake and feedback.
package completion

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/example/flexpress-matching/internal/api"
	"github.com/example/flexpress-matching/internal/inflight"
	"github.com/example/flexpress-matching/internal/lifecycle"
	"github.com/example/flexpress-matching/internal/models"
	"github.com/example/flexpress-matching/internal/observability"
)

// ErrFeedbackNotEligible is returned without a request when the trip is
// known to be closed for feedback.
var ErrFeedbackNotEligible = &api.Error{Op: "submit feedback", Kind: api.KindConflict, Message: "feedback already submitted or not allowed"}

// API is the trips side of the REST client.
type API interface {
	CreateTrip(ctx context.Context, matchID string) (*models.Trip, error)
	CharterCompleteTrip(ctx context.Context, tripID string) (*models.Trip, error)
	ConfirmTripCompletion(ctx context.Context, tripID string) (*models.Trip, error)
	CancelTrip(ctx context.Context, tripID string) (*models.Trip, error)
	ReportTripProblem(ctx context.Context, tripID, reason string) error
	FeedbackEligibility(ctx context.Context, tripID string) (*models.FeedbackEligibility, error)
	SubmitFeedback(ctx context.Context, tripID string, fb models.Feedback) error
	Credits(ctx context.Context) (int, error)
}

// Store is the repository surface the coordinator reads and refreshes.
type Store interface {
	Match(id string) (*models.TravelMatch, bool)
	Refetch(ctx context.Context, id string) (*models.TravelMatch, error)
	Trip(id string) (*models.Trip, bool)
	RefetchTrip(ctx context.Context, id string) (*models.Trip, error)
	PutTrip(t *models.Trip)
}

// Outcome is the result of the client's completion confirmation.
type Outcome struct {
	Trip *models.Trip
	// OpenFeedback asks the UI to open the feedback form right away.
	OpenFeedback bool
}

type Coordinator struct {
	api    API
	store  Store
	guard  *inflight.Guard
	role   models.Role
	logger *slog.Logger

	mu          sync.Mutex
	eligibility map[string]models.FeedbackEligibility
}

func NewCoordinator(a API, store Store, guard *inflight.Guard, role models.Role, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		api:         a,
		store:       store,
		guard:       guard,
		role:        role,
		logger:      logger,
		eligibility: make(map[string]models.FeedbackEligibility),
	}
}

// ConfirmTrip turns an accepted match into a trip. When credits is nil the
// balance is fetched first; a shortfall is reported without creating
// anything.
func (c *Coordinator) ConfirmTrip(ctx context.Context, matchID string, credits *int) (*models.Trip, error) {
	const op = "confirm trip"
	if c.role == models.RoleCharter {
		return nil, api.Conflict(op, "only the client confirms the trip")
	}
	m, ok := c.store.Match(matchID)
	if !ok {
		var err error
		if m, err = c.store.Refetch(ctx, matchID); err != nil {
			return nil, err
		}
	}
	if m.Status != models.MatchAccepted {
		return nil, api.Conflict(op, "match %s is %s", matchID, m.Status)
	}
	if m.HasTrip() {
		return nil, api.Conflict(op, "match %s already has a trip", matchID)
	}
	have := 0
	if credits != nil {
		have = *credits
	} else {
		var err error
		if have, err = c.api.Credits(ctx); err != nil {
			return nil, err
		}
	}
	if err := lifecycle.CheckCredits(have, m.Credits()); err != nil {
		observability.MutationsTotal.WithLabelValues("confirm_trip", "rejected").Inc()
		return nil, err
	}

	release, err := c.guard.Acquire(matchID)
	if err != nil {
		return nil, err
	}
	defer release()
	start := time.Now()
	trip, err := c.api.CreateTrip(ctx, matchID)
	observe("confirm_trip", start, err)
	if err != nil {
		return nil, err
	}
	c.store.PutTrip(trip)
	if _, err := c.store.Refetch(ctx, matchID); err != nil {
		c.logger.Warn("refetch after trip creation failed", "match_id", matchID, "trip_id", trip.ID, "error", err)
	}
	return trip, nil
}

// CharterComplete is the charter's half of the completion handshake.
func (c *Coordinator) CharterComplete(ctx context.Context, tripID string) (*models.Trip, error) {
	const op = "charter complete"
	if c.role != models.RoleCharter {
		return nil, api.Conflict(op, "only the charter marks the trip done")
	}
	return c.transition(ctx, "charter_complete", tripID, func(t *models.Trip) error {
		if t.Status != models.TripPending {
			return api.Conflict(op, "trip %s is %s", tripID, t.Status)
		}
		return nil
	}, func() (*models.Trip, error) { return c.api.CharterCompleteTrip(ctx, tripID) })
}

// ConfirmCompletion is the client's half. On success the feedback
// eligibility is loaded so the caller can open the form.
func (c *Coordinator) ConfirmCompletion(ctx context.Context, tripID string) (*Outcome, error) {
	const op = "confirm completion"
	if c.role == models.RoleCharter {
		return nil, api.Conflict(op, "only the client confirms completion")
	}
	trip, err := c.transition(ctx, "confirm_completion", tripID, func(t *models.Trip) error {
		if t.Status != models.TripCharterCompleted {
			return api.Conflict(op, "trip %s is %s", tripID, t.Status)
		}
		return nil
	}, func() (*models.Trip, error) { return c.api.ConfirmTripCompletion(ctx, tripID) })
	if err != nil {
		return nil, err
	}
	out := &Outcome{Trip: trip}
	el, err := c.Eligibility(ctx, tripID)
	if err != nil {
		c.logger.Warn("feedback eligibility unavailable", "trip_id", tripID, "error", err)
		return out, nil
	}
	out.OpenFeedback = el.CanGiveFeedback && !el.AlreadySubmitted
	return out, nil
}

// CancelTrip aborts a trip that has not been completed.
func (c *Coordinator) CancelTrip(ctx context.Context, tripID string) (*models.Trip, error) {
	const op = "cancel trip"
	return c.transition(ctx, "cancel_trip", tripID, func(t *models.Trip) error {
		if t.Status == models.TripCancelled || !lifecycle.CanTransitionTrip(t.Status, models.TripCancelled) {
			return api.Conflict(op, "trip %s is %s", tripID, t.Status)
		}
		return nil
	}, func() (*models.Trip, error) { return c.api.CancelTrip(ctx, tripID) })
}

// ReportProblem opens a dispute on a trip the charter marked done. The
// trip status does not change.
func (c *Coordinator) ReportProblem(ctx context.Context, tripID, reason string) error {
	const op = "report problem"
	if strings.TrimSpace(reason) == "" {
		return api.Invalid(op, "a reason is required")
	}
	if _, err := c.checkedTrip(ctx, tripID, func(t *models.Trip) error {
		if t.Status != models.TripCharterCompleted {
			return api.Conflict(op, "trip %s is %s", tripID, t.Status)
		}
		return nil
	}); err != nil {
		if api.IsKind(err, api.KindConflict) {
			observability.MutationsTotal.WithLabelValues("report_problem", "rejected").Inc()
		}
		return err
	}
	release, err := c.guard.Acquire(tripID)
	if err != nil {
		return err
	}
	defer release()
	start := time.Now()
	err = c.api.ReportTripProblem(ctx, tripID, reason)
	observe("report_problem", start, err)
	return err
}

// Eligibility fetches and caches whether the caller may rate the trip.
func (c *Coordinator) Eligibility(ctx context.Context, tripID string) (models.FeedbackEligibility, error) {
	el, err := c.api.FeedbackEligibility(ctx, tripID)
	if err != nil {
		return models.FeedbackEligibility{}, err
	}
	c.mu.Lock()
	c.eligibility[tripID] = *el
	c.mu.Unlock()
	return *el, nil
}

// CanGiveFeedback reports the cached eligibility. Unknown trips are false.
func (c *Coordinator) CanGiveFeedback(tripID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.eligibility[tripID]
	return ok && el.CanGiveFeedback && !el.AlreadySubmitted
}

// EligibilityKnown reports whether Eligibility has been loaded for tripID.
func (c *Coordinator) EligibilityKnown(tripID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.eligibility[tripID]
	return ok
}

// SubmitFeedback rates a completed trip once.
func (c *Coordinator) SubmitFeedback(ctx context.Context, tripID string, rating int, comment string) error {
	const op = "submit feedback"
	if rating < 1 || rating > 5 {
		return api.Invalid(op, "rating must be between 1 and 5")
	}
	c.mu.Lock()
	el, known := c.eligibility[tripID]
	c.mu.Unlock()
	if !known {
		var err error
		if el, err = c.Eligibility(ctx, tripID); err != nil {
			return err
		}
	}
	if !el.CanGiveFeedback || el.AlreadySubmitted {
		observability.MutationsTotal.WithLabelValues("submit_feedback", "rejected").Inc()
		return ErrFeedbackNotEligible
	}

	release, err := c.guard.Acquire("feedback:" + tripID)
	if err != nil {
		return err
	}
	defer release()
	start := time.Now()
	err = c.api.SubmitFeedback(ctx, tripID, models.Feedback{Rating: rating, Comment: strings.TrimSpace(comment)})
	observe("submit_feedback", start, err)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.eligibility[tripID] = models.FeedbackEligibility{TripID: tripID, CanGiveFeedback: false, AlreadySubmitted: true}
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) transition(ctx context.Context, action, tripID string, check func(*models.Trip) error, call func() (*models.Trip, error)) (*models.Trip, error) {
	if _, err := c.checkedTrip(ctx, tripID, check); err != nil {
		if api.IsKind(err, api.KindConflict) {
			observability.MutationsTotal.WithLabelValues(action, "rejected").Inc()
		}
		return nil, err
	}
	release, err := c.guard.Acquire(tripID)
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
	c.store.PutTrip(updated)
	return updated, nil
}

// checkedTrip runs check against the cached trip. A cached copy that fails
// the check may be stale (the other party acted on their device), so the
// trip is refetched once and checked again before the conflict stands.
func (c *Coordinator) checkedTrip(ctx context.Context, tripID string, check func(*models.Trip) error) (*models.Trip, error) {
	if t, ok := c.store.Trip(tripID); ok {
		if err := check(t); err == nil {
			return t, nil
		}
	}
	t, err := c.store.RefetchTrip(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if err := check(t); err != nil {
		return nil, err
	}
	return t, nil
}

// Busy reports whether a trip or match mutation keyed by id is in flight.
func (c *Coordinator) Busy(id string) bool { return c.guard.Busy(id) }

func observe(action string, start time.Time, err error) {
	observability.MutationLatency.WithLabelValues(action).Observe(time.Since(start).Seconds())
	outcome := "ok"
	if err != nil {
		outcome = string(api.KindOf(err))
	}
	observability.MutationsTotal.WithLabelValues(action, outcome).Inc()
}
