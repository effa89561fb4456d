package lifecycle

import (
	"time"

	"github.com/example/flexpress-matching/internal/models"
)

// Phase is the tagged union a match is projected onto before rendering.
// Exactly one of the concrete types below implements it.
type Phase interface {
	isPhase()
}

// Negotiating covers SEARCHING and PENDING. PredictedExpired is the local
// clock's opinion only; the server status is left untouched.
type Negotiating struct {
	Status           models.MatchStatus
	PredictedExpired bool
}

// AwaitingTripConfirmation is ACCEPTED without a trip.
type AwaitingTripConfirmation struct {
	ChatReady bool
}

// TripInProgress is ACCEPTED with a trip attached.
type TripInProgress struct {
	Trip TripPhase
}

// Completed mirrors a completed trip; feedback may be due.
type Completed struct{}

// Closed is one of the terminal statuses REJECTED, EXPIRED or CANCELLED.
type Closed struct {
	Status models.MatchStatus
}

// Unrecognized carries a status the client does not model.
type Unrecognized struct {
	Raw string
}

func (Negotiating) isPhase()              {}
func (AwaitingTripConfirmation) isPhase() {}
func (TripInProgress) isPhase()           {}
func (Completed) isPhase()                {}
func (Closed) isPhase()                   {}
func (Unrecognized) isPhase()             {}

// TripPhase is the completion sub-state nested under ACCEPTED.
type TripPhase int

const (
	TripAwaitingCharter TripPhase = iota // pending
	TripAwaitingClient                   // charter_completed
	TripSettled                          // completed
	TripAborted                          // cancelled
	TripUnrecognized
)

func tripPhaseOf(s models.TripStatus) TripPhase {
	switch s {
	case models.TripPending, "":
		return TripAwaitingCharter
	case models.TripCharterCompleted:
		return TripAwaitingClient
	case models.TripCompleted:
		return TripSettled
	case models.TripCancelled:
		return TripAborted
	}
	return TripUnrecognized
}

// PhaseOf projects a match onto its Phase. This is the only place that
// looks at the embedded trip snapshot.
func PhaseOf(m *models.TravelMatch, now time.Time) Phase {
	switch m.Status {
	case models.MatchSearching, models.MatchPending:
		return Negotiating{Status: m.Status, PredictedExpired: m.AppearsExpired(now)}
	case models.MatchAccepted:
		if !m.HasTrip() {
			return AwaitingTripConfirmation{ChatReady: m.HasConversation()}
		}
		var ts models.TripStatus
		if m.Trip != nil {
			ts = m.Trip.Status
		}
		return TripInProgress{Trip: tripPhaseOf(ts)}
	case models.MatchCompleted:
		return Completed{}
	case models.MatchRejected, models.MatchExpired, models.MatchCancelled:
		return Closed{Status: m.Status}
	}
	return Unrecognized{Raw: string(m.Status)}
}
