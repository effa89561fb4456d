// Package lifecycle holds the match and trip state machines and the
// status-driven view dispatch built on them. Everything here is pure: it
// inspects entities and never talks to the network.
package lifecycle

import "github.com/example/flexpress-matching/internal/models"

var matchEdges = map[models.MatchStatus][]models.MatchStatus{
	models.MatchSearching: {models.MatchPending, models.MatchExpired, models.MatchCancelled},
	models.MatchPending:   {models.MatchAccepted, models.MatchRejected, models.MatchExpired, models.MatchCancelled},
	models.MatchAccepted:  {models.MatchCancelled, models.MatchCompleted},
}

var tripEdges = map[models.TripStatus][]models.TripStatus{
	models.TripPending:          {models.TripCharterCompleted, models.TripCancelled},
	models.TripCharterCompleted: {models.TripCompleted, models.TripCancelled},
}

// CanTransition reports whether the match lifecycle allows from -> to.
// A status is always allowed to stay where it is.
func CanTransition(from, to models.MatchStatus) bool {
	if from == to {
		return true
	}
	for _, s := range matchEdges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CanTransitionTrip is the trip counterpart of CanTransition.
func CanTransitionTrip(from, to models.TripStatus) bool {
	if from == to {
		return true
	}
	for _, s := range tripEdges[from] {
		if s == to {
			return true
		}
	}
	return false
}
