package models

import (
	"time"

	"github.com/example/flexpress-matching/internal/geo"
)

// UserSummary is the partial user projection embedded in matches and trips.
type UserSummary struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Email  string `json:"email,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

// TravelMatch is a proposed pairing between a client request and a charter.
type TravelMatch struct {
	ID        string  `json:"id"`
	UserID    string  `json:"userId"`
	CharterID *string `json:"charterId"`

	PickupAddress        string `json:"pickupAddress"`
	PickupLatitude       string `json:"pickupLatitude"`
	PickupLongitude      string `json:"pickupLongitude"`
	DestinationAddress   string `json:"destinationAddress"`
	DestinationLatitude  string `json:"destinationLatitude"`
	DestinationLongitude string `json:"destinationLongitude"`

	DistanceKm       *float64   `json:"distanceKm"`
	EstimatedCredits *int       `json:"estimatedCredits"`
	WorkersCount     int        `json:"workersCount"`
	ScheduledDate    *time.Time `json:"scheduledDate,omitempty"`

	Status    MatchStatus `json:"status"`
	ExpiresAt *time.Time  `json:"expiresAt"`

	ConversationID *string `json:"conversationId"`
	TripID         *string `json:"tripId"`

	User         *UserSummary         `json:"user,omitempty"`
	Charter      *UserSummary         `json:"charter,omitempty"`
	Trip         *TripSummary         `json:"trip,omitempty"`
	Conversation *ConversationSummary `json:"conversation,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// HasConversation is true once the server attached a chat thread.
func (m *TravelMatch) HasConversation() bool {
	return m.ConversationID != nil && *m.ConversationID != ""
}

func (m *TravelMatch) HasTrip() bool {
	return (m.TripID != nil && *m.TripID != "") || (m.Trip != nil && m.Trip.ID != "")
}

func (m *TravelMatch) HasCharter() bool {
	return m.CharterID != nil && *m.CharterID != ""
}

// AppearsExpired reports whether a match still awaiting a response has
// passed its deadline. It is a prediction only; Status is never changed.
func (m *TravelMatch) AppearsExpired(now time.Time) bool {
	if !m.Status.AwaitingResponse() || m.ExpiresAt == nil {
		return false
	}
	return !now.Before(*m.ExpiresAt)
}

// Pickup parses the pickup coordinates.
func (m *TravelMatch) Pickup() (geo.Point, error) {
	return geo.ParsePoint(m.PickupLatitude, m.PickupLongitude)
}

// Destination parses the destination coordinates.
func (m *TravelMatch) Destination() (geo.Point, error) {
	return geo.ParsePoint(m.DestinationLatitude, m.DestinationLongitude)
}

// Credits returns the estimated credits or 0 when not computed yet.
func (m *TravelMatch) Credits() int {
	if m.EstimatedCredits == nil {
		return 0
	}
	return *m.EstimatedCredits
}

// Clone returns a deep enough copy for cache isolation.
func (m *TravelMatch) Clone() *TravelMatch {
	if m == nil {
		return nil
	}
	c := *m
	if m.Conversation != nil {
		conv := *m.Conversation
		conv.Messages = append([]Message(nil), m.Conversation.Messages...)
		c.Conversation = &conv
	}
	if m.Trip != nil {
		t := *m.Trip
		c.Trip = &t
	}
	return &c
}

// TripSummary is the partial trip projection embedded in a match.
type TripSummary struct {
	ID     string     `json:"id"`
	Status TripStatus `json:"status"`
}

// MatchSnapshot is the pricing/geography copy embedded in a Trip.
type MatchSnapshot struct {
	ID                 string   `json:"id,omitempty"`
	PickupAddress      string   `json:"pickupAddress"`
	DestinationAddress string   `json:"destinationAddress"`
	DistanceKm         *float64 `json:"distanceKm"`
	EstimatedCredits   *int     `json:"estimatedCredits"`
}

// Trip is the operational record created from an accepted match.
type Trip struct {
	ID                 string         `json:"id"`
	UserID             string         `json:"userId"`
	CharterID          string         `json:"charterId"`
	Status             TripStatus     `json:"status"`
	TravelMatch        *MatchSnapshot `json:"travelMatch,omitempty"`
	CharterCompletedAt *time.Time     `json:"charterCompletedAt,omitempty"`
	CompletedAt        *time.Time     `json:"completedAt,omitempty"`
	CreatedAt          time.Time      `json:"createdAt"`
}

// AvailableCharter is a search result used to populate the selection list.
type AvailableCharter struct {
	CharterID        string  `json:"charterId"`
	CharterName      string  `json:"charterName"`
	CharterAvatar    string  `json:"charterAvatar,omitempty"`
	EstimatedCredits int     `json:"estimatedCredits"`
	TotalDistance    float64 `json:"totalDistance"`
}

// CreateMatchRequest is the body of POST /travel-matching/create.
type CreateMatchRequest struct {
	PickupAddress        string     `json:"pickupAddress"`
	PickupLatitude       float64    `json:"pickupLatitude"`
	PickupLongitude      float64    `json:"pickupLongitude"`
	DestinationAddress   string     `json:"destinationAddress"`
	DestinationLatitude  float64    `json:"destinationLatitude"`
	DestinationLongitude float64    `json:"destinationLongitude"`
	WorkersCount         int        `json:"workersCount"`
	ScheduledDate        *time.Time `json:"scheduledDate,omitempty"`
}

// CreateMatchResult is the response of POST /travel-matching/create.
type CreateMatchResult struct {
	Match             *TravelMatch       `json:"match"`
	AvailableCharters []AvailableCharter `json:"availableCharters"`
}

// FeedbackEligibility reflects whether the caller may still rate a trip.
type FeedbackEligibility struct {
	TripID           string `json:"tripId"`
	CanGiveFeedback  bool   `json:"canGiveFeedback"`
	AlreadySubmitted bool   `json:"alreadySubmitted"`
}

// Feedback is the body of POST /trips/:id/feedback.
type Feedback struct {
	Rating  int    `json:"rating"`
	Comment string `json:"comment,omitempty"`
}

// CreditBalance is the caller's spendable credits.
type CreditBalance struct {
	Credits int `json:"credits"`
}

// Role distinguishes the two sides of a match.
type Role string

const (
	RoleClient  Role = "client"
	RoleCharter Role = "charter"
)

// Transition records a status change observed by the client.
type Transition struct {
	Entity     string    `json:"entity"` // "match" or "trip"
	ID         string    `json:"id"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Expected   bool      `json:"expected"`
	ObservedAt time.Time `json:"observedAt"`
}
