package models

import (
	"encoding/json"
	"strings"
)

// MatchStatus is the lifecycle status of a TravelMatch. Raw values coming
// from the API are normalised by ParseMatchStatus; values that do not map to
// a known status keep their raw text so they can be reported.
type MatchStatus string

const (
	MatchSearching MatchStatus = "SEARCHING"
	MatchPending   MatchStatus = "PENDING"
	MatchAccepted  MatchStatus = "ACCEPTED"
	MatchRejected  MatchStatus = "REJECTED"
	MatchExpired   MatchStatus = "EXPIRED"
	MatchCancelled MatchStatus = "CANCELLED"
	MatchCompleted MatchStatus = "COMPLETED"
)

var matchStatuses = map[string]MatchStatus{
	"SEARCHING": MatchSearching,
	"PENDING":   MatchPending,
	"ACCEPTED":  MatchAccepted,
	"REJECTED":  MatchRejected,
	"EXPIRED":   MatchExpired,
	"CANCELLED": MatchCancelled,
	"CANCELED":  MatchCancelled,
	"COMPLETED": MatchCompleted,
}

// ParseMatchStatus maps a raw API value onto the closed set of statuses.
// Matching is case-insensitive. The second result is false for values the
// client does not model; the returned status then carries the raw text.
func ParseMatchStatus(raw string) (MatchStatus, bool) {
	if s, ok := matchStatuses[strings.ToUpper(strings.TrimSpace(raw))]; ok {
		return s, true
	}
	return MatchStatus(raw), false
}

// Known reports whether s is one of the modelled statuses.
func (s MatchStatus) Known() bool {
	switch s {
	case MatchSearching, MatchPending, MatchAccepted, MatchRejected, MatchExpired, MatchCancelled, MatchCompleted:
		return true
	}
	return false
}

// Terminal reports whether no further negotiation is possible.
func (s MatchStatus) Terminal() bool {
	switch s {
	case MatchRejected, MatchExpired, MatchCancelled, MatchCompleted:
		return true
	}
	return false
}

// AwaitingResponse is true while a deadline (expiresAt) applies.
func (s MatchStatus) AwaitingResponse() bool {
	return s == MatchSearching || s == MatchPending
}

func (s *MatchStatus) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*s, _ = ParseMatchStatus(raw)
	return nil
}

// TripStatus is the completion sub-status of a Trip.
type TripStatus string

const (
	TripPending          TripStatus = "pending"
	TripCharterCompleted TripStatus = "charter_completed"
	TripCompleted        TripStatus = "completed"
	TripCancelled        TripStatus = "cancelled"
)

var tripStatuses = map[string]TripStatus{
	"pending":           TripPending,
	"charter_completed": TripCharterCompleted,
	"completed":         TripCompleted,
	"cancelled":         TripCancelled,
	"canceled":          TripCancelled,
}

// ParseTripStatus is the trip counterpart of ParseMatchStatus.
func ParseTripStatus(raw string) (TripStatus, bool) {
	if s, ok := tripStatuses[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return s, true
	}
	return TripStatus(raw), false
}

func (s TripStatus) Known() bool {
	switch s {
	case TripPending, TripCharterCompleted, TripCompleted, TripCancelled:
		return true
	}
	return false
}

func (s *TripStatus) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*s, _ = ParseTripStatus(raw)
	return nil
}
