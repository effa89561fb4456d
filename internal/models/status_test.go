package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestParseMatchStatusIsCaseInsensitive(t *testing.T) {
	for _, raw := range []string{"accepted", "ACCEPTED", " Accepted "} {
		s, ok := ParseMatchStatus(raw)
		if !ok || s != MatchAccepted {
			t.Fatalf("raw=%q: got %q ok=%v", raw, s, ok)
		}
	}
	if s, _ := ParseMatchStatus("canceled"); s != MatchCancelled {
		t.Fatalf("expected alias to map to CANCELLED, got %q", s)
	}
}

func TestUnknownStatusKeepsRawValue(t *testing.T) {
	var m TravelMatch
	if err := json.Unmarshal([]byte(`{"id":"m1","status":"IN_TRANSIT"}`), &m); err != nil {
		t.Fatal(err)
	}
	if m.Status.Known() {
		t.Fatalf("expected unknown status")
	}
	if string(m.Status) != "IN_TRANSIT" {
		t.Fatalf("raw value lost: %q", m.Status)
	}
}

func TestTripStatusDecoding(t *testing.T) {
	var tr Trip
	if err := json.Unmarshal([]byte(`{"id":"t1","status":"CHARTER_COMPLETED"}`), &tr); err != nil {
		t.Fatal(err)
	}
	if tr.Status != TripCharterCompleted {
		t.Fatalf("got %q", tr.Status)
	}
}

func TestAppearsExpiredOnlyWhileAwaitingResponse(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	m := &TravelMatch{ID: "m1", Status: MatchPending, ExpiresAt: &past}
	if !m.AppearsExpired(now) {
		t.Fatalf("pending match past deadline should appear expired")
	}
	m.Status = MatchAccepted
	if m.AppearsExpired(now) {
		t.Fatalf("accepted match must not appear expired")
	}
	m.Status = MatchPending
	m.ExpiresAt = nil
	if m.AppearsExpired(now) {
		t.Fatalf("no deadline means no prediction")
	}
}

func TestMatchCoordinatesAreParsedOnDemand(t *testing.T) {
	m := &TravelMatch{PickupLatitude: "-33.4489", PickupLongitude: "-70.6693", DestinationLatitude: "x", DestinationLongitude: "1"}
	p, err := m.Pickup()
	if err != nil || p.Lat != -33.4489 || p.Lon != -70.6693 {
		t.Fatalf("pickup parse: %+v err=%v", p, err)
	}
	if _, err := m.Destination(); err == nil {
		t.Fatalf("expected parse error for bad latitude")
	}
}
