package lifecycle

import (
	"testing"
	"time"

	"github.com/example/flexpress-matching/internal/api"
	"github.com/example/flexpress-matching/internal/logging"
	"github.com/example/flexpress-matching/internal/models"
)

var now = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

func strp(s string) *string { return &s }
func intp(i int) *int       { return &i }

func TestTransitionTable(t *testing.T) {
	allowed := [][2]models.MatchStatus{
		{models.MatchSearching, models.MatchPending},
		{models.MatchPending, models.MatchAccepted},
		{models.MatchPending, models.MatchRejected},
		{models.MatchPending, models.MatchExpired},
		{models.MatchAccepted, models.MatchCancelled},
		{models.MatchAccepted, models.MatchCompleted},
	}
	for _, e := range allowed {
		if !CanTransition(e[0], e[1]) {
			t.Fatalf("%s -> %s should be allowed", e[0], e[1])
		}
	}
	denied := [][2]models.MatchStatus{
		{models.MatchRejected, models.MatchPending},
		{models.MatchExpired, models.MatchAccepted},
		{models.MatchSearching, models.MatchAccepted},
		{models.MatchCompleted, models.MatchCancelled},
	}
	for _, e := range denied {
		if CanTransition(e[0], e[1]) {
			t.Fatalf("%s -> %s should be denied", e[0], e[1])
		}
	}
	if !CanTransitionTrip(models.TripCharterCompleted, models.TripCompleted) || CanTransitionTrip(models.TripPending, models.TripCompleted) {
		t.Fatalf("trip completion must go through charter_completed")
	}
}

func TestTerminalStatusesOnlyOfferSearchAgain(t *testing.T) {
	for _, role := range []models.Role{models.RoleClient, models.RoleCharter} {
		for _, s := range []models.MatchStatus{models.MatchRejected, models.MatchExpired, models.MatchCancelled} {
			m := &models.TravelMatch{ID: "m1", Status: s, ConversationID: strp("c1")}
			v := Render(m, Context{Now: now, Role: role})
			if !v.Has(ActionSearchAgain) {
				t.Fatalf("%s/%s: missing search_again", role, s)
			}
			for _, a := range []Action{ActionAccept, ActionReject, ActionOpenChat} {
				if v.Has(a) {
					t.Fatalf("%s/%s: unexpected action %s", role, s, a)
				}
			}
		}
	}
}

func TestEachStatusMapsToOneView(t *testing.T) {
	cases := map[models.MatchStatus]ViewKind{
		models.MatchSearching: ViewSearching,
		models.MatchPending:   ViewPending,
		models.MatchAccepted:  ViewAccepted,
		models.MatchRejected:  ViewRejected,
		models.MatchExpired:   ViewExpired,
		models.MatchCancelled: ViewCancelled,
		models.MatchCompleted: ViewCompleted,
		"IN_TRANSIT":          ViewUnknown,
	}
	for s, want := range cases {
		got := Render(&models.TravelMatch{ID: "m", Status: s}, Context{Now: now}).Kind
		if got != want {
			t.Fatalf("%s: got %s want %s", s, got, want)
		}
	}
}

func TestPendingActionsDependOnRole(t *testing.T) {
	exp := now.Add(time.Minute)
	m := &models.TravelMatch{ID: "m1", Status: models.MatchPending, ExpiresAt: &exp}
	charter := Render(m, Context{Now: now, Role: models.RoleCharter})
	if !charter.Has(ActionAccept) || !charter.Has(ActionReject) {
		t.Fatalf("charter should accept/reject: %v", charter.Actions)
	}
	if charter.SecondsLeft != 60 {
		t.Fatalf("expected 60s left, got %d", charter.SecondsLeft)
	}
	client := Render(m, Context{Now: now, Role: models.RoleClient})
	if client.Has(ActionAccept) || !client.Has(ActionCancelMatch) {
		t.Fatalf("client actions wrong: %v", client.Actions)
	}
}

func TestPendingPastDeadlineIsPredictedExpired(t *testing.T) {
	exp := now.Add(-time.Second)
	m := &models.TravelMatch{ID: "m1", Status: models.MatchPending, ExpiresAt: &exp}
	v := Render(m, Context{Now: now, Role: models.RoleCharter})
	if v.Kind != ViewExpired || !v.Predicted {
		t.Fatalf("expected predicted expiry, got %+v", v)
	}
	if v.Has(ActionAccept) {
		t.Fatalf("accept must not be offered past the deadline")
	}
	if m.Status != models.MatchPending {
		t.Fatalf("render must not touch the server status")
	}
}

func TestAcceptedWithoutConversation(t *testing.T) {
	m := &models.TravelMatch{ID: "m1", Status: models.MatchAccepted}
	v := Render(m, Context{Now: now})
	if v.Sub != SubPreparingChat || len(v.Actions) != 0 {
		t.Fatalf("expected preparing chat, got %+v", v)
	}
	v = Render(m, Context{Now: now, Chat: ChatRecovery})
	if v.Sub != SubChatRecovery || !v.Has(ActionReturnToDashboard) {
		t.Fatalf("expected recovery affordance, got %+v", v)
	}
}

func TestConfirmTripBlockedByCredits(t *testing.T) {
	m := &models.TravelMatch{ID: "m1", Status: models.MatchAccepted, ConversationID: strp("c1"), EstimatedCredits: intp(120)}
	v := Render(m, Context{Now: now, Role: models.RoleClient, Credits: intp(80)})
	if v.Has(ActionConfirmTrip) {
		t.Fatalf("confirm_trip must be hidden on shortfall")
	}
	if v.Shortfall != 40 || v.Notice != "Te faltan 40 créditos" {
		t.Fatalf("unexpected shortfall notice: %d %q", v.Shortfall, v.Notice)
	}
	v = Render(m, Context{Now: now, Role: models.RoleClient, Credits: intp(120)})
	if !v.Has(ActionConfirmTrip) || !v.Has(ActionOpenChat) {
		t.Fatalf("expected confirm and chat, got %v", v.Actions)
	}
}

func TestTripSubViews(t *testing.T) {
	m := &models.TravelMatch{ID: "m1", Status: models.MatchAccepted, ConversationID: strp("c1"), TripID: strp("t1"),
		Trip: &models.TripSummary{ID: "t1", Status: models.TripPending}}
	if v := Render(m, Context{Now: now, Role: models.RoleCharter}); v.Sub != SubTripPending || !v.Has(ActionCharterComplete) {
		t.Fatalf("charter should complete a pending trip: %+v", v)
	}
	m.Trip.Status = models.TripCharterCompleted
	v := Render(m, Context{Now: now, Role: models.RoleClient})
	if v.Sub != SubTripCharterCompleted || !v.Has(ActionConfirmCompletion) || !v.Has(ActionReportProblem) {
		t.Fatalf("client should confirm or report: %+v", v)
	}
	m.Trip.Status = models.TripCompleted
	v = Render(m, Context{Now: now, Role: models.RoleClient, CanGiveFeedback: true})
	if v.Sub != SubTripCompleted || !v.Has(ActionGiveFeedback) {
		t.Fatalf("feedback should be offered: %+v", v)
	}
	v = Render(m, Context{Now: now, Role: models.RoleClient})
	if v.Has(ActionGiveFeedback) {
		t.Fatalf("feedback offered without eligibility")
	}
}

func TestBusyDisablesActions(t *testing.T) {
	exp := now.Add(time.Minute)
	m := &models.TravelMatch{ID: "m1", Status: models.MatchPending, ExpiresAt: &exp}
	v := Render(m, Context{Now: now, Role: models.RoleCharter, Busy: true})
	if !v.Busy || len(v.Actions) != 0 {
		t.Fatalf("busy view must not offer actions: %+v", v)
	}
}

func TestViewProjectsCoordinatesAndFallbackDistance(t *testing.T) {
	m := &models.TravelMatch{ID: "m1", Status: models.MatchSearching,
		PickupLatitude: "0", PickupLongitude: "0", DestinationLatitude: "0", DestinationLongitude: "1"}
	v := Render(m, Context{Now: now})
	if v.Pickup == nil || v.Destination == nil {
		t.Fatalf("expected parsed points")
	}
	if v.DistanceKm < 110 || v.DistanceKm > 112 {
		t.Fatalf("unexpected fallback distance %f", v.DistanceKm)
	}
}

func TestInsufficientCreditsIsBusinessError(t *testing.T) {
	err := CheckCredits(80, 120)
	if api.KindOf(err) != api.KindBusiness {
		t.Fatalf("expected business kind, got %s", api.KindOf(err))
	}
	if err.Error() != "Te faltan 40 créditos" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if CheckCredits(120, 120) != nil {
		t.Fatalf("exact balance should pass")
	}
}

func TestControllerRendersUnknownWithoutPanicking(t *testing.T) {
	c := NewController(logging.Nop())
	v := c.Render(&models.TravelMatch{ID: "m9", Status: "ON_HOLD"}, Context{Now: now})
	if v.Kind != ViewUnknown || !v.Has(ActionReturnToDashboard) {
		t.Fatalf("expected diagnostic fallback, got %+v", v)
	}
}
