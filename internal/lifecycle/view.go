package lifecycle

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/example/flexpress-matching/internal/geo"
	"github.com/example/flexpress-matching/internal/models"
	"github.com/example/flexpress-matching/internal/observability"
)

// ViewKind is one of the eight mutually exclusive match views.
type ViewKind string

const (
	ViewSearching ViewKind = "searching"
	ViewPending   ViewKind = "pending"
	ViewAccepted  ViewKind = "accepted"
	ViewRejected  ViewKind = "rejected"
	ViewExpired   ViewKind = "expired"
	ViewCancelled ViewKind = "cancelled"
	ViewCompleted ViewKind = "completed"
	ViewUnknown   ViewKind = "unknown"
)

// SubView refines ViewAccepted.
type SubView string

const (
	SubPreparingChat            SubView = "preparing_chat"
	SubChatRecovery             SubView = "chat_recovery"
	SubAwaitingTripConfirmation SubView = "awaiting_trip_confirmation"
	SubTripPending              SubView = "trip_pending"
	SubTripCharterCompleted     SubView = "trip_charter_completed"
	SubTripCompleted            SubView = "trip_completed"
	SubTripCancelled            SubView = "trip_cancelled"
	SubTripUnknown              SubView = "trip_unknown"
)

// Action is something the UI may offer in a view.
type Action string

const (
	ActionSelectCharter     Action = "select_charter"
	ActionCancelMatch       Action = "cancel_match"
	ActionAccept            Action = "accept"
	ActionReject            Action = "reject"
	ActionOpenChat          Action = "open_chat"
	ActionConfirmTrip       Action = "confirm_trip"
	ActionCharterComplete   Action = "charter_complete"
	ActionConfirmCompletion Action = "confirm_completion"
	ActionReportProblem     Action = "report_problem"
	ActionCancelTrip        Action = "cancel_trip"
	ActionGiveFeedback      Action = "give_feedback"
	ActionSearchAgain       Action = "search_again"
	ActionReturnToDashboard Action = "return_to_dashboard"
)

// ChatState is the conversation readiness reported by the conversation
// gateway for an accepted match.
type ChatState string

const (
	ChatPreparing ChatState = "preparing"
	ChatRecovery  ChatState = "recovery"
	ChatReady     ChatState = "ready"
)

// Context carries everything outside the match that affects rendering.
type Context struct {
	Now  time.Time
	Role models.Role
	// Credits is the caller's balance when known.
	Credits         *int
	Chat            ChatState
	CanGiveFeedback bool
	// Busy is set while a mutation on this match is in flight.
	Busy bool
}

// View is the rendering decision for a match.
type View struct {
	MatchID        string     `json:"matchId"`
	Kind           ViewKind   `json:"kind"`
	Sub            SubView    `json:"sub,omitempty"`
	Status         string     `json:"status"`
	Predicted      bool       `json:"predicted,omitempty"`
	Busy           bool       `json:"busy,omitempty"`
	Actions        []Action   `json:"actions"`
	Notice         string     `json:"notice,omitempty"`
	ConversationID string     `json:"conversationId,omitempty"`
	TripID         string     `json:"tripId,omitempty"`
	CreditsNeeded  int        `json:"creditsNeeded,omitempty"`
	Shortfall      int        `json:"shortfall,omitempty"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
	SecondsLeft    int        `json:"secondsLeft,omitempty"`
	Pickup         *geo.Point `json:"pickup,omitempty"`
	Destination    *geo.Point `json:"destination,omitempty"`
	DistanceKm     float64    `json:"distanceKm,omitempty"`
}

// Has reports whether a is offered.
func (v View) Has(a Action) bool {
	for _, x := range v.Actions {
		if x == a {
			return true
		}
	}
	return false
}

// Render maps a match to exactly one view.
func Render(m *models.TravelMatch, c Context) View {
	v := View{MatchID: m.ID, Status: string(m.Status), CreditsNeeded: m.Credits(), ExpiresAt: m.ExpiresAt}
	if m.HasConversation() {
		v.ConversationID = *m.ConversationID
	}
	if m.TripID != nil {
		v.TripID = *m.TripID
	} else if m.Trip != nil {
		v.TripID = m.Trip.ID
	}
	project(m, &v)

	client := c.Role != models.RoleCharter
	switch p := PhaseOf(m, c.Now).(type) {
	case Negotiating:
		if p.PredictedExpired {
			v.Kind = ViewExpired
			v.Predicted = true
			v.Actions = []Action{ActionSearchAgain}
			break
		}
		if m.ExpiresAt != nil {
			v.SecondsLeft = int(m.ExpiresAt.Sub(c.Now).Seconds())
		}
		if p.Status == models.MatchSearching {
			v.Kind = ViewSearching
			if client {
				v.Actions = []Action{ActionSelectCharter, ActionCancelMatch}
			}
			break
		}
		v.Kind = ViewPending
		if client {
			v.Actions = []Action{ActionCancelMatch}
		} else {
			v.Actions = []Action{ActionAccept, ActionReject}
		}
	case AwaitingTripConfirmation:
		v.Kind = ViewAccepted
		if !p.ChatReady {
			if c.Chat == ChatRecovery {
				v.Sub = SubChatRecovery
				v.Notice = "El chat no está disponible todavía"
				v.Actions = []Action{ActionReturnToDashboard}
			} else {
				v.Sub = SubPreparingChat
				v.Actions = []Action{}
			}
			break
		}
		v.Sub = SubAwaitingTripConfirmation
		v.Actions = []Action{ActionOpenChat}
		if client {
			if c.Credits != nil {
				if err := CheckCredits(*c.Credits, m.Credits()); err != nil {
					ice := err.(*InsufficientCreditsError)
					v.Shortfall = ice.Deficit()
					v.Notice = ice.Error()
				}
			}
			if v.Shortfall == 0 {
				v.Actions = append(v.Actions, ActionConfirmTrip)
			}
			v.Actions = append(v.Actions, ActionCancelMatch)
		}
	case TripInProgress:
		v.Kind = ViewAccepted
		switch p.Trip {
		case TripAwaitingCharter:
			v.Sub = SubTripPending
			v.Actions = []Action{ActionOpenChat}
			if !client {
				v.Actions = append(v.Actions, ActionCharterComplete)
			}
			v.Actions = append(v.Actions, ActionCancelTrip)
		case TripAwaitingClient:
			v.Sub = SubTripCharterCompleted
			v.Actions = []Action{ActionOpenChat}
			if client {
				v.Actions = append(v.Actions, ActionConfirmCompletion, ActionReportProblem)
			}
		case TripSettled:
			v.Sub = SubTripCompleted
			v.Actions = feedbackActions(client, c.CanGiveFeedback)
		case TripAborted:
			v.Sub = SubTripCancelled
			v.Actions = []Action{ActionSearchAgain}
		default:
			v.Sub = SubTripUnknown
			v.Actions = []Action{ActionReturnToDashboard}
		}
	case Completed:
		v.Kind = ViewCompleted
		v.Actions = feedbackActions(client, c.CanGiveFeedback)
	case Closed:
		switch p.Status {
		case models.MatchRejected:
			v.Kind = ViewRejected
		case models.MatchExpired:
			v.Kind = ViewExpired
		default:
			v.Kind = ViewCancelled
		}
		v.Actions = []Action{ActionSearchAgain}
	case Unrecognized:
		v.Kind = ViewUnknown
		v.Notice = fmt.Sprintf("estado no reconocido: %q", p.Raw)
		v.Actions = []Action{ActionReturnToDashboard}
	}

	if c.Busy && v.Kind != ViewUnknown {
		v.Busy = true
		v.Actions = []Action{}
	}
	return v
}

func feedbackActions(client, canGiveFeedback bool) []Action {
	if client && canGiveFeedback {
		return []Action{ActionGiveFeedback, ActionReturnToDashboard}
	}
	return []Action{ActionReturnToDashboard}
}

func project(m *models.TravelMatch, v *View) {
	pickup, perr := m.Pickup()
	if perr == nil {
		v.Pickup = &pickup
	}
	dest, derr := m.Destination()
	if derr == nil {
		v.Destination = &dest
	}
	switch {
	case m.DistanceKm != nil:
		v.DistanceKm = *m.DistanceKm
	case perr == nil && derr == nil:
		v.DistanceKm = geo.DistanceKm(pickup, dest)
	}
}

// Controller renders views and reports statuses the client cannot model.
type Controller struct {
	logger *slog.Logger
}

func NewController(logger *slog.Logger) *Controller {
	return &Controller{logger: logger}
}

// Render is lifecycle.Render plus diagnostics for the unknown view, so
// that client/server schema drift shows up in the logs instead of a crash.
func (c *Controller) Render(m *models.TravelMatch, ctx Context) View {
	v := Render(m, ctx)
	if v.Kind == ViewUnknown {
		observability.UnknownStatuses.WithLabelValues("match").Inc()
		c.logger.Warn("unrecognized match status",
			"match_id", m.ID,
			"status", string(m.Status),
			"type", fmt.Sprintf("%T", m.Status),
		)
	}
	if v.Sub == SubTripUnknown && m.Trip != nil {
		observability.UnknownStatuses.WithLabelValues("trip").Inc()
		c.logger.Warn("unrecognized trip status",
			"match_id", m.ID,
			"trip_id", m.Trip.ID,
			"status", string(m.Trip.Status),
			"type", fmt.Sprintf("%T", m.Trip.Status),
		)
	}
	return v
}
