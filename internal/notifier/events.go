package notifier

import (
	"encoding/json"
	"errors"

	"github.com/example/flexpress-matching/internal/models"
)

// Event names pushed by the realtime gateway.
const (
	EventMatchUpdated = "match:updated"
	EventNewMessage   = "new-message"
	EventTyping       = "user-typing"
	EventStopTyping   = "user-stop-typing"
)

// Frame is the wire envelope of every realtime message.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// MatchUpdated signals that a match changed server-side. Status is
// informational; receivers must refetch instead of trusting it.
type MatchUpdated struct {
	MatchID string `json:"matchId"`
	Status  string `json:"status"`
}

// Typing is carried by both typing events.
type Typing struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

// Handler receives validated events. Calls are made from the read loop and
// must not block on network I/O.
type Handler interface {
	OnMatchUpdated(ev MatchUpdated)
	OnNewMessage(msg models.Message)
	OnTyping(ev Typing)
	OnStopTyping(ev Typing)
}

var errMissingField = errors.New("missing required field")

func (e MatchUpdated) validate() error {
	if e.MatchID == "" || e.Status == "" {
		return errMissingField
	}
	return nil
}

func validateMessage(m models.Message) error {
	if m.ID == "" || m.ConversationID == "" || m.SenderID == "" || m.CreatedAt.IsZero() {
		return errMissingField
	}
	return nil
}

func (e Typing) validate(needConversation bool) error {
	if e.UserID == "" || (needConversation && e.ConversationID == "") {
		return errMissingField
	}
	return nil
}
