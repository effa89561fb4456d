package session

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/flexpress-matching/internal/api"
	"github.com/example/flexpress-matching/internal/inflight"
)

// Level tells the UI how to present a notice.
type Level string

const (
	// Transient notices are toasts; the data stays as last fetched.
	Transient Level = "transient"
	// Blocking notices explain why an action cannot proceed.
	Blocking Level = "blocking"
)

type Notice struct {
	ID      string    `json:"id"`
	Level   Level     `json:"level"`
	Kind    api.Kind  `json:"kind"`
	Op      string    `json:"op"`
	MatchID string    `json:"matchId,omitempty"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Notices turns operation errors into user-facing notices and keeps the
// most recent ones.
type Notices struct {
	logger *slog.Logger
	now    func() time.Time
	limit  int

	mu   sync.Mutex
	list []Notice
}

func NewNotices(limit int, logger *slog.Logger) *Notices {
	return &Notices{logger: logger, now: time.Now, limit: limit}
}

// Report classifies err. Validation failures are logged only; duplicate
// submissions are ignored.
func (n *Notices) Report(op, matchID string, err error) {
	if err == nil || errors.Is(err, inflight.ErrInFlight) {
		return
	}
	kind := api.KindOf(err)
	var level Level
	switch kind {
	case api.KindConflict, api.KindBusiness, api.KindUnauthorized, api.KindNotFound:
		level = Blocking
	case api.KindValidation:
		n.logger.Warn("validation failure", "op", op, "match_id", matchID, "error", err)
		return
	default:
		level = Transient
	}
	n.logger.Info("notice", "op", op, "match_id", matchID, "level", string(level), "kind", string(kind), "error", err)
	msg := err.Error()
	var ae *api.Error
	if errors.As(err, &ae) && ae.Message != "" {
		msg = ae.Message
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.list = append(n.list, Notice{ID: uuid.NewString(), Level: level, Kind: kind, Op: op, MatchID: matchID, Message: msg, At: n.now()})
	if len(n.list) > n.limit {
		n.list = n.list[len(n.list)-n.limit:]
	}
}

// Recent returns notices newest first.
func (n *Notices) Recent() []Notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Notice, len(n.list))
	for i, v := range n.list {
		out[len(n.list)-1-i] = v
	}
	return out
}
