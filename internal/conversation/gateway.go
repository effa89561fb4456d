// Package conversation binds chat threads to accepted matches: it creates
// the thread on demand, tracks whether it is ready to open, and carries the
// message and typing surfaces.
package conversation

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/example/flexpress-matching/internal/api"
	"github.com/example/flexpress-matching/internal/clock"
	"github.com/example/flexpress-matching/internal/lifecycle"
	"github.com/example/flexpress-matching/internal/models"
)

// API is the conversations side of the REST client.
type API interface {
	CreateConversation(ctx context.Context, matchID string) (*models.Conversation, error)
	SendMessage(ctx context.Context, conversationID, content string) (*models.Message, error)
}

// Store is the repository surface the gateway reads and refreshes.
type Store interface {
	Match(id string) (*models.TravelMatch, bool)
	Refetch(ctx context.Context, id string) (*models.TravelMatch, error)
	RefetchMessages(ctx context.Context, conversationID string) ([]models.Message, error)
	AppendMessage(msg models.Message) bool
	Messages(conversationID string) []models.Message
}

type readiness struct {
	refs  int
	state lifecycle.ChatState
	timer clock.Timer
}

type Gateway struct {
	api     API
	store   Store
	clk     clock.Clock
	timeout time.Duration
	logger  *slog.Logger
	typing  *Typing

	group singleflight.Group

	mu      sync.Mutex
	ids     map[string]string
	waiting map[string]*readiness
	notify  func(matchID string)
}

func NewGateway(a API, store Store, clk clock.Clock, readyTimeout time.Duration, logger *slog.Logger) *Gateway {
	return &Gateway{
		api:     a,
		store:   store,
		clk:     clk,
		timeout: readyTimeout,
		logger:  logger,
		typing:  NewTyping(clk, 8*time.Second),
		ids:     make(map[string]string),
		waiting: make(map[string]*readiness),
	}
}

// OnChange registers fn to be told when a match's chat state changes.
func (g *Gateway) OnChange(fn func(matchID string)) {
	g.mu.Lock()
	g.notify = fn
	g.mu.Unlock()
}

func (g *Gateway) Typing() *Typing { return g.typing }

const createTimeout = 15 * time.Second

// Ensure returns the conversation of a match, creating it when needed.
// Concurrent and repeated calls for the same match yield the same id.
func (g *Gateway) Ensure(ctx context.Context, matchID string) (string, error) {
	if id := g.known(matchID); id != "" {
		return id, nil
	}
	if m, ok := g.store.Match(matchID); ok && m.Status != models.MatchAccepted && m.Status != models.MatchCompleted {
		return "", api.Conflict("ensure conversation", "match %s is %s", matchID, m.Status)
	}
	ch := g.group.DoChan(matchID, func() (any, error) {
		if id := g.known(matchID); id != "" {
			return id, nil
		}
		// the create outlives any single caller so joined callers share it
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), createTimeout)
		defer cancel()
		conv, err := g.api.CreateConversation(fctx, matchID)
		if err != nil {
			return "", err
		}
		g.remember(matchID, conv.ID)
		if _, err := g.store.Refetch(fctx, matchID); err != nil {
			g.logger.Warn("refetch after conversation create failed", "match_id", matchID, "error", err)
		}
		return conv.ID, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (g *Gateway) known(matchID string) string {
	g.mu.Lock()
	id := g.ids[matchID]
	g.mu.Unlock()
	if id != "" {
		return id
	}
	if m, ok := g.store.Match(matchID); ok && m.HasConversation() {
		g.remember(matchID, *m.ConversationID)
		return *m.ConversationID
	}
	return ""
}

func (g *Gateway) remember(matchID, conversationID string) {
	g.mu.Lock()
	g.ids[matchID] = conversationID
	g.mu.Unlock()
	g.markReady(matchID)
}

// Await starts the readiness countdown for an accepted match. If the
// conversation has not appeared when it elapses, the match is refetched
// exactly once and, if still missing, the state moves to recovery.
func (g *Gateway) Await(matchID string) (release func()) {
	g.mu.Lock()
	r, ok := g.waiting[matchID]
	if !ok {
		r = &readiness{state: lifecycle.ChatPreparing}
		g.waiting[matchID] = r
	}
	r.refs++
	g.mu.Unlock()

	if g.known(matchID) == "" && !ok {
		g.mu.Lock()
		if r.state == lifecycle.ChatPreparing && r.timer == nil {
			r.timer = g.clk.AfterFunc(g.timeout, func() { g.expire(matchID, r) })
		}
		g.mu.Unlock()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			defer g.mu.Unlock()
			r.refs--
			if r.refs > 0 || g.waiting[matchID] != r {
				return
			}
			if r.timer != nil {
				r.timer.Stop()
			}
			delete(g.waiting, matchID)
		})
	}
}

func (g *Gateway) expire(matchID string, r *readiness) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	m, err := g.store.Refetch(ctx, matchID)
	if err == nil && m.HasConversation() {
		g.remember(matchID, *m.ConversationID)
		return
	}
	g.mu.Lock()
	if g.waiting[matchID] != r || r.state == lifecycle.ChatReady {
		g.mu.Unlock()
		return
	}
	r.state = lifecycle.ChatRecovery
	r.timer = nil
	notify := g.notify
	g.mu.Unlock()
	g.logger.Warn("conversation not ready after timeout", "match_id", matchID, "timeout", g.timeout.String(), "error", err)
	if notify != nil {
		notify(matchID)
	}
}

func (g *Gateway) markReady(matchID string) {
	g.mu.Lock()
	r, ok := g.waiting[matchID]
	if !ok || r.state == lifecycle.ChatReady {
		g.mu.Unlock()
		return
	}
	r.state = lifecycle.ChatReady
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	notify := g.notify
	g.mu.Unlock()
	if notify != nil {
		notify(matchID)
	}
}

// Observe reconciles readiness with a server-confirmed match.
func (g *Gateway) Observe(m *models.TravelMatch) {
	if m != nil && m.HasConversation() {
		g.remember(m.ID, *m.ConversationID)
	}
}

// State reports the chat readiness of a match.
func (g *Gateway) State(matchID string) lifecycle.ChatState {
	if g.known(matchID) != "" {
		return lifecycle.ChatReady
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if r, ok := g.waiting[matchID]; ok {
		return r.state
	}
	return lifecycle.ChatPreparing
}

// Messages loads a conversation's history into the repository.
func (g *Gateway) Messages(ctx context.Context, conversationID string) ([]models.Message, error) {
	msgs, err := g.store.RefetchMessages(ctx, conversationID)
	if err != nil {
		// last good copy
		return g.store.Messages(conversationID), err
	}
	return msgs, nil
}

// Send posts a message. The server echo over the realtime channel is
// merged by id, so the message appears once.
func (g *Gateway) Send(ctx context.Context, conversationID, content string) (*models.Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, api.Invalid("send message", "message is empty")
	}
	msg, err := g.api.SendMessage(ctx, conversationID, content)
	if err != nil {
		return nil, err
	}
	if msg.ConversationID == "" {
		msg.ConversationID = conversationID
	}
	g.store.AppendMessage(*msg)
	return msg, nil
}
