package httpapi

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/example/flexpress-matching/internal/lifecycle"
)

// checkOrigin admits clients without an Origin header, same-host pages and
// the configured allowed origins. CORS does not cover websocket upgrades.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if u, err := url.Parse(origin); err == nil && strings.EqualFold(u.Host, r.Host) {
		return true
	}
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || strings.EqualFold(strings.TrimRight(allowed, "/"), origin) {
			return true
		}
	}
	s.logger.Warn("view stream origin rejected", "origin", origin)
	return false
}

const writeWait = 5 * time.Second

// viewSession is one connected UI. Sends go through a buffered channel so
// a slow reader never stalls the repository.
type viewSession struct {
	conn *websocket.Conn
	send chan lifecycle.View
	// matchID limits the stream to one match when set.
	matchID string
}

// ViewHub fans re-rendered views out to connected UIs.
type ViewHub struct {
	logger   *slog.Logger
	mu       sync.RWMutex
	sessions map[string]*viewSession
}

func NewViewHub(logger *slog.Logger) *ViewHub {
	return &ViewHub{logger: logger, sessions: make(map[string]*viewSession)}
}

func (h *ViewHub) add(id string, s *viewSession) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[id] = s
}

func (h *ViewHub) remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, id)
}

// Broadcast queues v for every interested session, dropping it for those
// whose buffer is full.
func (h *ViewHub) Broadcast(v lifecycle.View) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, s := range h.sessions {
		if s.matchID != "" && s.matchID != v.MatchID {
			continue
		}
		select {
		case s.send <- v:
		default:
			h.logger.Warn("view stream slow, dropping update", "session", id, "match_id", v.MatchID)
		}
	}
}

func (h *ViewHub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// handleViewsWS streams views. With ?match=<id> the match is also polled
// for as long as the socket stays open.
func (s *Server) handleViewsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("view stream upgrade failed", "error", err)
		return
	}
	id := uuid.NewString()
	vs := &viewSession{conn: conn, send: make(chan lifecycle.View, 32), matchID: r.URL.Query().Get("match")}

	// initial snapshot before live updates
	if vs.matchID != "" {
		if v, ok := s.agent.View(vs.matchID); ok {
			vs.send <- v
		}
		release := s.agent.Open(vs.matchID)
		defer release()
	} else {
		for _, v := range s.agent.Views() {
			select {
			case vs.send <- v:
			default:
			}
		}
	}
	s.views.add(id, vs)
	defer s.views.remove(id)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	defer conn.Close()
	for {
		select {
		case <-done:
			return
		case v := <-vs.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(v); err != nil {
				s.logger.Debug("view stream write failed", "session", id, "error", err)
				return
			}
		}
	}
}
