package notifier

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/example/flexpress-matching/internal/logging"
	"github.com/example/flexpress-matching/internal/models"
)

type recordingHandler struct {
	mu       sync.Mutex
	updates  []MatchUpdated
	messages []models.Message
	typing   []Typing
	stopped  []Typing
}

func (h *recordingHandler) OnMatchUpdated(ev MatchUpdated) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.updates = append(h.updates, ev)
}

func (h *recordingHandler) OnNewMessage(msg models.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, msg)
}

func (h *recordingHandler) OnTyping(ev Typing) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.typing = append(h.typing, ev)
}

func (h *recordingHandler) OnStopTyping(ev Typing) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = append(h.stopped, ev)
}

func (h *recordingHandler) counts() (int, int, int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.updates), len(h.messages), len(h.typing), len(h.stopped)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/conversations"
}

func testToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "u1", "exp": exp.Unix()}).SignedString([]byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func TestNotifierDispatchesValidFramesOnly(t *testing.T) {
	var gotAuth atomic.Value
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		frames := []string{
			`{"event":"match:updated","data":{"matchId":"m1","status":"ACCEPTED"}}`,
			`{"event":"match:updated","data":{"status":"ACCEPTED"}}`,
			`not json`,
			`{"event":"new-message","data":{"id":"x1","conversationId":"c1","senderId":"u2","content":"hola","createdAt":"2024-05-01T10:00:00Z"}}`,
			`{"event":"new-message","data":{"id":"x2","content":"missing fields"}}`,
			`{"event":"user-typing","data":{"conversationId":"c1","userId":"u2"}}`,
			`{"event":"user-stop-typing","data":{"userId":"u2"}}`,
			`{"event":"something-else","data":{}}`,
		}
		for _, f := range frames {
			conn.WriteMessage(websocket.TextMessage, []byte(f))
		}
		// hold the connection until the client goes away
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	h := &recordingHandler{}
	n := New(Options{URL: wsURL(srv), MaxReconnects: 1, BaseDelay: time.Millisecond}, h, logging.Nop())
	tok := testToken(t, time.Now().Add(time.Hour))
	n.SetToken(tok)
	defer n.Close()

	waitFor(t, func() bool { _, _, _, s := h.counts(); return s == 1 })
	u, m, ty, _ := h.counts()
	if u != 1 || m != 1 || ty != 1 {
		t.Fatalf("unexpected dispatch counts: updates=%d messages=%d typing=%d", u, m, ty)
	}
	if gotAuth.Load() != "Bearer "+tok {
		t.Fatalf("bearer token not sent in handshake")
	}
	if !n.Connected() {
		t.Fatalf("expected connected")
	}
	if n.Identity().UserID != "u1" {
		t.Fatalf("expected identity from token claims")
	}
}

func TestNotifierReconnectsAfterDrop(t *testing.T) {
	var conns atomic.Int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if conns.Add(1) == 1 {
			conn.Close()
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	n := New(Options{URL: wsURL(srv), MaxReconnects: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}, &recordingHandler{}, logging.Nop())
	n.SetToken(testToken(t, time.Now().Add(time.Hour)))
	waitFor(t, func() bool { return conns.Load() == 2 && n.Connected() })

	n.SetToken("")
	if n.Connected() {
		t.Fatalf("expected disconnected after logout")
	}
	time.Sleep(20 * time.Millisecond)
	if conns.Load() != 2 {
		t.Fatalf("reconnected after logout")
	}
}

func TestNotifierGivesUpAfterMaxReconnects(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	n := New(Options{URL: wsURL(srv), MaxReconnects: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}, &recordingHandler{}, logging.Nop())
	n.SetToken("opaque-token")
	defer n.Close()
	waitFor(t, func() bool { return hits.Load() == 3 })
	time.Sleep(20 * time.Millisecond)
	if got := hits.Load(); got != 3 {
		t.Fatalf("expected 1 dial + 2 retries, got %d", got)
	}
}

func TestNotifierDoesNotDialWithExpiredToken(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	n := New(Options{URL: wsURL(srv), MaxReconnects: 2, BaseDelay: time.Millisecond}, &recordingHandler{}, logging.Nop())
	n.SetToken(testToken(t, time.Now().Add(-time.Minute)))
	n.Close()
	if hits.Load() != 0 {
		t.Fatalf("dialled with an expired token")
	}
}

func TestBackoff(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{20, 30 * time.Second},
	}
	for _, tc := range cases {
		if got := Backoff(tc.attempt, time.Second, 30*time.Second); got != tc.want {
			t.Errorf("attempt %d: got %v want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestParseIdentity(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	id, err := ParseIdentity(testToken(t, exp))
	if err != nil {
		t.Fatal(err)
	}
	if id.UserID != "u1" || !id.ExpiresAt.Equal(exp) {
		t.Fatalf("unexpected identity %+v", id)
	}
	if id.Expired(time.Now()) {
		t.Fatalf("token should not be expired")
	}
	if _, err := ParseIdentity("not-a-jwt"); err == nil {
		t.Fatalf("expected error for opaque token")
	}
}
