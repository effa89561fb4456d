// Package notifier keeps the realtime WebSocket connection to the matching
// backend open for as long as the session holds a token, and turns its
// frames into typed, validated events.
package notifier

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/flexpress-matching/internal/models"
	"github.com/example/flexpress-matching/internal/observability"
)

// Options tunes the connection loop.
type Options struct {
	URL              string
	MaxReconnects    int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	HandshakeTimeout time.Duration
}

type Notifier struct {
	opts    Options
	handler Handler
	logger  *slog.Logger
	dialer  *websocket.Dialer

	// lifeMu serialises SetToken; mu guards the fields below it.
	lifeMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	identity  Identity
	connected bool
}

func New(opts Options, handler Handler, logger *slog.Logger) *Notifier {
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 30 * time.Second
	}
	return &Notifier{
		opts:    opts,
		handler: handler,
		logger:  logger,
		dialer:  &websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout, Proxy: http.ProxyFromEnvironment},
	}
}

// SetToken starts, restarts or (with an empty token) stops the connection.
// At most one connection is alive at a time.
func (n *Notifier) SetToken(token string) {
	n.lifeMu.Lock()
	defer n.lifeMu.Unlock()
	n.stop()

	var id Identity
	if token != "" {
		var err error
		if id, err = ParseIdentity(token); err != nil {
			n.logger.Debug("token claims unreadable", "error", err)
		}
	}
	n.mu.Lock()
	n.identity = id
	n.mu.Unlock()
	if token == "" {
		n.logger.Info("realtime disconnected: no session")
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	n.done = make(chan struct{})
	go n.run(ctx, token, id, n.done)
}

// Identity returns the claims of the current token, if readable.
func (n *Notifier) Identity() Identity {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.identity
}

// Connected reports whether a connection is currently open.
func (n *Notifier) Connected() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.connected
}

func (n *Notifier) Close() { n.SetToken("") }

func (n *Notifier) stop() {
	if n.cancel == nil {
		return
	}
	n.cancel()
	<-n.done
	n.cancel, n.done = nil, nil
}

func (n *Notifier) setConnected(ctx context.Context, v bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if ctx.Err() != nil && v {
		return
	}
	n.connected = v
	if v {
		observability.RealtimeConnected.Set(1)
	} else {
		observability.RealtimeConnected.Set(0)
	}
}

func (n *Notifier) run(ctx context.Context, token string, id Identity, done chan struct{}) {
	defer close(done)
	attempts := 0
	for {
		if id.Expired(time.Now()) {
			n.logger.Warn("realtime stopped: token expired", "user_id", id.UserID)
			return
		}
		conn, err := n.dial(ctx, token)
		if err == nil {
			attempts = 0
			n.setConnected(ctx, true)
			n.logger.Info("realtime connected", "url", n.opts.URL, "user_id", id.UserID)
			err = n.readLoop(ctx, conn)
			n.setConnected(ctx, false)
		}
		if ctx.Err() != nil {
			return
		}
		attempts++
		if attempts > n.opts.MaxReconnects {
			n.logger.Error("realtime giving up, polling only", "attempts", attempts-1, "error", err)
			return
		}
		delay := Backoff(attempts, n.opts.BaseDelay, n.opts.MaxDelay)
		observability.RealtimeReconnects.Inc()
		n.logger.Warn("realtime connection lost, retrying", "attempt", attempts, "delay", delay.String(), "error", err)
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// Backoff is base*2^(attempt-1) capped at max.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

func (n *Notifier) dial(ctx context.Context, token string) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, _, err := n.dialer.DialContext(ctx, n.opts.URL, header)
	return conn, err
}

func (n *Notifier) readLoop(ctx context.Context, conn *websocket.Conn) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()
	defer conn.Close()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		n.dispatch(raw)
	}
}

func (n *Notifier) dispatch(raw []byte) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil || f.Event == "" {
		observability.PushEventsInvalid.WithLabelValues("unknown").Inc()
		n.logger.Warn("dropping malformed realtime frame", "error", err, "size", len(raw))
		return
	}
	observability.PushEventsTotal.WithLabelValues(f.Event).Inc()

	var err error
	switch f.Event {
	case EventMatchUpdated:
		var ev MatchUpdated
		if err = json.Unmarshal(f.Data, &ev); err == nil {
			if err = ev.validate(); err == nil {
				n.handler.OnMatchUpdated(ev)
			}
		}
	case EventNewMessage:
		var msg models.Message
		if err = json.Unmarshal(f.Data, &msg); err == nil {
			if err = validateMessage(msg); err == nil {
				n.handler.OnNewMessage(msg)
			}
		}
	case EventTyping, EventStopTyping:
		var ev Typing
		if err = json.Unmarshal(f.Data, &ev); err == nil {
			if err = ev.validate(f.Event == EventTyping); err == nil {
				if f.Event == EventTyping {
					n.handler.OnTyping(ev)
				} else {
					n.handler.OnStopTyping(ev)
				}
			}
		}
	default:
		n.logger.Debug("ignoring realtime event", "event", f.Event)
		return
	}
	if err != nil {
		observability.PushEventsInvalid.WithLabelValues(f.Event).Inc()
		n.logger.Warn("dropping invalid realtime event", "event", f.Event, "error", err, "data", string(f.Data))
	}
}
