package scheduler

import (
	"log/slog"
	"sync"
	"time"

	"github.com/example/flexpress-matching/internal/clock"
	"github.com/example/flexpress-matching/internal/models"
	"github.com/example/flexpress-matching/internal/observability"
)

type deadline struct {
	expiresAt time.Time
	expired   bool
}

// Watchdog predicts expiry of selections still awaiting a response. A
// prediction never changes the match status; it is dropped as soon as the
// server reports anything other than SEARCHING or PENDING.
type Watchdog struct {
	clk      clock.Clock
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	entries map[string]*deadline
	timer   clock.Timer
	subs    map[int]func(matchID string)
	nextSub int
}

func NewWatchdog(clk clock.Clock, interval time.Duration, logger *slog.Logger) *Watchdog {
	return &Watchdog{
		clk:      clk,
		interval: interval,
		logger:   logger,
		entries:  make(map[string]*deadline),
		subs:     make(map[int]func(string)),
	}
}

// Track starts watching a deadline. Re-tracking with a new deadline resets
// the prediction.
func (w *Watchdog) Track(matchID string, expiresAt time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if e, ok := w.entries[matchID]; ok && e.expiresAt.Equal(expiresAt) {
		return
	}
	w.entries[matchID] = &deadline{expiresAt: expiresAt}
	w.armLocked()
}

// Forget stops watching a match and clears its prediction.
func (w *Watchdog) Forget(matchID string) {
	w.mu.Lock()
	_, had := w.entries[matchID]
	delete(w.entries, matchID)
	w.mu.Unlock()
	if had {
		w.notify([]string{matchID})
	}
}

// Observe reconciles the watchdog with a server-confirmed match.
func (w *Watchdog) Observe(m *models.TravelMatch) {
	if m == nil {
		return
	}
	if m.Status.AwaitingResponse() && m.ExpiresAt != nil {
		w.Track(m.ID, *m.ExpiresAt)
		return
	}
	w.Forget(m.ID)
}

// IsPredictedExpired reports whether the watchdog has marked the match.
func (w *Watchdog) IsPredictedExpired(matchID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entries[matchID]
	return ok && e.expired
}

// Subscribe registers fn for prediction changes.
func (w *Watchdog) Subscribe(fn func(matchID string)) func() {
	w.mu.Lock()
	id := w.nextSub
	w.nextSub++
	w.subs[id] = fn
	w.mu.Unlock()
	return func() {
		w.mu.Lock()
		delete(w.subs, id)
		w.mu.Unlock()
	}
}

// armLocked schedules the next check while any deadline is outstanding.
func (w *Watchdog) armLocked() {
	if w.timer != nil {
		return
	}
	for _, e := range w.entries {
		if !e.expired {
			w.timer = w.clk.AfterFunc(w.interval, w.tick)
			return
		}
	}
}

func (w *Watchdog) tick() {
	now := w.clk.Now()
	var fired []string
	w.mu.Lock()
	w.timer = nil
	for id, e := range w.entries {
		if e.expired || now.Before(e.expiresAt) {
			continue
		}
		e.expired = true
		fired = append(fired, id)
	}
	w.armLocked()
	w.mu.Unlock()

	for _, id := range fired {
		observability.PredictedExpiry.Inc()
		w.logger.Info("selection predicted expired", "match_id", id)
	}
	w.notify(fired)
}

func (w *Watchdog) notify(ids []string) {
	if len(ids) == 0 {
		return
	}
	w.mu.Lock()
	fns := make([]func(string), 0, len(w.subs))
	for _, fn := range w.subs {
		fns = append(fns, fn)
	}
	w.mu.Unlock()
	for _, id := range ids {
		for _, fn := range fns {
			fn(id)
		}
	}
}

// Stop cancels the pending check.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}
