// Package scheduler runs the fallback polls that keep cached matches fresh
// when push notifications are late or missing, and the watchdog that
// predicts expiry of pending selections.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/flexpress-matching/internal/clock"
	"github.com/example/flexpress-matching/internal/models"
	"github.com/example/flexpress-matching/internal/observability"
	"github.com/example/flexpress-matching/internal/repository"
)

// Source is the part of the repository the scheduler refreshes.
type Source interface {
	Refetch(ctx context.Context, id string) (*models.TravelMatch, error)
	RefetchList(ctx context.Context, key repository.ListKey) ([]*models.TravelMatch, error)
	List(key repository.ListKey) []*models.TravelMatch
	Loaded(key repository.ListKey) bool
}

// Intervals holds the poll cadence per target.
type Intervals struct {
	Match          time.Duration
	CharterMatches time.Duration
	UserMatches    time.Duration
}

type watch struct {
	refs   int
	cancel context.CancelFunc
	ticker clock.Ticker
	done   chan struct{}
}

// Scheduler shares one ticker among all watchers of the same key.
type Scheduler struct {
	src       Source
	clk       clock.Clock
	logger    *slog.Logger
	intervals Intervals

	mu      sync.Mutex
	watches map[string]*watch
	closed  bool
}

func New(src Source, clk clock.Clock, intervals Intervals, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		src:       src,
		clk:       clk,
		logger:    logger,
		intervals: intervals,
		watches:   make(map[string]*watch),
	}
}

// WatchMatch polls a single match until the returned func is called.
func (s *Scheduler) WatchMatch(id string) (release func()) {
	return s.acquire("match:"+id, s.intervals.Match, func(ctx context.Context) {
		s.poll(ctx, "match", func(ctx context.Context) error {
			_, err := s.src.Refetch(ctx, id)
			return err
		})
	})
}

// WatchCharterMatches polls the charter's incoming requests.
func (s *Scheduler) WatchCharterMatches() (release func()) {
	return s.acquire("list:charter", s.intervals.CharterMatches, func(ctx context.Context) {
		s.poll(ctx, "charter_matches", func(ctx context.Context) error {
			_, err := s.src.RefetchList(ctx, repository.CharterMatches)
			return err
		})
	})
}

// WatchUserMatches polls the client's matches, but only while one of them
// was accepted and is still waiting for its conversation.
func (s *Scheduler) WatchUserMatches() (release func()) {
	return s.acquire("list:user", s.intervals.UserMatches, func(ctx context.Context) {
		if s.src.Loaded(repository.UserMatches) && !AwaitingConversation(s.src.List(repository.UserMatches)) {
			observability.PollsSkipped.WithLabelValues("user_matches").Inc()
			return
		}
		s.poll(ctx, "user_matches", func(ctx context.Context) error {
			_, err := s.src.RefetchList(ctx, repository.UserMatches)
			return err
		})
	})
}

// AwaitingConversation reports whether any match is ACCEPTED without a
// conversation attached yet.
func AwaitingConversation(ms []*models.TravelMatch) bool {
	for _, m := range ms {
		if m.Status == models.MatchAccepted && !m.HasConversation() {
			return true
		}
	}
	return false
}

func (s *Scheduler) poll(ctx context.Context, target string, fn func(context.Context) error) {
	observability.PollsTotal.WithLabelValues(target).Inc()
	if err := fn(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		// next tick is the retry
		observability.PollErrors.WithLabelValues(target).Inc()
		s.logger.Warn("poll failed", "target", target, "error", err)
	}
}

func (s *Scheduler) acquire(key string, interval time.Duration, tick func(context.Context)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return func() {}
	}
	w, ok := s.watches[key]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		w = &watch{cancel: cancel, ticker: s.clk.NewTicker(interval), done: make(chan struct{})}
		s.watches[key] = w
		go s.loop(ctx, w, tick)
		s.logger.Debug("poll started", "key", key, "interval", interval.String())
	}
	w.refs++
	var once sync.Once
	return func() { once.Do(func() { s.release(key, w) }) }
}

func (s *Scheduler) loop(ctx context.Context, w *watch, tick func(context.Context)) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.ticker.C():
			tick(ctx)
		}
	}
}

func (s *Scheduler) release(key string, w *watch) {
	s.mu.Lock()
	w.refs--
	last := w.refs == 0 && s.watches[key] == w
	if last {
		delete(s.watches, key)
	}
	s.mu.Unlock()
	if last {
		s.stop(w)
		s.logger.Debug("poll stopped", "key", key)
	}
}

func (s *Scheduler) stop(w *watch) {
	w.ticker.Stop()
	w.cancel()
	<-w.done
}

// Active reports how many distinct keys are being polled.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watches)
}

// Close stops every poll. Later Watch calls are no-ops.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	ws := s.watches
	s.watches = make(map[string]*watch)
	s.mu.Unlock()
	for _, w := range ws {
		s.stop(w)
	}
}
