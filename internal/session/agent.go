// Package session assembles one signed-in user's view of the matching
// backend: the cache, realtime channel, fallback polls and the mutation
// services, plus the views and notices derived from them.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/example/flexpress-matching/internal/api"
	"github.com/example/flexpress-matching/internal/clock"
	"github.com/example/flexpress-matching/internal/completion"
	"github.com/example/flexpress-matching/internal/config"
	"github.com/example/flexpress-matching/internal/conversation"
	"github.com/example/flexpress-matching/internal/inflight"
	"github.com/example/flexpress-matching/internal/lifecycle"
	"github.com/example/flexpress-matching/internal/matching"
	"github.com/example/flexpress-matching/internal/models"
	"github.com/example/flexpress-matching/internal/notifier"
	"github.com/example/flexpress-matching/internal/repository"
	"github.com/example/flexpress-matching/internal/scheduler"
	"github.com/example/flexpress-matching/internal/storage"
)

// Backend is every REST call the session makes. *api.Client implements it.
type Backend interface {
	repository.Fetcher
	matching.API
	completion.API
	conversation.API
}

// Deps are the optional collaborators of an Agent.
type Deps struct {
	Clock     clock.Clock
	Backend   Backend
	Sink      repository.TransitionSink
	Snapshots storage.SnapshotStore
}

type Agent struct {
	Tokens        *TokenStore
	Repo          *repository.Repository
	Matching      *matching.Service
	Completion    *completion.Coordinator
	Conversations *conversation.Gateway
	Watchdog      *scheduler.Watchdog
	Scheduler     *scheduler.Scheduler
	Notifier      *notifier.Notifier
	Notices       *Notices

	cfg        config.ClientConfig
	logger     *slog.Logger
	clk        clock.Clock
	backend    Backend
	guard      *inflight.Guard
	controller *lifecycle.Controller
	snap       *storage.Snapshotter

	mu       sync.Mutex
	credits  *int
	awaiting map[string]func()
	viewSubs map[int]func(lifecycle.View)
	nextSub  int
}

func New(cfg config.ClientConfig, logger *slog.Logger, deps Deps) *Agent {
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real()
	}
	tokens := NewTokenStore(cfg.Token)
	backend := deps.Backend
	if backend == nil {
		backend = api.NewClient(cfg.APIBaseURL, cfg.RequestTimeout, tokens)
	}
	opts := []repository.Option{repository.WithNow(clk.Now), repository.WithFetchTimeout(cfg.RequestTimeout)}
	if deps.Sink != nil {
		opts = append(opts, repository.WithTransitionSink(deps.Sink))
	}
	repo := repository.New(backend, logger.With("component", "repository"), opts...)
	guard := inflight.New()
	watchdog := scheduler.NewWatchdog(clk, cfg.ExpiryWatchdogInterval, logger.With("component", "watchdog"))
	gateway := conversation.NewGateway(backend, repo, clk, cfg.ConversationReadyTimeout, logger.With("component", "conversation"))

	a := &Agent{
		Tokens: tokens,
		Repo:   repo,
		Matching: &matching.Service{
			API:    backend,
			Store:  repo,
			Expiry: watchdog,
			Guard:  guard,
			Role:   cfg.Role,
			Logger: logger.With("component", "matching"),
		},
		Completion:    completion.NewCoordinator(backend, repo, guard, cfg.Role, logger.With("component", "completion")),
		Conversations: gateway,
		Watchdog:      watchdog,
		Scheduler: scheduler.New(repo, clk, scheduler.Intervals{
			Match:          cfg.PollMatchInterval,
			CharterMatches: cfg.PollCharterMatchesInterval,
			UserMatches:    cfg.PollUserMatchesInterval,
		}, logger.With("component", "scheduler")),
		Notices:    NewNotices(50, logger.With("component", "notices")),
		cfg:        cfg,
		logger:     logger,
		clk:        clk,
		backend:    backend,
		guard:      guard,
		controller: lifecycle.NewController(logger.With("component", "lifecycle")),
		awaiting:   make(map[string]func()),
		viewSubs:   make(map[int]func(lifecycle.View)),
	}
	a.Notifier = notifier.New(notifier.Options{
		URL:              cfg.RealtimeURL(),
		MaxReconnects:    cfg.WSMaxReconnects,
		BaseDelay:        cfg.WSReconnectBase,
		MaxDelay:         cfg.WSReconnectMax,
		HandshakeTimeout: cfg.WSHandshakeLimit,
	}, &binder{repo: repo, typing: gateway.Typing(), logger: logger.With("component", "binder"), timeout: cfg.RequestTimeout}, logger.With("component", "notifier"))
	if deps.Snapshots != nil {
		a.snap = storage.NewSnapshotter(repo, deps.Snapshots, logger.With("component", "snapshots"))
	}

	repo.Subscribe(a.onRepoEvent)
	watchdog.Subscribe(a.emit)
	gateway.OnChange(a.emit)
	tokens.OnChange(a.onToken)
	return a
}

// Run keeps the session alive until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	if a.snap != nil {
		if err := a.snap.Restore(ctx); err != nil {
			a.logger.Warn("snapshot restore failed", "error", err)
		}
		g.Go(func() error { return a.snap.Run(ctx) })
	}

	var release func()
	if a.cfg.Role == models.RoleCharter {
		release = a.Scheduler.WatchCharterMatches()
	} else {
		release = a.Scheduler.WatchUserMatches()
	}
	defer release()

	if tok := a.Tokens.Token(); tok != "" {
		a.onToken(tok)
	}
	g.Go(func() error {
		<-ctx.Done()
		return nil
	})
	err := g.Wait()
	a.Close()
	return err
}

// Close stops the realtime connection and every timer.
func (a *Agent) Close() {
	a.Notifier.Close()
	a.Scheduler.Close()
	a.Watchdog.Stop()
	a.mu.Lock()
	for id, release := range a.awaiting {
		release()
		delete(a.awaiting, id)
	}
	a.mu.Unlock()
}

func (a *Agent) onToken(token string) {
	a.Notifier.SetToken(token)
	if token == "" {
		a.mu.Lock()
		a.credits = nil
		a.mu.Unlock()
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.RequestTimeout)
		defer cancel()
		if err := a.Refresh(ctx); err != nil {
			a.Notices.Report("refresh", "", err)
		}
	}()
}

// Refresh loads the role's match list and, for clients, the credit balance.
func (a *Agent) Refresh(ctx context.Context) error {
	key := repository.UserMatches
	if a.cfg.Role == models.RoleCharter {
		key = repository.CharterMatches
	}
	if _, err := a.Repo.RefetchList(ctx, key); err != nil {
		return err
	}
	if a.cfg.Role == models.RoleCharter {
		return nil
	}
	return a.RefreshCredits(ctx)
}

func (a *Agent) RefreshCredits(ctx context.Context) error {
	n, err := a.backend.Credits(ctx)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.credits = &n
	a.mu.Unlock()
	return nil
}

// Credits returns the last known balance, nil before the first load.
func (a *Agent) Credits() *int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.credits == nil {
		return nil
	}
	n := *a.credits
	return &n
}

// Open polls a match's detail while a screen shows it.
func (a *Agent) Open(matchID string) (release func()) {
	return a.Scheduler.WatchMatch(matchID)
}

func (a *Agent) onRepoEvent(ev repository.Event) {
	if ev.Kind != repository.MatchChanged {
		return
	}
	m, ok := a.Repo.Match(ev.MatchID)
	if !ok {
		return
	}
	a.Watchdog.Observe(m)
	a.Conversations.Observe(m)
	a.trackReadiness(m)
	a.loadEligibility(m)
	a.emit(m.ID)
}

// trackReadiness keeps a readiness countdown running for every accepted
// match that is still waiting for its conversation.
func (a *Agent) trackReadiness(m *models.TravelMatch) {
	want := m.Status == models.MatchAccepted && !m.HasConversation()
	a.mu.Lock()
	release, tracking := a.awaiting[m.ID]
	if want && !tracking {
		a.awaiting[m.ID] = nil
	} else if !want && tracking {
		delete(a.awaiting, m.ID)
	}
	a.mu.Unlock()

	switch {
	case want && !tracking:
		r := a.Conversations.Await(m.ID)
		a.mu.Lock()
		if _, still := a.awaiting[m.ID]; still {
			a.awaiting[m.ID] = r
			r = nil
		}
		a.mu.Unlock()
		if r != nil {
			r()
		}
	case !want && tracking && release != nil:
		release()
	}
}

func (a *Agent) loadEligibility(m *models.TravelMatch) {
	if a.cfg.Role == models.RoleCharter || m.Trip == nil || m.Trip.Status != models.TripCompleted {
		return
	}
	tripID := m.Trip.ID
	if a.Completion.EligibilityKnown(tripID) {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.RequestTimeout)
		defer cancel()
		if _, err := a.Completion.Eligibility(ctx, tripID); err != nil {
			a.logger.Warn("feedback eligibility load failed", "trip_id", tripID, "error", err)
			return
		}
		a.emit(m.ID)
	}()
}

// View renders the current view of a cached match.
func (a *Agent) View(matchID string) (lifecycle.View, bool) {
	m, ok := a.Repo.Match(matchID)
	if !ok {
		return lifecycle.View{}, false
	}
	return a.render(m), true
}

// Views renders the role's match list, or every cached match before the
// list has loaded.
func (a *Agent) Views() []lifecycle.View {
	key := repository.UserMatches
	if a.cfg.Role == models.RoleCharter {
		key = repository.CharterMatches
	}
	ms := a.Repo.List(key)
	if !a.Repo.Loaded(key) {
		ms = a.Repo.Matches()
	}
	out := make([]lifecycle.View, 0, len(ms))
	for _, m := range ms {
		out = append(out, a.render(m))
	}
	return out
}

func (a *Agent) render(m *models.TravelMatch) lifecycle.View {
	tripID := ""
	if m.TripID != nil {
		tripID = *m.TripID
	} else if m.Trip != nil {
		tripID = m.Trip.ID
	}
	ctx := lifecycle.Context{
		Now:             a.clk.Now(),
		Role:            a.cfg.Role,
		Credits:         a.Credits(),
		Chat:            a.Conversations.State(m.ID),
		CanGiveFeedback: tripID != "" && a.Completion.CanGiveFeedback(tripID),
		Busy:            a.guard.Busy(m.ID) || (tripID != "" && a.guard.Busy(tripID)),
	}
	return a.controller.Render(m, ctx)
}

// SubscribeViews registers fn for re-rendered views. fn must not block.
func (a *Agent) SubscribeViews(fn func(lifecycle.View)) func() {
	a.mu.Lock()
	id := a.nextSub
	a.nextSub++
	a.viewSubs[id] = fn
	a.mu.Unlock()
	return func() {
		a.mu.Lock()
		delete(a.viewSubs, id)
		a.mu.Unlock()
	}
}

func (a *Agent) emit(matchID string) {
	a.mu.Lock()
	fns := make([]func(lifecycle.View), 0, len(a.viewSubs))
	for _, fn := range a.viewSubs {
		fns = append(fns, fn)
	}
	a.mu.Unlock()
	if len(fns) == 0 {
		return
	}
	v, ok := a.View(matchID)
	if !ok {
		return
	}
	for _, fn := range fns {
		fn(v)
	}
}

// RequestContext bounds a user-initiated call by the configured timeout.
func (a *Agent) RequestContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, a.cfg.RequestTimeout+time.Second)
}
