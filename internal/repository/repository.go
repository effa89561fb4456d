// Package repository is the single client-side source of truth for
// server-owned entities: matches, match lists, trips and conversation
// messages. Writes are last-write-wins per key; readers get copies and
// subscribe to change events.
package repository

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/example/flexpress-matching/internal/lifecycle"
	"github.com/example/flexpress-matching/internal/models"
	"github.com/example/flexpress-matching/internal/observability"
)

// Fetcher is the read side of the REST API.
type Fetcher interface {
	GetMatch(ctx context.Context, id string) (*models.TravelMatch, error)
	ListUserMatches(ctx context.Context) ([]*models.TravelMatch, error)
	ListCharterMatches(ctx context.Context) ([]*models.TravelMatch, error)
	GetTrip(ctx context.Context, id string) (*models.Trip, error)
	ListMessages(ctx context.Context, conversationID string) ([]models.Message, error)
}

// TransitionSink receives status changes observed by the repository.
// Implementations must not block.
type TransitionSink interface {
	Record(t models.Transition)
}

// ListKey names a cached match list.
type ListKey string

const (
	UserMatches    ListKey = "user"
	CharterMatches ListKey = "charter"
)

// EventKind tells subscribers what changed.
type EventKind string

const (
	MatchChanged    EventKind = "match"
	ListChanged     EventKind = "list"
	TripChanged     EventKind = "trip"
	MessagesChanged EventKind = "messages"
)

// Event is delivered to subscribers after a write.
type Event struct {
	Kind           EventKind
	MatchID        string
	List           ListKey
	TripID         string
	ConversationID string
}

type listEntry struct {
	ids    []string
	loaded bool
}

type Repository struct {
	fetcher Fetcher
	sink    TransitionSink
	logger  *slog.Logger
	now     func() time.Time

	fetchTimeout time.Duration

	mu       sync.RWMutex
	matches  map[string]*models.TravelMatch
	lists    map[ListKey]*listEntry
	trips    map[string]*models.Trip
	messages map[string][]models.Message
	msgIDs   map[string]map[string]struct{}

	subMu  sync.RWMutex
	subs   map[int]func(Event)
	nextID int

	group singleflight.Group
}

type Option func(*Repository)

// WithTransitionSink forwards observed transitions to s.
func WithTransitionSink(s TransitionSink) Option {
	return func(r *Repository) { r.sink = s }
}

// WithFetchTimeout bounds each shared server fetch.
func WithFetchTimeout(d time.Duration) Option {
	return func(r *Repository) {
		if d > 0 {
			r.fetchTimeout = d
		}
	}
}

// WithNow overrides the clock used to stamp transitions.
func WithNow(now func() time.Time) Option {
	return func(r *Repository) { r.now = now }
}

func New(f Fetcher, logger *slog.Logger, opts ...Option) *Repository {
	r := &Repository{
		fetcher:      f,
		logger:       logger,
		now:          time.Now,
		fetchTimeout: 15 * time.Second,
		matches:      make(map[string]*models.TravelMatch),
		lists:        map[ListKey]*listEntry{UserMatches: {}, CharterMatches: {}},
		trips:        make(map[string]*models.Trip),
		messages:     make(map[string][]models.Message),
		msgIDs:       make(map[string]map[string]struct{}),
		subs:         make(map[int]func(Event)),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Subscribe registers fn for change events and returns its cancel func.
// fn runs on the writer's goroutine and must return quickly.
func (r *Repository) Subscribe(fn func(Event)) func() {
	r.subMu.Lock()
	id := r.nextID
	r.nextID++
	r.subs[id] = fn
	r.subMu.Unlock()
	return func() {
		r.subMu.Lock()
		delete(r.subs, id)
		r.subMu.Unlock()
	}
}

func (r *Repository) publish(evs ...Event) {
	r.subMu.RLock()
	fns := make([]func(Event), 0, len(r.subs))
	for _, fn := range r.subs {
		fns = append(fns, fn)
	}
	r.subMu.RUnlock()
	for _, ev := range evs {
		for _, fn := range fns {
			fn(ev)
		}
	}
}

// Match returns a copy of the cached match.
func (r *Repository) Match(id string) (*models.TravelMatch, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.matches[id]
	return m.Clone(), ok
}

// List returns copies of the matches in a cached list, in server order.
func (r *Repository) List(key ListKey) []*models.TravelMatch {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e := r.lists[key]
	if e == nil {
		return nil
	}
	out := make([]*models.TravelMatch, 0, len(e.ids))
	for _, id := range e.ids {
		if m, ok := r.matches[id]; ok {
			out = append(out, m.Clone())
		}
	}
	return out
}

// Matches returns copies of every cached match.
func (r *Repository) Matches() []*models.TravelMatch {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.TravelMatch, 0, len(r.matches))
	for _, m := range r.matches {
		out = append(out, m.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Loaded reports whether a list has been fetched at least once.
func (r *Repository) Loaded(key ListKey) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e := r.lists[key]
	return e != nil && e.loaded
}

// Put stores a server-confirmed match, replacing any cached copy.
func (r *Repository) Put(m *models.TravelMatch) {
	if m == nil || m.ID == "" {
		return
	}
	r.mu.Lock()
	ts, evs := r.putLocked(m.Clone())
	r.mu.Unlock()
	for _, t := range ts {
		r.record(t)
	}
	r.publish(evs...)
}

func (r *Repository) putLocked(m *models.TravelMatch) ([]*models.Transition, []Event) {
	var ts []*models.Transition
	evs := []Event{{Kind: MatchChanged, MatchID: m.ID}}
	if m.Trip != nil && m.Trip.ID != "" {
		// the embedded trip status comes from the server and wins over the
		// trip cache
		if tr, ok := r.trips[m.Trip.ID]; ok && m.Trip.Status != "" && tr.Status != m.Trip.Status {
			c := *tr
			c.Status = m.Trip.Status
			r.trips[c.ID] = &c
			ts = append(ts, &models.Transition{
				Entity:     "trip",
				ID:         c.ID,
				From:       string(tr.Status),
				To:         string(c.Status),
				Expected:   lifecycle.CanTransitionTrip(tr.Status, c.Status),
				ObservedAt: r.now(),
			})
			evs = append(evs, Event{Kind: TripChanged, TripID: c.ID})
		}
	} else if m.TripID != nil {
		// an embedded trip snapshot is only as fresh as the trip cache
		if tr, ok := r.trips[*m.TripID]; ok {
			m.Trip = &models.TripSummary{ID: tr.ID, Status: tr.Status}
		}
	}
	old, had := r.matches[m.ID]
	r.matches[m.ID] = m
	if m.Conversation != nil && m.Conversation.ID != "" && len(m.Conversation.Messages) > 0 {
		r.mergeMessagesLocked(m.Conversation.ID, m.Conversation.Messages)
	}
	if had && old.Status != m.Status {
		ts = append(ts, &models.Transition{
			Entity:     "match",
			ID:         m.ID,
			From:       string(old.Status),
			To:         string(m.Status),
			Expected:   lifecycle.CanTransition(old.Status, m.Status),
			ObservedAt: r.now(),
		})
	}
	return ts, evs
}

// PutList replaces a list and upserts its members.
func (r *Repository) PutList(key ListKey, ms []*models.TravelMatch) {
	var ts []*models.Transition
	evs := []Event{{Kind: ListChanged, List: key}}
	r.mu.Lock()
	ids := make([]string, 0, len(ms))
	for _, m := range ms {
		if m == nil || m.ID == "" {
			continue
		}
		mts, mevs := r.putLocked(m.Clone())
		ts = append(ts, mts...)
		evs = append(evs, mevs...)
		ids = append(ids, m.ID)
	}
	r.lists[key] = &listEntry{ids: ids, loaded: true}
	r.mu.Unlock()
	for _, t := range ts {
		r.record(t)
	}
	r.publish(evs...)
}

// Trip returns a copy of the cached trip.
func (r *Repository) Trip(id string) (*models.Trip, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.trips[id]
	if !ok {
		return nil, false
	}
	c := *t
	return &c, true
}

// PutTrip stores a server-confirmed trip and mirrors its status into the
// trip snapshot of any cached match that references it.
func (r *Repository) PutTrip(tr *models.Trip) {
	if tr == nil || tr.ID == "" {
		return
	}
	c := *tr
	var t *models.Transition
	evs := []Event{{Kind: TripChanged, TripID: tr.ID}}
	r.mu.Lock()
	if old, ok := r.trips[tr.ID]; ok && old.Status != tr.Status {
		t = &models.Transition{
			Entity:     "trip",
			ID:         tr.ID,
			From:       string(old.Status),
			To:         string(tr.Status),
			Expected:   lifecycle.CanTransitionTrip(old.Status, tr.Status),
			ObservedAt: r.now(),
		}
	}
	r.trips[tr.ID] = &c
	for id, m := range r.matches {
		if m.TripID == nil || *m.TripID != tr.ID {
			if m.Trip == nil || m.Trip.ID != tr.ID {
				continue
			}
		}
		nm := m.Clone()
		nm.Trip = &models.TripSummary{ID: tr.ID, Status: tr.Status}
		r.matches[id] = nm
		evs = append(evs, Event{Kind: MatchChanged, MatchID: id})
	}
	r.mu.Unlock()
	r.record(t)
	r.publish(evs...)
}

// Messages returns the cached messages of a conversation, oldest first.
func (r *Repository) Messages(conversationID string) []models.Message {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]models.Message(nil), r.messages[conversationID]...)
}

// AppendMessage merges a pushed message. It returns false when a message
// with the same id is already cached, in which case nothing changes.
func (r *Repository) AppendMessage(msg models.Message) bool {
	r.mu.Lock()
	added := r.mergeMessagesLocked(msg.ConversationID, []models.Message{msg})
	r.mu.Unlock()
	if added > 0 {
		r.publish(Event{Kind: MessagesChanged, ConversationID: msg.ConversationID})
	}
	return added > 0
}

// SetMessages merges a fetched page into the cache.
func (r *Repository) SetMessages(conversationID string, msgs []models.Message) {
	r.mu.Lock()
	r.mergeMessagesLocked(conversationID, msgs)
	r.mu.Unlock()
	r.publish(Event{Kind: MessagesChanged, ConversationID: conversationID})
}

func (r *Repository) mergeMessagesLocked(conversationID string, msgs []models.Message) int {
	seen := r.msgIDs[conversationID]
	if seen == nil {
		seen = make(map[string]struct{})
		r.msgIDs[conversationID] = seen
	}
	list := r.messages[conversationID]
	added := 0
	for _, m := range msgs {
		if m.ID == "" {
			continue
		}
		if _, dup := seen[m.ID]; dup {
			continue
		}
		if m.ConversationID == "" {
			m.ConversationID = conversationID
		}
		seen[m.ID] = struct{}{}
		list = append(list, m)
		added++
	}
	if added > 0 {
		// out-of-order deliveries are placed by timestamp
		sort.SliceStable(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
		r.messages[conversationID] = list
	}
	return added
}

// Refetch loads a match from the server and stores it. Concurrent calls for
// the same id share one request. On error the cached copy is kept.
func (r *Repository) Refetch(ctx context.Context, id string) (*models.TravelMatch, error) {
	v, err := r.shared(ctx, "match:"+id, func(fctx context.Context) (any, error) {
		observability.Refetches.Inc()
		m, err := r.fetcher.GetMatch(fctx, id)
		if err != nil {
			return nil, err
		}
		r.Put(m)
		return m, nil
	})
	if err != nil {
		r.logger.Warn("match refetch failed, keeping cached copy", "match_id", id, "error", err)
		return nil, err
	}
	return v.(*models.TravelMatch).Clone(), nil
}

// RefetchList loads a list from the server and stores it.
func (r *Repository) RefetchList(ctx context.Context, key ListKey) ([]*models.TravelMatch, error) {
	_, err := r.shared(ctx, "list:"+string(key), func(fctx context.Context) (any, error) {
		observability.Refetches.Inc()
		var ms []*models.TravelMatch
		var err error
		if key == CharterMatches {
			ms, err = r.fetcher.ListCharterMatches(fctx)
		} else {
			ms, err = r.fetcher.ListUserMatches(fctx)
		}
		if err != nil {
			return nil, err
		}
		r.PutList(key, ms)
		return nil, nil
	})
	if err != nil {
		r.logger.Warn("list refetch failed, keeping cached copy", "list", string(key), "error", err)
		return nil, err
	}
	return r.List(key), nil
}

// RefetchTrip loads a trip from the server and stores it.
func (r *Repository) RefetchTrip(ctx context.Context, id string) (*models.Trip, error) {
	v, err := r.shared(ctx, "trip:"+id, func(fctx context.Context) (any, error) {
		observability.Refetches.Inc()
		tr, err := r.fetcher.GetTrip(fctx, id)
		if err != nil {
			return nil, err
		}
		r.PutTrip(tr)
		return tr, nil
	})
	if err != nil {
		return nil, err
	}
	tr := v.(*models.Trip)
	if tr == nil {
		return nil, nil
	}
	c := *tr
	return &c, nil
}

// RefetchMessages loads a conversation's messages and merges them.
func (r *Repository) RefetchMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	_, err := r.shared(ctx, "messages:"+conversationID, func(fctx context.Context) (any, error) {
		msgs, err := r.fetcher.ListMessages(fctx, conversationID)
		if err != nil {
			return nil, err
		}
		r.SetMessages(conversationID, msgs)
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	return r.Messages(conversationID), nil
}

// shared runs fetch once per key for every concurrent caller. The fetch is
// detached from the starting caller's cancellation, bounded by fetchTimeout,
// and stores its own result; each caller stops waiting when its own ctx ends.
func (r *Repository) shared(ctx context.Context, key string, fetch func(context.Context) (any, error)) (any, error) {
	ch := r.group.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.fetchTimeout)
		defer cancel()
		return fetch(fctx)
	})
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// InvalidateMatch treats a push notification as a staleness signal: the
// match and every list that has been loaded are refetched. The push payload
// itself is never written.
func (r *Repository) InvalidateMatch(ctx context.Context, id string) error {
	_, err := r.Refetch(ctx, id)
	return errors.Join(err, r.InvalidateLists(ctx))
}

// InvalidateLists refetches every list that has been loaded.
func (r *Repository) InvalidateLists(ctx context.Context) error {
	var errs []error
	for _, key := range []ListKey{UserMatches, CharterMatches} {
		if !r.Loaded(key) {
			continue
		}
		if _, err := r.RefetchList(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Repository) record(t *models.Transition) {
	if t == nil {
		return
	}
	if !t.Expected {
		observability.UnexpectedTransitions.WithLabelValues(t.Entity).Inc()
		r.logger.Warn("unexpected status transition", "entity", t.Entity, "id", t.ID, "from", t.From, "to", t.To)
	} else {
		r.logger.Info("status transition", "entity", t.Entity, "id", t.ID, "from", t.From, "to", t.To)
	}
	if r.sink != nil {
		r.sink.Record(*t)
	}
}
