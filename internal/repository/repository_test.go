package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/flexpress-matching/internal/logging"
	"github.com/example/flexpress-matching/internal/models"
)

type fakeFetcher struct {
	mu       sync.Mutex
	matches  map[string]*models.TravelMatch
	user     []*models.TravelMatch
	charter  []*models.TravelMatch
	trips    map[string]*models.Trip
	messages map[string][]models.Message
	err      error
	gets     int
	lists    map[ListKey]int
	block    chan struct{}
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		matches:  map[string]*models.TravelMatch{},
		trips:    map[string]*models.Trip{},
		messages: map[string][]models.Message{},
		lists:    map[ListKey]int{},
	}
}

func (f *fakeFetcher) GetMatch(ctx context.Context, id string) (*models.TravelMatch, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.err != nil {
		return nil, f.err
	}
	m, ok := f.matches[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return m.Clone(), nil
}

func (f *fakeFetcher) ListUserMatches(ctx context.Context) ([]*models.TravelMatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists[UserMatches]++
	return f.user, f.err
}

func (f *fakeFetcher) ListCharterMatches(ctx context.Context) ([]*models.TravelMatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists[CharterMatches]++
	return f.charter, f.err
}

func (f *fakeFetcher) GetTrip(ctx context.Context, id string) (*models.Trip, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.trips[id]; ok {
		c := *t
		return &c, nil
	}
	return nil, errors.New("not found")
}

func (f *fakeFetcher) ListMessages(ctx context.Context, id string) ([]models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.messages[id], f.err
}

func (f *fakeFetcher) getCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets
}

type sinkRecorder struct {
	mu sync.Mutex
	ts []models.Transition
}

func (s *sinkRecorder) Record(t models.Transition) {
	s.mu.Lock()
	s.ts = append(s.ts, t)
	s.mu.Unlock()
}

func strp(s string) *string { return &s }

func TestPutIsLastWriteWinsAndReturnsCopies(t *testing.T) {
	r := New(newFakeFetcher(), logging.Nop())
	r.Put(&models.TravelMatch{ID: "m1", Status: models.MatchPending})
	r.Put(&models.TravelMatch{ID: "m1", Status: models.MatchAccepted})
	m, ok := r.Match("m1")
	if !ok || m.Status != models.MatchAccepted {
		t.Fatalf("got %+v", m)
	}
	m.Status = models.MatchCancelled
	again, _ := r.Match("m1")
	if again.Status != models.MatchAccepted {
		t.Fatalf("caller mutation leaked into the cache")
	}
}

func TestTransitionsAreRecordedAndClassified(t *testing.T) {
	sink := &sinkRecorder{}
	r := New(newFakeFetcher(), logging.Nop(), WithTransitionSink(sink))
	r.Put(&models.TravelMatch{ID: "m1", Status: models.MatchPending})
	r.Put(&models.TravelMatch{ID: "m1", Status: models.MatchAccepted})
	r.Put(&models.TravelMatch{ID: "m1", Status: models.MatchPending})
	if len(sink.ts) != 2 {
		t.Fatalf("expected 2 transitions, got %d", len(sink.ts))
	}
	if !sink.ts[0].Expected || sink.ts[1].Expected {
		t.Fatalf("unexpected classification: %+v", sink.ts)
	}
}

func TestAppendMessageIsIdempotent(t *testing.T) {
	r := New(newFakeFetcher(), logging.Nop())
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	events := 0
	r.Subscribe(func(ev Event) {
		if ev.Kind == MessagesChanged {
			events++
		}
	})
	msg := models.Message{ID: "x1", ConversationID: "c1", Content: "hola", CreatedAt: base.Add(time.Second)}
	if !r.AppendMessage(msg) {
		t.Fatalf("first delivery should be added")
	}
	if r.AppendMessage(msg) {
		t.Fatalf("duplicate delivery should be ignored")
	}
	r.AppendMessage(models.Message{ID: "x0", ConversationID: "c1", CreatedAt: base})
	got := r.Messages("c1")
	if len(got) != 2 || got[0].ID != "x0" || got[1].ID != "x1" {
		t.Fatalf("unexpected list %+v", got)
	}
	if events != 2 {
		t.Fatalf("expected 2 change events, got %d", events)
	}
}

func TestRefetchErrorKeepsLastGoodState(t *testing.T) {
	f := newFakeFetcher()
	r := New(f, logging.Nop())
	r.Put(&models.TravelMatch{ID: "m1", Status: models.MatchPending})
	f.err = errors.New("network down")
	if _, err := r.Refetch(context.Background(), "m1"); err == nil {
		t.Fatalf("expected error")
	}
	m, _ := r.Match("m1")
	if m.Status != models.MatchPending {
		t.Fatalf("cache changed on failure")
	}
}

func TestConcurrentRefetchesShareOneRequest(t *testing.T) {
	f := newFakeFetcher()
	f.matches["m1"] = &models.TravelMatch{ID: "m1", Status: models.MatchAccepted}
	f.block = make(chan struct{})
	r := New(f, logging.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Refetch(context.Background(), "m1")
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(f.block)
	wg.Wait()
	if n := f.getCount(); n < 1 || n > 2 {
		t.Fatalf("expected requests to be shared, got %d", n)
	}
}

func TestReleasedPollDoesNotFailSharedRefetch(t *testing.T) {
	f := newFakeFetcher()
	f.matches["m1"] = &models.TravelMatch{ID: "m1", Status: models.MatchAccepted, ConversationID: strp("c1")}
	f.block = make(chan struct{})
	r := New(f, logging.Nop())

	pollCtx, release := context.WithCancel(context.Background())
	pollErr := make(chan error, 1)
	go func() {
		_, err := r.Refetch(pollCtx, "m1")
		pollErr <- err
	}()
	time.Sleep(20 * time.Millisecond)

	type result struct {
		m   *models.TravelMatch
		err error
	}
	userRes := make(chan result, 1)
	go func() {
		m, err := r.Refetch(context.Background(), "m1")
		userRes <- result{m, err}
	}()
	time.Sleep(20 * time.Millisecond)

	release()
	select {
	case err := <-pollErr:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("released poll should stop waiting with its own error, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("released poll kept waiting")
	}

	close(f.block)
	select {
	case res := <-userRes:
		if res.err != nil {
			t.Fatalf("shared refetch failed for the live caller: %v", res.err)
		}
		if res.m == nil || !res.m.HasConversation() {
			t.Fatalf("unexpected match %+v", res.m)
		}
	case <-time.After(time.Second):
		t.Fatalf("live caller never got the result")
	}
	if n := f.getCount(); n != 1 {
		t.Fatalf("expected one shared request, got %d", n)
	}
	if m, _ := r.Match("m1"); !m.HasConversation() {
		t.Fatalf("result of the shared fetch not stored")
	}
}

func TestFetchOutlivesItsOnlyCaller(t *testing.T) {
	f := newFakeFetcher()
	f.matches["m1"] = &models.TravelMatch{ID: "m1", Status: models.MatchAccepted, ConversationID: strp("c1")}
	f.block = make(chan struct{})
	r := New(f, logging.Nop())
	r.Put(&models.TravelMatch{ID: "m1", Status: models.MatchPending})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Refetch(ctx, "m1")
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done
	close(f.block)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if m, _ := r.Match("m1"); m.Status == models.MatchAccepted {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("response of an abandoned fetch was not stored")
}

func TestEmbeddedTripStatusRefreshesTripCache(t *testing.T) {
	r := New(newFakeFetcher(), logging.Nop())
	var events []Event
	r.Subscribe(func(ev Event) { events = append(events, ev) })
	r.PutTrip(&models.Trip{ID: "t1", Status: models.TripPending})
	r.Put(&models.TravelMatch{ID: "m1", Status: models.MatchAccepted, TripID: strp("t1"),
		Trip: &models.TripSummary{ID: "t1", Status: models.TripCharterCompleted}})

	tr, ok := r.Trip("t1")
	if !ok || tr.Status != models.TripCharterCompleted {
		t.Fatalf("trip cache not refreshed from match: %+v", tr)
	}
	var tripEvents int
	for _, ev := range events {
		if ev.Kind == TripChanged && ev.TripID == "t1" {
			tripEvents++
		}
	}
	if tripEvents != 2 {
		t.Fatalf("expected a trip event for the put and for the refresh, got %d", tripEvents)
	}
}

func TestInvalidateMatchRefetchesLoadedLists(t *testing.T) {
	f := newFakeFetcher()
	f.matches["m1"] = &models.TravelMatch{ID: "m1", Status: models.MatchAccepted, ConversationID: strp("c1")}
	f.user = []*models.TravelMatch{f.matches["m1"]}
	r := New(f, logging.Nop())
	r.Put(&models.TravelMatch{ID: "m1", Status: models.MatchPending})
	if _, err := r.RefetchList(context.Background(), UserMatches); err != nil {
		t.Fatal(err)
	}
	if err := r.InvalidateMatch(context.Background(), "m1"); err != nil {
		t.Fatal(err)
	}
	if f.lists[UserMatches] != 2 {
		t.Fatalf("user list should be refetched, got %d", f.lists[UserMatches])
	}
	if f.lists[CharterMatches] != 0 {
		t.Fatalf("charter list was never loaded and must not be fetched")
	}
	m, _ := r.Match("m1")
	if !m.HasConversation() {
		t.Fatalf("refetched value not stored")
	}
}

func TestPutTripMirrorsIntoMatch(t *testing.T) {
	r := New(newFakeFetcher(), logging.Nop())
	r.Put(&models.TravelMatch{ID: "m1", Status: models.MatchAccepted, TripID: strp("t1"),
		Trip: &models.TripSummary{ID: "t1", Status: models.TripPending}})
	r.PutTrip(&models.Trip{ID: "t1", Status: models.TripCharterCompleted})
	m, _ := r.Match("m1")
	if m.Trip == nil || m.Trip.Status != models.TripCharterCompleted {
		t.Fatalf("trip status not mirrored: %+v", m.Trip)
	}
}

func TestPutListKeepsServerOrder(t *testing.T) {
	r := New(newFakeFetcher(), logging.Nop())
	r.PutList(CharterMatches, []*models.TravelMatch{{ID: "b"}, {ID: "a"}, nil})
	got := r.List(CharterMatches)
	if len(got) != 2 || got[0].ID != "b" || got[1].ID != "a" {
		t.Fatalf("unexpected list %+v", got)
	}
	if !r.Loaded(CharterMatches) || r.Loaded(UserMatches) {
		t.Fatalf("loaded flags wrong")
	}
}
