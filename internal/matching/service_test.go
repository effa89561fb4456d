package matching

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/example/flexpress-matching/internal/api"
	"github.com/example/flexpress-matching/internal/inflight"
	"github.com/example/flexpress-matching/internal/lifecycle"
	"github.com/example/flexpress-matching/internal/logging"
	"github.com/example/flexpress-matching/internal/models"
	"github.com/example/flexpress-matching/internal/repository"
)

// fakeBackend plays the server for both the mutation API and the
// repository fetcher.
type fakeBackend struct {
	mu      sync.Mutex
	matches map[string]*models.TravelMatch
	calls   map[string]int
	fail    error
	listErr error
	gate    chan struct{}
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{matches: map[string]*models.TravelMatch{}, calls: map[string]int{}}
}

func (b *fakeBackend) hit(name string) error {
	if b.gate != nil {
		<-b.gate
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls[name]++
	return b.fail
}

func (b *fakeBackend) count(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[name]
}

func (b *fakeBackend) set(m *models.TravelMatch) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.matches[m.ID] = m.Clone()
}

func (b *fakeBackend) get(id string) *models.TravelMatch {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.matches[id].Clone()
}

func (b *fakeBackend) CreateMatch(ctx context.Context, req models.CreateMatchRequest) (*models.CreateMatchResult, error) {
	if err := b.hit("create"); err != nil {
		return nil, err
	}
	credits := 120
	m := &models.TravelMatch{ID: "m1", Status: models.MatchSearching, PickupAddress: req.PickupAddress, DestinationAddress: req.DestinationAddress, EstimatedCredits: &credits}
	b.set(m)
	return &models.CreateMatchResult{Match: m, AvailableCharters: []models.AvailableCharter{
		{CharterID: "c2", EstimatedCredits: 150, TotalDistance: 3},
		{CharterID: "c1", EstimatedCredits: 120, TotalDistance: 9},
		{CharterID: "c3", EstimatedCredits: 120, TotalDistance: 4},
	}}, nil
}

func (b *fakeBackend) SelectCharter(ctx context.Context, matchID, charterID string) (*models.TravelMatch, error) {
	if err := b.hit("select"); err != nil {
		return nil, err
	}
	m := b.get(matchID)
	m.CharterID = &charterID
	m.Status = models.MatchPending
	b.set(m)
	return m, nil
}

func (b *fakeBackend) RespondToMatch(ctx context.Context, matchID string, accept bool) (*models.TravelMatch, error) {
	if err := b.hit("respond"); err != nil {
		return nil, err
	}
	m := b.get(matchID)
	m.Status = models.MatchRejected
	if accept {
		m.Status = models.MatchAccepted
	}
	b.set(m)
	return m, nil
}

func (b *fakeBackend) CancelMatch(ctx context.Context, matchID string) (*models.TravelMatch, error) {
	if err := b.hit("cancel"); err != nil {
		return nil, err
	}
	m := b.get(matchID)
	m.Status = models.MatchCancelled
	b.set(m)
	return m, nil
}

func (b *fakeBackend) GetMatch(ctx context.Context, id string) (*models.TravelMatch, error) {
	b.hit("get")
	return b.get(id), nil
}
func (b *fakeBackend) ListUserMatches(ctx context.Context) ([]*models.TravelMatch, error) {
	b.hit("list_user")
	b.mu.Lock()
	defer b.mu.Unlock()
	return nil, b.listErr
}
func (b *fakeBackend) ListCharterMatches(ctx context.Context) ([]*models.TravelMatch, error) {
	return nil, nil
}
func (b *fakeBackend) GetTrip(ctx context.Context, id string) (*models.Trip, error) { return nil, nil }
func (b *fakeBackend) ListMessages(ctx context.Context, id string) ([]models.Message, error) {
	return nil, nil
}

type expiryStub map[string]bool

func (e expiryStub) IsPredictedExpired(id string) bool { return e[id] }

func newService(b *fakeBackend, role models.Role) (*Service, *repository.Repository) {
	repo := repository.New(b, logging.Nop())
	return &Service{API: b, Store: repo, Guard: inflight.New(), Role: role}, repo
}

func createReq() models.CreateMatchRequest {
	return models.CreateMatchRequest{
		PickupAddress: "Av. Providencia 1234", PickupLatitude: -33.42, PickupLongitude: -70.61,
		DestinationAddress: "Los Leones 500", DestinationLatitude: -33.43, DestinationLongitude: -70.60,
		WorkersCount: 1,
	}
}

func TestCreateMatchValidatesLocally(t *testing.T) {
	b := newFakeBackend()
	s, _ := newService(b, models.RoleClient)
	req := createReq()
	req.PickupLatitude = 91
	if _, err := s.CreateMatch(context.Background(), req); !api.IsKind(err, api.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if b.count("create") != 0 {
		t.Fatalf("invalid request reached the server")
	}
}

func TestCreateMatchRanksCharters(t *testing.T) {
	b := newFakeBackend()
	s, repo := newService(b, models.RoleClient)
	res, err := s.CreateMatch(context.Background(), createReq())
	if err != nil {
		t.Fatal(err)
	}
	got := []string{res.AvailableCharters[0].CharterID, res.AvailableCharters[1].CharterID, res.AvailableCharters[2].CharterID}
	if got[0] != "c3" || got[1] != "c1" || got[2] != "c2" {
		t.Fatalf("unexpected ranking %v", got)
	}
	if _, ok := repo.Match("m1"); !ok {
		t.Fatalf("created match not cached")
	}
}

func TestSelectCharterConflictWithoutNetwork(t *testing.T) {
	b := newFakeBackend()
	s, repo := newService(b, models.RoleClient)
	charter := "c1"
	repo.Put(&models.TravelMatch{ID: "m1", Status: models.MatchPending, CharterID: &charter})
	_, err := s.SelectCharter(context.Background(), "m1", "c2")
	if !api.IsKind(err, api.KindConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if b.count("select") != 0 {
		t.Fatalf("conflicting request reached the server")
	}
}

func TestRespondBlockedByPredictedExpiry(t *testing.T) {
	b := newFakeBackend()
	s, repo := newService(b, models.RoleCharter)
	s.Expiry = expiryStub{"m1": true}
	repo.Put(&models.TravelMatch{ID: "m1", Status: models.MatchPending})
	if _, err := s.Respond(context.Background(), "m1", true); !api.IsKind(err, api.KindConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if b.count("respond") != 0 {
		t.Fatalf("expired request reached the server")
	}
}

func TestRespondRequiresCharterRole(t *testing.T) {
	b := newFakeBackend()
	s, repo := newService(b, models.RoleClient)
	repo.Put(&models.TravelMatch{ID: "m1", Status: models.MatchPending})
	if _, err := s.Respond(context.Background(), "m1", true); !api.IsKind(err, api.KindConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestFailedMutationLeavesCacheUntouched(t *testing.T) {
	b := newFakeBackend()
	b.fail = &api.Error{Op: "cancel", Kind: api.KindTransport, Message: "timeout"}
	s, repo := newService(b, models.RoleClient)
	repo.Put(&models.TravelMatch{ID: "m1", Status: models.MatchSearching})
	_, err := s.CancelMatch(context.Background(), "m1")
	if !api.IsKind(err, api.KindTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	m, _ := repo.Match("m1")
	if m.Status != models.MatchSearching {
		t.Fatalf("cache changed on failure: %s", m.Status)
	}
}

func TestDuplicateSubmissionRejected(t *testing.T) {
	b := newFakeBackend()
	b.set(&models.TravelMatch{ID: "m1", Status: models.MatchSearching})
	s, repo := newService(b, models.RoleClient)
	repo.Put(&models.TravelMatch{ID: "m1", Status: models.MatchSearching})
	b.gate = make(chan struct{})

	first := make(chan error, 1)
	go func() {
		_, err := s.CancelMatch(context.Background(), "m1")
		first <- err
	}()
	deadline := time.Now().Add(time.Second)
	for !s.Busy("m1") && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if _, err := s.CancelMatch(context.Background(), "m1"); !errors.Is(err, inflight.ErrInFlight) {
		t.Fatalf("expected ErrInFlight, got %v", err)
	}
	close(b.gate)
	if err := <-first; err != nil {
		t.Fatalf("first submission failed: %v", err)
	}
	if b.count("cancel") != 1 {
		t.Fatalf("expected exactly one cancel call")
	}
}

func TestCreateSelectAcceptReachesChat(t *testing.T) {
	b := newFakeBackend()
	client, repo := newService(b, models.RoleClient)
	ctx := context.Background()

	res, err := client.CreateMatch(ctx, createReq())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := client.SelectCharter(ctx, res.Match.ID, res.AvailableCharters[0].CharterID); err != nil {
		t.Fatal(err)
	}

	// charter accepts on its own device; the server attaches the chat
	m := b.get("m1")
	m.Status = models.MatchAccepted
	conv := "conv-1"
	m.ConversationID = &conv
	b.set(m)

	// push arrives: the payload is only a signal to refetch
	if err := repo.InvalidateMatch(ctx, "m1"); err != nil {
		t.Fatal(err)
	}
	cached, _ := repo.Match("m1")
	have := 200
	v := lifecycle.Render(cached, lifecycle.Context{Now: time.Now(), Role: models.RoleClient, Credits: &have, Chat: lifecycle.ChatReady})
	if v.Kind != lifecycle.ViewAccepted || v.Sub != lifecycle.SubAwaitingTripConfirmation {
		t.Fatalf("unexpected view %s/%s", v.Kind, v.Sub)
	}
	if !v.Has(lifecycle.ActionOpenChat) || v.ConversationID != conv {
		t.Fatalf("chat not offered: %+v", v)
	}
}

func TestListInvalidationFailureIsLogged(t *testing.T) {
	b := newFakeBackend()
	s, repo := newService(b, models.RoleClient)
	var buf bytes.Buffer
	s.Logger = slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	m := &models.TravelMatch{ID: "m1", Status: models.MatchSearching}
	b.set(m)
	repo.Put(m)
	if _, err := repo.RefetchList(context.Background(), repository.UserMatches); err != nil {
		t.Fatal(err)
	}
	b.mu.Lock()
	b.listErr = errors.New("list down")
	b.mu.Unlock()

	updated, err := s.CancelMatch(context.Background(), "m1")
	if err != nil {
		t.Fatalf("mutation must succeed when only the list refresh fails: %v", err)
	}
	if updated.Status != models.MatchCancelled {
		t.Fatalf("unexpected status %s", updated.Status)
	}
	out := buf.String()
	if !strings.Contains(out, "list invalidation after mutation failed") || !strings.Contains(out, `"match_id":"m1"`) {
		t.Fatalf("expected debug line with match id, got %q", out)
	}
}
