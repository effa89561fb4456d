package storage

import (
	"context"
	"log/slog"

	"github.com/example/flexpress-matching/internal/repository"
)

// Snapshotter mirrors repository writes into a SnapshotStore off the
// writer's goroutine and restores them on start.
type Snapshotter struct {
	repo   *repository.Repository
	store  SnapshotStore
	logger *slog.Logger
	queue  chan repository.Event
}

func NewSnapshotter(repo *repository.Repository, store SnapshotStore, logger *slog.Logger) *Snapshotter {
	return &Snapshotter{repo: repo, store: store, logger: logger, queue: make(chan repository.Event, 256)}
}

// Restore loads stored snapshots into the repository. Trips go first so
// that restored matches pick up their trip status.
func (s *Snapshotter) Restore(ctx context.Context) error {
	trips, err := s.store.LoadTrips(ctx)
	if err != nil {
		return err
	}
	for _, t := range trips {
		s.repo.PutTrip(t)
	}
	matches, err := s.store.LoadMatches(ctx)
	if err != nil {
		return err
	}
	for _, m := range matches {
		s.repo.Put(m)
	}
	s.logger.Info("snapshots restored", "matches", len(matches), "trips", len(trips))
	return nil
}

// Run subscribes to the repository and persists changes until ctx ends.
func (s *Snapshotter) Run(ctx context.Context) error {
	unsubscribe := s.repo.Subscribe(func(ev repository.Event) {
		if ev.Kind != repository.MatchChanged && ev.Kind != repository.TripChanged {
			return
		}
		select {
		case s.queue <- ev:
		default:
			s.logger.Warn("snapshot queue full, dropping", "match_id", ev.MatchID, "trip_id", ev.TripID)
		}
	})
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-s.queue:
			s.persist(ctx, ev)
		}
	}
}

func (s *Snapshotter) persist(ctx context.Context, ev repository.Event) {
	switch ev.Kind {
	case repository.MatchChanged:
		if m, ok := s.repo.Match(ev.MatchID); ok {
			if err := s.store.SaveMatch(ctx, m); err != nil {
				s.logger.Error("snapshot save failed", "match_id", ev.MatchID, "error", err)
			}
		}
	case repository.TripChanged:
		if t, ok := s.repo.Trip(ev.TripID); ok {
			if err := s.store.SaveTrip(ctx, t); err != nil {
				s.logger.Error("snapshot save failed", "trip_id", ev.TripID, "error", err)
			}
		}
	}
}
