package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/flexpress-matching/internal/models"
)

// SnapshotStore keeps the last server-confirmed copy of entities so a
// restarted agent can render before its first fetch completes.
type SnapshotStore interface {
	SaveMatch(ctx context.Context, m *models.TravelMatch) error
	SaveTrip(ctx context.Context, t *models.Trip) error
	LoadMatches(ctx context.Context) ([]*models.TravelMatch, error)
	LoadTrips(ctx context.Context) ([]*models.Trip, error)
}

// RedisSnapshotStore stores JSON snapshots under a per-session prefix.
type RedisSnapshotStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisSnapshotStore(addr, password, session string, ttl time.Duration) *RedisSnapshotStore {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisSnapshotStore{client: c, prefix: "flexpress:" + session + ":", ttl: ttl}
}

func (r *RedisSnapshotStore) matchKey(id string) string { return r.prefix + "match:" + id }
func (r *RedisSnapshotStore) tripKey(id string) string  { return r.prefix + "trip:" + id }

func (r *RedisSnapshotStore) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *RedisSnapshotStore) SaveMatch(ctx context.Context, m *models.TravelMatch) error {
	return r.save(ctx, r.matchKey(m.ID), m)
}

func (r *RedisSnapshotStore) SaveTrip(ctx context.Context, t *models.Trip) error {
	return r.save(ctx, r.tripKey(t.ID), t)
}

func (r *RedisSnapshotStore) save(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, key, data, r.ttl).Err()
}

func (r *RedisSnapshotStore) LoadMatches(ctx context.Context) ([]*models.TravelMatch, error) {
	var out []*models.TravelMatch
	err := r.scan(ctx, r.prefix+"match:*", func(b []byte) error {
		var m models.TravelMatch
		if err := json.Unmarshal(b, &m); err != nil {
			return err
		}
		out = append(out, &m)
		return nil
	})
	return out, err
}

func (r *RedisSnapshotStore) LoadTrips(ctx context.Context) ([]*models.Trip, error) {
	var out []*models.Trip
	err := r.scan(ctx, r.prefix+"trip:*", func(b []byte) error {
		var t models.Trip
		if err := json.Unmarshal(b, &t); err != nil {
			return err
		}
		out = append(out, &t)
		return nil
	})
	return out, err
}

func (r *RedisSnapshotStore) scan(ctx context.Context, pattern string, fn func([]byte) error) error {
	iter := r.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		b, err := r.client.Get(ctx, iter.Val()).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return err
		}
		if err := fn(b); err != nil {
			return fmt.Errorf("decode %s: %w", iter.Val(), err)
		}
	}
	return iter.Err()
}

func (r *RedisSnapshotStore) Close() error { return r.client.Close() }

// MemorySnapshotStore is the in-process SnapshotStore.
type MemorySnapshotStore struct {
	mu      sync.RWMutex
	matches map[string]*models.TravelMatch
	trips   map[string]*models.Trip
}

func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{matches: make(map[string]*models.TravelMatch), trips: make(map[string]*models.Trip)}
}

func (m *MemorySnapshotStore) SaveMatch(ctx context.Context, v *models.TravelMatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.matches[v.ID] = v.Clone()
	return nil
}

func (m *MemorySnapshotStore) SaveTrip(ctx context.Context, t *models.Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *t
	m.trips[t.ID] = &c
	return nil
}

func (m *MemorySnapshotStore) LoadMatches(ctx context.Context) ([]*models.TravelMatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.TravelMatch, 0, len(m.matches))
	for _, v := range m.matches {
		out = append(out, v.Clone())
	}
	return out, nil
}

func (m *MemorySnapshotStore) LoadTrips(ctx context.Context) ([]*models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Trip, 0, len(m.trips))
	for _, t := range m.trips {
		c := *t
		out = append(out, &c)
	}
	return out, nil
}
