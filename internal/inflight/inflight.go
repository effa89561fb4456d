// Package inflight rejects a second submission of a mutation while the
// first is still waiting for the server.
package inflight

import (
	"errors"
	"sync"
)

var ErrInFlight = errors.New("request already in flight")

type Guard struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func New() *Guard {
	return &Guard{keys: make(map[string]struct{})}
}

// Acquire marks key busy. The returned func clears it.
func (g *Guard) Acquire(key string) (func(), error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.keys[key]; busy {
		return nil, ErrInFlight
	}
	g.keys[key] = struct{}{}
	return func() {
		g.mu.Lock()
		delete(g.keys, key)
		g.mu.Unlock()
	}, nil
}

func (g *Guard) Busy(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.keys[key]
	return ok
}
