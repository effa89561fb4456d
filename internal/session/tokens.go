package session

import "sync"

// TokenStore holds the session's bearer token. It is the api.TokenSource
// of the REST client, and listeners hear about login and logout.
type TokenStore struct {
	mu        sync.RWMutex
	token     string
	listeners []func(token string)
}

func NewTokenStore(initial string) *TokenStore {
	return &TokenStore{token: initial}
}

func (t *TokenStore) Token() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.token
}

// Set replaces the token and notifies listeners. An empty token logs out.
func (t *TokenStore) Set(token string) {
	t.mu.Lock()
	t.token = token
	ls := append([]func(string){}, t.listeners...)
	t.mu.Unlock()
	for _, fn := range ls {
		fn(token)
	}
}

func (t *TokenStore) OnChange(fn func(token string)) {
	t.mu.Lock()
	t.listeners = append(t.listeners, fn)
	t.mu.Unlock()
}
