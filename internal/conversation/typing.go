package conversation

import (
	"sort"
	"sync"
	"time"

	"github.com/example/flexpress-matching/internal/clock"
)

// Typing tracks who is typing per conversation. Entries age out after ttl
// in case the stop event is lost.
type Typing struct {
	clk clock.Clock
	ttl time.Duration

	mu    sync.Mutex
	convs map[string]map[string]time.Time
}

func NewTyping(clk clock.Clock, ttl time.Duration) *Typing {
	return &Typing{clk: clk, ttl: ttl, convs: make(map[string]map[string]time.Time)}
}

func (t *Typing) Start(conversationID, userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	users := t.convs[conversationID]
	if users == nil {
		users = make(map[string]time.Time)
		t.convs[conversationID] = users
	}
	users[userID] = t.clk.Now()
}

// Stop clears a user. The stop event may omit the conversation, in which
// case the user is cleared everywhere.
func (t *Typing) Stop(conversationID, userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, users := range t.convs {
		if conversationID != "" && id != conversationID {
			continue
		}
		delete(users, userID)
		if len(users) == 0 {
			delete(t.convs, id)
		}
	}
}

// Who lists the users currently typing in a conversation.
func (t *Typing) Who(conversationID string) []string {
	now := t.clk.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for u, at := range t.convs[conversationID] {
		if now.Sub(at) < t.ttl {
			out = append(out, u)
		}
	}
	sort.Strings(out)
	return out
}
