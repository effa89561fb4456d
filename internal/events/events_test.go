package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/flexpress-matching/internal/logging"
	"github.com/example/flexpress-matching/internal/models"
)

type memWriter struct {
	mu  sync.Mutex
	got []models.Transition
	err error
}

func (m *memWriter) Write(ctx context.Context, t models.Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.got = append(m.got, t)
	return m.err
}

func (m *memWriter) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.got)
}

func TestFanoutDeliversToEveryWriter(t *testing.T) {
	a, b := &memWriter{}, &memWriter{err: errors.New("down")}
	f := NewFanout(4, logging.Nop(), a, b)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { f.Run(ctx); close(done) }()

	f.Record(models.Transition{Entity: "match", ID: "m1", From: "PENDING", To: "ACCEPTED"})
	deadline := time.Now().Add(time.Second)
	for a.len() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
	if a.len() != 1 || b.len() != 1 {
		t.Fatalf("expected both writers to see the transition: a=%d b=%d", a.len(), b.len())
	}
}

func TestFanoutDropsWhenFull(t *testing.T) {
	w := &memWriter{}
	f := NewFanout(1, logging.Nop(), w)
	f.Record(models.Transition{ID: "1"})
	f.Record(models.Transition{ID: "2"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f.Run(ctx)
	if w.len() != 1 {
		t.Fatalf("expected one queued transition to flush, got %d", w.len())
	}
}

func TestDecodeTransition(t *testing.T) {
	if _, err := DecodeTransition([]byte(`{"entity":"match","id":"m1"}`)); err == nil {
		t.Fatalf("expected missing field error")
	}
	tr, err := DecodeTransition([]byte(`{"entity":"trip","id":"t1","from":"pending","to":"charter_completed","expected":true}`))
	if err != nil || tr.To != "charter_completed" || tr.ObservedAt.IsZero() {
		t.Fatalf("got %+v err=%v", tr, err)
	}
}
