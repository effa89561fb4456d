// Package events moves observed status transitions off the hot path and
// into durable sinks (Kafka, the Postgres journal).
package events

import (
	"context"
	"log/slog"

	"github.com/example/flexpress-matching/internal/models"
)

// Writer persists or forwards one transition.
type Writer interface {
	Write(ctx context.Context, t models.Transition) error
}

// Fanout is a non-blocking TransitionSink that queues transitions and
// hands them to every Writer from a single goroutine.
type Fanout struct {
	queue   chan models.Transition
	writers []Writer
	logger  *slog.Logger
}

func NewFanout(size int, logger *slog.Logger, writers ...Writer) *Fanout {
	if size <= 0 {
		size = 256
	}
	return &Fanout{queue: make(chan models.Transition, size), writers: writers, logger: logger}
}

// Record enqueues t; when the queue is full the transition is dropped and
// logged rather than stalling the repository.
func (f *Fanout) Record(t models.Transition) {
	select {
	case f.queue <- t:
	default:
		f.logger.Warn("transition queue full, dropping", "entity", t.Entity, "id", t.ID, "to", t.To)
	}
}

// Run drains the queue until ctx is cancelled, then flushes what is left.
func (f *Fanout) Run(ctx context.Context) error {
	for {
		select {
		case t := <-f.queue:
			f.write(ctx, t)
		case <-ctx.Done():
			for {
				select {
				case t := <-f.queue:
					f.write(context.Background(), t)
				default:
					return nil
				}
			}
		}
	}
}

func (f *Fanout) write(ctx context.Context, t models.Transition) {
	for _, w := range f.writers {
		if err := w.Write(ctx, t); err != nil {
			f.logger.Error("transition write failed", "entity", t.Entity, "id", t.ID, "error", err)
		}
	}
}
