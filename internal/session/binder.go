package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/flexpress-matching/internal/conversation"
	"github.com/example/flexpress-matching/internal/models"
	"github.com/example/flexpress-matching/internal/notifier"
	"github.com/example/flexpress-matching/internal/repository"
)

// binder applies realtime events to the repository. A match update is only
// a signal: the match and loaded lists are refetched, the pushed status is
// never written.
type binder struct {
	repo    *repository.Repository
	typing  *conversation.Typing
	logger  *slog.Logger
	timeout time.Duration
}

func (b *binder) OnMatchUpdated(ev notifier.MatchUpdated) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
		defer cancel()
		if err := b.repo.InvalidateMatch(ctx, ev.MatchID); err != nil {
			b.logger.Warn("invalidation refetch failed", "match_id", ev.MatchID, "pushed_status", ev.Status, "error", err)
		}
	}()
}

func (b *binder) OnNewMessage(msg models.Message) {
	if !b.repo.AppendMessage(msg) {
		b.logger.Debug("duplicate message ignored", "message_id", msg.ID, "conversation_id", msg.ConversationID)
	}
	b.typing.Stop(msg.ConversationID, msg.SenderID)
}

func (b *binder) OnTyping(ev notifier.Typing) {
	b.typing.Start(ev.ConversationID, ev.UserID)
}

func (b *binder) OnStopTyping(ev notifier.Typing) {
	b.typing.Stop(ev.ConversationID, ev.UserID)
}
