package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/matheus3301/convo/internal/bus"
	"github.com/matheus3301/convo/internal/identity"
	"github.com/matheus3301/convo/internal/metrics"
	"go.uber.org/zap"
)

// HealthFunc observes change feed health.
type HealthFunc func(up bool, err error)

// Log is the conversation store adapter: durable appends, read flags, and
// live subscriptions kept current across processes by a Feed.
type Log struct {
	db     *DB
	hub    *Hub
	feed   Feed
	bus    *bus.Bus
	logger *zap.Logger
	now    func() time.Time

	// MaxReconnectInterval caps the delay between feed reconnect attempts.
	MaxReconnectInterval time.Duration

	mu     sync.Mutex
	health HealthFunc
	cancel context.CancelFunc
	done   chan struct{}
}

// NewLog creates a log over db. A nil feed means LocalFeed.
func NewLog(db *DB, feed Feed, b *bus.Bus, logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	if feed == nil {
		feed = LocalFeed{}
	}
	return &Log{
		db:                   db,
		hub:                  NewHub(db.Messages, logger),
		feed:                 feed,
		bus:                  b,
		logger:               logger,
		now:                  time.Now,
		MaxReconnectInterval: 30 * time.Second,
	}
}

// DB returns the underlying database.
func (l *Log) DB() *DB { return l.db }

// SetHealthFunc registers fn to observe feed health changes.
func (l *Log) SetHealthFunc(fn HealthFunc) {
	l.mu.Lock()
	l.health = fn
	l.mu.Unlock()
}

func (l *Log) reportHealth(up bool, err error) {
	l.mu.Lock()
	fn := l.health
	l.mu.Unlock()
	if fn != nil {
		fn(up, err)
	}
}

// CreateConversation opens a conversation for initiator, or returns the one
// already attached to subject.
func (l *Log) CreateConversation(ctx context.Context, initiator identity.Identity, subject Subject) (*Conversation, error) {
	c, err := l.db.CreateConversation(ctx, initiator, subject, l.now())
	if err != nil {
		return nil, err
	}
	l.bus.Emit(bus.ConversationCreated, *c)
	return c, nil
}

// Archive closes a conversation to further appends.
func (l *Log) Archive(ctx context.Context, convID string) error {
	if err := l.db.ArchiveConversation(ctx, convID); err != nil {
		return err
	}
	l.bus.Emit(bus.ConversationArchived, convID)
	return nil
}

// Append durably appends d to the conversation and notifies every live
// subscription, the author's included. A retried append of a draft already
// stored returns the stored message without notifying again.
func (l *Log) Append(ctx context.Context, convID string, d Draft) (Message, error) {
	msg, created, err := l.db.AppendMessage(ctx, convID, d, l.now())
	switch {
	case errors.Is(err, ErrWriteRejected):
		metrics.RecordAppend("rejected")
		return Message{}, err
	case errors.Is(err, ErrClientIDConflict):
		metrics.RecordAppend("conflict")
		return Message{}, err
	case err != nil:
		metrics.RecordAppend("error")
		return Message{}, err
	case !created:
		metrics.RecordAppend("duplicate")
		return msg, nil
	}
	metrics.RecordAppend("ok")

	l.changed(ctx, convID)
	l.bus.Emit(bus.ConversationAppended, msg)
	return msg, nil
}

// MarkRead flips the read flag of a message. Marking an already read message
// changes nothing and notifies nobody.
func (l *Log) MarkRead(ctx context.Context, messageID int64) error {
	convID, changed, err := l.db.MarkRead(ctx, messageID)
	if err != nil || !changed {
		return err
	}
	l.changed(ctx, convID)
	l.bus.Emit(bus.MessageRead, messageID)
	return nil
}

func (l *Log) changed(ctx context.Context, convID string) {
	l.hub.Notify(convID)
	if err := l.feed.Publish(ctx, convID); err != nil {
		l.logger.Warn("change feed publish failed", zap.String("conversation_id", convID), zap.Error(err))
	}
}

// Messages returns the ordered log of a conversation.
func (l *Log) Messages(ctx context.Context, convID string) ([]Message, error) {
	return l.db.Messages(ctx, convID)
}

// Subscribe opens a live channel on convID. fn receives the full ordered
// message set now and after every change.
func (l *Log) Subscribe(ctx context.Context, convID string, fn SnapshotFunc) (*Subscription, error) {
	if _, err := l.db.GetConversation(ctx, convID); err != nil {
		return nil, err
	}
	return l.hub.Subscribe(convID, fn), nil
}

// Subscriptions returns the number of open live channels.
func (l *Log) Subscriptions() int { return l.hub.Len() }

// Start runs the change feed until Stop, reconnecting with backoff. Every
// drop closes live subscriptions with ErrChannelLost; every reconnect reloads
// the snapshots of those that are open.
func (l *Log) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	l.cancel = cancel
	l.done = make(chan struct{})
	done := l.done
	l.mu.Unlock()

	go func() {
		defer close(done)
		l.run(ctx)
	}()
}

// Stop ends the change feed and waits for it to exit.
func (l *Log) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (l *Log) run(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = l.MaxReconnectInterval
	b.MaxElapsedTime = 0
	if b.InitialInterval > b.MaxInterval {
		b.InitialInterval = b.MaxInterval
	}
	b.Reset()

	for {
		err := l.feed.Run(ctx, func() {
			b.Reset()
			l.hub.NotifyAll()
			l.reportHealth(true, nil)
			l.logger.Info("change feed ready")
		}, l.hub.Notify)
		if ctx.Err() != nil {
			return
		}

		wait := b.NextBackOff()
		l.logger.Warn("change feed lost", zap.Error(err), zap.Duration("retry_in", wait))
		l.hub.Fail(ErrChannelLost)
		l.reportHealth(false, err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}
