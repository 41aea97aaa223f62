package store

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Feed carries change notifications between processes sharing one database.
// Run blocks while the feed is healthy: it calls ready once connected and
// notify for every conversation changed elsewhere. It returns when the
// connection drops or ctx is done.
type Feed interface {
	Publish(ctx context.Context, convID string) error
	Run(ctx context.Context, ready func(), notify func(convID string)) error
}

// LocalFeed is the feed of a single process. Publishing is a no-op because
// the hub already notifies local subscribers.
type LocalFeed struct{}

func (LocalFeed) Publish(context.Context, string) error { return nil }

func (LocalFeed) Run(ctx context.Context, ready func(), _ func(string)) error {
	ready()
	<-ctx.Done()
	return ctx.Err()
}

// RedisFeed fans out change notifications over Redis pub/sub.
type RedisFeed struct {
	client  redis.UniversalClient
	channel string
}

// NewRedisFeed creates a feed publishing conversation ids on channel.
func NewRedisFeed(client redis.UniversalClient, channel string) *RedisFeed {
	return &RedisFeed{client: client, channel: channel}
}

// Publish announces that convID changed.
func (f *RedisFeed) Publish(ctx context.Context, convID string) error {
	if err := f.client.Publish(ctx, f.channel, convID).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Run subscribes to the channel until the connection drops. Messages missed
// while disconnected are recovered by the caller reloading every snapshot on
// the next ready.
func (f *RedisFeed) Run(ctx context.Context, ready func(), notify func(string)) error {
	ps := f.client.Subscribe(ctx, f.channel)
	defer func() { _ = ps.Close() }()

	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}
	ready()

	for {
		msg, err := ps.ReceiveMessage(ctx)
		if err != nil {
			return fmt.Errorf("redis receive: %w", err)
		}
		notify(msg.Payload)
	}
}
