// Package dispatch fans conversation snapshots out to open views as ordered
// deltas. Views of one conversation share a single store subscription.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/matheus3301/convo/internal/identity"
	"github.com/matheus3301/convo/internal/metrics"
	"github.com/matheus3301/convo/internal/store"
	"go.uber.org/zap"
)

// ErrViewClosed is returned for operations on a closed view.
var ErrViewClosed = errors.New("view closed")

// Source is the conversation log as seen by the dispatcher.
type Source interface {
	Subscribe(ctx context.Context, convID string, fn store.SnapshotFunc) (*store.Subscription, error)
	MarkRead(ctx context.Context, messageID int64) error
}

// Options tunes resubscription after a lost live channel.
type Options struct {
	ResubscribeRetries     uint64
	ResubscribeMaxInterval time.Duration
	MarkReadTimeout        time.Duration
}

func (o *Options) defaults() {
	if o.ResubscribeMaxInterval <= 0 {
		o.ResubscribeMaxInterval = 10 * time.Second
	}
	if o.MarkReadTimeout <= 0 {
		o.MarkReadTimeout = 5 * time.Second
	}
}

// Dispatcher owns the live subscriptions and the views attached to them.
type Dispatcher struct {
	src    Source
	opts   Options
	logger *zap.Logger

	mu     sync.Mutex
	nextID int
	convs  map[string]*channel
}

// channel is the shared subscription for one conversation.
type channel struct {
	convID string
	stop   chan struct{}

	mu    sync.Mutex
	sub   *store.Subscription
	views map[int]*View
	last  []store.Message
	have  bool
}

// New creates a Dispatcher reading from src.
func New(src Source, opts Options, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.defaults()
	return &Dispatcher{
		src:    src,
		opts:   opts,
		logger: logger,
		convs:  make(map[string]*channel),
	}
}

// Open attaches a view of convID for viewer. Its first delta carries the full
// log. The store subscription is created on the first view and reused by the
// rest.
func (d *Dispatcher) Open(ctx context.Context, convID string, viewer identity.Identity, r Renderer) (*View, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	v := newView(d.nextID, convID, viewer, r, d)

	ch, ok := d.convs[convID]
	if ok {
		// Hold the channel lock so a concurrent delivery cannot overtake the
		// cached snapshot on this view.
		ch.mu.Lock()
		ch.views[v.id] = v
		if ch.have {
			v.apply(ch.last)
		}
		ch.mu.Unlock()
		return v, nil
	}

	ch = &channel{
		convID: convID,
		stop:   make(chan struct{}),
		views:  map[int]*View{v.id: v},
	}
	sub, err := d.src.Subscribe(ctx, convID, ch.deliver)
	if err != nil {
		v.shutdown()
		return nil, fmt.Errorf("subscribe %s: %w", convID, err)
	}
	ch.mu.Lock()
	ch.sub = sub
	ch.mu.Unlock()
	d.convs[convID] = ch
	metrics.LiveSubscriptions.Inc()
	go d.watch(ch)

	d.logger.Debug("live channel opened", zap.String("conversation_id", convID))
	return v, nil
}

// Track shows an optimistic outbox entry on the author's open views of its
// conversation, or updates its status there.
func (d *Dispatcher) Track(e store.OutboxEntry) {
	d.mu.Lock()
	ch, ok := d.convs[e.ConversationID]
	d.mu.Unlock()
	if !ok {
		return
	}
	for _, v := range ch.snapshotViews() {
		if v.viewer.UserID == e.Sender.UserID {
			v.track(e)
		}
	}
}

// Channels returns the number of live store subscriptions.
func (d *Dispatcher) Channels() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.convs)
}

// Views returns the number of open views of convID.
func (d *Dispatcher) Views(convID string) int {
	d.mu.Lock()
	ch, ok := d.convs[convID]
	d.mu.Unlock()
	if !ok {
		return 0
	}
	return len(ch.snapshotViews())
}

// Close detaches every view and drops every subscription.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	convs := d.convs
	d.convs = make(map[string]*channel)
	d.mu.Unlock()

	for _, ch := range convs {
		for _, v := range ch.snapshotViews() {
			v.shutdown()
		}
		ch.close()
	}
}

func (d *Dispatcher) detach(v *View) {
	v.shutdown()

	d.mu.Lock()
	defer d.mu.Unlock()
	ch, ok := d.convs[v.convID]
	if !ok {
		return
	}
	ch.mu.Lock()
	delete(ch.views, v.id)
	empty := len(ch.views) == 0
	ch.mu.Unlock()
	if empty {
		delete(d.convs, v.convID)
		ch.close()
		d.logger.Debug("live channel closed", zap.String("conversation_id", v.convID))
	}
}

// watch resubscribes after the live channel is lost. When retries run out
// every view gets a final delta carrying the error and is closed.
func (d *Dispatcher) watch(ch *channel) {
	for {
		ch.mu.Lock()
		sub := ch.sub
		ch.mu.Unlock()

		select {
		case <-ch.stop:
			return
		case <-sub.Done():
		}
		lost := sub.Err()
		if lost == nil {
			return
		}
		d.logger.Warn("live channel lost, resubscribing",
			zap.String("conversation_id", ch.convID), zap.Error(lost))

		next, err := d.resubscribe(ch)
		if err != nil {
			select {
			case <-ch.stop:
				return
			default:
			}
			d.abandon(ch, lost)
			return
		}
		ch.mu.Lock()
		ch.sub = next
		ch.mu.Unlock()
		select {
		case <-ch.stop:
			next.Close()
			return
		default:
		}
	}
}

func (d *Dispatcher) resubscribe(ch *channel) (*store.Subscription, error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-ch.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = min(200*time.Millisecond, d.opts.ResubscribeMaxInterval)
	eb.MaxInterval = d.opts.ResubscribeMaxInterval
	eb.MaxElapsedTime = 0
	eb.Reset()
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, d.opts.ResubscribeRetries), ctx)

	var sub *store.Subscription
	err := backoff.RetryNotify(func() error {
		s, err := d.src.Subscribe(ctx, ch.convID, ch.deliver)
		if err != nil {
			if errors.Is(err, store.ErrConversationNotFound) {
				return backoff.Permanent(err)
			}
			return err
		}
		sub = s
		return nil
	}, policy, func(err error, wait time.Duration) {
		d.logger.Debug("resubscribe failed",
			zap.String("conversation_id", ch.convID), zap.Duration("retry_in", wait), zap.Error(err))
	})
	return sub, err
}

func (d *Dispatcher) abandon(ch *channel, cause error) {
	d.mu.Lock()
	if d.convs[ch.convID] == ch {
		delete(d.convs, ch.convID)
	}
	d.mu.Unlock()
	ch.close()

	d.logger.Error("live channel abandoned",
		zap.String("conversation_id", ch.convID), zap.Error(cause))
	for _, v := range ch.snapshotViews() {
		v.fail(cause)
	}
}

// deliver is the store callback; snapshots arrive in commit order.
func (ch *channel) deliver(msgs []store.Message) {
	ch.mu.Lock()
	ch.last, ch.have = msgs, true
	views := make([]*View, 0, len(ch.views))
	for _, v := range ch.views {
		views = append(views, v)
	}
	ch.mu.Unlock()
	for _, v := range views {
		v.apply(msgs)
	}
}

func (ch *channel) snapshotViews() []*View {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	out := make([]*View, 0, len(ch.views))
	for _, v := range ch.views {
		out = append(out, v)
	}
	return out
}

func (ch *channel) close() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	select {
	case <-ch.stop:
		return
	default:
	}
	close(ch.stop)
	if ch.sub != nil {
		ch.sub.Close()
	}
	metrics.LiveSubscriptions.Dec()
}
