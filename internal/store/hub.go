package store

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// SnapshotFunc receives the full ordered message set of a conversation.
// Snapshots are shared between subscribers and must not be modified.
type SnapshotFunc func(msgs []Message)

type loadFunc func(ctx context.Context, convID string) ([]Message, error)

// Hub fans out conversation changes to live subscriptions. Each subscription
// owns a goroutine and a one-slot wake channel, so bursts of changes coalesce
// into one snapshot and a slow subscriber never blocks writers or other
// subscribers. Snapshots always come from the database, which gives every
// subscriber the same total order.
type Hub struct {
	load   loadFunc
	logger *zap.Logger

	mu     sync.Mutex
	topics map[string]*topic
	nextID int

	// Loads are shared by key conversation@version, so a subscriber woken
	// after a commit never joins a load that started before it.
	group singleflight.Group
}

type topic struct {
	version uint64
	subs    map[int]*Subscription
}

// NewHub creates a hub that reads snapshots with load.
func NewHub(load loadFunc, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		load:   load,
		logger: logger,
		topics: make(map[string]*topic),
	}
}

// Subscription is a live channel on one conversation.
type Subscription struct {
	hub    *Hub
	id     int
	convID string
	fn     SnapshotFunc
	wake   chan struct{}
	done   chan struct{}

	once sync.Once
	mu   sync.Mutex
	err  error
}

// Subscribe registers fn for convID. The current snapshot is delivered
// immediately and again after every change.
func (h *Hub) Subscribe(convID string, fn SnapshotFunc) *Subscription {
	s := &Subscription{
		hub:    h,
		convID: convID,
		fn:     fn,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	s.wake <- struct{}{}

	h.mu.Lock()
	t, ok := h.topics[convID]
	if !ok {
		t = &topic{subs: make(map[int]*Subscription)}
		h.topics[convID] = t
	}
	s.id = h.nextID
	h.nextID++
	t.subs[s.id] = s
	h.mu.Unlock()

	go s.run()
	return s
}

// Notify wakes every subscription on convID.
func (h *Hub) Notify(convID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.topics[convID]; ok {
		t.notify()
	}
}

// NotifyAll wakes every subscription.
func (h *Hub) NotifyAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, t := range h.topics {
		t.notify()
	}
}

func (t *topic) notify() {
	t.version++
	for _, s := range t.subs {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
}

// Fail closes every subscription with err.
func (h *Hub) Fail(err error) {
	h.mu.Lock()
	var all []*Subscription
	for _, t := range h.topics {
		for _, s := range t.subs {
			all = append(all, s)
		}
	}
	h.mu.Unlock()

	for _, s := range all {
		s.close(err)
	}
}

// Len returns the number of open subscriptions.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, t := range h.topics {
		n += len(t.subs)
	}
	return n
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.topics[s.convID]
	if !ok {
		return
	}
	delete(t.subs, s.id)
	if len(t.subs) == 0 {
		delete(h.topics, s.convID)
	}
}

func (h *Hub) version(convID string) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.topics[convID]; ok {
		return t.version
	}
	return 0
}

func (h *Hub) snapshot(convID string) ([]Message, error) {
	key := convID + "@" + strconv.FormatUint(h.version(convID), 10)
	v, err, _ := h.group.Do(key, func() (any, error) {
		return h.load(context.Background(), convID)
	})
	if err != nil {
		return nil, err
	}
	return v.([]Message), nil
}

func (s *Subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		msgs, err := s.hub.snapshot(s.convID)
		if err != nil {
			s.hub.logger.Warn("snapshot load failed", zap.String("conversation_id", s.convID), zap.Error(err))
			s.close(fmt.Errorf("%w: %v", ErrChannelLost, err))
			return
		}

		select {
		case <-s.done:
			return
		default:
		}
		s.fn(msgs)
	}
}

// ConversationID returns the subscribed conversation.
func (s *Subscription) ConversationID() string { return s.convID }

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err returns why the subscription ended: nil after Close, ErrChannelLost
// when the live channel dropped.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops delivery. A snapshot callback already running completes.
func (s *Subscription) Close() {
	s.close(nil)
}

func (s *Subscription) close(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		s.hub.remove(s)
		close(s.done)
	})
}
