package bus

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/matheus3301/convo/internal/metrics"
)

// Bus is an in-process publish/subscribe event bus with prefix filtering.
// Delivery is best effort: a subscriber whose buffer is full misses the event.
// Components that must not lose changes (live conversation views) subscribe to
// the store directly instead.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]*subscription
	next    int
	dropped atomic.Int64
}

type subscription struct {
	namespace string
	ch        chan Event
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*subscription),
	}
}

// Publish sends evt to every subscriber whose namespace is a prefix of evt.Kind.
// A nil bus discards the event.
func (b *Bus) Publish(evt Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !strings.HasPrefix(evt.Kind, sub.namespace) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			b.dropped.Add(1)
			metrics.BusDroppedTotal.WithLabelValues(evt.Kind).Inc()
		}
	}
}

// Emit is shorthand for Publish(NewEvent(kind, payload)).
func (b *Bus) Emit(kind string, payload any) {
	b.Publish(NewEvent(kind, payload))
}

// Subscribe returns a channel receiving events whose kind starts with namespace,
// and a function that removes the subscription. The channel is never closed.
func (b *Bus) Subscribe(namespace string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscription{namespace: namespace, ch: ch}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Dropped returns how many deliveries were skipped because of full buffers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}
