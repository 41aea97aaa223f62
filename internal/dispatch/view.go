package dispatch

import (
	"context"
	"sync"

	"github.com/matheus3301/convo/internal/identity"
	"github.com/matheus3301/convo/internal/metrics"
	"github.com/matheus3301/convo/internal/store"
	"go.uber.org/zap"
)

// View is one open conversation view. It keeps what it has rendered so every
// snapshot turns into the smallest delta, and redelivered messages render
// nothing.
type View struct {
	id       int
	convID   string
	viewer   identity.Identity
	renderer Renderer
	d        *Dispatcher

	mu       sync.Mutex
	read     map[int64]bool   // rendered message id -> read flag
	clients  map[string]int64 // rendered client id -> message id
	pending  map[string]store.OutboxEntry
	marking  map[int64]bool
	last     []store.Message
	focused  bool
	loaded   bool
	closed   bool
	queue    []Delta
	wake     chan struct{}
	done     chan struct{}
	doneOnce sync.Once
}

func newView(id int, convID string, viewer identity.Identity, r Renderer, d *Dispatcher) *View {
	v := &View{
		id:       id,
		convID:   convID,
		viewer:   viewer,
		renderer: r,
		d:        d,
		read:     make(map[int64]bool),
		clients:  make(map[string]int64),
		pending:  make(map[string]store.OutboxEntry),
		marking:  make(map[int64]bool),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go v.renderLoop()
	return v
}

// ConversationID returns the conversation shown by the view.
func (v *View) ConversationID() string { return v.convID }

// Viewer returns the identity the view renders for.
func (v *View) Viewer() identity.Identity { return v.viewer }

// Done is closed when the view closes.
func (v *View) Done() <-chan struct{} { return v.done }

// Messages returns the messages rendered so far, in order.
func (v *View) Messages() []store.Message {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]store.Message(nil), v.last...)
}

// PendingEntries returns optimistic entries not yet confirmed.
func (v *View) PendingEntries() []store.OutboxEntry {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]store.OutboxEntry, 0, len(v.pending))
	for _, e := range v.pending {
		out = append(out, e)
	}
	return out
}

// Focus marks the view as in front of the user. While focused, unread
// messages from the other role are marked read as soon as the newest one is.
func (v *View) Focus() {
	v.mu.Lock()
	v.focused = true
	ids := v.toMarkLocked()
	v.mu.Unlock()
	v.markRead(ids)
}

// Blur marks the view as not in front of the user.
func (v *View) Blur() {
	v.mu.Lock()
	v.focused = false
	v.mu.Unlock()
}

// Close detaches the view. No delta is rendered after Close returns, except
// one whose Render call had already started.
func (v *View) Close() {
	v.d.detach(v)
}

// apply diffs a snapshot against what the view has rendered.
func (v *View) apply(msgs []store.Message) {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	delta := Delta{ConversationID: v.convID, Initial: !v.loaded}
	v.loaded = true
	for _, m := range msgs {
		read, seen := v.read[m.ID]
		switch {
		case !seen:
			v.read[m.ID] = m.Read
			v.clients[m.ClientID] = m.ID
			delta.Added = append(delta.Added, m)
			if _, ok := v.pending[m.ClientID]; ok {
				delete(v.pending, m.ClientID)
				delta.Reconciled = append(delta.Reconciled, m.ClientID)
			}
		case m.Read && !read:
			v.read[m.ID] = true
			delta.Read = append(delta.Read, m.ID)
		}
	}
	v.last = msgs
	v.enqueueLocked(delta)
	ids := v.toMarkLocked()
	v.mu.Unlock()
	v.markRead(ids)
}

// track shows or updates an optimistic entry authored by the viewer.
func (v *View) track(e store.OutboxEntry) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}
	if _, done := v.clients[e.ClientID]; done {
		return
	}
	if e.Status == store.OutboxSent {
		// Confirmed; the authoritative message arrives with the next snapshot.
		return
	}
	if prev, ok := v.pending[e.ClientID]; ok && prev.Status == e.Status && prev.LastError == e.LastError {
		return
	}
	v.pending[e.ClientID] = e
	v.enqueueLocked(Delta{ConversationID: v.convID, Pending: []store.OutboxEntry{e}})
}

// toMarkLocked returns unread messages from the other role when the view is
// focused and the newest message is one of them.
func (v *View) toMarkLocked() []int64 {
	if !v.focused || len(v.last) == 0 {
		return nil
	}
	other := v.viewer.Role.Opposite()
	newest := v.last[len(v.last)-1]
	if newest.SenderRole != other || v.read[newest.ID] {
		return nil
	}
	var ids []int64
	for _, m := range v.last {
		if m.SenderRole == other && !v.read[m.ID] && !v.marking[m.ID] {
			v.marking[m.ID] = true
			ids = append(ids, m.ID)
		}
	}
	return ids
}

func (v *View) markRead(ids []int64) {
	if len(ids) == 0 {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), v.d.opts.MarkReadTimeout)
		defer cancel()
		for _, id := range ids {
			if err := v.d.src.MarkRead(ctx, id); err != nil {
				v.d.logger.Warn("mark read failed", zap.Int64("message_id", id), zap.Error(err))
				v.mu.Lock()
				delete(v.marking, id)
				v.mu.Unlock()
			}
		}
	}()
}

func (v *View) enqueueLocked(d Delta) {
	if d.Empty() {
		return
	}
	v.queue = append(v.queue, d)
	select {
	case v.wake <- struct{}{}:
	default:
	}
}

func (v *View) fail(err error) {
	v.mu.Lock()
	if !v.closed {
		v.enqueueLocked(Delta{ConversationID: v.convID, Err: err})
	}
	v.mu.Unlock()
}

func (v *View) renderLoop() {
	for {
		select {
		case <-v.done:
			return
		case <-v.wake:
		}
		for {
			v.mu.Lock()
			if v.closed || len(v.queue) == 0 {
				v.mu.Unlock()
				break
			}
			d := v.queue[0]
			v.queue = v.queue[1:]
			v.mu.Unlock()

			v.renderer.Render(d)
			metrics.DeltasTotal.Inc()
			if d.Err != nil {
				v.Close()
				return
			}
		}
	}
}

func (v *View) shutdown() {
	v.mu.Lock()
	v.closed = true
	v.queue = nil
	v.mu.Unlock()
	v.doneOnce.Do(func() { close(v.done) })
}
