package model

import (
	"slices"
	"sync"

	"github.com/matheus3301/convo/internal/api"
	"github.com/matheus3301/convo/internal/store"
)

// Thread is the client-side copy of one live conversation view, rebuilt
// from watch frames.
type Thread struct {
	mu       sync.RWMutex
	convID   string
	messages []store.Message
	byID     map[int64]int
	pending  map[string]store.OutboxEntry
	order    []string
}

// NewThread creates an empty thread for convID.
func NewThread(convID string) *Thread {
	return &Thread{
		convID:  convID,
		byID:    make(map[int64]int),
		pending: make(map[string]store.OutboxEntry),
	}
}

// ConversationID returns the conversation the thread follows.
func (t *Thread) ConversationID() string { return t.convID }

// Apply folds one frame into the thread.
func (t *Thread) Apply(f api.WatchFrame) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if f.Initial {
		t.messages = t.messages[:0]
		clear(t.byID)
	}
	for _, m := range f.Added {
		if i, ok := t.byID[m.ID]; ok {
			t.messages[i] = m
			continue
		}
		t.byID[m.ID] = len(t.messages)
		t.messages = append(t.messages, m)
	}
	for _, id := range f.Read {
		if i, ok := t.byID[id]; ok {
			t.messages[i].Read = true
		}
	}
	for _, e := range f.Pending {
		if _, ok := t.pending[e.ClientID]; !ok {
			t.order = append(t.order, e.ClientID)
		}
		t.pending[e.ClientID] = e
	}
	for _, clientID := range f.Reconciled {
		t.dropPending(clientID)
	}
}

// Track shows e as pending until a frame reconciles it. Entries already
// confirmed by a message are ignored.
func (t *Thread) Track(e store.OutboxEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e.Status == store.OutboxSent {
		return
	}
	for _, m := range t.messages {
		if m.ClientID == e.ClientID {
			return
		}
	}
	if _, ok := t.pending[e.ClientID]; !ok {
		t.order = append(t.order, e.ClientID)
	}
	t.pending[e.ClientID] = e
}

func (t *Thread) dropPending(clientID string) {
	if _, ok := t.pending[clientID]; !ok {
		return
	}
	delete(t.pending, clientID)
	t.order = slices.DeleteFunc(t.order, func(id string) bool { return id == clientID })
}

// Messages returns the confirmed messages in conversation order.
func (t *Thread) Messages() []store.Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Clone(t.messages)
}

// Pending returns unconfirmed entries in the order they were first seen.
func (t *Thread) Pending() []store.OutboxEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]store.OutboxEntry, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.pending[id])
	}
	return out
}

// LastFailed returns the newest failed entry, if any.
func (t *Thread) LastFailed() (store.OutboxEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for i := len(t.order) - 1; i >= 0; i-- {
		if e := t.pending[t.order[i]]; e.Status == store.OutboxFailed {
			return e, true
		}
	}
	return store.OutboxEntry{}, false
}
