package model

import (
	"context"
	"sync"

	"github.com/matheus3301/convo/internal/api"
	"github.com/matheus3301/convo/internal/store"
)

// ViewModel caches daemon state for the views.
type ViewModel struct {
	mu sync.RWMutex

	client        *api.Client
	status        *api.StatusReply
	conversations []store.Conversation
	thread        *Thread
	Flash         Flash
}

// NewViewModel creates a view model connected to the daemon client.
func NewViewModel(c *api.Client) *ViewModel {
	return &ViewModel{client: c}
}

// LoadStatus fetches the daemon status.
func (vm *ViewModel) LoadStatus(ctx context.Context) error {
	st, err := vm.client.Status(ctx)
	if err != nil {
		return err
	}
	vm.mu.Lock()
	vm.status = &st
	vm.mu.Unlock()
	return nil
}

// LoadConversations fetches the conversation list.
func (vm *ViewModel) LoadConversations(ctx context.Context, includeArchived bool) error {
	resp, err := vm.client.ListConversations(ctx, api.ListRequest{IncludeArchived: includeArchived, Limit: 200})
	if err != nil {
		return err
	}
	vm.mu.Lock()
	vm.conversations = resp.Conversations
	vm.mu.Unlock()
	return nil
}

// Status returns the last fetched status, or nil.
func (vm *ViewModel) Status() *api.StatusReply {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.status
}

// Conversations returns the last fetched list.
func (vm *ViewModel) Conversations() []store.Conversation {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.conversations
}

// Conversation looks up a listed conversation by id.
func (vm *ViewModel) Conversation(id string) (store.Conversation, bool) {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	for _, c := range vm.conversations {
		if c.ID == id {
			return c, true
		}
	}
	return store.Conversation{}, false
}

// Open replaces the active thread and returns it.
func (vm *ViewModel) Open(convID string) *Thread {
	t := NewThread(convID)
	vm.mu.Lock()
	vm.thread = t
	vm.mu.Unlock()
	return t
}

// Thread returns the active thread, or nil.
func (vm *ViewModel) Thread() *Thread {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.thread
}

// CloseThread forgets the active thread.
func (vm *ViewModel) CloseThread() {
	vm.mu.Lock()
	vm.thread = nil
	vm.mu.Unlock()
}
