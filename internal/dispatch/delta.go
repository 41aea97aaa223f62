package dispatch

import "github.com/matheus3301/convo/internal/store"

// Delta is what changed in a conversation view since the previous delta.
type Delta struct {
	ConversationID string `json:"conversation_id"`
	// Initial marks the first delta of a view, carrying the full log.
	Initial bool `json:"initial,omitempty"`
	// Added holds newly seen messages in conversation order.
	Added []store.Message `json:"added,omitempty"`
	// Read holds ids of already rendered messages whose read flag was set.
	Read []int64 `json:"read,omitempty"`
	// Reconciled holds client ids of pending entries now confirmed by a
	// message in Added or rendered earlier.
	Reconciled []string `json:"reconciled,omitempty"`
	// Pending holds optimistic entries that are new or changed status.
	Pending []store.OutboxEntry `json:"pending,omitempty"`
	// Err is set once when the live channel is gone for good.
	Err error `json:"-"`
}

// Empty reports whether the delta carries nothing to render.
func (d Delta) Empty() bool {
	return !d.Initial && len(d.Added) == 0 && len(d.Read) == 0 && len(d.Reconciled) == 0 && len(d.Pending) == 0 && d.Err == nil
}

// Renderer draws deltas. Render calls for one view are sequential and in
// order; they run on the view's own goroutine.
type Renderer interface {
	Render(Delta)
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(Delta)

func (f RendererFunc) Render(d Delta) { f(d) }
