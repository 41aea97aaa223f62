package engine

import (
	"context"
	"sync"

	"github.com/matheus3301/convo/internal/attachment"
	"github.com/matheus3301/convo/internal/dispatch"
	"github.com/matheus3301/convo/internal/identity"
	"github.com/matheus3301/convo/internal/store"
	"github.com/matheus3301/convo/internal/voice"
)

// View is an open conversation for one identity.
type View struct {
	engine *Engine
	who    identity.Identity
	conv   *store.Conversation
	live   *dispatch.View

	mu       sync.Mutex
	recorder *voice.Recorder
}

// Conversation returns the conversation as it was when the view opened.
func (v *View) Conversation() *store.Conversation { return v.conv }

// Viewer returns the identity the view belongs to.
func (v *View) Viewer() identity.Identity { return v.who }

// Messages returns the messages rendered so far.
func (v *View) Messages() []store.Message { return v.live.Messages() }

// Done is closed when the view closes, including after the live channel is
// abandoned.
func (v *View) Done() <-chan struct{} { return v.live.Done() }

// Focus marks the view as visible; unread messages from the other side are
// marked read.
func (v *View) Focus() { v.live.Focus() }

// Blur marks the view as hidden.
func (v *View) Blur() { v.live.Blur() }

// Send queues a text message. It shows as pending until the store confirms it.
func (v *View) Send(ctx context.Context, text string) (store.OutboxEntry, error) {
	return v.engine.Send(ctx, v.who, v.conv.ID, text, "")
}

// SendFile uploads and sends a file with an optional caption.
func (v *View) SendFile(ctx context.Context, kind store.Kind, f attachment.File, caption string, onProgress attachment.ProgressFunc) (store.OutboxEntry, error) {
	return v.engine.SendFile(ctx, v.who, v.conv.ID, kind, f, caption, onProgress)
}

// Retry resubmits a failed entry.
func (v *View) Retry(ctx context.Context, clientID string) (store.OutboxEntry, error) {
	return v.engine.Retry(ctx, v.who, clientID)
}

// Recorder returns the view's voice recorder. A stopped recording is
// uploaded and sent as a voice note.
func (v *View) Recorder() *voice.Recorder {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.recorder == nil {
		mic := v.engine.mic
		if mic == nil {
			mic = voice.NewDeviceMicrophone()
		}
		v.recorder = voice.NewRecorder(v.conv.ID, mic, v.engine.voiceOpts, v.sendVoiceNote, v.engine.bus, v.engine.logger)
	}
	return v.recorder
}

func (v *View) sendVoiceNote(ctx context.Context, clip voice.Clip) error {
	_, err := v.engine.SendFile(ctx, v.who, v.conv.ID, store.KindVoiceNote, clip.File(), "", nil)
	return err
}

// Close cancels a recording in progress and detaches the view.
func (v *View) Close() {
	v.mu.Lock()
	rec := v.recorder
	v.mu.Unlock()
	if rec != nil {
		rec.Cancel()
	}
	v.live.Close()
}
