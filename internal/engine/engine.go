// Package engine is the single entry point for conversations. Support, RFQ,
// partnership and order threads are configurations of the same engine; each
// open view owns its live subscription share and its voice recorder.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/matheus3301/convo/internal/attachment"
	"github.com/matheus3301/convo/internal/bus"
	"github.com/matheus3301/convo/internal/dispatch"
	"github.com/matheus3301/convo/internal/identity"
	"github.com/matheus3301/convo/internal/outbox"
	"github.com/matheus3301/convo/internal/store"
	"github.com/matheus3301/convo/internal/voice"
	"go.uber.org/zap"
)

// ErrNotParticipant means the identity is not a participant of the
// conversation it asked for.
var ErrNotParticipant = errors.New("not a participant")

// Engine wires the store, live dispatch, send queue, attachments and voice
// capture together for one process.
type Engine struct {
	log        *store.Log
	dispatcher *dispatch.Dispatcher
	sender     *outbox.Sender
	pipeline   *attachment.Pipeline
	mic        voice.Microphone
	voiceOpts  voice.Options
	bus        *bus.Bus
	logger     *zap.Logger
}

// New creates an engine. A nil mic means the system microphone.
func New(log *store.Log, d *dispatch.Dispatcher, sender *outbox.Sender, pipeline *attachment.Pipeline,
	mic voice.Microphone, voiceOpts voice.Options, b *bus.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		log:        log,
		dispatcher: d,
		sender:     sender,
		pipeline:   pipeline,
		mic:        mic,
		voiceOpts:  voiceOpts,
		bus:        b,
		logger:     logger,
	}
}

// Pipeline returns the attachment pipeline.
func (e *Engine) Pipeline() *attachment.Pipeline { return e.pipeline }

// Conversation returns the conversation of thread t, creating it when an
// initiator asks first. Staff cannot create threads.
func (e *Engine) Conversation(ctx context.Context, who identity.Identity, t Thread) (*store.Conversation, error) {
	if err := who.Validate(); err != nil {
		return nil, err
	}
	if t.Subject.IsZero() {
		return nil, fmt.Errorf("thread without subject")
	}
	if t.Subject.Kind == store.SubjectSupport && who.Role == identity.Initiator && who.UserID != t.Subject.ID {
		return nil, fmt.Errorf("%w: support thread of %s", ErrNotParticipant, t.Subject.ID)
	}

	var (
		conv *store.Conversation
		err  error
	)
	if who.Role == identity.Initiator {
		conv, err = e.log.CreateConversation(ctx, who, t.Subject)
	} else {
		conv, err = e.log.DB().ConversationBySubject(ctx, t.Subject)
	}
	if err != nil {
		return nil, err
	}
	if !conv.Admits(who) {
		return nil, fmt.Errorf("%w: %s", ErrNotParticipant, conv.ID)
	}
	return conv, nil
}

// Create starts a conversation for an initiator. A zero subject creates a
// free-standing conversation.
func (e *Engine) Create(ctx context.Context, who identity.Identity, subject store.Subject) (*store.Conversation, error) {
	if !subject.IsZero() {
		return e.Conversation(ctx, who, Thread{Subject: subject})
	}
	return e.log.CreateConversation(ctx, who, subject)
}

// Get returns a conversation the identity participates in.
func (e *Engine) Get(ctx context.Context, who identity.Identity, convID string) (*store.Conversation, error) {
	conv, err := e.log.DB().GetConversation(ctx, convID)
	if err != nil {
		return nil, err
	}
	if !conv.Admits(who) {
		return nil, fmt.Errorf("%w: %s", ErrNotParticipant, convID)
	}
	return conv, nil
}

// List returns the identity's conversations, most recently active first.
func (e *Engine) List(ctx context.Context, who identity.Identity, includeArchived bool, limit, offset int) ([]store.Conversation, error) {
	return e.log.DB().ListConversations(ctx, store.ListFilter{
		Viewer:          who,
		IncludeArchived: includeArchived,
		Limit:           limit,
		Offset:          offset,
	})
}

// Archive closes a conversation to further appends.
func (e *Engine) Archive(ctx context.Context, who identity.Identity, convID string) error {
	if _, err := e.Get(ctx, who, convID); err != nil {
		return err
	}
	return e.log.Archive(ctx, convID)
}

// Messages returns the ordered log of a conversation.
func (e *Engine) Messages(ctx context.Context, who identity.Identity, convID string) ([]store.Message, error) {
	if _, err := e.Get(ctx, who, convID); err != nil {
		return nil, err
	}
	return e.log.Messages(ctx, convID)
}

// Undelivered returns the identity's entries of a conversation that were not
// sent yet.
func (e *Engine) Undelivered(ctx context.Context, who identity.Identity, convID string) ([]store.OutboxEntry, error) {
	all, err := e.log.DB().UndeliveredOutbox(ctx, convID)
	if err != nil {
		return nil, err
	}
	var mine []store.OutboxEntry
	for _, entry := range all {
		if entry.Sender.UserID == who.UserID {
			mine = append(mine, entry)
		}
	}
	return mine, nil
}

// Send queues a text message.
func (e *Engine) Send(ctx context.Context, who identity.Identity, convID, text, clientID string) (store.OutboxEntry, error) {
	if _, err := e.Get(ctx, who, convID); err != nil {
		return store.OutboxEntry{}, err
	}
	return e.sender.Send(ctx, who, convID, outbox.Input{Text: text, ClientID: clientID})
}

// SendFile uploads f and queues it as a message of kind with an optional
// caption. Cancelling ctx before the upload completes cancels the upload and
// sends nothing.
func (e *Engine) SendFile(ctx context.Context, who identity.Identity, convID string, kind store.Kind, f attachment.File,
	caption string, onProgress attachment.ProgressFunc) (store.OutboxEntry, error) {
	if _, err := e.Get(ctx, who, convID); err != nil {
		return store.OutboxEntry{}, err
	}
	u, err := e.pipeline.Start(ctx, kind, f, onProgress)
	if err != nil {
		return store.OutboxEntry{}, err
	}
	defer e.pipeline.Release(u)

	if _, err := u.Wait(ctx); err != nil {
		u.Cancel()
		return store.OutboxEntry{}, err
	}
	return e.sender.Send(ctx, who, convID, outbox.Input{Text: caption, Attachment: u})
}

// Retry resubmits one of the identity's failed entries.
func (e *Engine) Retry(ctx context.Context, who identity.Identity, clientID string) (store.OutboxEntry, error) {
	entry, err := e.log.DB().OutboxEntry(ctx, clientID)
	if err != nil {
		return store.OutboxEntry{}, err
	}
	if entry.Sender.UserID != who.UserID {
		return store.OutboxEntry{}, fmt.Errorf("%w: entry %s", ErrNotParticipant, clientID)
	}
	return e.sender.Retry(ctx, clientID)
}

// Await blocks until a queued entry is sent or has failed.
func (e *Engine) Await(ctx context.Context, clientID string) (store.OutboxEntry, error) {
	return e.sender.Await(ctx, clientID)
}

// MarkRead flips the read flag of a message from the other role. Marking
// one's own role's message is a no-op.
func (e *Engine) MarkRead(ctx context.Context, who identity.Identity, messageID int64) error {
	msg, err := e.log.DB().GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if _, err := e.Get(ctx, who, msg.ConversationID); err != nil {
		return err
	}
	if msg.SenderRole == who.Role {
		return nil
	}
	return e.log.MarkRead(ctx, messageID)
}

// Open opens a live view of thread t for who, creating the conversation
// when an initiator opens it first.
func (e *Engine) Open(ctx context.Context, who identity.Identity, t Thread, r dispatch.Renderer) (*View, error) {
	conv, err := e.Conversation(ctx, who, t)
	if err != nil {
		return nil, err
	}
	return e.open(ctx, who, conv, r)
}

// OpenConversation opens a live view of an existing conversation.
func (e *Engine) OpenConversation(ctx context.Context, who identity.Identity, convID string, r dispatch.Renderer) (*View, error) {
	conv, err := e.Get(ctx, who, convID)
	if err != nil {
		return nil, err
	}
	return e.open(ctx, who, conv, r)
}

func (e *Engine) open(ctx context.Context, who identity.Identity, conv *store.Conversation, r dispatch.Renderer) (*View, error) {
	live, err := e.dispatcher.Open(ctx, conv.ID, who, r)
	if err != nil {
		return nil, err
	}
	v := &View{engine: e, who: who, conv: conv, live: live}

	// Entries still in the journal show as pending, failed ones with a retry.
	pending, err := e.Undelivered(ctx, who, conv.ID)
	if err != nil {
		e.logger.Warn("load undelivered entries", zap.String("conversation_id", conv.ID), zap.Error(err))
	}
	for _, entry := range pending {
		e.dispatcher.Track(entry)
	}

	e.logger.Debug("view opened",
		zap.String("conversation_id", conv.ID),
		zap.String("user_id", who.UserID),
		zap.String("role", string(who.Role)))
	return v, nil
}
