// Package outbox delivers messages through a durable journal. Every send is
// journaled before the first append attempt, so a crash or restart resumes
// it, and the client id makes repeated attempts land at most once.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/matheus3301/convo/internal/attachment"
	"github.com/matheus3301/convo/internal/bus"
	"github.com/matheus3301/convo/internal/identity"
	"github.com/matheus3301/convo/internal/metrics"
	"github.com/matheus3301/convo/internal/store"
	"go.uber.org/zap"
)

var (
	// ErrEmptyMessage means the input has neither text nor an attachment.
	ErrEmptyMessage = errors.New("empty message")
	// ErrAttachmentNotReady means the attachment upload has not completed.
	ErrAttachmentNotReady = errors.New("attachment not ready")
)

// Appender appends drafts to the conversation log.
type Appender interface {
	Append(ctx context.Context, convID string, d store.Draft) (store.Message, error)
}

// Tracker shows optimistic entries on open views.
type Tracker interface {
	Track(e store.OutboxEntry)
}

// Input is what a participant submits.
type Input struct {
	Text string
	// Attachment must be complete. Its kind becomes the message kind.
	Attachment *attachment.Upload
	// ClientID is generated when empty. Passing the same id again never
	// produces a second message.
	ClientID string
}

// Options configures delivery retries.
type Options struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// Timeout bounds a single append attempt.
	Timeout time.Duration
}

func (o *Options) defaults() {
	if o.InitialInterval <= 0 {
		o.InitialInterval = 250 * time.Millisecond
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = 5 * time.Second
	}
	if o.InitialInterval > o.MaxInterval {
		o.InitialInterval = o.MaxInterval
	}
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
}

// Sender drains the outbox journal into the conversation log. Entries of one
// conversation are delivered one at a time, in the order they were queued.
type Sender struct {
	db      *store.DB
	log     Appender
	tracker Tracker
	opts    Options
	bus     *bus.Bus
	logger  *zap.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	queues  map[string][]string
	running map[string]bool
	waiters map[string][]chan store.OutboxEntry
}

// NewSender creates a sender. tracker may be nil.
func NewSender(db *store.DB, log Appender, tracker Tracker, opts Options, b *bus.Bus, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.defaults()
	return &Sender{
		db:      db,
		log:     log,
		tracker: tracker,
		opts:    opts,
		bus:     b,
		logger:  logger,
		queues:  make(map[string][]string),
		running: make(map[string]bool),
		waiters: make(map[string][]chan store.OutboxEntry),
	}
}

// Start resumes entries left queued or sending by a previous run and begins
// accepting sends.
func (s *Sender) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	pending, err := s.db.PendingOutbox(ctx)
	if err != nil {
		return fmt.Errorf("recover outbox: %w", err)
	}
	for _, e := range pending {
		s.enqueue(e.ConversationID, e.ClientID)
	}
	if len(pending) > 0 {
		s.logger.Info("resuming outbox", zap.Int("entries", len(pending)))
	}
	return nil
}

// Stop cancels in-flight attempts and waits for the workers. Interrupted
// entries stay in the journal and resume on the next Start.
func (s *Sender) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

// Send journals a message and schedules its delivery. The returned entry is
// queued; delivery continues after ctx ends.
func (s *Sender) Send(ctx context.Context, sender identity.Identity, convID string, in Input) (store.OutboxEntry, error) {
	entry := store.OutboxEntry{
		ClientID:       in.ClientID,
		ConversationID: convID,
		Sender:         sender,
		Kind:           store.KindText,
		Body:           in.Text,
	}
	if entry.ClientID == "" {
		entry.ClientID = uuid.NewString()
	}

	if in.Attachment != nil {
		res, ok := in.Attachment.Result()
		if !ok {
			return store.OutboxEntry{}, fmt.Errorf("%w: upload %s is %s", ErrAttachmentNotReady, in.Attachment.ID(), in.Attachment.Status())
		}
		entry.Kind = in.Attachment.Kind()
		entry.Attachment = res.Attachment()
	} else if strings.TrimSpace(in.Text) == "" {
		return store.OutboxEntry{}, ErrEmptyMessage
	}
	if err := entry.Draft().Validate(); err != nil {
		return store.OutboxEntry{}, err
	}

	existing, err := s.db.OutboxEntry(ctx, entry.ClientID)
	switch {
	case err == nil:
		if !existing.Repeats(convID, entry.Draft()) {
			return store.OutboxEntry{}, fmt.Errorf("%w: %s", store.ErrClientIDConflict, entry.ClientID)
		}
		return existing, nil
	case !errors.Is(err, store.ErrOutboxNotFound):
		return store.OutboxEntry{}, err
	}
	if err := s.db.QueueOutbox(ctx, &entry); err != nil {
		return store.OutboxEntry{}, err
	}
	s.publish(bus.OutboxQueued, entry)
	s.enqueue(convID, entry.ClientID)

	s.logger.Debug("message queued",
		zap.String("conversation_id", convID),
		zap.String("client_id", entry.ClientID),
		zap.String("kind", string(entry.Kind)))
	return entry, nil
}

// Retry requeues a failed entry. Entries already queued, sending or sent are
// returned unchanged.
func (s *Sender) Retry(ctx context.Context, clientID string) (store.OutboxEntry, error) {
	requeued, err := s.db.RequeueOutbox(ctx, clientID)
	if err != nil {
		return store.OutboxEntry{}, err
	}
	entry, err := s.db.OutboxEntry(ctx, clientID)
	if err != nil {
		return store.OutboxEntry{}, err
	}
	if requeued {
		s.publish(bus.OutboxQueued, entry)
		s.enqueue(entry.ConversationID, clientID)
		s.logger.Info("message requeued", zap.String("client_id", clientID))
	}
	return entry, nil
}

// Await blocks until the entry is sent or has failed, or ctx ends.
func (s *Sender) Await(ctx context.Context, clientID string) (store.OutboxEntry, error) {
	ch := make(chan store.OutboxEntry, 1)
	s.mu.Lock()
	s.waiters[clientID] = append(s.waiters[clientID], ch)
	s.mu.Unlock()

	// The entry may have settled before the waiter was registered.
	if e, err := s.db.OutboxEntry(ctx, clientID); err != nil {
		s.dropWaiter(clientID, ch)
		return store.OutboxEntry{}, err
	} else if e.Status == store.OutboxSent || e.Status == store.OutboxFailed {
		s.dropWaiter(clientID, ch)
		return e, nil
	}

	select {
	case e := <-ch:
		return e, nil
	case <-ctx.Done():
		s.dropWaiter(clientID, ch)
		return store.OutboxEntry{}, ctx.Err()
	}
}

func (s *Sender) dropWaiter(clientID string, ch chan store.OutboxEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.waiters[clientID]
	for i, c := range list {
		if c == ch {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(s.waiters, clientID)
	} else {
		s.waiters[clientID] = list
	}
}

func (s *Sender) settle(e store.OutboxEntry) {
	s.mu.Lock()
	list := s.waiters[e.ClientID]
	delete(s.waiters, e.ClientID)
	s.mu.Unlock()
	for _, ch := range list {
		ch <- e
	}
}

func (s *Sender) enqueue(convID, clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		// Not started: the journal keeps the entry until Start.
		return
	}
	s.queues[convID] = append(s.queues[convID], clientID)
	if s.running[convID] {
		return
	}
	s.running[convID] = true
	s.wg.Add(1)
	go s.worker(s.ctx, convID)
}

func (s *Sender) next(convID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queues[convID]
	if len(q) == 0 {
		delete(s.queues, convID)
		delete(s.running, convID)
		return "", false
	}
	s.queues[convID] = q[1:]
	return q[0], true
}

func (s *Sender) worker(ctx context.Context, convID string) {
	defer s.wg.Done()
	for {
		clientID, ok := s.next(convID)
		if !ok {
			return
		}
		if ctx.Err() != nil {
			continue
		}
		s.deliver(ctx, clientID)
	}
}

func (s *Sender) deliver(ctx context.Context, clientID string) {
	entry, err := s.db.OutboxEntry(ctx, clientID)
	if err != nil {
		s.logger.Error("outbox entry missing", zap.String("client_id", clientID), zap.Error(err))
		return
	}
	if entry.Status == store.OutboxSent || entry.Status == store.OutboxFailed {
		return
	}
	logger := s.logger.With(
		zap.String("conversation_id", entry.ConversationID),
		zap.String("client_id", clientID))

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = s.opts.InitialInterval
	eb.MaxInterval = s.opts.MaxInterval
	eb.MaxElapsedTime = 0
	eb.Reset()
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, s.opts.MaxRetries), ctx)

	var msg store.Message
	op := func() error {
		if err := s.db.MarkOutboxSending(ctx, clientID); err != nil {
			return err
		}
		entry.Status = store.OutboxSending
		entry.Attempts++
		s.track(entry)

		actx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
		m, err := s.log.Append(actx, entry.ConversationID, entry.Draft())
		if err != nil {
			if errors.Is(err, store.ErrWriteRejected) || errors.Is(err, store.ErrInvalidMessage) ||
				errors.Is(err, store.ErrClientIDConflict) {
				return backoff.Permanent(err)
			}
			return err
		}
		msg = m
		return nil
	}
	notify := func(err error, wait time.Duration) {
		metrics.SendRetriesTotal.Inc()
		logger.Warn("append failed, retrying", zap.Error(err), zap.Duration("retry_in", wait))
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		if ctx.Err() != nil {
			// Shutting down; the entry resumes on the next start.
			return
		}
		s.fail(entry, err, logger)
		return
	}

	// Use a fresh context: the message is durable and the journal must say so
	// even when shutdown raced the append.
	if err := s.db.MarkOutboxSent(context.WithoutCancel(ctx), clientID, msg.ID); err != nil {
		logger.Error("failed to mark sent", zap.Error(err))
	}
	entry.Status = store.OutboxSent
	entry.MessageID = msg.ID
	entry.LastError = ""
	s.publish(bus.OutboxSent, entry)
	s.settle(entry)
	logger.Info("message sent", zap.Int64("message_id", msg.ID), zap.Int("attempts", entry.Attempts))
}

func (s *Sender) fail(entry store.OutboxEntry, cause error, logger *zap.Logger) {
	if err := s.db.MarkOutboxFailed(context.Background(), entry.ClientID, cause.Error()); err != nil {
		logger.Error("failed to mark failed", zap.Error(err))
	}
	entry.Status = store.OutboxFailed
	entry.LastError = cause.Error()
	s.publish(bus.OutboxFailed, entry)
	s.settle(entry)
	logger.Error("message failed", zap.Error(cause), zap.Int("attempts", entry.Attempts))
}

func (s *Sender) track(e store.OutboxEntry) {
	if s.tracker != nil {
		s.tracker.Track(e)
	}
}

func (s *Sender) publish(kind string, e store.OutboxEntry) {
	s.track(e)
	s.bus.Emit(kind, e)
}
