// Package notify turns durable appends into notification side effects. It
// reads the event bus, so a slow or failing sink never delays a send.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/matheus3301/convo/internal/bus"
	"github.com/matheus3301/convo/internal/identity"
	"github.com/matheus3301/convo/internal/store"
	"go.uber.org/zap"
)

const previewLen = 120

// Notification tells the other side of a conversation that a message arrived.
type Notification struct {
	ConversationID string        `json:"conversation_id"`
	MessageID      int64         `json:"message_id"`
	SenderID       string        `json:"sender_id"`
	SenderName     string        `json:"sender_name,omitempty"`
	SenderRole     identity.Role `json:"sender_role"`
	// Recipient is the role to notify.
	Recipient identity.Role `json:"recipient"`
	Kind      store.Kind    `json:"kind"`
	Preview   string        `json:"preview,omitempty"`
	SentAt    time.Time     `json:"sent_at"`
}

// FromMessage builds the notification for an appended message.
func FromMessage(m store.Message) Notification {
	preview := m.Body
	if r := []rune(preview); len(r) > previewLen {
		preview = string(r[:previewLen]) + "…"
	}
	if preview == "" && m.Attachment != nil {
		preview = "[" + string(m.Kind) + "]"
	}
	return Notification{
		ConversationID: m.ConversationID,
		MessageID:      m.ID,
		SenderID:       m.SenderID,
		SenderName:     m.SenderName,
		SenderRole:     m.SenderRole,
		Recipient:      m.SenderRole.Opposite(),
		Kind:           m.Kind,
		Preview:        preview,
		SentAt:         m.SentAt,
	}
}

// Sink delivers notifications.
type Sink interface {
	Notify(ctx context.Context, n Notification) error
}

// Webhook posts notifications as JSON.
type Webhook struct {
	url    string
	client *resty.Client
}

// NewWebhook creates a webhook sink. Failed posts are retried retries times.
func NewWebhook(url string, timeout time.Duration, retries int) *Webhook {
	client := resty.New().
		SetHeader("User-Agent", "convod/1.0").
		SetHeader("Content-Type", "application/json").
		SetTimeout(timeout).
		SetRetryCount(retries).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		})
	return &Webhook{url: url, client: client}
}

func (w *Webhook) Notify(ctx context.Context, n Notification) error {
	resp, err := w.client.R().
		SetContext(ctx).
		SetBody(n).
		Post(w.url)
	if err != nil {
		return fmt.Errorf("post notification: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("notification webhook error (status %d): %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// LogSink writes notifications to the log. It is used when no webhook is
// configured.
type LogSink struct {
	Logger *zap.Logger
}

func (s LogSink) Notify(_ context.Context, n Notification) error {
	s.Logger.Info("notification",
		zap.String("conversation_id", n.ConversationID),
		zap.Int64("message_id", n.MessageID),
		zap.String("recipient", string(n.Recipient)),
		zap.String("preview", n.Preview))
	return nil
}

// Notifier forwards appended messages from the bus to a sink.
type Notifier struct {
	sink    Sink
	bus     *bus.Bus
	logger  *zap.Logger
	timeout time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewNotifier creates a notifier reading b.
func NewNotifier(sink Sink, b *bus.Bus, timeout time.Duration, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Notifier{sink: sink, bus: b, timeout: timeout, logger: logger}
}

// Start subscribes to appended messages.
func (n *Notifier) Start(ctx context.Context) {
	ctx, n.cancel = context.WithCancel(ctx)
	n.done = make(chan struct{})
	events, unsub := n.bus.Subscribe(bus.ConversationAppended, 256)
	go func() {
		defer close(n.done)
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-events:
				msg, ok := evt.Payload.(store.Message)
				if !ok {
					continue
				}
				n.deliver(ctx, FromMessage(msg))
			}
		}
	}()
}

// Stop ends the subscription and waits for an in-flight delivery.
func (n *Notifier) Stop() {
	if n.cancel == nil {
		return
	}
	n.cancel()
	<-n.done
}

func (n *Notifier) deliver(ctx context.Context, note Notification) {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	if err := n.sink.Notify(ctx, note); err != nil {
		n.logger.Warn("notification failed",
			zap.String("conversation_id", note.ConversationID),
			zap.Int64("message_id", note.MessageID),
			zap.Error(err))
	}
}
