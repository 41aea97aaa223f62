package api

import (
	"encoding/json"
	"fmt"

	"github.com/matheus3301/convo/internal/dispatch"
	"github.com/matheus3301/convo/internal/identity"
	"github.com/matheus3301/convo/internal/store"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// StatusReply describes the daemon.
type StatusReply struct {
	Profile       string            `json:"profile"`
	State         string            `json:"state"`
	LastError     string            `json:"last_error,omitempty"`
	UptimeMs      int64             `json:"uptime_ms"`
	PID           int               `json:"pid"`
	Identity      identity.Identity `json:"identity"`
	LiveChannels  int               `json:"live_channels"`
	Subscriptions int               `json:"subscriptions"`
	Uploads       int               `json:"uploads"`
}

// CreateRequest opens a conversation, optionally attached to a subject.
type CreateRequest struct {
	SubjectKind string `json:"subject_kind,omitempty"`
	SubjectID   string `json:"subject_id,omitempty"`
}

// ListRequest pages through the caller's conversations.
type ListRequest struct {
	IncludeArchived bool `json:"include_archived,omitempty"`
	Limit           int  `json:"limit,omitempty"`
	Offset          int  `json:"offset,omitempty"`
}

// ListReply is a page of conversations.
type ListReply struct {
	Conversations []store.Conversation `json:"conversations"`
}

// ConversationRef names a conversation.
type ConversationRef struct {
	ConversationID string `json:"conversation_id"`
}

// ConversationReply carries one conversation.
type ConversationReply struct {
	Conversation store.Conversation `json:"conversation"`
}

// MessagesReply is the ordered log plus the caller's undelivered entries.
type MessagesReply struct {
	Messages []store.Message     `json:"messages"`
	Pending  []store.OutboxEntry `json:"pending,omitempty"`
}

// SendTextRequest queues a text message. With Wait the call returns after
// the entry is sent or has failed.
type SendTextRequest struct {
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text"`
	ClientID       string `json:"client_id,omitempty"`
	Wait           bool   `json:"wait,omitempty"`
}

// SendAttachmentRequest uploads a file from the daemon host and sends it.
type SendAttachmentRequest struct {
	ConversationID string `json:"conversation_id"`
	Kind           string `json:"kind"`
	Path           string `json:"path"`
	MimeType       string `json:"mime_type,omitempty"`
	Caption        string `json:"caption,omitempty"`
	Wait           bool   `json:"wait,omitempty"`
}

// EntryReply carries an outbox entry.
type EntryReply struct {
	Entry store.OutboxEntry `json:"entry"`
}

// RetryRequest resubmits a failed entry.
type RetryRequest struct {
	ClientID string `json:"client_id"`
	Wait     bool   `json:"wait,omitempty"`
}

// MarkReadRequest marks one message read.
type MarkReadRequest struct {
	MessageID int64 `json:"message_id"`
}

// WatchRequest opens a live view. Focus marks incoming messages read.
type WatchRequest struct {
	ConversationID string `json:"conversation_id"`
	Focus          bool   `json:"focus,omitempty"`
}

// WatchFrame is one delta of a live view. Error is set on the last frame
// when the live channel was lost for good.
type WatchFrame struct {
	dispatch.Delta
	Error string `json:"error,omitempty"`
}

// NewWatchFrame wraps a delta for the wire.
func NewWatchFrame(d dispatch.Delta) WatchFrame {
	f := WatchFrame{Delta: d}
	if d.Err != nil {
		f.Error = d.Err.Error()
	}
	return f
}

// Empty is the reply of calls that return nothing.
type Empty struct{}

func encode(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return s, nil
}

func decode(s *structpb.Struct, v any) error {
	if s == nil {
		s = &structpb.Struct{}
	}
	data, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	return nil
}
