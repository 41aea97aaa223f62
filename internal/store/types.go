package store

import (
	"fmt"
	"time"

	"github.com/matheus3301/convo/internal/identity"
)

// Kind is the content kind of a message.
type Kind string

const (
	KindText      Kind = "text"
	KindImage     Kind = "image"
	KindVideo     Kind = "video"
	KindAudio     Kind = "audio"
	KindVoiceNote Kind = "voice_note"
	KindDocument  Kind = "document"
)

// ParseKind maps a user-supplied kind name to a Kind.
func ParseKind(s string) (Kind, bool) {
	if k := Kind(s); k.Valid() {
		return k, true
	}
	switch s {
	case "voice", "voice-note":
		return KindVoiceNote, true
	case "audio-clip":
		return KindAudio, true
	}
	return "", false
}

// Valid reports whether k is a canonical kind name.
func (k Kind) Valid() bool {
	switch k {
	case KindText, KindImage, KindVideo, KindAudio, KindVoiceNote, KindDocument:
		return true
	}
	return false
}

// HasAttachment reports whether messages of this kind reference a file.
func (k Kind) HasAttachment() bool {
	return k != KindText && k != ""
}

// SubjectKind names the entity a conversation is attached to.
type SubjectKind string

const (
	SubjectSupport     SubjectKind = "support"
	SubjectOrder       SubjectKind = "order"
	SubjectRFQ         SubjectKind = "rfq"
	SubjectPartnership SubjectKind = "partnership"
)

// ParseSubject builds a subject from user input. An empty kind is the zero
// subject.
func ParseSubject(kind, id string) (Subject, error) {
	switch k := SubjectKind(kind); k {
	case "":
		return Subject{}, nil
	case SubjectSupport, SubjectOrder, SubjectRFQ, SubjectPartnership:
		if id == "" {
			return Subject{}, fmt.Errorf("%s subject without id", k)
		}
		return Subject{Kind: k, ID: id}, nil
	}
	return Subject{}, fmt.Errorf("unknown subject kind %q", kind)
}

// Subject references the entity a conversation belongs to. The zero value
// means a free-standing conversation.
type Subject struct {
	Kind SubjectKind `json:"kind,omitempty"`
	ID   string      `json:"id,omitempty"`
}

// IsZero reports whether no subject is set.
func (s Subject) IsZero() bool { return s.Kind == "" }

func (s Subject) String() string {
	if s.IsZero() {
		return ""
	}
	return string(s.Kind) + ":" + s.ID
}

// Conversation is a two-party thread between one initiator and staff.
type Conversation struct {
	ID             string            `json:"id"`
	Initiator      identity.Identity `json:"initiator"`
	Subject        Subject           `json:"subject"`
	Archived       bool              `json:"archived"`
	CreatedAt      time.Time         `json:"created_at"`
	LastActivityAt time.Time         `json:"last_activity_at"`

	// Unread is filled by ListConversations for the viewing role.
	Unread int `json:"unread,omitempty"`
}

// Admits reports whether sender may write to the conversation. Staff is a
// role-level participant; the initiator side is a single identity.
func (c *Conversation) Admits(sender identity.Identity) bool {
	switch sender.Role {
	case identity.Staff:
		return true
	case identity.Initiator:
		return sender.UserID == c.Initiator.UserID
	}
	return false
}

// Attachment references an uploaded file.
type Attachment struct {
	URL          string  `json:"url"`
	ThumbnailURL string  `json:"thumbnail_url,omitempty"`
	Size         int64   `json:"size"`
	MimeType     string  `json:"mime_type"`
	FileName     string  `json:"file_name,omitempty"`
	DurationSec  float64 `json:"duration_sec,omitempty"`
}

// Message is one immutable entry of a conversation log. Only Read changes
// after append.
type Message struct {
	ID             int64         `json:"id"`
	ConversationID string        `json:"conversation_id"`
	ClientID       string        `json:"client_id"`
	SenderID       string        `json:"sender_id"`
	SenderName     string        `json:"sender_name,omitempty"`
	SenderRole     identity.Role `json:"sender_role"`
	Kind           Kind          `json:"kind"`
	Body           string        `json:"body,omitempty"`
	Attachment     *Attachment   `json:"attachment,omitempty"`
	SentAt         time.Time     `json:"sent_at"`
	Read           bool          `json:"read"`
}

// Before reports whether m sorts before o in conversation order.
func (m Message) Before(o Message) bool {
	if !m.SentAt.Equal(o.SentAt) {
		return m.SentAt.Before(o.SentAt)
	}
	return m.ID < o.ID
}

// Draft is a message not yet appended.
type Draft struct {
	ClientID   string
	Sender     identity.Identity
	Kind       Kind
	Body       string
	Attachment *Attachment
}

// Validate checks the draft shape independently of any conversation.
func (d Draft) Validate() error {
	if d.ClientID == "" {
		return invalidf("missing client id")
	}
	if err := d.Sender.Validate(); err != nil {
		return invalidf("%v", err)
	}
	if !d.Kind.Valid() {
		return invalidf("unknown kind %q", d.Kind)
	}
	if d.Kind == KindText {
		if d.Body == "" {
			return invalidf("text message without body")
		}
		if d.Attachment != nil {
			return invalidf("text message with attachment")
		}
		return nil
	}
	if d.Attachment == nil || d.Attachment.URL == "" {
		return invalidf("%s message without attachment url", d.Kind)
	}
	return nil
}

// sameAttachmentURL compares the stored object, not its derived metadata.
func sameAttachmentURL(a, b *Attachment) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.URL == b.URL
}

// Repeats reports whether m is the stored form of d: same sender and payload.
func (d Draft) Repeats(m Message) bool {
	return m.SenderID == d.Sender.UserID &&
		m.Kind == d.Kind &&
		m.Body == d.Body &&
		sameAttachmentURL(m.Attachment, d.Attachment)
}

// OutboxStatus is the lifecycle state of a journaled send.
type OutboxStatus string

const (
	OutboxQueued  OutboxStatus = "queued"
	OutboxSending OutboxStatus = "sending"
	OutboxSent    OutboxStatus = "sent"
	OutboxFailed  OutboxStatus = "failed"
)

// OutboxEntry is a journaled outgoing message.
type OutboxEntry struct {
	ClientID       string            `json:"client_id"`
	ConversationID string            `json:"conversation_id"`
	Sender         identity.Identity `json:"sender"`
	Kind           Kind              `json:"kind"`
	Body           string            `json:"body,omitempty"`
	Attachment     *Attachment       `json:"attachment,omitempty"`
	Status         OutboxStatus      `json:"status"`
	Attempts       int               `json:"attempts"`
	LastError      string            `json:"last_error,omitempty"`
	MessageID      int64             `json:"message_id,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// Repeats reports whether e was journaled for the same conversation, sender
// and payload as d.
func (e OutboxEntry) Repeats(convID string, d Draft) bool {
	return e.ConversationID == convID &&
		e.Sender.UserID == d.Sender.UserID &&
		e.Kind == d.Kind &&
		e.Body == d.Body &&
		sameAttachmentURL(e.Attachment, d.Attachment)
}

// Draft returns the append payload of the entry.
func (e OutboxEntry) Draft() Draft {
	return Draft{
		ClientID:   e.ClientID,
		Sender:     e.Sender,
		Kind:       e.Kind,
		Body:       e.Body,
		Attachment: e.Attachment,
	}
}
