package bus

import "time"

// Event kinds. Subscribers filter by prefix, e.g. "conversation." or "voice.".
const (
	ConversationCreated  = "conversation.created"
	ConversationAppended = "conversation.appended"
	ConversationArchived = "conversation.archived"
	MessageRead          = "message.read"
	OutboxQueued         = "outbox.queued"
	OutboxFailed         = "outbox.failed"
	OutboxSent           = "outbox.sent"
	UploadProgress       = "upload.progress"
	UploadFinished       = "upload.finished"
	VoiceStateChanged    = "voice.state_changed"
	StatusChanged        = "status.changed"
)

// Event is a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// NewEvent stamps an event with the current time.
func NewEvent(kind string, payload any) Event {
	return Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
}
