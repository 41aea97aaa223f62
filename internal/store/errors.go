package store

import (
	"errors"
	"fmt"
)

var (
	// ErrWriteRejected means the append is not allowed for this sender or
	// conversation. Retrying the same append cannot succeed.
	ErrWriteRejected = errors.New("write rejected")

	// ErrInvalidMessage means the draft is malformed.
	ErrInvalidMessage = errors.New("invalid message")

	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
	ErrOutboxNotFound       = errors.New("outbox entry not found")

	// ErrClientIDConflict means the client id is already bound to a
	// different sender, conversation or payload.
	ErrClientIDConflict = errors.New("client id already used")

	// ErrChannelLost closes live subscriptions when the change feed drops.
	// Subscribers are expected to resubscribe.
	ErrChannelLost = errors.New("live channel lost")
)

// RejectedError describes why an append was rejected.
type RejectedError struct {
	ConversationID string
	Reason         string
	Err            error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("write rejected for conversation %s: %s", e.ConversationID, e.Reason)
}

// Is makes errors.Is(err, ErrWriteRejected) true.
func (e *RejectedError) Is(target error) bool {
	return target == ErrWriteRejected
}

func (e *RejectedError) Unwrap() error {
	return e.Err
}

func rejected(convID, reason string, err error) error {
	return &RejectedError{ConversationID: convID, Reason: reason, Err: err}
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidMessage, fmt.Sprintf(format, args...))
}
