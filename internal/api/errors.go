package api

import (
	"context"
	"errors"

	"github.com/matheus3301/convo/internal/attachment"
	"github.com/matheus3301/convo/internal/engine"
	"github.com/matheus3301/convo/internal/identity"
	"github.com/matheus3301/convo/internal/outbox"
	"github.com/matheus3301/convo/internal/store"
	"github.com/matheus3301/convo/internal/voice"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// Code classifies an engine error.
func Code(err error) codes.Code {
	switch {
	case err == nil:
		return codes.OK
	case errors.Is(err, store.ErrConversationNotFound),
		errors.Is(err, store.ErrMessageNotFound),
		errors.Is(err, store.ErrOutboxNotFound):
		return codes.NotFound
	case errors.Is(err, store.ErrClientIDConflict):
		return codes.AlreadyExists
	case errors.Is(err, engine.ErrNotParticipant):
		return codes.PermissionDenied
	case errors.Is(err, identity.ErrInvalidToken):
		return codes.Unauthenticated
	case errors.Is(err, store.ErrWriteRejected),
		errors.Is(err, outbox.ErrAttachmentNotReady):
		return codes.FailedPrecondition
	case errors.Is(err, store.ErrInvalidMessage),
		errors.Is(err, attachment.ErrInvalidAttachment),
		errors.Is(err, outbox.ErrEmptyMessage):
		return codes.InvalidArgument
	case errors.Is(err, attachment.ErrUploadFailed),
		errors.Is(err, store.ErrChannelLost),
		errors.Is(err, voice.ErrRecordingUnavailable):
		return codes.Unavailable
	case errors.Is(err, attachment.ErrCancelled),
		errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	}
	return codes.Internal
}

func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := grpcstatus.FromError(err); ok {
		return err
	}
	return grpcstatus.Error(Code(err), err.Error())
}
