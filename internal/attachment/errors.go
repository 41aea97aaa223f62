package attachment

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidAttachment means the file cannot be sent as given. Not retryable.
	ErrInvalidAttachment = errors.New("invalid attachment")

	// ErrUploadFailed means the transfer failed after retries. Uploading the
	// same file again may succeed.
	ErrUploadFailed = errors.New("upload failed")

	// ErrCancelled is returned by Wait after Cancel.
	ErrCancelled = errors.New("upload cancelled")
)

// InvalidError explains why a file was refused.
type InvalidError struct {
	Reason string
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("invalid attachment: %s", e.Reason)
}

func (e *InvalidError) Is(target error) bool { return target == ErrInvalidAttachment }

func invalid(format string, args ...any) error {
	return &InvalidError{Reason: fmt.Sprintf(format, args...)}
}
