package voice

import (
	"context"
	"errors"
)

// ErrRecordingUnavailable means no microphone could be opened, usually
// because access was denied. Not retryable until that changes.
var ErrRecordingUnavailable = errors.New("recording unavailable")

// Microphone opens capture streams. Only one stream is open at a time per
// recorder.
type Microphone interface {
	Open(ctx context.Context, f Format) (Stream, error)
}

// Stream yields interleaved 16-bit samples until closed. Read returns
// io.EOF after Close.
type Stream interface {
	Read() ([]int16, error)
	Close() error
}
