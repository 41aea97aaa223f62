//go:build !cgo

package voice

import (
	"context"
	"fmt"
)

// DeviceMicrophone reports ErrRecordingUnavailable: capture drivers need cgo.
type DeviceMicrophone struct{}

// NewDeviceMicrophone returns the system microphone.
func NewDeviceMicrophone() Microphone { return DeviceMicrophone{} }

func (DeviceMicrophone) Open(context.Context, Format) (Stream, error) {
	return nil, fmt.Errorf("%w: built without cgo, no capture driver", ErrRecordingUnavailable)
}
