//go:build cgo

package voice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/pion/mediadevices"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/io/audio"
	"github.com/pion/mediadevices/pkg/prop"
)

// DeviceMicrophone captures from the default system microphone.
type DeviceMicrophone struct{}

// NewDeviceMicrophone returns the system microphone.
func NewDeviceMicrophone() Microphone { return DeviceMicrophone{} }

func (DeviceMicrophone) Open(_ context.Context, f Format) (Stream, error) {
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(c *mediadevices.MediaTrackConstraints) {
			c.SampleRate = prop.Int(f.SampleRate)
			c.ChannelCount = prop.Int(f.Channels)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRecordingUnavailable, err)
	}

	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		return nil, fmt.Errorf("%w: no audio track", ErrRecordingUnavailable)
	}
	track, ok := tracks[0].(*mediadevices.AudioTrack)
	if !ok {
		for _, t := range stream.GetTracks() {
			t.Close()
		}
		return nil, fmt.Errorf("%w: unexpected track type %T", ErrRecordingUnavailable, tracks[0])
	}
	return &deviceStream{track: track, reader: track.NewReader(false)}, nil
}

type deviceStream struct {
	track  *mediadevices.AudioTrack
	reader audio.Reader

	mu     sync.Mutex
	closed bool
}

func (s *deviceStream) Read() ([]int16, error) {
	chunk, release, err := s.reader.Read()
	if err != nil {
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed || errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, err
	}
	defer release()

	info := chunk.ChunkInfo()
	out := make([]int16, 0, info.Len*info.Channels)
	for i := 0; i < info.Len; i++ {
		for ch := 0; ch < info.Channels; ch++ {
			// Samples are normalised to the int64 range.
			out = append(out, int16(chunk.At(i, ch).Int()>>48))
		}
	}
	return out, nil
}

func (s *deviceStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.track.Close()
}
