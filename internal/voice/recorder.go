package voice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/matheus3301/convo/internal/attachment"
	"github.com/matheus3301/convo/internal/bus"
	"go.uber.org/zap"
)

// ErrNotRecording is returned by Stop when no recording is active.
var ErrNotRecording = errors.New("voice: not recording")

// ErrBusy is returned by Start while a finished clip is being handed off.
var ErrBusy = errors.New("voice: previous clip still being handed off")

// Clip is a finished recording.
type Clip struct {
	WAV      []byte
	Format   Format
	Duration time.Duration
	Recorded time.Time
}

// File returns the clip as an attachment source file.
func (c Clip) File() attachment.File {
	f := attachment.FromBytes(fmt.Sprintf("voice-%s.wav", c.Recorded.UTC().Format("20060102-150405")), "audio/wav", c.WAV)
	f.Duration = c.Duration
	return f
}

// Handoff receives a stopped clip, typically uploading it and sending a
// voice note.
type Handoff func(ctx context.Context, clip Clip) error

// Options configures a Recorder.
type Options struct {
	Format Format
	// MaxDuration stops buffering audio after this long. Zero means no limit.
	MaxDuration time.Duration
}

// Recorder captures one voice note at a time for a conversation view and
// owns the microphone while recording.
type Recorder struct {
	convID  string
	mic     Microphone
	opts    Options
	handoff Handoff
	bus     *bus.Bus
	logger  *zap.Logger
	now     func() time.Time

	mu      sync.Mutex
	state   State
	stream  Stream
	samples []int16
	started time.Time
	readErr error
	reading chan struct{}
}

// NewRecorder creates an idle recorder for convID.
func NewRecorder(convID string, mic Microphone, opts Options, handoff Handoff, b *bus.Bus, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Format.SampleRate <= 0 {
		opts.Format.SampleRate = 48000
	}
	if opts.Format.Channels <= 0 {
		opts.Format.Channels = 1
	}
	return &Recorder{
		convID:  convID,
		mic:     mic,
		opts:    opts,
		handoff: handoff,
		bus:     b,
		logger:  logger.With(zap.String("conversation_id", convID)),
		now:     time.Now,
		state:   Idle,
	}
}

// State returns the current state.
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Elapsed returns how long the current recording has been running.
func (r *Recorder) Elapsed() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Recording {
		return 0
	}
	return r.now().Sub(r.started)
}

func (r *Recorder) setState(to State) error {
	if err := checkTransition(r.state, to); err != nil {
		return err
	}
	from := r.state
	r.state = to
	r.bus.Emit(bus.VoiceStateChanged, StateChange{ConversationID: r.convID, From: from, To: to})
	return nil
}

// Start opens the microphone and begins recording. Calling Start while
// recording is a no-op returning Recording. When the microphone cannot be
// opened the recorder stays Idle and the error wraps ErrRecordingUnavailable.
func (r *Recorder) Start(ctx context.Context) (State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case Recording:
		return Recording, nil
	case Idle:
	default:
		return r.state, ErrBusy
	}

	stream, err := r.mic.Open(ctx, r.opts.Format)
	if err != nil {
		if !errors.Is(err, ErrRecordingUnavailable) {
			err = fmt.Errorf("%w: %v", ErrRecordingUnavailable, err)
		}
		r.logger.Warn("microphone unavailable", zap.Error(err))
		return Idle, err
	}

	if err := r.setState(Recording); err != nil {
		_ = stream.Close()
		return r.state, err
	}
	r.stream = stream
	r.samples = nil
	r.readErr = nil
	r.started = r.now()
	r.reading = make(chan struct{})
	go r.read(stream, r.reading)
	return Recording, nil
}

func (r *Recorder) read(stream Stream, done chan struct{}) {
	defer close(done)

	maxSamples := -1
	if r.opts.MaxDuration > 0 {
		maxSamples = int(r.opts.MaxDuration.Seconds() * float64(r.opts.Format.SampleRate*r.opts.Format.Channels))
	}
	for {
		chunk, err := stream.Read()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				r.mu.Lock()
				r.readErr = err
				r.mu.Unlock()
			}
			return
		}
		r.mu.Lock()
		if maxSamples < 0 || len(r.samples) < maxSamples {
			room := len(chunk)
			if maxSamples >= 0 {
				room = min(room, maxSamples-len(r.samples))
			}
			r.samples = append(r.samples, chunk[:room]...)
		}
		r.mu.Unlock()
	}
}

// release closes the stream and waits for the reader. Called with r.mu held;
// the lock is dropped while waiting.
func (r *Recorder) release() {
	stream, reading := r.stream, r.reading
	r.stream, r.reading = nil, nil
	if stream == nil {
		return
	}
	_ = stream.Close()
	r.mu.Unlock()
	<-reading
	r.mu.Lock()
}

// Stop finalizes the recording, hands the clip off and returns to Idle. The
// recorder is Idle again even when the handoff fails.
func (r *Recorder) Stop(ctx context.Context) (Clip, error) {
	r.mu.Lock()
	if r.state != Recording {
		r.mu.Unlock()
		return Clip{}, ErrNotRecording
	}
	_ = r.setState(Stopped)
	r.release()

	samples, readErr := r.samples, r.readErr
	r.samples = nil
	clip := Clip{
		WAV:      EncodeWAV(samples, r.opts.Format),
		Format:   r.opts.Format,
		Duration: r.opts.Format.Duration(len(samples)),
		Recorded: r.started,
	}
	r.mu.Unlock()

	var err error
	switch {
	case readErr != nil:
		err = fmt.Errorf("%w: %v", ErrRecordingUnavailable, readErr)
	case len(samples) == 0:
		err = fmt.Errorf("%w: no audio captured", ErrRecordingUnavailable)
	case r.handoff != nil:
		err = r.handoff(ctx, clip)
	}
	if err != nil {
		r.logger.Warn("voice note not sent", zap.Error(err))
	} else {
		r.logger.Info("voice note recorded", zap.Duration("duration", clip.Duration))
	}

	r.mu.Lock()
	_ = r.setState(Idle)
	r.mu.Unlock()
	return clip, err
}

// Cancel releases the microphone and discards the audio. It does nothing
// unless recording.
func (r *Recorder) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Recording {
		return
	}
	_ = r.setState(Cancelled)
	r.release()
	r.samples = nil
	_ = r.setState(Idle)
	r.logger.Info("recording cancelled")
}
