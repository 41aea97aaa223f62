package voice

import (
	"bytes"
	"encoding/binary"
	"time"
)

// Format describes raw PCM audio.
type Format struct {
	SampleRate int
	Channels   int
}

// Duration returns the playing time of n interleaved samples.
func (f Format) Duration(n int) time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	frames := int64(n / f.Channels)
	return time.Duration(frames) * time.Second / time.Duration(f.SampleRate)
}

// EncodeWAV wraps interleaved 16-bit samples in a RIFF/WAVE container.
func EncodeWAV(samples []int16, f Format) []byte {
	const bitsPerSample = 16
	dataLen := len(samples) * 2
	blockAlign := f.Channels * bitsPerSample / 8

	var buf bytes.Buffer
	buf.Grow(44 + dataLen)
	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(36+dataLen))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	_ = binary.Write(&buf, binary.LittleEndian, uint16(f.Channels))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(f.SampleRate))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(f.SampleRate*blockAlign))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(blockAlign))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(bitsPerSample))

	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(dataLen))
	_ = binary.Write(&buf, binary.LittleEndian, samples)
	return buf.Bytes()
}
