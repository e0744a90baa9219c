// Package audio converts between raw linear PCM samples and the wire frame
// format: 16-bit signed little-endian mono samples at a fixed rate.
// No resampling or filtering happens here; the capture pipeline owns that.
package audio

import (
	"encoding/binary"
	"errors"
)

// SampleWidth is the number of bytes per pcm16 sample.
const SampleWidth = 2

// ErrMalformedFrame is returned when a byte payload cannot be a whole number
// of pcm16 samples. Malformed frames are dropped and counted, never fatal.
var ErrMalformedFrame = errors.New("malformed audio frame: byte length not a multiple of sample width")

// Frame is an immutable chunk of mono pcm16 audio covering a fixed time slice.
type Frame struct {
	Samples    []int16
	SampleRate int
}

// Duration returns the frame length in milliseconds.
func (f Frame) Duration() int {
	if f.SampleRate == 0 {
		return 0
	}
	return len(f.Samples) * 1000 / f.SampleRate
}

// Encode serializes samples as little-endian pcm16 bytes.
func Encode(samples []int16) []byte {
	buf := make([]byte, len(samples)*SampleWidth)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*SampleWidth:], uint16(s))
	}
	return buf
}

// Decode parses little-endian pcm16 bytes back into samples.
// Returns ErrMalformedFrame if the payload length is odd.
func Decode(data []byte) ([]int16, error) {
	if len(data)%SampleWidth != 0 {
		return nil, ErrMalformedFrame
	}
	samples := make([]int16, len(data)/SampleWidth)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*SampleWidth:]))
	}
	return samples, nil
}

// Validate reports whether raw bytes form a whole number of pcm16 samples.
func Validate(data []byte) error {
	if len(data)%SampleWidth != 0 {
		return ErrMalformedFrame
	}
	return nil
}
