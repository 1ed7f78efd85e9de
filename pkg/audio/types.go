// Package audio holds the sample formats, buffers and codecs shared by the
// capture and playback paths of liveconsult.
//
// Samples travel through the process as mono float32 in [-1, 1]. They are
// converted to little-endian signed 16-bit PCM only at the wire boundary
// (see [EncodePCM16] and [Decoder]).
package audio

import (
	"fmt"
	"time"
)

const (
	// InputSampleRate is the rate at which microphone audio is sent upstream.
	InputSampleRate = 16000

	// OutputSampleRate is the rate at which the remote model's speech is played.
	OutputSampleRate = 24000

	// DefaultBlockSize is the number of samples per outbound microphone frame.
	DefaultBlockSize = 4096
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable form, e.g. "48000Hz stereo".
func (f Format) String() string {
	ch := "mono"
	switch {
	case f.Channels == 2:
		ch = "stereo"
	case f.Channels > 2:
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// Buffer is a block of decoded mono samples at a known rate.
type Buffer struct {
	Samples    []float32
	SampleRate int
}

// Duration returns the exact playback length of the buffer.
func (b Buffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(b.Samples)) * time.Second / time.Duration(b.SampleRate)
}

// Frames converts a duration to a whole number of sample frames at rate,
// rounding to the nearest frame.
func Frames(d time.Duration, rate int) int64 {
	return (int64(d)*int64(rate) + int64(time.Second)/2) / int64(time.Second)
}

// FramesToDuration is the inverse of [Frames].
func FramesToDuration(frames int64, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(frames * int64(time.Second) / int64(rate))
}
