package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// ErrDecode matches every [*DecodeError] via errors.Is.
var ErrDecode = errors.New("audio: decode failed")

// DecodeError reports an inbound audio payload that could not be turned into
// a playable [Buffer]. Only the offending chunk is affected.
type DecodeError struct {
	Size int
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("audio: decode %d-byte payload: %v", e.Size, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

// PCMMIMEType returns the MIME type used for raw 16-bit PCM at rate.
func PCMMIMEType(rate int) string {
	return fmt.Sprintf("audio/pcm;rate=%d", rate)
}

// EncodePCM16 converts float samples to little-endian signed 16-bit PCM.
// Samples are clamped to [-1, 1]; negative values scale by 32768 and positive
// values by 32767 so both ends of the int16 range are reachable.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		s = max(-1, min(1, s))
		var v int16
		if s < 0 {
			v = int16(s * 32768)
		} else {
			v = int16(s * 32767)
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// DecodePCM16 converts little-endian signed 16-bit PCM to float samples.
// A trailing odd byte is ignored.
func DecodePCM16(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
	}
	return out
}

// Decoder turns inbound audio payloads into mono buffers at SampleRate.
//
// Raw payloads are read as 16-bit little-endian mono PCM already at
// SampleRate. Payloads that start with a RIFF header are decoded as WAV files
// and converted to mono at SampleRate.
type Decoder struct {
	SampleRate int
}

// NewDecoder returns a Decoder producing buffers at rate.
func NewDecoder(rate int) *Decoder {
	return &Decoder{SampleRate: rate}
}

// Decode decodes one payload. Malformed payloads yield a [*DecodeError].
func (d *Decoder) Decode(payload []byte) (Buffer, error) {
	rate := d.SampleRate
	if rate <= 0 {
		rate = OutputSampleRate
	}
	if len(payload) == 0 {
		return Buffer{}, &DecodeError{Err: errors.New("empty payload")}
	}
	if bytes.HasPrefix(payload, []byte("RIFF")) {
		return d.decodeWAV(payload, rate)
	}
	if len(payload)%2 != 0 {
		return Buffer{}, &DecodeError{Size: len(payload), Err: errors.New("odd byte count for 16-bit PCM")}
	}
	return Buffer{Samples: DecodePCM16(payload), SampleRate: rate}, nil
}

func (d *Decoder) decodeWAV(payload []byte, rate int) (Buffer, error) {
	dec := wav.NewDecoder(bytes.NewReader(payload))
	if !dec.IsValidFile() {
		return Buffer{}, &DecodeError{Size: len(payload), Err: errors.New("invalid WAV container")}
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Buffer{}, &DecodeError{Size: len(payload), Err: err}
	}
	if buf == nil || buf.Format == nil || len(buf.Data) == 0 {
		return Buffer{}, &DecodeError{Size: len(payload), Err: errors.New("WAV has no samples")}
	}
	samples := Downmix(intToFloat(buf), buf.Format.NumChannels)
	samples = NewResampler(buf.Format.SampleRate, rate).Process(samples)
	return Buffer{Samples: samples, SampleRate: rate}, nil
}

// intToFloat normalises go-audio integer samples by their source bit depth.
func intToFloat(buf *goaudio.IntBuffer) []float32 {
	depth := buf.SourceBitDepth
	if depth <= 0 {
		depth = 16
	}
	scale := float32(int64(1) << (depth - 1))
	out := make([]float32, len(buf.Data))
	for i, v := range buf.Data {
		out[i] = float32(v) / scale
	}
	return out
}
