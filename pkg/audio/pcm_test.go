package audio_test

import (
	"bytes"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/MrWong99/liveconsult/pkg/audio"
)

func TestEncodePCM16_Clamping(t *testing.T) {
	t.Parallel()

	got := bytesToSamples(audio.EncodePCM16([]float32{-2, -1, -0.5, 0, 0.5, 1, 3}))
	want := []int16{-32768, -32768, -16384, 0, 16383, 32767, 32767}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestEncodePCM16_Length(t *testing.T) {
	t.Parallel()

	if got := len(audio.EncodePCM16(make([]float32, audio.DefaultBlockSize))); got != 2*audio.DefaultBlockSize {
		t.Errorf("encoded block = %d bytes, want %d", got, 2*audio.DefaultBlockSize)
	}
}

func TestPCMMIMEType(t *testing.T) {
	t.Parallel()

	if got := audio.PCMMIMEType(audio.InputSampleRate); got != "audio/pcm;rate=16000" {
		t.Errorf("PCMMIMEType = %q", got)
	}
}

func TestDecoder_RawPCM(t *testing.T) {
	t.Parallel()

	dec := audio.NewDecoder(audio.OutputSampleRate)
	pcm := make([]byte, 2*2400) // 100 ms at 24 kHz
	buf, err := dec.Decode(pcm)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if buf.SampleRate != 24000 {
		t.Errorf("SampleRate = %d, want 24000", buf.SampleRate)
	}
	if d := buf.Duration(); d != 100*time.Millisecond {
		t.Errorf("Duration = %v, want 100ms", d)
	}
}

func TestDecoder_RoundTripsEncoder(t *testing.T) {
	t.Parallel()

	in := []float32{0, 0.25, -0.25, 0.999}
	buf, err := audio.NewDecoder(24000).Decode(audio.EncodePCM16(in))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	for i := range in {
		if math.Abs(float64(buf.Samples[i]-in[i])) > 1.0/16384 {
			t.Errorf("sample %d = %v, want ≈%v", i, buf.Samples[i], in[i])
		}
	}
}

func TestDecoder_Malformed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		payload []byte
	}{
		{name: "empty", payload: nil},
		{name: "odd length", payload: []byte{1, 2, 3}},
		{name: "truncated RIFF", payload: []byte("RIFF\x00\x00")},
	}
	dec := audio.NewDecoder(24000)
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := dec.Decode(tc.payload)
			if err == nil {
				t.Fatal("expected error")
			}
			var de *audio.DecodeError
			if !errors.As(err, &de) {
				t.Errorf("error %T is not *DecodeError", err)
			}
			if !errors.Is(err, audio.ErrDecode) {
				t.Error("errors.Is(err, ErrDecode) = false")
			}
		})
	}
}

func TestDecoder_WAVPayload(t *testing.T) {
	t.Parallel()

	// One second of 48 kHz stereo should come back as ~one second at 24 kHz mono.
	payload := encodeWAV(t, 48000, 2, 48000)
	buf, err := audio.NewDecoder(24000).Decode(payload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if buf.SampleRate != 24000 {
		t.Errorf("SampleRate = %d, want 24000", buf.SampleRate)
	}
	if d := buf.Duration(); d < 900*time.Millisecond || d > 1010*time.Millisecond {
		t.Errorf("Duration = %v, want ≈1s", d)
	}
}

func TestFrames(t *testing.T) {
	t.Parallel()

	if got := audio.Frames(time.Second, 24000); got != 24000 {
		t.Errorf("Frames(1s) = %d", got)
	}
	if got := audio.FramesToDuration(12000, 24000); got != 500*time.Millisecond {
		t.Errorf("FramesToDuration = %v", got)
	}
}

// encodeWAV writes frames of a quiet tone as 16-bit WAV and returns the bytes.
func encodeWAV(t *testing.T, rate, channels, frames int) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tone.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	enc := wav.NewEncoder(f, rate, 16, channels, 1)
	data := make([]int, frames*channels)
	for i := range frames {
		v := int(3000 * math.Sin(2*math.Pi*440*float64(i)/float64(rate)))
		for c := range channels {
			data[i*channels+c] = v
		}
	}
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{SampleRate: rate, NumChannels: channels},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatal(err)
	}
	if err := enc.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	if _, err := io.Copy(&out, f); err != nil {
		t.Fatal(err)
	}
	_ = f.Close()
	return out.Bytes()
}
