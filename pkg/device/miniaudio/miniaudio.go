// Package miniaudio implements [device.Microphone] and [device.Speaker] on
// top of the miniaudio C library via github.com/gen2brain/malgo.
//
// Both device kinds exchange 32-bit float samples with miniaudio so no
// integer conversion happens on the realtime thread.
package miniaudio

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/liveconsult/pkg/audio"
	"github.com/MrWong99/liveconsult/pkg/device"
)

// Compile-time interface assertions.
var (
	_ device.Microphone = (*Microphone)(nil)
	_ device.Speaker    = (*Speaker)(nil)
)

// Backend owns a miniaudio context shared by all devices opened from it.
type Backend struct {
	ctx *malgo.AllocatedContext
}

// NewBackend initialises miniaudio with its default backend priority.
func NewBackend() (*Backend, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		slog.Debug("miniaudio", "msg", strings.TrimSpace(msg))
	})
	if err != nil {
		return nil, fmt.Errorf("miniaudio: init context: %w", err)
	}
	return &Backend{ctx: ctx}, nil
}

// Close releases the miniaudio context. Devices opened from it must be
// stopped first.
func (b *Backend) Close() error {
	if err := b.ctx.Uninit(); err != nil {
		return fmt.Errorf("miniaudio: uninit context: %w", err)
	}
	b.ctx.Free()
	return nil
}

// deviceID resolves a device by case-insensitive name substring. An empty
// name selects the system default (nil).
func (b *Backend) deviceID(kind malgo.DeviceType, name string) (*malgo.DeviceID, error) {
	if name == "" {
		return nil, nil
	}
	infos, err := b.ctx.Devices(kind)
	if err != nil {
		return nil, fmt.Errorf("enumerate devices: %w", err)
	}
	for _, info := range infos {
		if strings.Contains(strings.ToLower(info.Name()), strings.ToLower(name)) {
			id := info.ID
			return &id, nil
		}
	}
	return nil, fmt.Errorf("%q: %w", name, device.ErrNotFound)
}

// ── Microphone ──────────────────────────────────────────────────────────────

// Microphone captures from a miniaudio capture device.
type Microphone struct {
	backend    *Backend
	name       string
	sampleRate int
	channels   int
}

// MicOption is a functional option for [NewMicrophone].
type MicOption func(*Microphone)

// WithCaptureDevice selects a capture device by name substring.
func WithCaptureDevice(name string) MicOption {
	return func(m *Microphone) { m.name = name }
}

// WithCaptureFormat requests a native capture rate and channel count.
// Zero values keep the device default.
func WithCaptureFormat(rate, channels int) MicOption {
	return func(m *Microphone) {
		m.sampleRate = rate
		m.channels = channels
	}
}

// NewMicrophone returns a Microphone on b. By default it captures the
// system default device at 48 kHz mono.
func NewMicrophone(b *Backend, opts ...MicOption) *Microphone {
	m := &Microphone{backend: b, sampleRate: 48000, channels: 1}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Open implements [device.Microphone].
func (m *Microphone) Open(ctx context.Context) (device.InputStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id, err := m.backend.deviceID(malgo.Capture, m.name)
	if err != nil {
		return nil, &device.Error{Kind: device.KindMicrophone, Err: err}
	}
	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = uint32(m.channels)
	cfg.SampleRate = uint32(m.sampleRate)
	cfg.Alsa.NoMMap = 1
	if id != nil {
		cfg.Capture.DeviceID = id.Pointer()
	}

	s := &inputStream{format: audio.Format{SampleRate: m.sampleRate, Channels: m.channels}}
	dev, err := malgo.InitDevice(m.backend.ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(_, in []byte, frames uint32) {
			s.deliver(in, int(frames))
		},
	})
	if err != nil {
		return nil, &device.Error{Kind: device.KindMicrophone, Err: err}
	}
	s.dev = dev
	return s, nil
}

type inputStream struct {
	format audio.Format
	dev    *malgo.Device

	mu      sync.Mutex
	fn      func([]float32)
	buf     []float32
	stopped bool
}

func (s *inputStream) Format() audio.Format { return s.format }

func (s *inputStream) Start(fn func([]float32)) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return device.ErrClosed
	}
	s.fn = fn
	s.mu.Unlock()
	if err := s.dev.Start(); err != nil {
		return &device.Error{Kind: device.KindMicrophone, Err: err}
	}
	return nil
}

func (s *inputStream) deliver(in []byte, frames int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fn == nil || s.stopped {
		return
	}
	n := min(frames*s.format.Channels, len(in)/4)
	if cap(s.buf) < n {
		s.buf = make([]float32, n)
	}
	buf := s.buf[:n]
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(in[i*4:]))
	}
	s.fn(buf)
}

func (s *inputStream) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.fn = nil
	s.mu.Unlock()

	err := s.dev.Stop()
	s.dev.Uninit()
	if err != nil {
		return fmt.Errorf("miniaudio: stop capture: %w", err)
	}
	return nil
}

// ── Speaker ─────────────────────────────────────────────────────────────────

// Speaker plays through a miniaudio playback device.
type Speaker struct {
	backend *Backend
	name    string
}

// NewSpeaker returns a Speaker on b. An empty name selects the system
// default output.
func NewSpeaker(b *Backend, name string) *Speaker {
	return &Speaker{backend: b, name: name}
}

// Open implements [device.Speaker].
func (sp *Speaker) Open(ctx context.Context, format audio.Format, pull func([]float32)) (device.OutputStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id, err := sp.backend.deviceID(malgo.Playback, sp.name)
	if err != nil {
		return nil, &device.Error{Kind: device.KindSpeaker, Err: err}
	}
	channels := max(format.Channels, 1)
	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatF32
	cfg.Playback.Channels = uint32(channels)
	cfg.SampleRate = uint32(format.SampleRate)
	cfg.Alsa.NoMMap = 1
	if id != nil {
		cfg.Playback.DeviceID = id.Pointer()
	}

	var scratch []float32
	dev, err := malgo.InitDevice(sp.backend.ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(out, _ []byte, frames uint32) {
			n := min(int(frames)*channels, len(out)/4)
			if cap(scratch) < n {
				scratch = make([]float32, n)
			}
			buf := scratch[:n]
			pull(buf)
			for i, s := range buf {
				binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(s))
			}
		},
	})
	if err != nil {
		return nil, &device.Error{Kind: device.KindSpeaker, Err: err}
	}
	return &outputStream{dev: dev}, nil
}

type outputStream struct {
	dev  *malgo.Device
	once sync.Once
}

func (s *outputStream) Start() error {
	if err := s.dev.Start(); err != nil {
		return &device.Error{Kind: device.KindSpeaker, Err: err}
	}
	return nil
}

func (s *outputStream) Stop() error {
	var err error
	s.once.Do(func() {
		err = s.dev.Stop()
		s.dev.Uninit()
	})
	if err != nil {
		return fmt.Errorf("miniaudio: stop playback: %w", err)
	}
	return nil
}
