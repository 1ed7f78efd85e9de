// Package mock provides in-memory implementations of the device interfaces
// for unit tests.
//
// All mocks are safe for concurrent use. They count calls and expose exported
// fields the test sets to control behaviour. Audio is injected by calling
// [InputStream.Emit]; playback is driven by calling [OutputStream.Pull].
package mock

import (
	"context"
	"image"
	"image/color"
	"sync"

	"github.com/MrWong99/liveconsult/pkg/audio"
	"github.com/MrWong99/liveconsult/pkg/device"
)

var (
	_ device.Microphone = (*Microphone)(nil)
	_ device.Speaker    = (*Speaker)(nil)
	_ device.Camera     = (*Camera)(nil)
)

// ─── Microphone ───────────────────────────────────────────────────────────────

// Microphone is a mock [device.Microphone].
type Microphone struct {
	mu sync.Mutex

	// OpenErr, when non-nil, is returned by Open.
	OpenErr error

	// Format is the native format reported by opened streams. Zero means
	// 16 kHz mono.
	Format audio.Format

	// OpenCount records how many times Open was called.
	OpenCount int

	// Streams holds every stream returned by Open, in order.
	Streams []*InputStream
}

// Open implements [device.Microphone].
func (m *Microphone) Open(_ context.Context) (device.InputStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.OpenCount++
	if m.OpenErr != nil {
		return nil, m.OpenErr
	}
	f := m.Format
	if f.SampleRate == 0 {
		f = audio.Format{SampleRate: audio.InputSampleRate, Channels: 1}
	}
	s := &InputStream{format: f}
	m.Streams = append(m.Streams, s)
	return s, nil
}

// Last returns the most recently opened stream, or nil.
func (m *Microphone) Last() *InputStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Streams) == 0 {
		return nil
	}
	return m.Streams[len(m.Streams)-1]
}

// InputStream is a mock [device.InputStream].
type InputStream struct {
	mu        sync.Mutex
	format    audio.Format
	fn        func([]float32)
	stopCount int
}

func (s *InputStream) Format() audio.Format { return s.format }

func (s *InputStream) Start(fn func([]float32)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCount > 0 {
		return device.ErrClosed
	}
	s.fn = fn
	return nil
}

func (s *InputStream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopCount++
	s.fn = nil
	return nil
}

// Emit delivers samples to the started callback. It reports whether a
// callback was registered.
func (s *InputStream) Emit(samples []float32) bool {
	s.mu.Lock()
	fn := s.fn
	s.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(samples)
	return true
}

// Stopped reports whether Stop has been called at least once.
func (s *InputStream) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopCount > 0
}

// ─── Speaker ──────────────────────────────────────────────────────────────────

// Speaker is a mock [device.Speaker].
type Speaker struct {
	mu sync.Mutex

	// OpenErr, when non-nil, is returned by Open.
	OpenErr error

	// OpenCount records how many times Open was called.
	OpenCount int

	// Streams holds every stream returned by Open, in order.
	Streams []*OutputStream
}

// Open implements [device.Speaker].
func (sp *Speaker) Open(_ context.Context, format audio.Format, pull func([]float32)) (device.OutputStream, error) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	sp.OpenCount++
	if sp.OpenErr != nil {
		return nil, sp.OpenErr
	}
	s := &OutputStream{Format: format, pull: pull}
	sp.Streams = append(sp.Streams, s)
	return s, nil
}

// Last returns the most recently opened stream, or nil.
func (sp *Speaker) Last() *OutputStream {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if len(sp.Streams) == 0 {
		return nil
	}
	return sp.Streams[len(sp.Streams)-1]
}

// OutputStream is a mock [device.OutputStream].
type OutputStream struct {
	Format audio.Format

	mu        sync.Mutex
	pull      func([]float32)
	started   bool
	stopCount int
}

func (s *OutputStream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
	return nil
}

func (s *OutputStream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopCount++
	s.started = false
	return nil
}

// Pull renders n frames through the playback callback as the hardware would.
func (s *OutputStream) Pull(n int) []float32 {
	out := make([]float32, n*max(s.Format.Channels, 1))
	s.mu.Lock()
	pull, started := s.pull, s.started
	s.mu.Unlock()
	if started {
		pull(out)
	}
	return out
}

// Stopped reports whether Stop has been called at least once.
func (s *OutputStream) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopCount > 0
}

// ─── Camera ───────────────────────────────────────────────────────────────────

// Camera is a mock [device.Camera] serving solid grey frames.
type Camera struct {
	mu sync.Mutex

	// OpenErr, when non-nil, is returned by Open.
	OpenErr error

	// FrameErr, when non-nil, is returned by Frame on opened streams.
	FrameErr error

	// OpenCount records how many times Open was called.
	OpenCount int

	// Streams holds every stream returned by Open, in order.
	Streams []*VideoStream
}

// Open implements [device.Camera].
func (c *Camera) Open(_ context.Context, width, height int) (device.VideoStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.OpenCount++
	if c.OpenErr != nil {
		return nil, c.OpenErr
	}
	img := image.NewGray(image.Rect(0, 0, width, height))
	for i := range img.Pix {
		img.Pix[i] = color.Gray{Y: 128}.Y
	}
	s := &VideoStream{img: img, frameErr: c.FrameErr}
	c.Streams = append(c.Streams, s)
	return s, nil
}

// VideoStream is a mock [device.VideoStream].
type VideoStream struct {
	mu         sync.Mutex
	img        image.Image
	frameErr   error
	frameCount int
	stopCount  int
}

func (s *VideoStream) Frame() (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCount > 0 {
		return nil, device.ErrClosed
	}
	s.frameCount++
	if s.frameErr != nil {
		return nil, s.frameErr
	}
	return s.img, nil
}

func (s *VideoStream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopCount++
	return nil
}

// FrameCount returns how many frames were requested.
func (s *VideoStream) FrameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frameCount
}

// Stopped reports whether Stop has been called at least once.
func (s *VideoStream) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopCount > 0
}
