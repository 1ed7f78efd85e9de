// Package wavfile provides file-backed audio devices: a [Microphone] that
// replays a .wav file in real time and a [Speaker] that records everything it
// renders to a .wav file. They let the live session run headless, e.g. for
// scripted demos and integration tests.
package wavfile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/google/uuid"

	"github.com/MrWong99/liveconsult/pkg/audio"
	"github.com/MrWong99/liveconsult/pkg/device"
)

// DefaultPeriod is the interval between device callbacks.
const DefaultPeriod = 20 * time.Millisecond

var (
	_ device.Microphone = (*Microphone)(nil)
	_ device.Speaker    = (*Speaker)(nil)
)

// ── Microphone ──────────────────────────────────────────────────────────────

// Microphone replays a WAV file as if it were being captured live.
type Microphone struct {
	path   string
	loop   bool
	period time.Duration
}

// Option configures a [Microphone] or [Speaker].
type Option func(*options)

type options struct {
	loop   bool
	period time.Duration
}

// WithLoop restarts the file from the beginning when it ends.
func WithLoop(loop bool) Option {
	return func(o *options) { o.loop = loop }
}

// WithPeriod overrides [DefaultPeriod].
func WithPeriod(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.period = d
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{period: DefaultPeriod}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// NewMicrophone returns a Microphone reading the WAV file at path.
func NewMicrophone(path string, opts ...Option) *Microphone {
	o := buildOptions(opts)
	return &Microphone{path: path, loop: o.loop, period: o.period}
}

// Open implements [device.Microphone]. The file is decoded fully up front.
func (m *Microphone) Open(ctx context.Context) (device.InputStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(m.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			err = fmt.Errorf("%s: %w", m.path, device.ErrNotFound)
		} else if errors.Is(err, os.ErrPermission) {
			err = fmt.Errorf("%s: %w", m.path, device.ErrPermissionDenied)
		}
		return nil, &device.Error{Kind: device.KindMicrophone, Err: err}
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, &device.Error{Kind: device.KindMicrophone, Err: fmt.Errorf("%s: not a valid WAV file", m.path)}
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, &device.Error{Kind: device.KindMicrophone, Err: fmt.Errorf("%s: %w", m.path, err)}
	}

	format := audio.Format{SampleRate: int(dec.SampleRate), Channels: int(dec.NumChans)}
	scale := float32(int64(1) << (max(int(dec.BitDepth), 8) - 1))
	samples := make([]float32, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = float32(v) / scale
	}

	id := uuid.New()
	slog.Debug("wav microphone opened", "device_id", id, "path", m.path, "format", format.String(), "samples", len(samples))
	return &inputStream{
		id:      id,
		format:  format,
		samples: samples,
		loop:    m.loop,
		period:  m.period,
		done:    make(chan struct{}),
	}, nil
}

type inputStream struct {
	id      uuid.UUID
	format  audio.Format
	samples []float32
	loop    bool
	period  time.Duration

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

func (s *inputStream) Format() audio.Format { return s.format }

func (s *inputStream) Start(fn func([]float32)) error {
	select {
	case <-s.done:
		return device.ErrClosed
	default:
	}
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.run(fn)
	})
	return nil
}

func (s *inputStream) run(fn func([]float32)) {
	defer s.wg.Done()
	per := int(int64(s.format.SampleRate)*int64(s.period)/int64(time.Second)) * max(s.format.Channels, 1)
	if per <= 0 || len(s.samples) == 0 {
		return
	}
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()
	pos := 0
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}
		if pos >= len(s.samples) {
			if !s.loop {
				slog.Debug("wav microphone finished", "device_id", s.id)
				return
			}
			pos = 0
		}
		end := min(pos+per, len(s.samples))
		fn(s.samples[pos:end])
		pos = end
	}
}

func (s *inputStream) Stop() error {
	s.stopOnce.Do(func() { close(s.done) })
	s.wg.Wait()
	return nil
}

// ── Speaker ─────────────────────────────────────────────────────────────────

// Speaker renders in real time and writes the result as 16-bit PCM WAV.
type Speaker struct {
	path   string
	period time.Duration
}

// NewSpeaker returns a Speaker recording to path. The file is created on Open
// and finalised on Stop.
func NewSpeaker(path string, opts ...Option) *Speaker {
	o := buildOptions(opts)
	return &Speaker{path: path, period: o.period}
}

// Open implements [device.Speaker].
func (sp *Speaker) Open(ctx context.Context, format audio.Format, pull func([]float32)) (device.OutputStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Create(sp.path)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			err = fmt.Errorf("%s: %w", sp.path, device.ErrPermissionDenied)
		}
		return nil, &device.Error{Kind: device.KindSpeaker, Err: err}
	}
	channels := max(format.Channels, 1)
	return &outputStream{
		id:      uuid.New(),
		file:    f,
		enc:     wav.NewEncoder(f, format.SampleRate, 16, channels, 1),
		format:  audio.Format{SampleRate: format.SampleRate, Channels: channels},
		pull:    pull,
		period:  sp.period,
		done:    make(chan struct{}),
	}, nil
}

type outputStream struct {
	id     uuid.UUID
	file   *os.File
	enc    *wav.Encoder
	format audio.Format
	pull   func([]float32)
	period time.Duration

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

func (s *outputStream) Start() error {
	select {
	case <-s.done:
		return device.ErrClosed
	default:
	}
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.run()
	})
	return nil
}

func (s *outputStream) run() {
	defer s.wg.Done()
	n := int(int64(s.format.SampleRate)*int64(s.period)/int64(time.Second)) * s.format.Channels
	out := make([]float32, n)
	ib := &goaudio.IntBuffer{
		Format:         &goaudio.Format{SampleRate: s.format.SampleRate, NumChannels: s.format.Channels},
		Data:           make([]int, n),
		SourceBitDepth: 16,
	}
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}
		s.pull(out)
		for i, v := range out {
			ib.Data[i] = int(max(-1, min(1, v)) * math.MaxInt16)
		}
		if err := s.enc.Write(ib); err != nil {
			slog.Error("wav speaker write failed", "device_id", s.id, "err", err)
			return
		}
	}
}

func (s *outputStream) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
		err = errors.Join(s.enc.Close(), s.file.Close())
	})
	if err != nil {
		return fmt.Errorf("wavfile: finalise %s: %w", s.file.Name(), err)
	}
	return nil
}
