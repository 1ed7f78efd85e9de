package graph

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/liveconsult/pkg/audio"
)

// OutputContext mixes scheduled buffers onto a sample timeline. Its clock is
// the number of frames rendered while running, so it only advances when an
// output device pulls audio through [OutputContext.Render].
type OutputContext struct {
	lifecycle
	rate int

	mu     sync.Mutex
	frames int64
	voices []*Voice
}

// NewOutputContext returns a suspended OutputContext rendering at rate.
func NewOutputContext(rate int) *OutputContext {
	return &OutputContext{rate: rate}
}

// SampleRate returns the render rate.
func (c *OutputContext) SampleRate() int { return c.rate }

// Resume starts the clock. It fails with ErrClosed after Close.
func (c *OutputContext) Resume(ctx context.Context) error { return c.resume(ctx) }

// Suspend stops the clock; Render outputs silence while suspended.
func (c *OutputContext) Suspend() error { return c.suspend() }

// Close silences every voice and closes the context. Pending voices never
// fire their end callback. A second call returns ErrClosed.
func (c *OutputContext) Close() error {
	if err := c.close(); err != nil {
		return err
	}
	c.mu.Lock()
	for _, v := range c.voices {
		v.done = true
	}
	c.voices = nil
	c.mu.Unlock()
	return nil
}

// CurrentTime returns the render clock position.
func (c *OutputContext) CurrentTime() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return audio.FramesToDuration(c.frames, c.rate)
}

// Schedule places buf on the timeline starting at the clock position at. A
// start in the past begins at the next rendered frame. onEnded, if non-nil,
// is called once the last sample has been rendered, from the rendering
// goroutine after internal locks are released. It must not block.
func (c *OutputContext) Schedule(buf audio.Buffer, at time.Duration, onEnded func()) (*Voice, error) {
	if c.State() == StateClosed {
		return nil, ErrClosed
	}
	samples := buf.Samples
	if buf.SampleRate > 0 && buf.SampleRate != c.rate {
		samples = audio.NewResampler(buf.SampleRate, c.rate).Process(samples)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	v := &Voice{
		ctx:     c,
		samples: samples,
		start:   max(audio.Frames(at, c.rate), c.frames),
		onEnded: onEnded,
	}
	c.voices = append(c.voices, v)
	return v, nil
}

// Render fills out with the mono mix of all voices for the next len(out)
// frames and advances the clock. While the context is not running out is
// silence and the clock stays put.
func (c *OutputContext) Render(out []float32) {
	clear(out)
	if c.State() != StateRunning {
		return
	}

	var ended []func()
	c.mu.Lock()
	from := c.frames
	to := from + int64(len(out))
	kept := c.voices[:0]
	for _, v := range c.voices {
		end := v.start + int64(len(v.samples))
		for i := max(v.start, from); i < min(end, to); i++ {
			out[i-from] += v.samples[i-v.start]
		}
		if end <= to {
			v.done = true
			if v.onEnded != nil {
				ended = append(ended, v.onEnded)
			}
			continue
		}
		kept = append(kept, v)
	}
	clear(c.voices[len(kept):])
	c.voices = kept
	c.frames = to
	c.mu.Unlock()

	for _, fn := range ended {
		fn()
	}
}

// Active returns the number of voices that have not yet finished.
func (c *OutputContext) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.voices)
}

// Voice is a scheduled buffer on an [OutputContext].
type Voice struct {
	ctx     *OutputContext
	samples []float32
	start   int64
	onEnded func()
	done    bool // guarded by ctx.mu
}

// Start returns the clock position the voice begins at.
func (v *Voice) Start() time.Duration {
	return audio.FramesToDuration(v.start, v.ctx.rate)
}

// Stop silences the voice immediately. Its end callback will not fire.
// Stop is idempotent and safe after the voice has finished.
func (v *Voice) Stop() {
	c := v.ctx
	c.mu.Lock()
	defer c.mu.Unlock()
	if v.done {
		return
	}
	v.done = true
	for i, o := range c.voices {
		if o == v {
			c.voices = append(c.voices[:i], c.voices[i+1:]...)
			break
		}
	}
}
