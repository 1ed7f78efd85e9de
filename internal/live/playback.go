package live

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/liveconsult/internal/observe"
	"github.com/MrWong99/liveconsult/pkg/audio"
	"github.com/MrWong99/liveconsult/pkg/audio/graph"
)

// Unit describes one decoded chunk placed on the playback timeline.
type Unit struct {
	Start    time.Duration
	Duration time.Duration
}

// End returns the clock position at which the unit finishes.
func (u Unit) End() time.Duration { return u.Start + u.Duration }

// SchedulerOption configures a [Scheduler].
type SchedulerOption func(*Scheduler)

// WithDecoder replaces the default decoder, which decodes at the output
// context rate.
func WithDecoder(d *audio.Decoder) SchedulerOption {
	return func(s *Scheduler) { s.dec = d }
}

// WithSpeakingFunc registers fn to be told when playback starts and drains.
// Calls are serialized and only made on a change, so the last call always
// matches the scheduler's state. fn runs without the scheduler lock but must
// not enqueue or interrupt.
func WithSpeakingFunc(fn func(speaking bool)) SchedulerOption {
	return func(s *Scheduler) { s.onSpeaking = fn }
}

// WithSchedulerMetrics sets the metrics sink. Default: observe.DefaultMetrics.
func WithSchedulerMetrics(m *observe.Metrics) SchedulerOption {
	return func(s *Scheduler) { s.metrics = m }
}

// WithSchedulerLogger sets the logger used for dropped chunks.
func WithSchedulerLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.log = l }
}

// Scheduler queues decoded model audio for gapless playback on an
// [graph.OutputContext] and supports hard interruption.
//
// Each chunk starts at max(cursor, now) and advances the cursor by its
// duration, so chunks arriving at irregular intervals still play back to
// back, and a pause never lets the cursor fall behind the clock.
type Scheduler struct {
	out        *graph.OutputContext
	dec        *audio.Decoder
	onSpeaking func(bool)
	metrics    *observe.Metrics
	log        *slog.Logger

	mu        sync.Mutex
	nextStart time.Duration
	voices    map[*graph.Voice]struct{}

	// reportMu orders speaking reports; taken before mu, never after.
	reportMu sync.Mutex
	reported bool
}

// NewScheduler returns a Scheduler rendering onto out.
func NewScheduler(out *graph.OutputContext, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		out:    out,
		voices: make(map[*graph.Voice]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.dec == nil {
		s.dec = audio.NewDecoder(out.SampleRate())
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s
}

// Enqueue decodes payload and schedules it after everything already queued.
// A payload that fails to decode is dropped and reported as a
// [*DecodeError]; the scheduler state is untouched.
func (s *Scheduler) Enqueue(ctx context.Context, payload []byte) (Unit, error) {
	buf, err := s.dec.Decode(payload)
	if err != nil {
		s.metrics.AudioDecodeErrors.Add(ctx, 1)
		s.log.Warn("dropping undecodable audio chunk", "bytes", len(payload), "err", err)
		return Unit{}, err
	}

	s.mu.Lock()
	start := max(s.nextStart, s.out.CurrentTime())
	var v *graph.Voice
	v, err = s.out.Schedule(buf, start, func() { s.ended(&v) })
	if err != nil {
		s.mu.Unlock()
		return Unit{}, err
	}
	unit := Unit{Start: v.Start(), Duration: buf.Duration()}
	s.voices[v] = struct{}{}
	s.nextStart = unit.End()
	s.mu.Unlock()

	s.metrics.AudioChunksScheduled.Add(ctx, 1)
	s.report()
	return unit, nil
}

// ended runs on the render goroutine when a voice finishes naturally. vp is
// read under the lock because Enqueue assigns it while holding s.mu.
func (s *Scheduler) ended(vp **graph.Voice) {
	s.mu.Lock()
	delete(s.voices, *vp)
	s.mu.Unlock()
	s.report()
}

// Interrupt stops every pending unit immediately and rewinds the cursor so
// the next chunk starts at the current clock position.
func (s *Scheduler) Interrupt(ctx context.Context) {
	stopped := s.stopAll()
	s.metrics.PlaybackInterruptions.Add(ctx, 1)
	s.log.Debug("playback interrupted", "stopped", stopped)
}

// Reset is Interrupt without the metric; used on teardown.
func (s *Scheduler) Reset() {
	s.stopAll()
}

func (s *Scheduler) stopAll() int {
	s.mu.Lock()
	n := len(s.voices)
	for v := range s.voices {
		v.Stop()
	}
	clear(s.voices)
	s.nextStart = 0
	s.mu.Unlock()
	s.report()
	return n
}

// Pending returns the number of scheduled units that have not finished.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.voices)
}

// Cursor returns the position the next chunk would start at if the clock
// has not passed it.
func (s *Scheduler) Cursor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextStart
}

// report tells onSpeaking about the current state if it differs from the
// last report. A report that lost a race to a later state change sees that
// state and stays silent.
func (s *Scheduler) report() {
	s.reportMu.Lock()
	defer s.reportMu.Unlock()
	s.mu.Lock()
	on := len(s.voices) > 0
	s.mu.Unlock()
	if on == s.reported {
		return
	}
	s.reported = on
	if s.onSpeaking != nil {
		s.onSpeaking(on)
	}
}
