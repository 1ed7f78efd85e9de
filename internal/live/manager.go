// Package live implements the realtime session core: a [Manager] that owns
// the microphone, the two audio rendering contexts, the remote speech
// session and the camera, and wires capture, playback and video snapshots
// to the network channel.
//
// The manager is a four-state machine (see [Status]). Connect moves it to
// CONNECTING immediately, acquires devices synchronously and opens the
// remote session in the background. The session's inbound message channel
// is consumed by one goroutine per session; its closing drives the
// transition to DISCONNECTED (clean close) or ERROR (failure). Disconnect is
// the single cancellation path and is valid from any state.
//
// Every connect attempt gets a new epoch. Work started by a superseded
// attempt never mutates the manager's state.
package live

import (
	"context"
	"errors"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/liveconsult/internal/observe"
	"github.com/MrWong99/liveconsult/pkg/audio"
	"github.com/MrWong99/liveconsult/pkg/audio/graph"
	"github.com/MrWong99/liveconsult/pkg/device"
	"github.com/MrWong99/liveconsult/pkg/provider/s2s"
)

// speakingLevel is the volume reported while model audio is queued.
const speakingLevel = 0.5

// Config holds the dependencies and tuning of a [Manager].
type Config struct {
	// Provider opens remote sessions. Nil makes every Connect fail with
	// ErrNotConfigured.
	Provider s2s.Provider

	// ProviderName labels metrics and logs.
	ProviderName string

	// Session is the configuration sent when a session opens.
	Session s2s.SessionConfig

	Microphone device.Microphone
	Speaker    device.Speaker

	// Camera is optional; without it ToggleVideo always fails.
	Camera device.Camera

	Video VideoConfig

	// Gain maps RMS to the [0,1] level. Default audio.DefaultLevelGain.
	Gain float64

	// BlockSize is the capture block in samples. Default audio.DefaultBlockSize.
	BlockSize int

	// QueueSize bounds the outbound audio queue. Default 32.
	QueueSize int

	// OnTranscript, if set, receives transcripts together with the id of
	// the session they belong to. It is called from the session goroutine
	// and must not block.
	OnTranscript func(sessionID string, t s2s.Transcript)

	// Metrics defaults to observe.DefaultMetrics.
	Metrics *observe.Metrics
}

// State is a point-in-time snapshot of everything the UI reads.
type State struct {
	Status      Status
	Err         error
	SessionID   string
	Muted       bool
	VideoActive bool
	Speaking    bool
	Volume      float64
}

// Manager coordinates one live session at a time. All exported methods are
// safe for concurrent use.
type Manager struct {
	cfg     Config
	metrics *observe.Metrics
	video   *videoPipeline

	muted atomic.Bool

	mu       sync.Mutex
	status   Status
	lastErr  error
	epoch    uint64
	att      *attempt
	volume   float64
	speaking bool
	closed   bool

	subMu   sync.Mutex
	subs    map[int]chan State
	nextSub int
}

// attempt holds the resources of one connect attempt. Fields are assigned
// under Manager.mu only while the attempt is current, and read by teardown
// only after it has been detached from the manager.
type attempt struct {
	epoch  uint64
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	log    *slog.Logger

	in    *graph.InputContext
	out   *graph.OutputContext
	spk   device.OutputStream
	mic   *capture
	sched *Scheduler
	sess  s2s.SessionHandle
	queue chan []byte
	open  bool
}

// New returns a disconnected Manager.
func New(cfg Config) *Manager {
	if cfg.Gain <= 0 {
		cfg.Gain = audio.DefaultLevelGain
	}
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = audio.DefaultBlockSize
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 32
	}
	m := &Manager{
		cfg:     cfg,
		metrics: cfg.Metrics,
		subs:    make(map[int]chan State),
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	m.video = newVideoPipeline(cfg.Camera, cfg.Video, m.metrics, slog.Default().With("component", "video"))
	return m
}

// ── Controls ────────────────────────────────────────────────────────────────

// Connect starts a connect attempt. It is a no-op while CONNECTING or
// CONNECTED. Device acquisition happens before Connect returns; the remote
// session is opened in the background. Failures are reported through the
// status, never returned.
func (m *Manager) Connect(ctx context.Context) {
	m.mu.Lock()
	if m.status.Busy() {
		m.mu.Unlock()
		return
	}
	if m.closed {
		m.setStatusLocked(StatusError, ErrManagerClosed)
		m.mu.Unlock()
		m.notify()
		return
	}
	if m.cfg.Provider == nil {
		m.setStatusLocked(StatusError, ErrNotConfigured)
		m.mu.Unlock()
		slog.Error("cannot connect without a provider; is the API key set?")
		m.notify()
		return
	}
	m.epoch++
	a := &attempt{epoch: m.epoch, id: uuid.NewString()}
	a.ctx, a.cancel = context.WithCancel(context.WithoutCancel(ctx))
	a.log = observe.SessionLogger(ctx, a.id)
	m.att = a
	m.setStatusLocked(StatusConnecting, nil)
	sessCfg := m.cfg.Session
	m.mu.Unlock()
	m.notify()

	a.log.Info("connecting", "provider", m.cfg.ProviderName, "epoch", a.epoch)

	if err := m.acquire(ctx, a); err != nil {
		if !errors.Is(err, errSuperseded) {
			m.fail(a, err)
		}
		return
	}
	go m.open(a, sessCfg)
}

// Disconnect closes the session and releases every device and audio
// context. It is valid from any state, cancels an in-flight connect and is
// idempotent.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	a := m.att
	m.att = nil
	m.epoch++
	changed := m.status != StatusDisconnected || m.lastErr != nil
	m.setStatusLocked(StatusDisconnected, nil)
	m.mu.Unlock()

	m.video.deactivate()
	if a != nil {
		m.teardown(a)
		a.log.Info("disconnected")
	}
	if changed || a != nil {
		m.notify()
	}
}

// Close disconnects, releases the camera and ends all subscriptions. The
// Manager cannot connect again afterwards.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.Disconnect()

	m.subMu.Lock()
	defer m.subMu.Unlock()
	for id, ch := range m.subs {
		close(ch)
		delete(m.subs, id)
	}
	return nil
}

// ToggleMute flips the mute flag. The capture path reads it on every block.
func (m *Manager) ToggleMute() {
	m.mu.Lock()
	m.muted.Store(!m.muted.Load())
	m.mu.Unlock()
	m.notify()
}

// ToggleVideo activates or deactivates the camera. Activation while
// CONNECTED also starts the snapshot timer. A camera failure is logged and
// leaves video inactive.
func (m *Manager) ToggleVideo(ctx context.Context) {
	if m.video.active() {
		m.video.deactivate()
		m.notify()
		return
	}
	if err := m.video.activate(ctx); err != nil {
		slog.Warn("camera unavailable", "err", err)
		return
	}
	m.mu.Lock()
	a := m.att
	connected := m.status == StatusConnected && a != nil
	m.mu.Unlock()
	if connected {
		m.video.startTimer(a.ctx, m.sendImage)
	}
	m.notify()
}

// UpdateSession replaces the session configuration used by the next
// Connect. An open session is unaffected.
func (m *Manager) UpdateSession(cfg s2s.SessionConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.Session = cfg
}

// ── Readable state ──────────────────────────────────────────────────────────

// Status returns the current connection status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Err returns the error that moved the manager to ERROR, or nil.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

func (m *Manager) Muted() bool       { return m.muted.Load() }
func (m *Manager) VideoActive() bool { return m.video.active() }

// Volume returns the visualizer level in [0,1].
func (m *Manager) Volume() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.volume
}

// Speaking reports whether model audio is queued for playback.
func (m *Manager) Speaking() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.speaking
}

// Snapshot returns the full readable state.
func (m *Manager) Snapshot() State {
	m.mu.Lock()
	st := State{
		Status:   m.status,
		Err:      m.lastErr,
		Muted:    m.muted.Load(),
		Speaking: m.speaking,
		Volume:   m.volume,
	}
	if m.att != nil {
		st.SessionID = m.att.id
	}
	m.mu.Unlock()
	st.VideoActive = m.video.active()
	return st
}

// Preview returns the current camera frame while video is active.
func (m *Manager) Preview() (image.Image, bool) {
	img, err := m.video.frame()
	if err != nil {
		return nil, false
	}
	return img, true
}

// Subscribe returns a channel receiving the latest [State] after every
// change. A slow reader only misses intermediate states; it never blocks the
// manager. The channel is closed by cancel or by Close.
func (m *Manager) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 1)
	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subMu.Lock()
			defer m.subMu.Unlock()
			if _, ok := m.subs[id]; ok {
				delete(m.subs, id)
				close(ch)
			}
		})
	}
}

func (m *Manager) notify() {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	if len(m.subs) == 0 {
		return
	}
	st := m.Snapshot()
	for _, ch := range m.subs {
		select {
		case <-ch:
		default:
		}
		ch <- st
	}
}

// ── Lifecycle internals ─────────────────────────────────────────────────────

func (m *Manager) setStatusLocked(s Status, err error) {
	if m.status != s {
		slog.Debug("status changed", "from", m.status, "to", s)
	}
	m.status = s
	m.lastErr = err
	if s != StatusConnected {
		m.volume = 0
		m.speaking = false
	}
}

// adopt runs fn under the lock if a is still the current attempt.
func (m *Manager) adopt(a *attempt, fn func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.att != a {
		return false
	}
	fn()
	return true
}

// acquire performs the synchronous connect steps: microphone, rendering
// contexts and speaker.
func (m *Manager) acquire(ctx context.Context, a *attempt) error {
	if m.cfg.Microphone == nil {
		return &DeviceError{Device: device.KindMicrophone, Err: device.ErrNotFound}
	}
	stream, err := m.cfg.Microphone.Open(ctx)
	if err != nil {
		return &DeviceError{Device: device.KindMicrophone, Err: err}
	}
	c := &capture{
		stream:  stream,
		muted:   &m.muted,
		gain:    m.cfg.Gain,
		level:   func(v float64) { m.setLevel(a, v) },
		metrics: m.metrics,
		log:     a.log,
	}
	if !m.adopt(a, func() { a.mic = c }) {
		c.stop()
		return errSuperseded
	}

	in := graph.NewInputContext(audio.InputSampleRate)
	out := graph.NewOutputContext(audio.OutputSampleRate)
	if !m.adopt(a, func() { a.in, a.out = in, out }) {
		_ = in.Close()
		_ = out.Close()
		return errSuperseded
	}

	if m.cfg.Speaker == nil {
		return &DeviceError{Device: device.KindSpeaker, Err: device.ErrNotFound}
	}
	spk, err := m.cfg.Speaker.Open(ctx, audio.Format{SampleRate: audio.OutputSampleRate, Channels: 1}, out.Render)
	if err != nil {
		return &DeviceError{Device: device.KindSpeaker, Err: err}
	}
	if !m.adopt(a, func() { a.spk = spk }) {
		_ = spk.Stop()
		return errSuperseded
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return in.Resume(gctx) })
	g.Go(func() error { return out.Resume(gctx) })
	if err := g.Wait(); err != nil {
		return &DeviceError{Device: device.KindSpeaker, Err: err}
	}

	sched := NewScheduler(out,
		WithSpeakingFunc(func(on bool) { m.setSpeaking(a, on) }),
		WithSchedulerMetrics(m.metrics),
		WithSchedulerLogger(a.log),
	)
	var startErr error
	if !m.adopt(a, func() {
		a.sched = sched
		startErr = spk.Start()
	}) {
		return errSuperseded
	}
	if startErr != nil {
		return &DeviceError{Device: device.KindSpeaker, Err: startErr}
	}
	return nil
}

// open dials the remote session and, on success, starts capture and the
// session goroutines.
func (m *Manager) open(a *attempt, cfg s2s.SessionConfig) {
	if a.ctx.Err() != nil {
		return
	}
	start := time.Now()
	ctx, span := observe.StartSpan(a.ctx, "live.connect")
	sess, err := m.cfg.Provider.Connect(ctx, cfg)
	span.End()

	status := "ok"
	if err != nil {
		status = "error"
	}
	m.metrics.RecordConnect(a.ctx, m.cfg.ProviderName, status, time.Since(start).Seconds())

	if err != nil {
		if a.ctx.Err() != nil {
			return
		}
		m.fail(a, &SessionOpenError{Err: err})
		return
	}

	// Capture starts under the lock so teardown can never race it.
	var startErr error
	ok := m.adopt(a, func() {
		a.sess = sess
		a.open = true
		a.queue = make(chan []byte, m.cfg.QueueSize)
		a.mic.queue = a.queue
		if startErr = startCapture(a.ctx, a.mic, a.in, m.cfg.BlockSize); startErr == nil {
			m.setStatusLocked(StatusConnected, nil)
		}
	})
	if !ok {
		_ = sess.Close()
		return
	}
	m.metrics.ActiveSessions.Add(a.ctx, 1)
	if startErr != nil {
		m.fail(a, &DeviceError{Device: device.KindMicrophone, Err: startErr})
		return
	}
	a.log.Info("session open", "elapsed", time.Since(start))
	m.notify()

	go m.sendLoop(a)
	go m.receiveLoop(a)
	m.video.startTimer(a.ctx, m.sendImage)
}

// fail moves a current attempt to ERROR and releases its resources.
func (m *Manager) fail(a *attempt, err error) {
	m.mu.Lock()
	if m.att != a {
		m.mu.Unlock()
		return
	}
	m.att = nil
	m.setStatusLocked(StatusError, err)
	m.mu.Unlock()

	a.log.Error("session failed", "err", err)
	m.video.stopTimer()
	m.teardown(a)
	m.notify()
}

// ended handles the session's message channel closing.
func (m *Manager) ended(a *attempt, err error) {
	if err != nil {
		m.fail(a, &SessionError{Err: err})
		return
	}
	m.mu.Lock()
	if m.att != a {
		m.mu.Unlock()
		return
	}
	m.att = nil
	m.setStatusLocked(StatusDisconnected, nil)
	m.mu.Unlock()

	a.log.Info("session closed by remote")
	m.video.stopTimer()
	m.teardown(a)
	m.notify()
}

// teardown releases everything a detached attempt holds. Every step is best
// effort.
func (m *Manager) teardown(a *attempt) {
	a.cancel()
	if a.sess != nil {
		if err := a.sess.Close(); err != nil {
			a.log.Debug("close session", "err", err)
		}
	}
	if a.open {
		m.metrics.ActiveSessions.Add(context.WithoutCancel(a.ctx), -1)
	}
	if a.mic != nil {
		a.mic.stop()
	}
	if a.spk != nil {
		if err := a.spk.Stop(); err != nil {
			a.log.Debug("stop speaker", "err", err)
		}
	}
	var closers []func() error
	if a.in != nil {
		closers = append(closers, a.in.Close)
	}
	if a.out != nil {
		closers = append(closers, a.out.Close)
	}
	for _, closeCtx := range closers {
		if err := closeCtx(); err != nil && !errors.Is(err, graph.ErrClosed) {
			a.log.Debug("close audio context", "err", err)
		}
	}
	if a.sched != nil {
		a.sched.Reset()
	}
}

// ── Session goroutines ──────────────────────────────────────────────────────

// sendLoop transmits queued PCM frames in capture order.
func (m *Manager) sendLoop(a *attempt) {
	rate := audio.InputSampleRate
	for {
		select {
		case <-a.ctx.Done():
			return
		case pcm := <-a.queue:
			if a.ctx.Err() != nil {
				return
			}
			if err := a.sess.SendAudio(pcm, rate); err != nil {
				m.metrics.RecordTransmitError(a.ctx, "audio")
				a.log.Debug("send audio failed", "err", &TransmitError{Kind: "audio", Err: err})
			}
		}
	}
}

// receiveLoop consumes inbound messages until the session ends. Once the
// attempt is superseded the rest of the stream is discarded so the provider
// never blocks on it.
func (m *Manager) receiveLoop(a *attempt) {
	for msg := range a.sess.Messages() {
		if a.ctx.Err() != nil {
			go audio.Drain(a.sess.Messages())
			return
		}
		if msg.Interrupted {
			a.sched.Interrupt(a.ctx)
		}
		if len(msg.Audio) > 0 {
			// Decode failures are logged and counted by the scheduler.
			_, _ = a.sched.Enqueue(a.ctx, msg.Audio)
		}
		if t := msg.Transcript; t != nil {
			a.log.Debug("transcript", "speaker", t.Speaker, "text", t.Text)
			if m.cfg.OnTranscript != nil {
				m.cfg.OnTranscript(a.id, *t)
			}
		}
	}
	if a.ctx.Err() != nil {
		return
	}
	m.ended(a, a.sess.Err())
}

// sendImage delivers a snapshot to the current open session. Without one
// the frame is dropped silently.
func (m *Manager) sendImage(ctx context.Context, mimeType string, data []byte) {
	m.mu.Lock()
	var sess s2s.SessionHandle
	if a := m.att; a != nil && m.status == StatusConnected {
		sess = a.sess
	}
	m.mu.Unlock()

	if sess == nil {
		m.metrics.RecordVideoDrop(ctx, "no_session")
		return
	}
	err := sess.SendImage(mimeType, data)
	switch {
	case err == nil:
		m.metrics.VideoFramesSent.Add(ctx, 1)
	case errors.Is(err, s2s.ErrUnsupported):
		m.metrics.RecordVideoDrop(ctx, "unsupported")
	default:
		m.metrics.RecordTransmitError(ctx, "image")
		slog.Debug("send image failed", "err", &TransmitError{Kind: "image", Err: err})
	}
}

// ── Level reporting ─────────────────────────────────────────────────────────

func (m *Manager) setLevel(a *attempt, v float64) {
	if !m.adopt(a, func() { m.volume = v }) {
		return
	}
	m.notify()
}

func (m *Manager) setSpeaking(a *attempt, on bool) {
	changed := false
	m.adopt(a, func() {
		changed = m.speaking != on
		m.speaking = on
		if on {
			m.volume = speakingLevel
		} else {
			m.volume = 0
		}
	})
	if changed {
		m.notify()
	}
}
