package app

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/liveconsult/pkg/history"
	"github.com/MrWong99/liveconsult/pkg/provider/s2s"
)

// RecorderConfig tunes a [Recorder].
type RecorderConfig struct {
	// Store receives the coalesced entries. Required.
	Store history.Store

	// Idle is the quiet period after which a pending utterance is written.
	// Default: 1.5s.
	Idle time.Duration

	// WriteTimeout bounds a single Append. Default: 5s.
	WriteTimeout time.Duration

	// Buffer is the number of fragments queued before new ones are
	// dropped. Default: 256.
	Buffer int
}

type fragment struct {
	sessionID string
	t         s2s.Transcript
}

// Recorder coalesces transcript fragments into whole utterances and writes
// them to a [history.Store] from its own goroutine. A change of session or
// speaker, an idle period, or Close ends the current utterance.
type Recorder struct {
	store   history.Store
	idle    time.Duration
	timeout time.Duration

	in   chan fragment
	quit chan struct{}
	done chan struct{}
	once sync.Once
}

// NewRecorder starts a Recorder.
func NewRecorder(cfg RecorderConfig) *Recorder {
	if cfg.Idle <= 0 {
		cfg.Idle = 1500 * time.Millisecond
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	r := &Recorder{
		store:   cfg.Store,
		idle:    cfg.Idle,
		timeout: cfg.WriteTimeout,
		in:      make(chan fragment, cfg.Buffer),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go r.loop()
	return r
}

// Record queues a fragment. It never blocks; fragments arriving while the
// queue is full or after Close are dropped.
func (r *Recorder) Record(sessionID string, t s2s.Transcript) {
	select {
	case <-r.quit:
		return
	default:
	}
	select {
	case r.in <- fragment{sessionID: sessionID, t: t}:
	default:
		slog.Debug("transcript dropped; history queue full", "session_id", sessionID)
	}
}

// Close writes the pending utterance and stops the goroutine. It is safe to
// call more than once.
func (r *Recorder) Close() error {
	r.once.Do(func() { close(r.quit) })
	<-r.done
	return nil
}

func (r *Recorder) loop() {
	defer close(r.done)

	var (
		cur  history.Entry
		text strings.Builder
	)
	flush := func() {
		if s := strings.TrimSpace(text.String()); s != "" {
			cur.Text = s
			r.write(cur)
		}
		text.Reset()
		cur = history.Entry{}
	}
	add := func(f fragment) {
		speaker := string(f.t.Speaker)
		if text.Len() > 0 && (cur.SessionID != f.sessionID || cur.Speaker != speaker) {
			flush()
		}
		if text.Len() == 0 {
			at := f.t.At
			if at.IsZero() {
				at = time.Now()
			}
			cur = history.Entry{SessionID: f.sessionID, Speaker: speaker, At: at}
		}
		text.WriteString(f.t.Text)
	}

	timer := time.NewTimer(r.idle)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case f := <-r.in:
			add(f)
			timer.Reset(r.idle)
		case <-timer.C:
			flush()
		case <-r.quit:
			for {
				select {
				case f := <-r.in:
					add(f)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (r *Recorder) write(e history.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.store.Append(ctx, e); err != nil {
		slog.Warn("failed to record transcript", "session_id", e.SessionID, "err", err)
	}
}
