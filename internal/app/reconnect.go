package app

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/liveconsult/internal/live"
)

// Controller is the part of [live.Manager] the reconnect policy drives.
type Controller interface {
	Connect(ctx context.Context)
	Subscribe() (<-chan live.State, func())
}

// Reconnector watches a session for failures and connects again with
// exponential backoff. It only reacts to ERROR; a clean remote close or a
// user disconnect ends any pending retry.
type Reconnector struct {
	ctrl        Controller
	maxRetries  int
	backoff     time.Duration
	maxBackoff  time.Duration
	onReconnect func()

	mu       sync.Mutex
	cancel   func()
	stopped  chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// ReconnectorConfig configures a [Reconnector].
type ReconnectorConfig struct {
	// Controller is the session to watch and reconnect.
	Controller Controller

	// MaxRetries is the number of attempts after a failure. Default: 5.
	MaxRetries int

	// Backoff is the delay before the first attempt. Default: 1s.
	Backoff time.Duration

	// MaxBackoff caps the doubling delay. Default: 30s.
	MaxBackoff time.Duration

	// OnReconnect is called after an attempt reached CONNECTED.
	OnReconnect func()
}

// NewReconnector creates a Reconnector. Call Monitor to start it.
func NewReconnector(cfg ReconnectorConfig) *Reconnector {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = 1 * time.Second
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}

	return &Reconnector{
		ctrl:        cfg.Controller,
		maxRetries:  maxRetries,
		backoff:     backoff,
		maxBackoff:  maxBackoff,
		onReconnect: cfg.OnReconnect,
		done:        make(chan struct{}),
	}
}

// Monitor subscribes to the session and starts the policy in a background
// goroutine. Calling Monitor again while running is a no-op.
func (r *Reconnector) Monitor(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped != nil {
		return
	}
	select {
	case <-r.done:
		return
	default:
	}
	states, cancel := r.ctrl.Subscribe()
	r.cancel = cancel
	r.stopped = make(chan struct{})
	go r.monitorLoop(ctx, states, r.stopped)
}

// Stop halts monitoring and waits for the loop to exit. A pending retry is
// abandoned. Safe to call multiple times.
func (r *Reconnector) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
	})

	r.mu.Lock()
	cancel, stopped := r.cancel, r.stopped
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if stopped != nil {
		<-stopped
	}
}

// monitorLoop tracks status transitions and schedules attempts.
//
// A state delivered through the subscription may coalesce several
// transitions. An ERROR therefore counts as a new failure when the previous
// state was not ERROR or when an attempt of ours is in flight.
func (r *Reconnector) monitorLoop(ctx context.Context, states <-chan live.State, stopped chan struct{}) {
	defer close(stopped)

	var (
		prev     live.Status
		attempt  int
		backoff  = r.backoff
		retry    <-chan time.Time
		inflight bool
	)

	reset := func() {
		attempt, backoff, retry, inflight = 0, r.backoff, nil, false
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return

		case <-retry:
			retry = nil
			attempt++
			inflight = true
			slog.Info("attempting reconnection",
				"attempt", attempt,
				"max_retries", r.maxRetries,
			)
			r.ctrl.Connect(ctx)

		case st, ok := <-states:
			if !ok {
				return
			}
			failed := st.Status == live.StatusError && (prev != live.StatusError || inflight)
			prev = st.Status

			switch st.Status {
			case live.StatusConnected:
				if attempt > 0 {
					slog.Info("reconnection successful", "attempt", attempt)
					if r.onReconnect != nil {
						r.onReconnect()
					}
				}
				reset()

			case live.StatusDisconnected:
				if retry != nil || inflight {
					slog.Info("reconnection abandoned after disconnect")
				}
				reset()

			case live.StatusError:
				if !failed {
					continue
				}
				inflight = false
				if attempt > 0 {
					slog.Warn("reconnection attempt failed", "attempt", attempt, "err", st.Err)
				}
				if !retryable(st.Err) {
					slog.Info("not reconnecting", "err", st.Err)
					reset()
					continue
				}
				if attempt >= r.maxRetries {
					slog.Error("reconnection failed after max retries", "max_retries", r.maxRetries)
					reset()
					continue
				}
				retry = time.After(backoff)

				// Exponential backoff.
				backoff *= 2
				if backoff > r.maxBackoff {
					backoff = r.maxBackoff
				}
			}
		}
	}
}

// retryable reports whether connecting again can change the outcome.
func retryable(err error) bool {
	return !errors.Is(err, live.ErrNotConfigured) && !errors.Is(err, live.ErrManagerClosed)
}
