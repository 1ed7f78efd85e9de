// Package app wires the liveconsult subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds the session manager from
// the config and the injected devices, Run serves the probe and metrics
// endpoints, drives the console and the optional reconnect policy, and
// Shutdown tears everything down in order.
//
// For testing, inject mock devices and providers through [Deps] and replace
// the console streams with [WithConsole].
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/liveconsult/internal/config"
	"github.com/MrWong99/liveconsult/internal/health"
	"github.com/MrWong99/liveconsult/internal/live"
	"github.com/MrWong99/liveconsult/internal/observe"
	"github.com/MrWong99/liveconsult/pkg/audio"
	"github.com/MrWong99/liveconsult/pkg/device"
	"github.com/MrWong99/liveconsult/pkg/history"
	"github.com/MrWong99/liveconsult/pkg/provider/s2s"
)

// errQuit ends Run when the console user quits.
var errQuit = errors.New("app: quit")

// serverShutdownTimeout bounds the graceful HTTP shutdown at the end of Run.
const serverShutdownTimeout = 5 * time.Second

// Deps holds one interface value per external dependency. Nil S2S means no
// API key is configured; nil Camera disables video; nil History disables the
// conversation log. Populated by main.go via the config registry.
type Deps struct {
	S2S        s2s.Provider
	Microphone device.Microphone
	Speaker    device.Speaker
	Camera     device.Camera
	History    history.Store
}

// App owns all subsystem lifetimes.
type App struct {
	cfg      *config.Config
	deps     *Deps
	manager  *live.Manager
	metrics  *observe.Metrics
	gatherer prometheus.Gatherer
	level    *slog.LevelVar

	server      *http.Server
	listener    net.Listener
	reconnector *Reconnector
	recorder    *Recorder
	console     *Console
	autoConnect bool

	// closers are called in reverse order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics replaces observe.DefaultMetrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithGatherer sets the registry served on /metrics. The default is the
// client_golang default gatherer.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(a *App) { a.gatherer = g }
}

// WithLogLevel lets config reloads change the level of the default logger.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithConsole runs the interactive console on in and out during Run. When
// the console quits, Run returns.
func WithConsole(in io.Reader, out io.Writer) Option {
	return func(a *App) { a.console = &Console{in: in, out: out} }
}

// WithAutoConnect makes Run connect once at start.
func WithAutoConnect() Option {
	return func(a *App) { a.autoConnect = true }
}

// WithCloser registers fn to run during Shutdown, after the manager closed.
func WithCloser(fn func() error) Option {
	return func(a *App) { a.closers = append(a.closers, fn) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg and deps. It performs no I/O besides reading
// the instructions file and binding the listen address; devices are opened
// by the first Connect.
func New(cfg *config.Config, deps *Deps, opts ...Option) (*App, error) {
	if deps == nil {
		deps = &Deps{}
	}
	a := &App{cfg: cfg, deps: deps}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.gatherer == nil {
		a.gatherer = prometheus.DefaultGatherer
	}

	sessCfg, err := SessionConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("app: session config: %w", err)
	}

	onTranscript := logTranscript
	if deps.History != nil {
		a.recorder = NewRecorder(RecorderConfig{Store: deps.History})
		onTranscript = func(sessionID string, t s2s.Transcript) {
			logTranscript(sessionID, t)
			a.recorder.Record(sessionID, t)
		}
	}

	a.manager = live.New(live.Config{
		Provider:     deps.S2S,
		ProviderName: cfg.Provider.Name,
		Session:      sessCfg,
		Microphone:   deps.Microphone,
		Speaker:      deps.Speaker,
		Camera:       deps.Camera,
		Video: live.VideoConfig{
			Interval: cfg.Video.Interval,
			Quality:  cfg.Video.Quality,
			MaxWidth: cfg.Video.MaxWidth,
			MaxBytes: cfg.Video.MaxBytes,
			Width:    cfg.Video.Width,
			Height:   cfg.Video.Height,
		},
		Gain:         cfg.Session.Gain,
		BlockSize:    cfg.Session.BlockSize,
		QueueSize:    cfg.Session.QueueSize,
		OnTranscript: onTranscript,
		Metrics:      a.metrics,
	})

	if a.console != nil {
		a.console.ctrl = a.manager
	}

	if cfg.Reconnect.Enabled {
		a.reconnector = NewReconnector(ReconnectorConfig{
			Controller: a.manager,
			MaxRetries: cfg.Reconnect.MaxRetries,
			Backoff:    cfg.Reconnect.Backoff,
			MaxBackoff: cfg.Reconnect.MaxBackoff,
			OnReconnect: func() {
				if a.console != nil {
					a.console.event("reconnected")
				}
			},
		})
	}

	if addr := cfg.Server.ListenAddr; addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			if a.recorder != nil {
				_ = a.recorder.Close()
			}
			return nil, fmt.Errorf("app: listen on %s: %w", addr, err)
		}
		a.listener = ln
		a.server = &http.Server{
			Handler:           a.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	return a, nil
}

// SessionConfig builds the remote session configuration from cfg.
func SessionConfig(cfg *config.Config) (s2s.SessionConfig, error) {
	instructions, err := cfg.Session.SystemInstructions()
	if err != nil {
		return s2s.SessionConfig{}, err
	}
	return s2s.SessionConfig{
		Model:           cfg.Provider.Model,
		Voice:           cfg.Session.Voice,
		Instructions:    instructions,
		InputSampleRate: audio.InputSampleRate,
		Transcription:   cfg.Session.Transcription,
	}, nil
}

// Manager returns the session manager.
func (a *App) Manager() *live.Manager { return a.manager }

// Handler returns the probe and metrics routes wrapped in the request
// middleware.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	checkers := []health.Checker{
		health.StateChecker("session", func() string {
			return a.manager.Status().String()
		}, live.StatusError.String()),
	}
	if store := a.deps.History; store != nil {
		checkers = append(checkers, health.Checker{Name: "history", Check: store.Ping})
	}
	health.New(checkers...).Register(mux)
	mux.Handle("GET /metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
	return observe.Middleware(a.metrics)(mux)
}

// Addr returns the bound listen address, or nil when the server is disabled.
func (a *App) Addr() net.Addr {
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP, monitors the session for the reconnect policy and runs
// the console until ctx is cancelled or the console quits. It returns nil
// after a console quit and ctx.Err() after cancellation.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if a.server != nil {
		g.Go(func() error {
			slog.Info("http server listening", "addr", a.listener.Addr().String())
			var err error
			if tls := a.cfg.Server.TLS; tls != nil {
				err = a.server.ServeTLS(a.listener, tls.CertFile, tls.KeyFile)
			} else {
				err = a.server.Serve(a.listener)
			}
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("app: http server: %w", err)
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), serverShutdownTimeout)
			defer cancel()
			return a.server.Shutdown(sctx)
		})
	}

	if a.reconnector != nil {
		a.reconnector.Monitor(gctx)
	}

	if a.autoConnect {
		a.manager.Connect(gctx)
	}

	if a.console != nil {
		g.Go(func() error {
			err := a.console.Run(gctx)
			if gctx.Err() != nil {
				return nil
			}
			if err != nil {
				return err
			}
			return errQuit
		})
	} else {
		g.Go(func() error {
			<-gctx.Done()
			return nil
		})
	}

	err := g.Wait()
	switch {
	case errors.Is(err, errQuit):
		return nil
	case err != nil:
		return err
	default:
		return ctx.Err()
	}
}

// ApplyConfig applies a reloaded config. Session settings take effect on the
// next connect; the log level changes immediately. Anything else is only
// reported as requiring a restart.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)

	if d.LogLevelChanged && a.level != nil {
		a.level.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}

	if d.SessionChanged {
		sc, err := SessionConfig(new)
		if err != nil {
			slog.Warn("reloaded session settings ignored", "err", err)
		} else {
			a.manager.UpdateSession(sc)
			slog.Info("session settings updated; they apply on the next connect",
				"voice_changed", d.VoiceChanged,
				"prompt_changed", d.PromptChanged,
				"model_changed", d.ModelChanged,
			)
		}
	}

	if d.RestartRequired {
		slog.Warn("config change requires a restart to take effect")
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the reconnect policy, closes the manager, flushes the
// transcript recorder and runs the registered closers in reverse order. If
// ctx expires first, the remaining closers are skipped and the context error
// is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		if a.reconnector != nil {
			a.reconnector.Stop()
		}
		if cerr := a.manager.Close(); cerr != nil {
			slog.Warn("manager close error", "err", cerr)
		}
		if a.recorder != nil {
			_ = a.recorder.Close()
		}
		if a.server != nil {
			// Run normally shuts the server down; this covers New without Run.
			_ = a.server.Close()
			_ = a.listener.Close()
		}

		var errs []error
		for i := len(a.closers) - 1; i >= 0; i-- {
			if cerr := ctx.Err(); cerr != nil {
				errs = append(errs, cerr)
				break
			}
			if cerr := a.closers[i](); cerr != nil {
				slog.Warn("closer error", "err", cerr)
				errs = append(errs, cerr)
			}
		}
		err = errors.Join(errs...)
	})
	return err
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// SlogLevel converts a config.LogLevel to its slog level. Unknown values map
// to info.
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func logTranscript(sessionID string, t s2s.Transcript) {
	slog.Info("transcript", "session_id", sessionID, "speaker", t.Speaker, "text", t.Text)
}
