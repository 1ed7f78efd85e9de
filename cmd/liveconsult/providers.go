package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/liveconsult/internal/app"
	"github.com/MrWong99/liveconsult/internal/config"
	"github.com/MrWong99/liveconsult/internal/resilience"
	"github.com/MrWong99/liveconsult/pkg/audio"
	"github.com/MrWong99/liveconsult/pkg/device"
	"github.com/MrWong99/liveconsult/pkg/device/miniaudio"
	"github.com/MrWong99/liveconsult/pkg/device/stillcam"
	"github.com/MrWong99/liveconsult/pkg/device/wavfile"
	historypg "github.com/MrWong99/liveconsult/pkg/history/postgres"
	"github.com/MrWong99/liveconsult/pkg/provider/s2s"
	"github.com/MrWong99/liveconsult/pkg/provider/s2s/gemini"
	"github.com/MrWong99/liveconsult/pkg/provider/s2s/genailive"
	oais2s "github.com/MrWong99/liveconsult/pkg/provider/s2s/openai"
)

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltins wires all built-in provider and device factories into reg.
// The returned function releases the shared miniaudio context, if one was
// created.
func registerBuiltins(reg *config.Registry) (closeAudio func() error) {
	// ── S2S ───────────────────────────────────────────────────────────────────

	reg.RegisterS2S("gemini-live", func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []gemini.Option
		if entry.Model != "" {
			opts = append(opts, gemini.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(entry.BaseURL))
		}
		return gemini.New(entry.APIKey, opts...), nil
	})

	reg.RegisterS2S("gemini-genai", func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []genailive.Option
		if entry.Model != "" {
			opts = append(opts, genailive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, genailive.WithBaseURL(entry.BaseURL))
		}
		if project := optString(entry.Options, "project"); project != "" {
			opts = append(opts, genailive.WithVertexAI(project, optString(entry.Options, "location")))
		}
		return genailive.New(entry.APIKey, opts...), nil
	})

	reg.RegisterS2S("openai-realtime", func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []oais2s.Option
		if entry.Model != "" {
			opts = append(opts, oais2s.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oais2s.WithBaseURL(entry.BaseURL))
		}
		return oais2s.New(entry.APIKey, opts...), nil
	})

	// ── Devices ───────────────────────────────────────────────────────────────

	backend := &sharedBackend{}

	reg.RegisterMicrophone("miniaudio", func(entry config.DeviceEntry) (device.Microphone, error) {
		opts := []miniaudio.MicOption{miniaudio.WithCaptureDevice(entry.Device)}
		if rate := optInt(entry.Options, "sample_rate"); rate > 0 {
			opts = append(opts, miniaudio.WithCaptureFormat(rate, max(optInt(entry.Options, "channels"), 1)))
		}
		return &deferredMicrophone{backend: backend, opts: opts}, nil
	})
	reg.RegisterSpeaker("miniaudio", func(entry config.DeviceEntry) (device.Speaker, error) {
		return &deferredSpeaker{backend: backend, name: entry.Device}, nil
	})

	reg.RegisterMicrophone("wavfile", func(entry config.DeviceEntry) (device.Microphone, error) {
		return wavfile.NewMicrophone(entry.Path, wavfileOptions(entry)...), nil
	})
	reg.RegisterSpeaker("wavfile", func(entry config.DeviceEntry) (device.Speaker, error) {
		return wavfile.NewSpeaker(entry.Path, wavfileOptions(entry)...), nil
	})

	reg.RegisterCamera("stillcam", func(entry config.DeviceEntry) (device.Camera, error) {
		return stillcam.New(entry.Path), nil
	})

	for _, name := range reg.S2SNames() {
		slog.Debug("registered provider", "kind", "s2s", "name", name)
	}
	return backend.Close
}

// buildDeps instantiates the provider and devices named in cfg. A missing
// API key leaves the provider nil, so connecting reports an error instead of
// failing startup.
func buildDeps(cfg *config.Config, reg *config.Registry) (*app.Deps, error) {
	deps := &app.Deps{}

	if cfg.Provider.APIKey == "" && optString(cfg.Provider.Options, "project") == "" {
		slog.Warn("no api key configured; set LIVECONSULT_API_KEY", "provider", cfg.Provider.Name)
	} else {
		p, err := createProvider(cfg.Provider, reg)
		if err != nil {
			return nil, err
		}
		deps.S2S = p
	}

	mic, err := reg.CreateMicrophone(cfg.Devices.Microphone)
	if err != nil {
		return nil, fmt.Errorf("create microphone %q: %w", cfg.Devices.Microphone.Name, err)
	}
	deps.Microphone = mic

	spk, err := reg.CreateSpeaker(cfg.Devices.Speaker)
	if err != nil {
		return nil, fmt.Errorf("create speaker %q: %w", cfg.Devices.Speaker.Name, err)
	}
	deps.Speaker = spk

	if name := cfg.Devices.Camera.Name; name != "" {
		cam, err := reg.CreateCamera(cfg.Devices.Camera)
		if err != nil {
			return nil, fmt.Errorf("create camera %q: %w", name, err)
		}
		deps.Camera = cam
	} else {
		slog.Debug("no camera configured; video disabled")
	}

	return deps, nil
}

// createProvider builds the primary provider and, when fallbacks are
// configured, wraps it in a [resilience.Failover].
func createProvider(entry config.ProviderEntry, reg *config.Registry) (s2s.Provider, error) {
	primary, err := reg.CreateS2S(entry)
	if err != nil {
		return nil, fmt.Errorf("create s2s provider %q: %w", entry.Name, err)
	}
	slog.Info("provider created", "kind", "s2s", "name", entry.Name)
	if len(entry.Fallbacks) == 0 {
		return primary, nil
	}

	fo := resilience.NewFailover(entry.Name, primary, resilience.BreakerConfig{})
	for _, fb := range entry.Fallbacks {
		if fb.APIKey == "" {
			fb.APIKey = entry.APIKey
		}
		p, err := reg.CreateS2S(fb)
		if err != nil {
			return nil, fmt.Errorf("create fallback provider %q: %w", fb.Name, err)
		}
		fo.Add(fb.Name, p)
		slog.Info("provider created", "kind", "s2s-fallback", "name", fb.Name)
	}
	return fo, nil
}

// openHistory connects to the conversation log named by cfg.History. It
// returns a nil store when the log is disabled.
func openHistory(ctx context.Context, cfg *config.Config) (*historypg.Store, error) {
	if cfg.History.DSN == "" {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	store, err := historypg.NewStore(ctx, cfg.History.DSN)
	if err != nil {
		return nil, fmt.Errorf("open conversation history: %w", err)
	}
	slog.Info("conversation history enabled")
	return store, nil
}

func wavfileOptions(entry config.DeviceEntry) []wavfile.Option {
	opts := []wavfile.Option{wavfile.WithLoop(optBool(entry.Options, "loop"))}
	if p := optString(entry.Options, "period"); p != "" {
		if d, err := time.ParseDuration(p); err == nil {
			opts = append(opts, wavfile.WithPeriod(d))
		} else {
			slog.Warn("ignoring invalid wavfile period", "period", p, "err", err)
		}
	}
	return opts
}

// ── miniaudio context ────────────────────────────────────────────────────────

// sharedBackend initialises one miniaudio context on first use. A failed
// initialisation is retried by the next caller.
type sharedBackend struct {
	mu sync.Mutex
	b  *miniaudio.Backend
}

func (s *sharedBackend) get() (*miniaudio.Backend, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.b != nil {
		return s.b, nil
	}
	b, err := miniaudio.NewBackend()
	if err != nil {
		return nil, err
	}
	s.b = b
	return b, nil
}

func (s *sharedBackend) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.b == nil {
		return nil
	}
	err := s.b.Close()
	s.b = nil
	return err
}

// deferredMicrophone opens the miniaudio context on Open, so a missing audio
// system surfaces as a connect failure.
type deferredMicrophone struct {
	backend *sharedBackend
	opts    []miniaudio.MicOption
}

func (d *deferredMicrophone) Open(ctx context.Context) (device.InputStream, error) {
	b, err := d.backend.get()
	if err != nil {
		return nil, &device.Error{Kind: device.KindMicrophone, Err: err}
	}
	return miniaudio.NewMicrophone(b, d.opts...).Open(ctx)
}

type deferredSpeaker struct {
	backend *sharedBackend
	name    string
}

func (d *deferredSpeaker) Open(ctx context.Context, format audio.Format, pull func([]float32)) (device.OutputStream, error) {
	b, err := d.backend.get()
	if err != nil {
		return nil, &device.Error{Kind: device.KindSpeaker, Err: err}
	}
	return miniaudio.NewSpeaker(b, d.name).Open(ctx, format, pull)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from an Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

func optBool(opts map[string]any, key string) bool {
	b, _ := opts[key].(bool)
	return b
}

func optInt(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}
