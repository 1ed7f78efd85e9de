package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultProvider   = "gemini-live"
	DefaultModel      = "gemini-2.5-flash-native-audio-preview-12-2025"
	DefaultVoice      = "Fenrir"
	DefaultGain       = 5.0
	DefaultBlockSize  = 4096
	DefaultQueueSize  = 32
	DefaultAudioDev   = "miniaudio"
	DefaultMaxRetries = 5
)

// ValidProviderNames lists known provider names.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = []string{"gemini-live", "gemini-genai", "openai-realtime"}

// ValidDeviceNames lists known device backends per device kind.
var ValidDeviceNames = map[string][]string{
	"microphone": {"miniaudio", "wavfile"},
	"speaker":    {"miniaudio", "wavfile"},
	"camera":     {"stillcam"},
}

// fileBackends need a path.
var fileBackends = []string{"wavfile", "stillcam"}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. A relative session.instructions_file is
// resolved against the directory of path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := load(f, filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Relative paths are left as written.
func LoadFromReader(r io.Reader) (*Config, error) {
	return load(r, "")
}

func load(r io.Reader, baseDir string) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if baseDir != "" {
		resolvePaths(cfg, baseDir)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a config holding only defaults, as used when no file is
// given.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills every unset field that has a default. Explicit values
// are never overwritten.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Provider.Name == "" {
		cfg.Provider.Name = DefaultProvider
	}
	if cfg.Provider.Model == "" && cfg.Provider.Name != "openai-realtime" {
		cfg.Provider.Model = DefaultModel
	}

	s := &cfg.Session
	if s.Voice == "" && cfg.Provider.Name != "openai-realtime" {
		s.Voice = DefaultVoice
	}
	if s.Gain == 0 {
		s.Gain = DefaultGain
	}
	if s.BlockSize == 0 {
		s.BlockSize = DefaultBlockSize
	}
	if s.QueueSize == 0 {
		s.QueueSize = DefaultQueueSize
	}

	v := &cfg.Video
	if v.Interval == 0 {
		v.Interval = time.Second
	}
	if v.Quality == 0 {
		v.Quality = 60
	}
	if v.MaxWidth == 0 {
		v.MaxWidth = 640
	}
	if v.MaxBytes == 0 {
		v.MaxBytes = 256 << 10
	}
	if v.Width == 0 && v.Height == 0 {
		v.Width, v.Height = 640, 480
	}

	if cfg.Devices.Microphone.Name == "" {
		cfg.Devices.Microphone.Name = DefaultAudioDev
	}
	if cfg.Devices.Speaker.Name == "" {
		cfg.Devices.Speaker.Name = DefaultAudioDev
	}

	r := &cfg.Reconnect
	if r.MaxRetries == 0 {
		r.MaxRetries = DefaultMaxRetries
	}
	if r.Backoff == 0 {
		r.Backoff = time.Second
	}
	if r.MaxBackoff == 0 {
		r.MaxBackoff = 30 * time.Second
	}
}

func resolvePaths(cfg *Config, dir string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(dir, p)
	}
	cfg.Session.InstructionsFile = abs(cfg.Session.InstructionsFile)
	cfg.Devices.Microphone.Path = abs(cfg.Devices.Microphone.Path)
	cfg.Devices.Speaker.Path = abs(cfg.Devices.Speaker.Path)
	cfg.Devices.Camera.Path = abs(cfg.Devices.Camera.Path)
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Provider
	if cfg.Provider.Name == "" {
		errs = append(errs, errors.New("provider.name is required"))
	} else if !slices.Contains(ValidProviderNames, cfg.Provider.Name) {
		slog.Warn("unknown provider name; may be a typo or third-party provider",
			"name", cfg.Provider.Name,
			"known", ValidProviderNames,
		)
	}
	if cfg.Provider.APIKey == "" {
		slog.Warn("provider.api_key is empty; connect attempts will fail until it is set")
	}
	for i, fb := range cfg.Provider.Fallbacks {
		prefix := fmt.Sprintf("provider.fallbacks[%d]", i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else if !slices.Contains(ValidProviderNames, fb.Name) {
			slog.Warn("unknown fallback provider name", "name", fb.Name, "known", ValidProviderNames)
		}
		if len(fb.Fallbacks) > 0 {
			errs = append(errs, fmt.Errorf("%s.fallbacks: nested fallbacks are not supported", prefix))
		}
	}

	// Session
	s := cfg.Session
	if s.Instructions != "" && s.InstructionsFile != "" {
		errs = append(errs, errors.New("session.instructions and session.instructions_file are mutually exclusive"))
	}
	if s.Gain < 0 {
		errs = append(errs, fmt.Errorf("session.gain %.2f must not be negative", s.Gain))
	}
	if s.BlockSize != 0 && !validBlockSize(s.BlockSize) {
		errs = append(errs, fmt.Errorf("session.block_size %d must be a power of two in [256, 16384]", s.BlockSize))
	}
	if s.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("session.queue_size %d must not be negative", s.QueueSize))
	}

	// Video
	v := cfg.Video
	if v.Interval < 0 {
		errs = append(errs, fmt.Errorf("video.interval %s must not be negative", v.Interval))
	}
	if v.Quality < 0 || v.Quality > 100 {
		errs = append(errs, fmt.Errorf("video.quality %d is out of range [1, 100]", v.Quality))
	}
	if v.MaxWidth < 0 || v.MaxBytes < 0 || v.Width < 0 || v.Height < 0 {
		errs = append(errs, errors.New("video sizes must not be negative"))
	}

	// Devices
	errs = append(errs, validateDevice("microphone", cfg.Devices.Microphone, true)...)
	errs = append(errs, validateDevice("speaker", cfg.Devices.Speaker, true)...)
	errs = append(errs, validateDevice("camera", cfg.Devices.Camera, false)...)

	// Reconnect
	r := cfg.Reconnect
	if r.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("reconnect.max_retries %d must not be negative", r.MaxRetries))
	}
	if r.Backoff < 0 || r.MaxBackoff < 0 {
		errs = append(errs, errors.New("reconnect backoff values must not be negative"))
	}
	if r.Backoff > 0 && r.MaxBackoff > 0 && r.MaxBackoff < r.Backoff {
		errs = append(errs, fmt.Errorf("reconnect.max_backoff %s is below reconnect.backoff %s", r.MaxBackoff, r.Backoff))
	}

	if cfg.History.DSN != "" && !cfg.Session.Transcription {
		slog.Warn("history.dsn is set but session.transcription is off; nothing will be recorded")
	}

	return errors.Join(errs...)
}

func validateDevice(kind string, d DeviceEntry, required bool) []error {
	prefix := "devices." + kind
	if d.Name == "" {
		if required {
			return []error{fmt.Errorf("%s.name is required", prefix)}
		}
		return nil
	}
	if known := ValidDeviceNames[kind]; !slices.Contains(known, d.Name) {
		slog.Warn("unknown device backend; may be a typo or third-party backend",
			"kind", kind,
			"name", d.Name,
			"known", known,
		)
	}
	if slices.Contains(fileBackends, d.Name) && d.Path == "" {
		return []error{fmt.Errorf("%s.path is required for backend %q", prefix, d.Name)}
	}
	return nil
}

func validBlockSize(n int) bool {
	return n >= 256 && n <= 16384 && n&(n-1) == 0
}
