// Package config provides the configuration schema, loader, and backend
// registry for liveconsult.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// DefaultInstructions is the built-in consultant script used when neither
// session.instructions nor session.instructions_file is set.
//
//go:embed instructions.txt
var DefaultInstructions string

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Provider  ProviderEntry   `yaml:"provider"`
	Session   SessionConfig   `yaml:"session"`
	Video     VideoConfig     `yaml:"video"`
	Devices   DevicesConfig   `yaml:"devices"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	History   HistoryConfig   `yaml:"history"`
}

// ServerConfig holds the health/metrics listener and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the health and metrics server
	// (e.g., ":9090"). Empty disables the server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProviderEntry selects and configures the remote speech endpoint. The Name
// field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "gemini-live").
	Name string `yaml:"name"`

	// APIKey authenticates against the endpoint. An empty key leaves the
	// client unable to connect; connect attempts end in the error state.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above.
	Options map[string]any `yaml:"options"`

	// Fallbacks are tried in order when this provider fails to open a
	// session. An empty APIKey inherits the primary's key. Fallbacks connect
	// with their own Model; nested fallbacks are rejected.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`
}

// SessionConfig holds the per-session settings sent when a session opens and
// the capture tuning. Changes apply on the next connect.
type SessionConfig struct {
	// Voice is the prebuilt voice the model speaks with.
	Voice string `yaml:"voice"`

	// Instructions is the system prompt. Mutually exclusive with
	// InstructionsFile. When both are empty [DefaultInstructions] is used.
	Instructions string `yaml:"instructions"`

	// InstructionsFile is a path to a text file holding the system prompt.
	// Relative paths are resolved against the config file's directory.
	InstructionsFile string `yaml:"instructions_file"`

	// Transcription requests text transcripts of both sides.
	Transcription bool `yaml:"transcription"`

	// Gain maps microphone RMS to the [0,1] level display.
	Gain float64 `yaml:"gain"`

	// BlockSize is the number of samples per outbound microphone frame.
	BlockSize int `yaml:"block_size"`

	// QueueSize bounds the outbound audio frame queue.
	QueueSize int `yaml:"queue_size"`
}

// SystemInstructions returns the effective system prompt.
func (s SessionConfig) SystemInstructions() (string, error) {
	switch {
	case s.Instructions != "":
		return s.Instructions, nil
	case s.InstructionsFile != "":
		b, err := os.ReadFile(s.InstructionsFile)
		if err != nil {
			return "", fmt.Errorf("config: read instructions: %w", err)
		}
		return string(b), nil
	default:
		return DefaultInstructions, nil
	}
}

// VideoConfig tunes the camera snapshot stream.
type VideoConfig struct {
	// Interval between snapshots (e.g., "1s").
	Interval time.Duration `yaml:"interval"`

	// Quality is the JPEG quality, 1-100.
	Quality int `yaml:"quality"`

	// MaxWidth bounds the encoded width; wider frames are downscaled.
	MaxWidth int `yaml:"max_width"`

	// MaxBytes bounds the encoded snapshot size.
	MaxBytes int `yaml:"max_bytes"`

	// Width and Height are requested from the camera.
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

// DevicesConfig selects the capture and playback backends.
type DevicesConfig struct {
	Microphone DeviceEntry `yaml:"microphone"`
	Speaker    DeviceEntry `yaml:"speaker"`

	// Camera is optional. An empty name disables video.
	Camera DeviceEntry `yaml:"camera"`
}

// DeviceEntry selects a registered device backend.
type DeviceEntry struct {
	// Name selects the backend (e.g., "miniaudio", "wavfile", "stillcam").
	Name string `yaml:"name"`

	// Device selects a hardware device by name substring. Empty means the
	// system default.
	Device string `yaml:"device"`

	// Path is the file or directory used by file-backed backends.
	Path string `yaml:"path"`

	// Options holds backend-specific values (e.g., "loop" for wavfile).
	Options map[string]any `yaml:"options"`
}

// ReconnectConfig controls the opt-in automatic reconnect performed by the
// application after a session ends in error.
type ReconnectConfig struct {
	Enabled bool `yaml:"enabled"`

	// MaxRetries is the number of consecutive attempts before giving up.
	MaxRetries int `yaml:"max_retries"`

	// Backoff is the delay before the first retry; it doubles per attempt.
	Backoff time.Duration `yaml:"backoff"`

	// MaxBackoff caps the delay.
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// HistoryConfig enables the conversation log. Transcripts are only produced
// when session.transcription is on.
type HistoryConfig struct {
	// DSN is a PostgreSQL connection string. Empty disables the log.
	DSN string `yaml:"dsn"`
}
