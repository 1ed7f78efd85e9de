// Package s2s defines the Provider interface for speech-to-speech (S2S)
// streaming endpoints.
//
// An S2S provider wraps a hosted conversational model that accepts a
// continuous stream of microphone PCM (and optionally still images) and
// answers with synthesised speech on the same long-lived connection.
//
// The central abstraction is [SessionHandle]. Everything the remote side
// signals after the session is open arrives, in order, on a single
// [SessionHandle.Messages] channel:
//
//   - a [Message] with Audio set carries one encoded speech chunk;
//   - a [Message] with Interrupted set means the user barged in and all
//     pending playback must be discarded;
//   - the channel closing means the session ended. [SessionHandle.Err]
//     then distinguishes a clean close (nil) from a failure.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"errors"
	"time"
)

// ErrUnsupported is returned by send operations the provider cannot carry,
// e.g. images on an audio-only endpoint.
var ErrUnsupported = errors.New("s2s: operation not supported by provider")

// ErrSessionClosed is returned by send operations after Close or after the
// remote side ended the session.
var ErrSessionClosed = errors.New("s2s: session closed")

// Modality is a response modality requested from the model.
type Modality string

const (
	ModalityAudio Modality = "AUDIO"
	ModalityText  Modality = "TEXT"
)

// SessionConfig is the initial configuration for a new S2S session.
type SessionConfig struct {
	// Model overrides the provider's configured model when non-empty.
	Model string

	// Voice is the prebuilt voice identifier used for synthesised speech.
	Voice string

	// Instructions is the system prompt sent once at session start.
	Instructions string

	// Modalities lists the requested response modalities. Empty means audio.
	Modalities []Modality

	// InputSampleRate is the rate of PCM passed to SendAudio. Zero means
	// 16000.
	InputSampleRate int

	// Transcription requests text transcripts of both sides of the
	// conversation where the provider supports it.
	Transcription bool
}

// Speaker identifies who a transcript belongs to.
type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerModel Speaker = "model"
)

// Transcript is a fragment of recognised or generated text.
type Transcript struct {
	Speaker Speaker
	Text    string
	At      time.Time
}

// Message is one inbound event from the remote session.
type Message struct {
	// Audio is an encoded speech chunk (16-bit PCM at the provider's output
	// rate, or a WAV container). Nil when the message carries no audio.
	Audio []byte

	// Interrupted is set when the model stopped its current turn because
	// the user started talking.
	Interrupted bool

	// TurnComplete is set when the model finished its turn.
	TurnComplete bool

	// Transcript is non-nil when the message carries text.
	Transcript *Transcript
}

// Capabilities describes static properties of an S2S provider.
type Capabilities struct {
	// OutputSampleRate is the rate of PCM delivered in [Message.Audio].
	OutputSampleRate int

	// MaxSessionDuration is the provider-imposed session lifetime. Zero
	// means no documented limit.
	MaxSessionDuration time.Duration

	// SupportsImages reports whether SendImage is carried to the model.
	SupportsImages bool

	// Voices lists the prebuilt voice identifiers available.
	Voices []string
}

// SessionHandle represents an open S2S session. It is an interface so that
// tests can supply mock implementations without a live connection.
//
// Send methods are on the hot path and must return quickly; they report
// transport failures but never close the session themselves.
type SessionHandle interface {
	// SendAudio delivers one chunk of 16-bit little-endian mono PCM at
	// sampleRate.
	SendAudio(pcm []byte, sampleRate int) error

	// SendImage delivers one encoded still image (e.g. "image/jpeg").
	// Providers without image input return ErrUnsupported.
	SendImage(mimeType string, data []byte) error

	// Messages returns the inbound event channel. It is closed exactly
	// once, when the session ends for any reason.
	Messages() <-chan Message

	// Err returns the error that ended the session, or nil after a clean
	// close. It is meaningful once Messages has been closed.
	Err() error

	// Close terminates the session. Calling Close more than once is safe
	// and returns nil.
	Close() error
}

// Provider is the abstraction over any S2S backend.
type Provider interface {
	// Connect opens a session and returns once the remote side has
	// acknowledged the configuration, so the handle is immediately usable.
	// The caller owns the handle and must call Close.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// Capabilities returns static metadata about the provider.
	Capabilities() Capabilities
}

// ResponseModalities returns cfg.Modalities, defaulting to audio only.
func (cfg SessionConfig) ResponseModalities() []Modality {
	if len(cfg.Modalities) == 0 {
		return []Modality{ModalityAudio}
	}
	return cfg.Modalities
}

// SampleRate returns cfg.InputSampleRate, defaulting to 16000.
func (cfg SessionConfig) SampleRate() int {
	if cfg.InputSampleRate <= 0 {
		return 16000
	}
	return cfg.InputSampleRate
}
