package live

import (
	"errors"
	"fmt"

	"github.com/MrWong99/liveconsult/pkg/audio"
	"github.com/MrWong99/liveconsult/pkg/device"
)

// ErrNotConfigured is recorded when Connect is called without a provider,
// typically because no API key was supplied.
var ErrNotConfigured = errors.New("live: no provider configured")

// ErrManagerClosed is recorded when Connect is called after Close.
var ErrManagerClosed = errors.New("live: manager closed")

// DeviceError reports that a microphone, speaker or camera could not be
// acquired or started. For the microphone and speaker it moves the manager
// to [StatusError]; for the camera it only fails the video toggle.
type DeviceError struct {
	Device device.Kind
	Err    error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("live: %s unavailable: %v", e.Device, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// SessionOpenError reports that the remote session could not be opened.
type SessionOpenError struct {
	Err error
}

func (e *SessionOpenError) Error() string {
	return fmt.Sprintf("live: open session: %v", e.Err)
}

func (e *SessionOpenError) Unwrap() error { return e.Err }

// SessionError reports that an open session ended abnormally.
type SessionError struct {
	Err error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("live: session failed: %v", e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }

// DecodeError reports an inbound audio chunk that could not be decoded. The
// chunk is dropped and the session continues.
type DecodeError = audio.DecodeError

// TransmitError reports a failed or dropped send. Kind is "audio" or
// "image". It is logged and counted, never surfaced as a status change.
type TransmitError struct {
	Kind string
	Err  error
}

func (e *TransmitError) Error() string {
	return fmt.Sprintf("live: transmit %s: %v", e.Kind, e.Err)
}

func (e *TransmitError) Unwrap() error { return e.Err }

// errSuperseded aborts a connect attempt that Disconnect has replaced.
var errSuperseded = errors.New("live: connect attempt superseded")

// errQueueFull is wrapped by TransmitError when the outbound audio queue
// overflows.
var errQueueFull = errors.New("outbound queue full")
