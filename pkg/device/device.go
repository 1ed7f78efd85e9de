// Package device defines the capture and playback hardware a live session
// needs: a [Microphone], a [Speaker] and a [Camera].
//
// Backends live in sub-packages (malgo for real audio hardware, wavfile and
// stillcam for file-backed devices, mock for tests). The interfaces are kept
// narrow so the session core never depends on a particular backend.
//
// Acquisition failures are reported as [*Error] values wrapping one of the
// sentinel causes below, so callers can branch with errors.Is.
package device

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/MrWong99/liveconsult/pkg/audio"
)

var (
	// ErrPermissionDenied means the user or OS refused access to the device.
	ErrPermissionDenied = errors.New("device: permission denied")

	// ErrNotFound means no matching device exists.
	ErrNotFound = errors.New("device: not found")

	// ErrClosed is returned by operations on a stopped stream.
	ErrClosed = errors.New("device: stream closed")
)

// Kind names a class of device in errors and logs.
type Kind string

const (
	KindMicrophone Kind = "microphone"
	KindSpeaker    Kind = "speaker"
	KindCamera     Kind = "camera"
)

// Error reports a failure to acquire or start a device.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("device: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Microphone opens capture streams.
type Microphone interface {
	// Open acquires the device. The returned stream delivers nothing until
	// [InputStream.Start] is called.
	Open(ctx context.Context) (InputStream, error)
}

// InputStream is an acquired capture device.
type InputStream interface {
	// Format reports the native format of the samples passed to Start's
	// callback. Samples are interleaved float32 in [-1, 1].
	Format() audio.Format

	// Start begins capture. fn is called from a device goroutine with each
	// captured period and must not block or retain the slice.
	Start(fn func(samples []float32)) error

	// Stop halts capture and releases the device. It is idempotent.
	Stop() error
}

// Speaker opens playback streams.
type Speaker interface {
	// Open acquires the device for format. pull is called from a device
	// goroutine to fill each period with interleaved samples and must not
	// block.
	Open(ctx context.Context, format audio.Format, pull func(out []float32)) (OutputStream, error)
}

// OutputStream is an acquired playback device.
type OutputStream interface {
	Start() error
	// Stop halts playback and releases the device. It is idempotent.
	Stop() error
}

// Camera opens video streams.
type Camera interface {
	// Open acquires the camera requesting the given frame size. Backends may
	// deliver a different size.
	Open(ctx context.Context, width, height int) (VideoStream, error)
}

// VideoStream is an acquired camera.
type VideoStream interface {
	// Frame returns the most recent frame. After Stop it returns ErrClosed.
	Frame() (image.Image, error)

	// Stop releases the camera. It is idempotent.
	Stop() error
}
