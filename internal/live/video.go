package live

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/image/draw"

	"github.com/MrWong99/liveconsult/internal/observe"
	"github.com/MrWong99/liveconsult/pkg/device"
)

// JPEGMIMEType is the MIME type of video snapshots.
const JPEGMIMEType = "image/jpeg"

// minJPEGQuality is the floor the encoder steps down to when a snapshot
// exceeds VideoConfig.MaxBytes.
const minJPEGQuality = 20

// VideoConfig controls the snapshot pipeline. Zero fields take the defaults
// noted on each field.
type VideoConfig struct {
	// Interval between snapshots. Default 1s.
	Interval time.Duration

	// Quality is the initial JPEG quality, 1-100. Default 60.
	Quality int

	// MaxWidth bounds the encoded width; larger frames are downscaled
	// preserving aspect ratio. Default 640.
	MaxWidth int

	// MaxBytes bounds the encoded size. Oversized snapshots are re-encoded
	// at lower quality down to 20. Default 256 KiB.
	MaxBytes int

	// Width and Height are requested from the camera. Default 640x480.
	Width, Height int
}

func (c VideoConfig) withDefaults() VideoConfig {
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if c.Quality <= 0 || c.Quality > 100 {
		c.Quality = 60
	}
	if c.MaxWidth <= 0 {
		c.MaxWidth = 640
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 256 << 10
	}
	if c.Width <= 0 || c.Height <= 0 {
		c.Width, c.Height = 640, 480
	}
	return c
}

// sendImageFunc delivers one encoded snapshot to the open session, if any.
type sendImageFunc func(ctx context.Context, mimeType string, data []byte)

// videoPipeline owns the camera. Activation and the snapshot timer are
// independent: the camera may be held for preview while no timer runs.
type videoPipeline struct {
	cam     device.Camera
	cfg     VideoConfig
	metrics *observe.Metrics
	log     *slog.Logger

	mu       sync.Mutex
	stream   device.VideoStream
	stopTick context.CancelFunc
	tickDone chan struct{}
}

func newVideoPipeline(cam device.Camera, cfg VideoConfig, m *observe.Metrics, log *slog.Logger) *videoPipeline {
	return &videoPipeline{cam: cam, cfg: cfg.withDefaults(), metrics: m, log: log}
}

// active reports whether the camera is held.
func (v *videoPipeline) active() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stream != nil
}

// activate acquires the camera. It is a no-op when already active.
func (v *videoPipeline) activate(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.stream != nil {
		return nil
	}
	if v.cam == nil {
		return &DeviceError{Device: device.KindCamera, Err: device.ErrNotFound}
	}
	s, err := v.cam.Open(ctx, v.cfg.Width, v.cfg.Height)
	if err != nil {
		return &DeviceError{Device: device.KindCamera, Err: err}
	}
	v.stream = s
	return nil
}

// deactivate stops the timer and releases the camera. Idempotent.
func (v *videoPipeline) deactivate() {
	v.stopTimer()
	v.mu.Lock()
	s := v.stream
	v.stream = nil
	v.mu.Unlock()
	if s != nil {
		if err := s.Stop(); err != nil {
			v.log.Debug("stop camera", "err", err)
		}
	}
}

// startTimer begins periodic snapshots while the camera is active. It is a
// no-op when inactive or when a timer already runs.
func (v *videoPipeline) startTimer(ctx context.Context, send sendImageFunc) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.stream == nil || v.stopTick != nil {
		return
	}
	tctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	v.stopTick, v.tickDone = cancel, done

	go func() {
		defer close(done)
		defer func() {
			cancel()
			v.mu.Lock()
			if v.tickDone == done {
				v.stopTick, v.tickDone = nil, nil
			}
			v.mu.Unlock()
		}()
		t := time.NewTicker(v.cfg.Interval)
		defer t.Stop()
		for {
			select {
			case <-tctx.Done():
				return
			case <-t.C:
				v.tick(tctx, send)
			}
		}
	}()
}

// stopTimer cancels the timer and waits for an in-flight tick. Idempotent.
func (v *videoPipeline) stopTimer() {
	v.mu.Lock()
	cancel, done := v.stopTick, v.tickDone
	v.stopTick, v.tickDone = nil, nil
	v.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (v *videoPipeline) tick(ctx context.Context, send sendImageFunc) {
	frame, err := v.frame()
	if err != nil {
		v.metrics.RecordVideoDrop(ctx, "capture")
		v.log.Debug("snapshot capture failed", "err", err)
		return
	}
	data, err := encodeSnapshot(frame, v.cfg)
	if err != nil {
		v.metrics.RecordVideoDrop(ctx, "encode")
		v.log.Warn("snapshot encode failed", "err", err)
		return
	}
	if ctx.Err() != nil {
		return
	}
	send(ctx, JPEGMIMEType, data)
}

// frame returns the current camera frame, or ErrClosed when inactive.
func (v *videoPipeline) frame() (image.Image, error) {
	v.mu.Lock()
	s := v.stream
	v.mu.Unlock()
	if s == nil {
		return nil, device.ErrClosed
	}
	return s.Frame()
}

// encodeSnapshot downscales img to cfg.MaxWidth and JPEG-encodes it,
// stepping quality down until the payload fits cfg.MaxBytes or the quality
// floor is reached.
func encodeSnapshot(img image.Image, cfg VideoConfig) ([]byte, error) {
	img = downscale(img, cfg.MaxWidth)
	var buf bytes.Buffer
	for q := cfg.Quality; ; q = max(q-10, minJPEGQuality) {
		buf.Reset()
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: q}); err != nil {
			return nil, fmt.Errorf("live: encode snapshot: %w", err)
		}
		if buf.Len() <= cfg.MaxBytes || q == minJPEGQuality {
			return buf.Bytes(), nil
		}
	}
}

func downscale(img image.Image, maxWidth int) image.Image {
	b := img.Bounds()
	if maxWidth <= 0 || b.Dx() <= maxWidth {
		return img
	}
	h := max(b.Dy()*maxWidth/b.Dx(), 1)
	dst := image.NewRGBA(image.Rect(0, 0, maxWidth, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}
