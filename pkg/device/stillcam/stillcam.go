// Package stillcam implements [device.Camera] over still images on disk.
// Each call to Frame advances to the next image, wrapping around, which gives
// a headless stand-in for a webcam.
package stillcam

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg" // register decoder
	_ "image/png"  // register decoder
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/MrWong99/liveconsult/pkg/device"
)

var _ device.Camera = (*Camera)(nil)

// Camera serves frames from a single image file or a directory of them.
type Camera struct {
	path string
}

// New returns a Camera reading from path.
func New(path string) *Camera {
	return &Camera{path: path}
}

// Open decodes all images up front. The requested size is ignored; frames
// are served at their stored size.
func (c *Camera) Open(ctx context.Context, _, _ int) (device.VideoStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	files, err := c.list()
	if err != nil {
		return nil, &device.Error{Kind: device.KindCamera, Err: err}
	}
	frames := make([]image.Image, 0, len(files))
	for _, f := range files {
		img, err := decodeFile(f)
		if err != nil {
			return nil, &device.Error{Kind: device.KindCamera, Err: err}
		}
		frames = append(frames, img)
	}
	return &stream{frames: frames}, nil
}

func (c *Camera) list() ([]string, error) {
	info, err := os.Stat(c.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", c.path, device.ErrNotFound)
		}
		if errors.Is(err, os.ErrPermission) {
			return nil, fmt.Errorf("%s: %w", c.path, device.ErrPermissionDenied)
		}
		return nil, err
	}
	if !info.IsDir() {
		return []string{c.path}, nil
	}
	entries, err := os.ReadDir(c.path)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".jpg", ".jpeg", ".png":
			files = append(files, filepath.Join(c.path, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%s: no images: %w", c.path, device.ErrNotFound)
	}
	slices.Sort(files)
	return files, nil
}

func decodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return img, nil
}

type stream struct {
	mu      sync.Mutex
	frames  []image.Image
	next    int
	stopped bool
}

func (s *stream) Frame() (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil, device.ErrClosed
	}
	img := s.frames[s.next]
	s.next = (s.next + 1) % len(s.frames)
	return img, nil
}

func (s *stream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.frames = nil
	return nil
}
