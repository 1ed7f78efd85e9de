package stillcam_test

import (
	"context"
	"errors"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/MrWong99/liveconsult/pkg/device"
	"github.com/MrWong99/liveconsult/pkg/device/stillcam"
)

func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, image.NewRGBA(image.Rect(0, 0, w, h))); err != nil {
		t.Fatal(err)
	}
}

func TestCamera_CyclesDirectory(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "a.png"), 10, 10)
	writePNG(t, filepath.Join(dir, "b.png"), 20, 20)
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	vs, err := stillcam.New(dir).Open(context.Background(), 640, 480)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	wantWidths := []int{10, 20, 10}
	for i, want := range wantWidths {
		img, err := vs.Frame()
		if err != nil {
			t.Fatalf("Frame %d: %v", i, err)
		}
		if got := img.Bounds().Dx(); got != want {
			t.Errorf("frame %d width = %d, want %d", i, got, want)
		}
	}

	_ = vs.Stop()
	if _, err := vs.Frame(); !errors.Is(err, device.ErrClosed) {
		t.Errorf("Frame after Stop = %v, want ErrClosed", err)
	}
}

func TestCamera_NotFound(t *testing.T) {
	t.Parallel()

	_, err := stillcam.New(filepath.Join(t.TempDir(), "missing")).Open(context.Background(), 640, 480)
	if !errors.Is(err, device.ErrNotFound) {
		t.Fatalf("Open = %v, want ErrNotFound", err)
	}
	var de *device.Error
	if !errors.As(err, &de) || de.Kind != device.KindCamera {
		t.Errorf("error is not a camera *device.Error: %v", err)
	}
}

func TestCamera_EmptyDirectory(t *testing.T) {
	t.Parallel()

	if _, err := stillcam.New(t.TempDir()).Open(context.Background(), 640, 480); !errors.Is(err, device.ErrNotFound) {
		t.Fatalf("Open = %v, want ErrNotFound", err)
	}
}
