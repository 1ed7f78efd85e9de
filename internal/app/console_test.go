package app

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/liveconsult/internal/live"
)

func TestConsole_Commands(t *testing.T) {
	t.Parallel()

	ctrl := newFakeController()
	var out bytes.Buffer
	c := NewConsole(ctrl, strings.NewReader("c\n M \n\nv\nd\nx\nq\nc\n"), &out)

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	if ctrl.calls != 1 || ctrl.mutes != 1 || ctrl.videos != 1 || ctrl.disconnects != 1 {
		t.Errorf("calls: connect=%d mute=%d video=%d disconnect=%d, want 1 each",
			ctrl.calls, ctrl.mutes, ctrl.videos, ctrl.disconnects)
	}
	if !strings.Contains(out.String(), `unknown command "x"`) {
		t.Errorf("output missing unknown-command notice:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "status: disconnected") {
		t.Errorf("output missing initial status:\n%s", out.String())
	}
}

func TestConsole_EndOfInput(t *testing.T) {
	t.Parallel()

	c := NewConsole(newFakeController(), strings.NewReader(""), io.Discard)
	if err := c.Run(context.Background()); err != nil {
		t.Errorf("Run at EOF = %v, want nil", err)
	}
}

func TestConsole_ContextCancel(t *testing.T) {
	t.Parallel()

	pr, pw := io.Pipe()
	t.Cleanup(func() { _ = pw.Close() })

	c := NewConsole(newFakeController(), pr, io.Discard)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()

	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestConsole_Render(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	c := NewConsole(newFakeController(), nil, &out)

	idle := live.State{Status: live.StatusDisconnected}
	steps := []struct {
		state live.State
		want  string
	}{
		{live.State{Status: live.StatusConnected}, "status: connected\n"},
		{live.State{Status: live.StatusConnected, Muted: true}, "microphone muted\n"},
		{live.State{Status: live.StatusConnected, Muted: true, VideoActive: true}, "video on\n"},
		{live.State{Status: live.StatusConnected, Muted: true, VideoActive: true, Speaking: true, Volume: 0.5}, "\rai  [##########          ]"},
		{live.State{Status: live.StatusError, Err: errBoom}, "\nstatus: error (boom)\nmicrophone live\nvideo off\n\rmic [                    ]"},
	}

	prev := idle
	for _, s := range steps {
		out.Reset()
		c.render(prev, s.state)
		if got := out.String(); got != s.want {
			t.Errorf("render(%+v) = %q, want %q", s.state, got, s.want)
		}
		prev = s.state
	}
}

func TestConsole_RenderSameErrorIsQuiet(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	c := NewConsole(newFakeController(), nil, &out)
	a := live.State{Status: live.StatusError, Err: errors.New("x")}
	b := live.State{Status: live.StatusError, Err: errors.New("x")}
	c.render(a, b)
	if out.Len() != 0 {
		t.Errorf("expected no output, got %q", out.String())
	}
}

func TestCells(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   float64
		want int
	}{
		{0, 0},
		{0.5, 10},
		{1, barWidth},
		{2, barWidth},
		{-1, 0},
	}
	for _, tt := range tests {
		if got := cells(tt.in); got != tt.want {
			t.Errorf("cells(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
