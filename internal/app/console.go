package app

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"strings"
	"sync"

	"github.com/MrWong99/liveconsult/internal/live"
)

// barWidth is the number of cells in the volume bar.
const barWidth = 20

// Controls is the part of [live.Manager] the console drives.
type Controls interface {
	Controller
	Disconnect()
	ToggleMute()
	ToggleVideo(ctx context.Context)
	Snapshot() live.State
}

// Console is a line-oriented terminal UI. Each input line is a command key:
//
//	c  connect       d  disconnect
//	m  toggle mute   v  toggle video
//	h  help          q  quit
//
// State changes are printed as they arrive; the volume bar is redrawn in
// place on the current line.
type Console struct {
	ctrl Controls
	in   io.Reader
	out  io.Writer

	mu    sync.Mutex
	inBar bool
}

// NewConsole returns a Console driving ctrl.
func NewConsole(ctrl Controls, in io.Reader, out io.Writer) *Console {
	return &Console{ctrl: ctrl, in: in, out: out}
}

// Run reads commands until q, end of input or ctx cancellation. It returns
// nil on quit and end of input, ctx.Err() on cancellation.
func (c *Console) Run(ctx context.Context) error {
	states, unsubscribe := c.ctrl.Subscribe()
	defer unsubscribe()

	done := make(chan struct{})
	defer close(done)
	keys := make(chan string)
	go c.readKeys(keys, done)

	c.help()
	prev := c.ctrl.Snapshot()
	c.event("status: %s", describe(prev))

	for {
		select {
		case <-ctx.Done():
			c.endBar()
			return ctx.Err()

		case k, ok := <-keys:
			if !ok {
				c.endBar()
				return nil
			}
			if quit := c.handle(ctx, k); quit {
				c.endBar()
				return nil
			}

		case st, ok := <-states:
			if !ok {
				c.endBar()
				return nil
			}
			c.render(prev, st)
			prev = st
		}
	}
}

// readKeys forwards trimmed input lines until EOF or done.
func (c *Console) readKeys(keys chan<- string, done <-chan struct{}) {
	defer close(keys)
	sc := bufio.NewScanner(c.in)
	for sc.Scan() {
		k := strings.ToLower(strings.TrimSpace(sc.Text()))
		if k == "" {
			continue
		}
		select {
		case keys <- k:
		case <-done:
			return
		}
	}
}

func (c *Console) handle(ctx context.Context, key string) (quit bool) {
	switch key[0] {
	case 'c':
		c.ctrl.Connect(ctx)
	case 'd':
		c.ctrl.Disconnect()
	case 'm':
		c.ctrl.ToggleMute()
	case 'v':
		c.ctrl.ToggleVideo(ctx)
	case 'h', '?':
		c.help()
	case 'q':
		return true
	default:
		c.event("unknown command %q (h for help)", key)
	}
	return false
}

// render prints what changed between two states.
func (c *Console) render(prev, st live.State) {
	if st.Status != prev.Status || !sameErr(st.Err, prev.Err) {
		c.event("status: %s", describe(st))
	}
	if st.Muted != prev.Muted {
		if st.Muted {
			c.event("microphone muted")
		} else {
			c.event("microphone live")
		}
	}
	if st.VideoActive != prev.VideoActive {
		if st.VideoActive {
			c.event("video on")
		} else {
			c.event("video off")
		}
	}
	if cells(st.Volume) != cells(prev.Volume) || st.Speaking != prev.Speaking {
		c.bar(st)
	}
}

func (c *Console) help() {
	c.event("commands: c connect, d disconnect, m mute, v video, h help, q quit")
}

// event prints one line, finishing a pending volume bar first. Safe for
// concurrent use.
func (c *Console) event(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inBar {
		fmt.Fprintln(c.out)
		c.inBar = false
	}
	fmt.Fprintf(c.out, format+"\n", args...)
}

func (c *Console) bar(st live.State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := cells(st.Volume)
	label := "mic"
	if st.Speaking {
		label = "ai "
	}
	fmt.Fprintf(c.out, "\r%s [%s%s]", label, strings.Repeat("#", n), strings.Repeat(" ", barWidth-n))
	c.inBar = true
}

func (c *Console) endBar() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inBar {
		fmt.Fprintln(c.out)
		c.inBar = false
	}
}

// cells maps a level in [0,1] to filled bar cells.
func cells(v float64) int {
	n := int(math.Round(v * barWidth))
	return max(0, min(n, barWidth))
}

func describe(st live.State) string {
	if st.Err != nil {
		return fmt.Sprintf("%s (%v)", st.Status, st.Err)
	}
	return st.Status.String()
}

func sameErr(a, b error) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Error() == b.Error()
}
