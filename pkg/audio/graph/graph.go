// Package graph provides the two software audio rendering contexts used by a
// live session: an [InputContext] that turns raw device callbacks into
// fixed-size mono blocks at the wire rate, and an [OutputContext] that places
// decoded buffers on a sample-accurate timeline and renders them on demand.
//
// Both contexts start suspended, must be resumed before they do any work, and
// become permanently unusable once closed.
package graph

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrClosed is returned by operations on a closed context, including a
// second Close.
var ErrClosed = errors.New("graph: context closed")

// State is the lifecycle state of a rendering context.
type State int

const (
	// StateSuspended is the initial state. No audio flows.
	StateSuspended State = iota

	// StateRunning means audio is processed and the clock advances.
	StateRunning

	// StateClosed is terminal.
	StateClosed
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateSuspended:
		return "suspended"
	case StateRunning:
		return "running"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// lifecycle is the state machine shared by both context kinds.
type lifecycle struct {
	mu    sync.Mutex
	state State
}

func (l *lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *lifecycle) resume(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateClosed {
		return ErrClosed
	}
	l.state = StateRunning
	return nil
}

func (l *lifecycle) suspend() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateClosed {
		return ErrClosed
	}
	l.state = StateSuspended
	return nil
}

// close transitions to StateClosed. It reports ErrClosed if already closed.
func (l *lifecycle) close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateClosed {
		return ErrClosed
	}
	l.state = StateClosed
	return nil
}
