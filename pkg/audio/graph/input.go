package graph

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/liveconsult/pkg/audio"
)

// InputContext converts captured audio into mono blocks at a fixed rate.
type InputContext struct {
	lifecycle
	rate int

	nodesMu sync.Mutex
	nodes   map[*Processor]struct{}
}

// NewInputContext returns a suspended InputContext producing audio at rate.
func NewInputContext(rate int) *InputContext {
	return &InputContext{
		rate:  rate,
		nodes: make(map[*Processor]struct{}),
	}
}

// SampleRate returns the rate blocks are delivered at.
func (c *InputContext) SampleRate() int { return c.rate }

// Resume starts delivering blocks. It fails with ErrClosed after Close.
func (c *InputContext) Resume(ctx context.Context) error { return c.resume(ctx) }

// Suspend pauses block delivery; pushed audio is discarded while suspended.
func (c *InputContext) Suspend() error { return c.suspend() }

// Close disconnects every processor and closes the context. A second call
// returns ErrClosed.
func (c *InputContext) Close() error {
	if err := c.close(); err != nil {
		return err
	}
	c.nodesMu.Lock()
	nodes := c.nodes
	c.nodes = make(map[*Processor]struct{})
	c.nodesMu.Unlock()
	for p := range nodes {
		p.Disconnect()
	}
	return nil
}

// NewProcessor creates a node that accepts interleaved audio in format src
// and calls fn with exactly blockSize mono samples at the context rate.
//
// fn runs on the goroutine that calls [Processor.Push] and must not block.
// The slice passed to fn is owned by the callee.
func (c *InputContext) NewProcessor(src audio.Format, blockSize int, fn func(block []float32)) (*Processor, error) {
	if blockSize <= 0 {
		return nil, fmt.Errorf("graph: new processor: block size must be positive, got %d", blockSize)
	}
	if src.SampleRate <= 0 {
		return nil, fmt.Errorf("graph: new processor: invalid source format %s", src)
	}
	if c.State() == StateClosed {
		return nil, ErrClosed
	}
	p := &Processor{
		ctx:       c,
		channels:  max(src.Channels, 1),
		blockSize: blockSize,
		fn:        fn,
		rs:        audio.NewResampler(src.SampleRate, c.rate),
	}
	c.nodesMu.Lock()
	c.nodes[p] = struct{}{}
	c.nodesMu.Unlock()
	return p, nil
}

// Processor is a block-producing node attached to an [InputContext].
type Processor struct {
	ctx       *InputContext
	channels  int
	blockSize int

	mu           sync.Mutex
	fn           func([]float32)
	rs           *audio.Resampler
	pending      []float32
	disconnected bool
}

// Push feeds interleaved device samples into the node. Complete blocks are
// delivered synchronously; a remainder is kept for the next call. Push is a
// no-op once disconnected or while the context is not running.
func (p *Processor) Push(interleaved []float32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disconnected || p.ctx.State() != StateRunning {
		return
	}
	p.pending = append(p.pending, p.rs.Process(audio.Downmix(interleaved, p.channels))...)
	n := 0
	for len(p.pending)-n >= p.blockSize {
		block := make([]float32, p.blockSize)
		copy(block, p.pending[n:n+p.blockSize])
		n += p.blockSize
		p.fn(block)
	}
	p.pending = append(p.pending[:0], p.pending[n:]...)
}

// Disconnect detaches the node. Once it returns, fn is never called again.
// It is idempotent.
func (p *Processor) Disconnect() {
	p.mu.Lock()
	if p.disconnected {
		p.mu.Unlock()
		return
	}
	p.disconnected = true
	p.pending = nil
	p.fn = func([]float32) {}
	p.mu.Unlock()

	p.ctx.nodesMu.Lock()
	delete(p.ctx.nodes, p)
	p.ctx.nodesMu.Unlock()
}
