package live

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/liveconsult/internal/observe"
	"github.com/MrWong99/liveconsult/pkg/audio"
	"github.com/MrWong99/liveconsult/pkg/audio/graph"
	"github.com/MrWong99/liveconsult/pkg/device"
)

// capture turns microphone blocks into outbound PCM frames.
//
// The mute cell is shared with the manager and read on every block, so a
// toggle applies to the next block delivered after it.
type capture struct {
	stream device.InputStream
	node   *graph.Processor
	muted  *atomic.Bool
	gain   float64
	level  func(float64)
	queue  chan<- []byte

	ctx     context.Context
	metrics *observe.Metrics
	log     *slog.Logger

	stopOnce sync.Once
}

// startCapture attaches a block processor to in and starts the microphone.
// Blocks are blockSize mono samples at the context rate.
func startCapture(ctx context.Context, c *capture, in *graph.InputContext, blockSize int) error {
	node, err := in.NewProcessor(c.stream.Format(), blockSize, c.process)
	if err != nil {
		return err
	}
	c.node = node
	c.ctx = ctx
	if err := c.stream.Start(node.Push); err != nil {
		node.Disconnect()
		return err
	}
	return nil
}

// process handles one block on the device goroutine. It never blocks.
func (c *capture) process(block []float32) {
	if c.muted.Load() {
		c.level(0)
		c.metrics.AudioFramesMuted.Add(c.ctx, 1)
		return
	}
	c.level(audio.Level(audio.RMS(block), c.gain))

	select {
	case c.queue <- audio.EncodePCM16(block):
		c.metrics.AudioFramesSent.Add(c.ctx, 1)
	default:
		c.metrics.RecordTransmitError(c.ctx, "audio")
		c.log.Debug("dropping audio frame", "err", &TransmitError{Kind: "audio", Err: errQueueFull})
	}
}

// stop detaches the processor and releases the microphone. Safe to call more
// than once and on a capture that never started.
func (c *capture) stop() {
	c.stopOnce.Do(func() {
		if c.node != nil {
			c.node.Disconnect()
		}
		if err := c.stream.Stop(); err != nil {
			c.log.Debug("stop microphone", "err", err)
		}
	})
}
