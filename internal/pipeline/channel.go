package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/born-ml/vision/internal/device"
	"github.com/born-ml/vision/internal/frame"
	"github.com/born-ml/vision/internal/logging"
	"github.com/born-ml/vision/internal/subsense"
	"github.com/born-ml/vision/internal/surface"
)

// Stats is a snapshot of a channel's counters.
type Stats struct {
	Index           int           `json:"index"`
	Filters         []string      `json:"filters"`
	Running         bool          `json:"running"`
	Active          bool          `json:"active"`
	Frames          uint64        `json:"frames"`
	BootstrapFrames uint64        `json:"bootstrap_frames"`
	Errors          uint64        `json:"errors"`
	LastLatency     time.Duration `json:"last_latency_ns"`
	LastError       string        `json:"last_error,omitempty"`
}

// Channel is one independent stream: a source, a chain of stages on the
// queue of its index, and a sink.
type Channel struct {
	index  int
	reg    *device.Registry
	stages []Stage
	names  []string
	src    Source
	sink   Sink
	log    *slog.Logger

	// run serializes frames; controls may interleave between them.
	run sync.Mutex

	mu      sync.Mutex
	stats   Stats
	running bool
}

// NewChannel assembles a channel. names label the stages in stats and logs
// and must match stages in length. The channel owns stages, src and sink.
func NewChannel(reg *device.Registry, index int, stages []Stage, names []string, src Source, sink Sink) (*Channel, error) {
	if len(names) != len(stages) {
		return nil, device.Usage("new channel", device.ErrInvalidConfig, "%d names for %d stages", len(names), len(stages))
	}
	if index < 0 {
		return nil, device.Usage("new channel", device.ErrInvalidConfig, "index %d must not be negative", index)
	}
	return &Channel{
		index:  index,
		reg:    reg,
		stages: stages,
		names:  append([]string(nil), names...),
		src:    src,
		sink:   sink,
		log:    logging.Logger().With("channel", index),
	}, nil
}

// Index returns the channel index, which is also its queue index.
func (c *Channel) Index() int { return c.index }

// Sink returns the channel's sink.
func (c *Channel) Sink() Sink { return c.sink }

// Stats returns a snapshot of the counters.
func (c *Channel) Stats() Stats {
	c.mu.Lock()
	s := c.stats
	s.Running = c.running
	c.mu.Unlock()

	s.Index = c.index
	s.Filters = append([]string(nil), c.names...)
	s.Active = true
	if sub := c.subsense(); sub != nil {
		s.Active = sub.Filter.Active()
	}
	return s
}

// Run processes frames until the source is exhausted or ctx is cancelled.
// Cancellation is observed between frames; a frame in flight completes.
// The first error stops the channel.
func (c *Channel) Run(ctx context.Context) error {
	c.setRunning(true)
	defer c.setRunning(false)

	c.log.Info("channel started", "filters", c.names)
	for {
		if ctx.Err() != nil {
			c.log.Info("channel cancelled")
			return nil
		}
		img, err := c.src.Next(ctx)
		if errors.Is(err, io.EOF) {
			c.log.Info("source exhausted", "frames", c.Stats().Frames)
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return c.fail(fmt.Errorf("channel %d: source: %w", c.index, err))
		}
		if err := c.Process(img); err != nil {
			return c.fail(err)
		}
	}
}

func (c *Channel) setRunning(v bool) {
	c.mu.Lock()
	c.running = v
	c.mu.Unlock()
}

func (c *Channel) fail(err error) error {
	c.mu.Lock()
	c.stats.Errors++
	c.stats.LastError = err.Error()
	c.mu.Unlock()
	c.log.Error("channel stopped", "error", err)
	return err
}

// Process runs one frame through the chain and delivers it to the sink.
func (c *Channel) Process(img image.Image) error {
	c.run.Lock()
	defer c.run.Unlock()

	start := time.Now()
	boot := false
	if sub := c.subsense(); sub != nil {
		boot = sub.Bootstrapping()
	}

	out, err := c.filter(img)
	if err != nil {
		return fmt.Errorf("channel %d: %w", c.index, err)
	}

	c.mu.Lock()
	c.stats.Frames++
	seq := c.stats.Frames
	if boot {
		c.stats.BootstrapFrames++
	}
	c.stats.LastLatency = time.Since(start)
	c.mu.Unlock()

	if err := c.sink.Put(c.index, seq, out); err != nil {
		return fmt.Errorf("channel %d: sink: %w", c.index, err)
	}
	return nil
}

func (c *Channel) filter(img image.Image) (*image.RGBA, error) {
	q, err := c.reg.Queue(c.index)
	if err != nil {
		return nil, err
	}
	in, err := frame.Upload(c.reg, c.index, img)
	if err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}
	defer in.Release()

	promises := make([]*surface.Promise, 0, len(c.stages))
	cur := in
	for i, s := range c.stages {
		p, err := s.Apply(cur, c.index)
		if err != nil {
			for _, p := range promises {
				p.Release()
			}
			return nil, fmt.Errorf("%s: %w", c.names[i], err)
		}
		promises = append(promises, p)
		cur = p.Target()
	}
	if len(promises) == 0 {
		return frame.FromBuffer(q, in)
	}

	bufs, err := surface.FinalizeAll(promises...)
	if err != nil {
		return nil, err
	}
	last := bufs[len(bufs)-1]
	for _, b := range bufs[:len(bufs)-1] {
		b.Release()
	}
	defer last.Release()
	return frame.FromBuffer(q, last)
}

func (c *Channel) subsense() *SubsenseStage {
	for _, s := range c.stages {
		if sub, ok := s.(*SubsenseStage); ok {
			return sub
		}
	}
	return nil
}

// Start activates background subtraction.
func (c *Channel) Start() error {
	sub := c.subsense()
	if sub == nil {
		return ErrNoSubsense
	}
	sub.Filter.Start()
	return nil
}

// Stop turns background subtraction into a pass-through.
func (c *Channel) Stop() error {
	sub := c.subsense()
	if sub == nil {
		return ErrNoSubsense
	}
	sub.Filter.Stop()
	return nil
}

// Reset restarts the background model bootstrap.
func (c *Channel) Reset() error {
	sub := c.subsense()
	if sub == nil {
		return ErrNoSubsense
	}
	sub.Filter.Reset()
	c.log.Info("background model reset")
	return nil
}

// SetDebugMode selects a debug view; -1 restores the composite.
func (c *Channel) SetDebugMode(n int) error {
	sub := c.subsense()
	if sub == nil {
		return ErrNoSubsense
	}
	return sub.Filter.SetDebugMode(n)
}

// Snapshot copies the background subtraction state to the host. It waits
// for the frame in flight.
func (c *Channel) Snapshot() (*subsense.State, error) {
	sub := c.subsense()
	if sub == nil {
		return nil, ErrNoSubsense
	}
	c.run.Lock()
	defer c.run.Unlock()
	return sub.Filter.Snapshot(c.index)
}

// Close releases the stages, the source and the sink.
func (c *Channel) Close() error {
	c.run.Lock()
	defer c.run.Unlock()

	var errs []error
	for _, s := range c.stages {
		errs = append(errs, s.Close())
	}
	errs = append(errs, c.src.Close(), c.sink.Close())
	return errors.Join(errs...)
}
