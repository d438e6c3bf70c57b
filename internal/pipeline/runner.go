package pipeline

import (
	"context"
	"errors"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/born-ml/vision/internal/logging"
)

// Runner runs a set of channels concurrently.
type Runner struct {
	channels []*Channel
}

// NewRunner returns a runner for channels, ordered by index.
func NewRunner(channels ...*Channel) *Runner {
	chs := append([]*Channel(nil), channels...)
	sort.Slice(chs, func(i, j int) bool { return chs[i].index < chs[j].index })
	return &Runner{channels: chs}
}

// Channels returns the channels ordered by index.
func (r *Runner) Channels() []*Channel { return r.channels }

// Channel returns the channel with index i.
func (r *Runner) Channel(i int) (*Channel, bool) {
	for _, c := range r.channels {
		if c.index == i {
			return c, true
		}
	}
	return nil, false
}

// Run runs every channel until its source ends or ctx is cancelled. A
// failing channel stops alone; the others keep running. Run returns the
// errors of all failed channels.
func (r *Runner) Run(ctx context.Context) error {
	var (
		g    errgroup.Group
		errs = make([]error, len(r.channels))
	)
	for i, c := range r.channels {
		g.Go(func() error {
			errs[i] = c.Run(ctx)
			return nil
		})
	}
	_ = g.Wait()

	err := errors.Join(errs...)
	if err != nil {
		logging.Logger().Error("channels failed", "error", err)
	}
	return err
}

// Reset resets the background model of every channel that has one.
func (r *Runner) Reset() {
	for _, c := range r.channels {
		if err := c.Reset(); err != nil && !errors.Is(err, ErrNoSubsense) {
			logging.Logger().Warn("reset failed", "channel", c.index, "error", err)
		}
	}
}

// Close closes every channel.
func (r *Runner) Close() error {
	errs := make([]error, 0, len(r.channels))
	for _, c := range r.channels {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
