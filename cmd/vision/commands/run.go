package commands

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/born-ml/vision/internal/config"
	"github.com/born-ml/vision/internal/device"
	"github.com/born-ml/vision/internal/kernels"
	"github.com/born-ml/vision/internal/pipeline"
)

func newRunCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Process every channel until its source ends",
		Long: `Run builds the configured channels and processes frames until every
source is exhausted or the process is interrupted (Ctrl-C). A channel that
fails stops alone; the command reports every failure at the end.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, done, err := a.setup()
			if err != nil {
				return err
			}
			defer done()

			ctx, stop := signal.NotifyContext(background(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return withRunner(cfg, func(_ *device.Registry, runner *pipeline.Runner) error {
				err := runner.Run(ctx)
				summary(cmd.OutOrStdout(), runner)
				return err
			})
		},
	}
}

// withRunner opens the device, builds the channels and runs fn, releasing
// everything afterwards.
func withRunner(cfg *config.Config, fn func(*device.Registry, *pipeline.Runner) error) (err error) {
	reg, err := openRegistry(cfg)
	if err != nil {
		return err
	}
	cache := kernels.NewCache()
	defer func() {
		cache.Release()
		err = errors.Join(err, reg.Close())
	}()

	runner, err := pipeline.Build(cfg, reg, cache)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, runner.Close()) }()

	return fn(reg, runner)
}

func summary(w io.Writer, runner *pipeline.Runner) {
	for _, ch := range runner.Channels() {
		st := ch.Stats()
		printf(w, "channel %d %v: %d frames (%d bootstrap), %d errors, last %v\n",
			st.Index, st.Filters, st.Frames, st.BootstrapFrames, st.Errors, st.LastLatency)
		if st.LastError != "" {
			printf(w, "  error: %s\n", st.LastError)
		}
	}
}

// background is the context used when a command runs without one.
func background(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
