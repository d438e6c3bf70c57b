package commands

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/born-ml/vision/internal/device"
	"github.com/born-ml/vision/internal/pipeline"
	"github.com/born-ml/vision/internal/server"
)

func newServeCommand(a *app) *cobra.Command {
	var address string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Process channels and expose the control server",
		Long: `Serve runs the channels like run and additionally serves the HTTP
control API: health, per-channel stats, start/stop/reset, debug views and the
latest output frame. The server keeps running after the sources end, until
the process is interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, done, err := a.setup()
			if err != nil {
				return err
			}
			defer done()
			if address != "" {
				cfg.Server.Address = address
			}

			ctx, stop := signal.NotifyContext(background(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return withRunner(cfg, func(reg *device.Registry, runner *pipeline.Runner) error {
				srv, err := server.New(runner, reg, server.Options{
					Address:       cfg.Server.Address,
					ResetSchedule: cfg.Server.ResetSchedule,
				})
				if err != nil {
					return err
				}

				g, ctx := errgroup.WithContext(ctx)
				g.Go(func() error { return runner.Run(ctx) })
				g.Go(func() error { return srv.Run(ctx) })
				err = g.Wait()
				summary(cmd.OutOrStdout(), runner)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&address, "address", "", "listen address (overrides server.address)")
	return cmd
}
