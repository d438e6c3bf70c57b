// Package commands implements the vision command line.
package commands

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/gogpu/naga"
	"github.com/spf13/cobra"

	"github.com/born-ml/vision/internal/config"
	"github.com/born-ml/vision/internal/device"
	"github.com/born-ml/vision/internal/device/software"
	"github.com/born-ml/vision/internal/device/webgpu"
	"github.com/born-ml/vision/internal/logging"
	"github.com/born-ml/vision/internal/parallel"
	"github.com/born-ml/vision/internal/shaders"
)

// Version is the release version, overridden at link time.
var Version = "0.1.0-dev"

// app carries the state shared by every subcommand.
type app struct {
	cfgFile string
	backend string

	// compile turns WGSL into SPIR-V for the shaders command.
	compile shaders.Compiler
}

// Execute runs the root command.
func Execute() error {
	return NewRootCommand().Execute()
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&app{compile: naga.Compile})
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "vision",
		Short: "Adaptive background subtraction on a compute device",
		Long: `Vision separates a moving subject from a learned background in every
frame of one or more camera channels, using an adaptive pixel-level
classifier executed as compute kernels. Blur and chroma key filters can be
chained after it.

Configuration comes from vision.yaml (working directory or ~/.vision),
VISION_ environment variables and flags.`,
		Version:       Version,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&a.cfgFile, "config", "", "config file (default is ./vision.yaml or $HOME/.vision/vision.yaml)")
	root.PersistentFlags().StringVar(&a.backend, "backend", "", "compute backend: software or webgpu (overrides config)")

	root.AddCommand(
		newRunCommand(a),
		newServeCommand(a),
		newShadersCommand(a),
		newConfigCommand(a),
		newVersionCommand(),
	)
	return root
}

// setup loads the configuration and routes library logs into logrus. The
// returned func restores the previous logger and closes the log file.
func (a *app) setup() (*config.Config, func(), error) {
	cfg, err := config.Load(a.cfgFile)
	if err != nil {
		return nil, nil, err
	}
	if a.backend != "" {
		cfg.Backend = a.backend
		if err := cfg.Validate(); err != nil {
			return nil, nil, err
		}
	}

	log, closer, err := logging.NewLogrus(logging.Options{
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
		Console: cfg.Logging.Console,
	})
	if err != nil {
		return nil, nil, err
	}
	prev := logging.Logger()
	logging.SetLogger(slog.New(logging.NewLogrusHandler(log)))

	return cfg, func() {
		logging.SetLogger(prev)
		_ = closer.Close()
	}, nil
}

// openRegistry opens the configured backend.
func openRegistry(cfg *config.Config) (*device.Registry, error) {
	var (
		backend device.Backend
		err     error
	)
	switch cfg.Backend {
	case "webgpu":
		backend, err = webgpu.Open()
	default:
		par := parallel.DefaultConfig()
		if cfg.Workers > 0 {
			par.NumWorkers = cfg.Workers
			par.Enabled = cfg.Workers > 1
		}
		backend = software.New(software.WithParallel(par))
	}
	if err != nil {
		return nil, fmt.Errorf("open %s backend: %w", cfg.Backend, err)
	}
	reg, err := device.NewRegistry(backend)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	return reg, nil
}

func printf(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}
