package commands

import (
	"runtime"

	"github.com/spf13/cobra"

	"github.com/born-ml/vision/internal/device/webgpu"
)

func newVersionCommand() *cobra.Command {
	var probe bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			w := cmd.OutOrStdout()
			printf(w, "vision %s\n", Version)
			printf(w, "go: %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
			if !probe {
				return
			}
			gpu := "unavailable"
			if webgpu.IsAvailable() {
				gpu = "available"
			}
			printf(w, "software: available\nwebgpu: %s\n", gpu)
		},
	}
	cmd.Flags().BoolVar(&probe, "probe", false, "also probe which compute backends can be opened")
	return cmd
}
