package commands

import (
	"github.com/spf13/cobra"

	"github.com/born-ml/vision/internal/shaders"
)

func newShadersCommand(a *app) *cobra.Command {
	var (
		out           string
		workgroupSize int
		workers       int
		verify        bool
	)
	cmd := &cobra.Command{
		Use:   "shaders",
		Short: "Compile every WGSL kernel variant to SPIR-V",
		Long: `Shaders compiles each kernel of every filter program, in every
feature combination the background subtractor can be configured with, into
SPIR-V files and writes a manifest with their checksums. With --verify it
only checks an existing output directory against its manifest.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if verify {
				m, err := shaders.Verify(out)
				if err != nil {
					return err
				}
				printf(cmd.OutOrStdout(), "%d variants verified in %s\n", len(m.Entries), out)
				return nil
			}

			cfg, done, err := a.setup()
			if err != nil {
				return err
			}
			defer done()

			units, err := shaders.Units(cfg.Subsense, workgroupSize)
			if err != nil {
				return err
			}
			m, err := shaders.Build(background(cmd), out, units, a.compile, workers)
			if err != nil {
				return err
			}
			size := 0
			for _, e := range m.Entries {
				size += e.Size
			}
			printf(cmd.OutOrStdout(), "%d variants, %d bytes written to %s\n", len(m.Entries), size, out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "shaders", "output directory")
	cmd.Flags().IntVar(&workgroupSize, "workgroup-size", 64, "WORKGROUP_SIZE the modules are specialised with")
	cmd.Flags().IntVarP(&workers, "jobs", "j", 0, "concurrent compilations (default GOMAXPROCS)")
	cmd.Flags().BoolVar(&verify, "verify", false, "verify an existing output directory instead of compiling")
	return cmd
}
