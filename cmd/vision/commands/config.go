package commands

import (
	"github.com/spf13/cobra"
)

func newConfigCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "dump",
		Short: "Print the effective configuration as YAML",
		Long: `Dump prints the configuration after defaults, the config file and
VISION_ environment variables were applied. Without a config file this is the
default configuration, a starting point for vision.yaml.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, done, err := a.setup()
			if err != nil {
				return err
			}
			defer done()
			return cfg.Dump(cmd.OutOrStdout())
		},
	})
	return cmd
}
