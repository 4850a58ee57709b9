package main

import (
	"github.com/spf13/cobra"
)

// buildServeCmd creates the serve command that runs the daemon.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Valet daemon",
		Long: `Run the assistant daemon: the agent runtime, the job scheduler, and
the loopback control surface. The process exits non-zero when the
configuration is invalid or the listen address violates the loopback
policy.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (default valet.yaml, or VALET_CONFIG)")
	cmd.Flags().BoolVar(&debug, "debug", false, "Force debug logging regardless of configuration")
	return cmd
}
