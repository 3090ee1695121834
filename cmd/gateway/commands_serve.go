package main

import (
	"github.com/spf13/cobra"
)

// buildServeCmd creates the "serve" command: the gateway's normal mode,
// speaking JSON-RPC on its own stdin/stdout while supervising backends.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		role       string
		watch      bool
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the routing gateway",
		Long: `Start the routing gateway.

The gateway registers every backend named in the configured backends
file, performs the initialize handshake with each, bootstraps role
definitions from the skills backend's list_skills tool, and begins
serving JSON-RPC requests on its own stdin/stdout until the parent
process closes the pipe or sends SIGINT/SIGTERM.`,
		Example: `  # Start with the default config
  gateway serve --config gateway.yaml

  # Start already scoped to one role's backends
  gateway serve --config gateway.yaml --role guest`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, role, watch, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "gateway.yaml", "Path to the gateway's own configuration file")
	cmd.Flags().StringVar(&role, "role", "", "Start only the backends this role can reach, instead of every registered backend")
	cmd.Flags().BoolVar(&watch, "watch", true, "Hot-reload the backends and role-overrides files on change")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	return cmd
}
