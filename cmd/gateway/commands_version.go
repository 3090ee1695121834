package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// buildVersionCmd prints build information in a script-friendly form,
// independent of cobra's own --version flag formatting.
func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "gateway %s (commit %s, built %s)\n", version, commit, date)
			return nil
		},
	}
}
