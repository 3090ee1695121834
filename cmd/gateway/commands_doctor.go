package main

import (
	"github.com/spf13/cobra"
)

// buildDoctorCmd creates the "doctor" command: loads config, registers
// backends, and reports connectivity and role-store state without ever
// opening the protocol edge on stdin/stdout.
func buildDoctorCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check backend connectivity and role-store load status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "gateway.yaml", "Path to the gateway's own configuration file")
	return cmd
}
