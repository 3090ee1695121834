// Package main provides the CLI entry point for the role-based MCP
// routing gateway.
//
// The gateway spawns and supervises backend MCP servers, performs their
// initialize/initialized handshake, aggregates and namespaces the tools
// they advertise, filters that set by the caller's active role and
// skills, and routes each tool invocation back to its originating
// backend. See serve.
//
// # Basic Usage
//
//	gateway serve --config gateway.yaml
//	gateway doctor --config gateway.yaml
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "gateway",
		Short: "Role-based routing gateway for MCP-shaped tool servers",
		Long: `gateway spawns and supervises backend MCP servers, aggregates and
namespaces the tools they advertise, filters that set by the caller's
active role and skills, and routes each tool invocation back to its
originating backend.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(
		buildServeCmd(),
		buildDoctorCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}
