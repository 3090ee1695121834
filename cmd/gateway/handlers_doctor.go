package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/fenwick-labs/rolegate/internal/config"
	"github.com/fenwick-labs/rolegate/internal/gateway"
)

func runDoctor(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(out, "config: FAIL (%v)\n", err)
		return err
	}
	fmt.Fprintf(out, "config: OK (version %d, backends file %s)\n", cfg.Version, cfg.BackendsFile)

	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), nil))
	core := gateway.New(cfg, logger, nil)
	if err := core.RegisterBackendsFromFile(cfg.BackendsFile); err != nil {
		fmt.Fprintf(out, "backends file: FAIL (%v)\n", err)
		return err
	}
	names := core.Router().BackendNames()
	fmt.Fprintf(out, "backends file: OK (%d backend(s) registered)\n", len(names))

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := core.StartAll(ctx); err != nil {
		fmt.Fprintf(out, "startup: FAIL (%v)\n", err)
		return err
	}
	defer core.Stop()

	for _, name := range names {
		status := "disconnected"
		if core.Router().Connected(name) {
			status = "connected"
		}
		fmt.Fprintf(out, "  backend %-16s %s\n", name, status)
	}

	roleIDs := core.Roles().RoleIDs()
	if len(roleIDs) == 0 {
		fmt.Fprintln(out, "roles: none loaded (skills backend unreachable, or it returned an empty manifest)")
	} else {
		fmt.Fprintf(out, "roles: %d loaded: %v\n", len(roleIDs), roleIDs)
	}
	fmt.Fprintf(out, "visible tools: %d\n", len(core.Visibility().VisibleTools()))
	return nil
}
