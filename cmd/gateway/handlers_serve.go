package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/fenwick-labs/rolegate/internal/config"
	"github.com/fenwick-labs/rolegate/internal/gateway"
	"github.com/fenwick-labs/rolegate/internal/protocol"
)

// Environment variables the gateway reads at startup: a configuration
// path and a "current role" hint. Everything else comes from the config
// file.
const (
	envConfigPath = "GATEWAY_CONFIG"
	envRole       = "GATEWAY_ROLE"
)

func runServe(cmd *cobra.Command, configPath, role string, watch, debug bool) error {
	if debug {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}
	logger := slog.Default()

	if configPath == "" || configPath == "gateway.yaml" {
		if fromEnv := strings.TrimSpace(os.Getenv(envConfigPath)); fromEnv != "" {
			configPath = fromEnv
		}
	}
	if role == "" {
		role = strings.TrimSpace(os.Getenv(envRole))
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if role == "" {
		role = cfg.DefaultRole
	}

	logger.Info("starting gateway", "version", version, "commit", commit, "config", configPath, "role", role)

	var server *protocol.Server
	notify := func(method string, params any) {
		if server != nil {
			server.Notify(method, params)
		}
	}
	core := gateway.New(cfg, logger, notify)
	server = protocol.NewServer(core, logger)

	if err := core.RegisterBackendsFromFile(cfg.BackendsFile); err != nil {
		return fmt.Errorf("registering backends: %w", err)
	}
	if cfg.RoleOverridesFile != "" {
		if err := core.LoadRoleOverrides(cfg.RoleOverridesFile); err != nil {
			logger.Warn("loading role overrides failed", "error", err)
		}
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if role != "" {
		if err := core.StartForRole(ctx, role); err != nil {
			logger.Warn("starting for role failed; continuing unrestricted", "role", role, "error", err)
		}
	} else if err := core.StartAll(ctx); err != nil {
		return fmt.Errorf("starting backends: %w", err)
	}
	defer core.Stop()

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		go func() {
			<-ctx.Done()
			_ = metricsServer.Close()
		}()
	}

	if watch {
		go func() {
			if err := core.WatchConfig(ctx, 0); err != nil && ctx.Err() == nil {
				logger.Warn("config watch loop exited", "error", err)
			}
		}()
	}

	return server.Serve(ctx, os.Stdin, os.Stdout)
}
