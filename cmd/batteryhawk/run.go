package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/battery-hawk/battery-hawk/internal/api"
	"github.com/battery-hawk/battery-hawk/internal/config"
	"github.com/battery-hawk/battery-hawk/internal/core"
	"github.com/battery-hawk/battery-hawk/internal/groutine"
)

// runCmd starts the monitoring daemon.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the monitoring daemon",
	Long: `Start the Battery Hawk daemon: discovery, per-device polling,
storage, MQTT publishing, and the REST API. Runs until SIGINT/SIGTERM.`,
	RunE: runDaemon,
}

// resolveDataDir picks the configuration directory: --data-dir flag, then
// $BATTERYHAWK_DATA_DIR, then /data.
func resolveDataDir(cmd *cobra.Command) string {
	if dir, _ := cmd.Flags().GetString("data-dir"); dir != "" {
		return dir
	}
	if dir := os.Getenv("BATTERYHAWK_DATA_DIR"); dir != "" {
		return dir
	}
	return "/data"
}

func runDaemon(cmd *cobra.Command, args []string) error {
	dataDir := resolveDataDir(cmd)
	cfg, err := config.NewManager(dataDir)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if err := configureLogging(cmd, cfg.System().Logging.Level); err != nil {
		return err
	}

	engine, err := core.NewEngine(cfg, dataDir)
	if err != nil {
		return fmt.Errorf("initialize engine: %w", err)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	groutine.Go(ctx, "config-watch", func(ctx context.Context) {
		if err := cfg.Watch(ctx); err != nil && ctx.Err() == nil {
			logrus.WithError(err).Warn("config watch stopped")
		}
	})

	server := api.NewServer(engine, cfg)
	groutine.Go(ctx, "api-server", func(ctx context.Context) {
		if err := server.Start(ctx); err != nil && ctx.Err() == nil {
			logrus.WithError(err).Error("api server stopped")
		}
	})

	return engine.Run(ctx)
}
