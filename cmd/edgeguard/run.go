package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/hyperengineering/edgeguard"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the node in the foreground",
	Long: `Run the node until interrupted: probe connectivity, refresh rules,
deliver queued events and sweep expired patient facts in the background.

When a config file is in use it is watched, and tuning changes (patient
TTL, retry policy, action categories, drain settings) are applied without
a restart. Database, clinic and cloud URL changes require a restart.`,
	Example: `  EDGEGUARD_CONFIG=/etc/edgeguard/node.toml edgeguard run`,
	RunE:    runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	env, err := openNode(ctx, cfg, "info")
	if err != nil {
		return err
	}
	defer env.Close()

	if err := env.node.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if path := configPath(); path != "" {
		watcher := edgeguard.NewConfigWatcher(path, env.logger)
		g.Go(func() error {
			return watcher.Watch(gctx, func(fileCfg edgeguard.Config) {
				if err := env.node.Reconfigure(layerConfig(fileCfg)); err != nil {
					env.logger.Warn("config reload rejected", "error", err)
				}
			})
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	env.logger.Info("node running", "clinic_id", env.node.Config().ClinicID)
	err = g.Wait()
	env.logger.Info("shutting down")
	return err
}
