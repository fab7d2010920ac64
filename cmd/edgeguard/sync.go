package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hyperengineering/edgeguard"
	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Synchronize with the cloud now",
	Long: `Probe the cloud, refresh the rule set if a newer version is
published, and deliver one batch of queued events.

Use this with manual_sync, or to force a sync between background passes.`,
	Example: `  edgeguard sync
  edgeguard sync --timeout 2m --json`,
	RunE: runSync,
}

var syncTimeout time.Duration

func init() {
	syncCmd.Flags().DurationVar(&syncTimeout, "timeout", 60*time.Second, "Overall sync timeout")
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.CloudURL == "" {
		return fmt.Errorf("no cloud URL configured (set EDGEGUARD_CLOUD_URL or --cloud-url)")
	}

	return withNode(cmd, func(ctx context.Context, node *edgeguard.Node) error {
		ctx, cancel := context.WithTimeout(ctx, syncTimeout)
		defer cancel()

		start := time.Now()
		var report *edgeguard.SyncReport
		err := runWithSpinner(cmd.ErrOrStderr(), "Synchronizing with cloud", func() error {
			var err error
			report, err = node.SyncNow(ctx)
			return err
		})
		if errors.Is(err, edgeguard.ErrOffline) {
			return fmt.Errorf("cloud unreachable; evaluations continue against cached rules: %w", err)
		}
		if err != nil {
			return fmt.Errorf("sync: %w", err)
		}
		return outputSyncReport(cmd, report, time.Since(start))
	})
}
