package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hyperengineering/edgeguard"
	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show node statistics",
	Long:  `Display rule, cache, audit and outbox statistics for the local node.`,
	Example: `  edgeguard stats
  edgeguard stats --health`,
	RunE: runStats,
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check whether the node can serve evaluations",
	Long: `Check the store and the active rule set, and probe the cloud when one
is configured. Exits non-zero when the node is unhealthy. Cloud
reachability is reported but does not affect health.`,
	RunE: runHealth,
}

var statsHealth bool

func init() {
	statsCmd.Flags().BoolVar(&statsHealth, "health", false, "Include health check")
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(healthCmd)
}

// errUnhealthy makes health exit non-zero after printing its report.
var errUnhealthy = errors.New("node is unhealthy")

func runStats(cmd *cobra.Command, args []string) error {
	return withNode(cmd, func(ctx context.Context, node *edgeguard.Node) error {
		stats, err := node.Stats(ctx)
		if err != nil {
			return fmt.Errorf("get stats: %w", err)
		}

		var health *edgeguard.HealthStatus
		if statsHealth {
			hctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			h := node.HealthCheck(hctx)
			cancel()
			health = &h
		}

		if outputJSON {
			return outputAsJSON(cmd, struct {
				*edgeguard.NodeStats
				Health *edgeguard.HealthStatus `json:"health,omitempty"`
			}{stats, health})
		}

		outputStats(cmd, stats)
		if health != nil {
			fmt.Fprintln(cmd.OutOrStdout())
			outputHealth(cmd, *health)
		}
		return nil
	})
}

func runHealth(cmd *cobra.Command, args []string) error {
	return withNode(cmd, func(ctx context.Context, node *edgeguard.Node) error {
		hctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		health := node.HealthCheck(hctx)

		if outputJSON {
			if err := outputAsJSON(cmd, health); err != nil {
				return err
			}
		} else {
			outputHealth(cmd, health)
		}
		if !health.Healthy {
			return errUnhealthy
		}
		return nil
	})
}
