package main

import (
	"context"
	"fmt"

	"github.com/hyperengineering/edgeguard"
	"github.com/spf13/cobra"
)

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Inspect and recover undelivered events",
	Long: `Inspect the outbox of events queued for the cloud.

Items that exhaust their delivery attempts stop retrying and wait here
for an operator. Requeue them once the cause is fixed.`,
}

var outboxFailedCmd = &cobra.Command{
	Use:   "failed",
	Short: "List items that exhausted their delivery attempts",
	RunE:  runOutboxFailed,
}

var outboxShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one outbox item",
	Args:  cobra.ExactArgs(1),
	RunE:  runOutboxShow,
}

var outboxRequeueCmd = &cobra.Command{
	Use:   "requeue <id>...",
	Short: "Give failed items a fresh attempt budget",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runOutboxRequeue,
}

var outboxLimit int

func init() {
	outboxFailedCmd.Flags().IntVar(&outboxLimit, "limit", 50, "Maximum number of items to list")

	outboxCmd.AddCommand(outboxFailedCmd)
	outboxCmd.AddCommand(outboxShowCmd)
	outboxCmd.AddCommand(outboxRequeueCmd)
	rootCmd.AddCommand(outboxCmd)
}

func runOutboxFailed(cmd *cobra.Command, args []string) error {
	return withNode(cmd, func(ctx context.Context, node *edgeguard.Node) error {
		items, err := node.FailedOutbox(ctx, outboxLimit)
		if err != nil {
			return fmt.Errorf("list failed items: %w", err)
		}
		return outputOutboxItems(cmd, items)
	})
}

func runOutboxShow(cmd *cobra.Command, args []string) error {
	return withNode(cmd, func(ctx context.Context, node *edgeguard.Node) error {
		item, err := node.OutboxItem(ctx, args[0])
		if err != nil {
			return fmt.Errorf("get outbox item: %w", err)
		}
		return outputOutboxItem(cmd, item)
	})
}

func runOutboxRequeue(cmd *cobra.Command, args []string) error {
	return withNode(cmd, func(ctx context.Context, node *edgeguard.Node) error {
		var requeued []*edgeguard.OutboxItem
		for _, id := range args {
			item, err := node.RequeueOutbox(ctx, id)
			if err != nil {
				return fmt.Errorf("requeue %s: %w", id, err)
			}
			requeued = append(requeued, item)
		}

		if outputJSON {
			return outputAsJSON(cmd, requeued)
		}
		for _, item := range requeued {
			printSuccess(cmd.OutOrStdout(), "Requeued %s (%s)", item.ID, item.Type)
		}
		return nil
	})
}
