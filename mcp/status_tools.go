package mcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hyperengineering/edgeguard"
)

const defaultFailedLimit = 20

// handleStatus handles the edgeguard_status tool call.
func (s *Server) handleStatus(ctx context.Context, args map[string]any) (*ToolResult, error) {
	health := s.node.HealthCheck(ctx)
	stats, err := s.node.Stats(ctx)
	if err != nil {
		return &ToolResult{
			Content: fmt.Sprintf("status failed: %v", err),
			IsError: true,
		}, nil
	}
	return &ToolResult{Content: formatStatus(health, stats)}, nil
}

// handleOutboxFailed handles the edgeguard_outbox_failed tool call.
func (s *Server) handleOutboxFailed(ctx context.Context, args map[string]any) (*ToolResult, error) {
	limit := defaultFailedLimit
	if l, ok := args["limit"].(float64); ok && l > 0 {
		limit = int(l)
	}

	items, err := s.node.FailedOutbox(ctx, limit)
	if err != nil {
		return &ToolResult{
			Content: fmt.Sprintf("list failed outbox items failed: %v", err),
			IsError: true,
		}, nil
	}
	return &ToolResult{Content: formatFailedOutbox(items)}, nil
}

// formatStatus formats health and statistics for display.
func formatStatus(health edgeguard.HealthStatus, stats *edgeguard.NodeStats) string {
	var sb strings.Builder

	state := "healthy"
	if !health.Healthy {
		state = "unhealthy"
	}
	sb.WriteString(fmt.Sprintf("Node: %s\n", state))
	if health.Error != "" {
		sb.WriteString(fmt.Sprintf("  Error: %s\n", health.Error))
	}
	sb.WriteString(fmt.Sprintf("Clinic: %s\n", stats.Sync.ClinicID))
	sb.WriteString(fmt.Sprintf("Connection: %s\n", health.Connection))

	if stats.RuleVersion != "" {
		sb.WriteString(fmt.Sprintf("Rules: %s (%d rules)\n", stats.RuleVersion, stats.RuleCount))
	} else {
		sb.WriteString("Rules: none loaded (evaluations fail closed to red)\n")
	}
	if stats.Sync.LastSyncTime != nil {
		sb.WriteString(fmt.Sprintf("Last sync: %s\n", formatTimestamp(*stats.Sync.LastSyncTime)))
	} else {
		sb.WriteString("Last sync: never\n")
	}
	sb.WriteString("\n")

	sb.WriteString("Statistics:\n")
	sb.WriteString(fmt.Sprintf("  Evaluations: %d\n", stats.EvaluationCount))
	sb.WriteString(fmt.Sprintf("  Patient facts: %d\n", stats.PatientFacts))
	sb.WriteString(fmt.Sprintf("  Assurance events: %d\n", stats.AssuranceEvents))
	sb.WriteString(fmt.Sprintf("  Outbox: %d pending, %d processing, %d failed, %d completed",
		stats.Outbox.Pending, stats.Outbox.Processing, stats.Outbox.Failed, stats.Outbox.Completed))

	return sb.String()
}

// formatFailedOutbox formats exhausted outbox items for operator review.
func formatFailedOutbox(items []edgeguard.OutboxItem) string {
	if len(items) == 0 {
		return "No failed outbox items."
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Failed outbox items (%d):\n\n", len(items)))
	for _, it := range items {
		sb.WriteString(fmt.Sprintf("  %s %s\n", it.ID, it.Type))
		sb.WriteString(fmt.Sprintf("    Attempts: %d/%d | Created: %s\n",
			it.Attempts, it.MaxAttempts, formatTimestamp(it.CreatedAt)))
		if it.LastError != "" {
			sb.WriteString(fmt.Sprintf("    Last error: %s\n", truncate(it.LastError, 200)))
		}
	}
	sb.WriteString("\nRequeue with: edgeguard outbox requeue <id>")
	return sb.String()
}

// formatTimestamp formats a timestamp for display.
func formatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05 UTC")
}
