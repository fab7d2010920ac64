// Package mcp exposes an edgeguard node as MCP (Model Context Protocol)
// tools so host applications and agents can request evaluations and record
// assurance data over stdio.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/hyperengineering/edgeguard"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Server wraps the MCP server with edgeguard tools.
type Server struct {
	node      *edgeguard.Node
	mcpServer *server.MCPServer
}

// ToolResult represents the result of a tool call.
type ToolResult struct {
	Content string
	IsError bool
}

// ToolInfo represents a registered tool.
type ToolInfo struct {
	Name        string
	Description string
}

// NewServer creates a new MCP server with edgeguard tools registered.
func NewServer(node *edgeguard.Node) *Server {
	s := &Server{node: node}

	s.mcpServer = server.NewMCPServer(
		"edgeguard",
		"1.0.0",
		server.WithToolCapabilities(true),
	)

	s.registerTools()

	return s
}

// Run starts the MCP server, reading from stdin and writing to stdout.
func (s *Server) Run() error {
	return server.ServeStdio(s.mcpServer)
}

// HandleMessage processes a raw JSON-RPC message and returns a response.
// This is primarily for testing the MCP protocol layer.
func (s *Server) HandleMessage(ctx context.Context, message json.RawMessage) mcp.JSONRPCMessage {
	return s.mcpServer.HandleMessage(ctx, message)
}

// ListTools returns all registered tools.
func (s *Server) ListTools() []ToolInfo {
	return []ToolInfo{
		{Name: "edgeguard_evaluate", Description: "Evaluate a proposed clinical action and return a green, yellow or red verdict"},
		{Name: "edgeguard_record_assurance", Description: "Record an AI assurance event for later delivery to the cloud"},
		{Name: "edgeguard_record_feedback", Description: "Attach clinician feedback to an assurance event"},
		{Name: "edgeguard_sync", Description: "Probe the cloud, refresh rules and deliver pending events now"},
		{Name: "edgeguard_status", Description: "Report node health, rule version, sync state and outbox counts"},
		{Name: "edgeguard_outbox_failed", Description: "List outbox items that exhausted their delivery attempts"},
	}
}

// CallTool executes a tool by name with the given arguments.
// This is used for testing and direct invocation.
func (s *Server) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	switch name {
	case "edgeguard_evaluate":
		return s.handleEvaluate(ctx, args)
	case "edgeguard_record_assurance":
		return s.handleRecordAssurance(ctx, args)
	case "edgeguard_record_feedback":
		return s.handleRecordFeedback(ctx, args)
	case "edgeguard_sync":
		return s.handleSync(ctx, args)
	case "edgeguard_status":
		return s.handleStatus(ctx, args)
	case "edgeguard_outbox_failed":
		return s.handleOutboxFailed(ctx, args)
	default:
		return &ToolResult{Content: fmt.Sprintf("unknown tool: %s", name), IsError: true}, nil
	}
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool("edgeguard_evaluate",
		mcp.WithDescription("Evaluate a proposed clinical action against the cached safety rules and the patient's cached facts. Works offline. Returns the verdict color, the triggered signals and the audit log ID."),
		mcp.WithString("patient_hash",
			mcp.Description("Hex SHA-256 patient hash (never a raw identifier)"),
			mcp.Required(),
		),
		mcp.WithString("action",
			mcp.Description("The proposed action, e.g. prescribe"),
			mcp.Required(),
		),
		mcp.WithObject("context",
			mcp.Description("Action details passed to the rules, e.g. {\"drug\": \"amoxicillin\", \"dose_mg\": 500}"),
		),
		mcp.WithString("encounter_id",
			mcp.Description("Optional encounter identifier"),
		),
		mcp.WithString("override_by",
			mcp.Description("Clinician overriding the verdict (requires override_reason)"),
		),
		mcp.WithString("override_reason",
			mcp.Description("Reason for the override"),
		),
		mcp.WithBoolean("ai_assisted",
			mcp.Description("Set when the action originated from an AI recommendation"),
		),
	), s.mcpHandler(s.handleEvaluate))

	s.mcpServer.AddTool(mcp.NewTool("edgeguard_record_assurance",
		mcp.WithDescription("Record an AI assurance event: what the AI recommended and what the clinician decided. Queued for delivery to the cloud."),
		mcp.WithString("patient_hash",
			mcp.Description("Hex SHA-256 patient hash"),
			mcp.Required(),
		),
		mcp.WithString("event_type",
			mcp.Description("Event type, e.g. recommendation"),
			mcp.Required(),
		),
		mcp.WithString("ai_recommendation",
			mcp.Description("The AI recommendation text"),
			mcp.Required(),
		),
		mcp.WithNumber("ai_confidence",
			mcp.Description("AI confidence 0.0-1.0"),
		),
		mcp.WithString("ai_provider",
			mcp.Description("AI provider name"),
		),
		mcp.WithNumber("ai_latency_ms",
			mcp.Description("AI response latency in milliseconds"),
		),
		mcp.WithString("human_decision",
			mcp.Description("What the clinician decided"),
		),
		mcp.WithBoolean("human_override",
			mcp.Description("Whether the clinician overrode the AI (requires override_reason)"),
		),
		mcp.WithString("override_reason",
			mcp.Description("Reason for the override"),
		),
		mcp.WithString("encounter_id",
			mcp.Description("Optional encounter identifier"),
		),
		mcp.WithObject("input_context",
			mcp.Description("Snapshot of the inputs the AI saw"),
		),
	), s.mcpHandler(s.handleRecordAssurance))

	s.mcpServer.AddTool(mcp.NewTool("edgeguard_record_feedback",
		mcp.WithDescription("Attach clinician feedback to a recorded assurance event."),
		mcp.WithString("assurance_event_id",
			mcp.Description("ID returned by edgeguard_record_assurance"),
			mcp.Required(),
		),
		mcp.WithString("feedback_type",
			mcp.Description("Feedback type, e.g. rating"),
			mcp.Required(),
		),
		mcp.WithString("feedback_value",
			mcp.Description("Feedback value"),
			mcp.Required(),
		),
		mcp.WithString("source",
			mcp.Description("Feedback source (default: clinician)"),
		),
	), s.mcpHandler(s.handleRecordFeedback))

	s.mcpServer.AddTool(mcp.NewTool("edgeguard_sync",
		mcp.WithDescription("Probe the cloud, refresh rules if a newer version is published and deliver one batch of pending events."),
	), s.mcpHandler(s.handleSync))

	s.mcpServer.AddTool(mcp.NewTool("edgeguard_status",
		mcp.WithDescription("Report node health, the active rule version, connection status and outbox counts."),
	), s.mcpHandler(s.handleStatus))

	s.mcpServer.AddTool(mcp.NewTool("edgeguard_outbox_failed",
		mcp.WithDescription("List outbox items that exhausted their delivery attempts and need operator attention."),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of items to return (default: 20)"),
		),
	), s.mcpHandler(s.handleOutboxFailed))
}

type toolHandler func(ctx context.Context, args map[string]any) (*ToolResult, error)

// mcpHandler adapts an internal handler to the mcp-go handler signature.
func (s *Server) mcpHandler(h toolHandler) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		result, err := h(ctx, req.GetArguments())
		if err != nil {
			return nil, err
		}
		return toMCPResult(result), nil
	}
}

func toMCPResult(r *ToolResult) *mcp.CallToolResult {
	result := &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: r.Content,
			},
		},
	}
	if r.IsError {
		result.IsError = true
	}
	return result
}

// Internal handlers

func (s *Server) handleEvaluate(ctx context.Context, args map[string]any) (*ToolResult, error) {
	params := edgeguard.EvaluateParams{
		PatientHash: stringArg(args, "patient_hash"),
		Action:      stringArg(args, "action"),
		EncounterID: stringArg(args, "encounter_id"),
	}
	if params.PatientHash == "" {
		return &ToolResult{Content: "patient_hash is required", IsError: true}, nil
	}
	if params.Action == "" {
		return &ToolResult{Content: "action is required", IsError: true}, nil
	}
	if c, ok := args["context"].(map[string]any); ok {
		params.Context = c
	}
	if by := stringArg(args, "override_by"); by != "" {
		params.Override = &edgeguard.Override{By: by, Reason: stringArg(args, "override_reason")}
	}
	if ai, ok := args["ai_assisted"].(bool); ok {
		params.AIAssisted = ai
	}

	result, err := s.node.Evaluate(ctx, params)
	if err != nil {
		return &ToolResult{Content: fmt.Sprintf("evaluate failed: %v", err), IsError: true}, nil
	}
	return &ToolResult{Content: formatEvaluationResult(result)}, nil
}

func (s *Server) handleRecordAssurance(ctx context.Context, args map[string]any) (*ToolResult, error) {
	params := edgeguard.AssuranceEventParams{
		PatientHash:      stringArg(args, "patient_hash"),
		EventType:        stringArg(args, "event_type"),
		AIRecommendation: stringArg(args, "ai_recommendation"),
		AIProvider:       stringArg(args, "ai_provider"),
		HumanDecision:    stringArg(args, "human_decision"),
		OverrideReason:   stringArg(args, "override_reason"),
		EncounterID:      stringArg(args, "encounter_id"),
	}
	if conf, ok := args["ai_confidence"].(float64); ok {
		params.AIConfidence = &conf
	}
	if lat, ok := args["ai_latency_ms"].(float64); ok {
		ms := int64(lat)
		params.AILatencyMs = &ms
	}
	if override, ok := args["human_override"].(bool); ok {
		params.HumanOverride = override
	}
	if snap, ok := args["input_context"].(map[string]any); ok {
		params.InputContextSnapshot = snap
	}

	ev, err := s.node.RecordAssuranceEvent(ctx, params)
	if err != nil {
		return &ToolResult{Content: fmt.Sprintf("record assurance event failed: %v", err), IsError: true}, nil
	}
	return &ToolResult{Content: formatAssuranceEvent(ev)}, nil
}

func (s *Server) handleRecordFeedback(ctx context.Context, args map[string]any) (*ToolResult, error) {
	params := edgeguard.HumanFeedbackParams{
		AssuranceEventID: stringArg(args, "assurance_event_id"),
		FeedbackType:     stringArg(args, "feedback_type"),
		FeedbackValue:    stringArg(args, "feedback_value"),
		Source:           stringArg(args, "source"),
	}
	if params.AssuranceEventID == "" {
		return &ToolResult{Content: "assurance_event_id is required", IsError: true}, nil
	}

	fb, err := s.node.RecordHumanFeedback(ctx, params)
	if err != nil {
		if errors.Is(err, edgeguard.ErrNotFound) {
			return &ToolResult{
				Content: fmt.Sprintf("Assurance event not found: %q", params.AssuranceEventID),
				IsError: true,
			}, nil
		}
		return &ToolResult{Content: fmt.Sprintf("record feedback failed: %v", err), IsError: true}, nil
	}
	return &ToolResult{Content: fmt.Sprintf("Recorded feedback [%s] on event %s: %s=%s (source: %s)",
		fb.ID, fb.AssuranceEventID, fb.FeedbackType, fb.FeedbackValue, fb.Source)}, nil
}

func (s *Server) handleSync(ctx context.Context, args map[string]any) (*ToolResult, error) {
	report, err := s.node.SyncNow(ctx)
	if err != nil {
		if errors.Is(err, edgeguard.ErrOffline) {
			return &ToolResult{
				Content: "Sync unavailable: cloud not configured or unreachable (offline mode). Evaluations continue against cached rules.",
				IsError: true,
			}, nil
		}
		return &ToolResult{Content: fmt.Sprintf("sync failed: %v", err), IsError: true}, nil
	}
	return &ToolResult{Content: formatSyncReport(report)}, nil
}

// Formatting functions

func formatEvaluationResult(r *edgeguard.EvaluationResult) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Verdict: %s\n", strings.ToUpper(string(r.Color))))
	if r.Overridden {
		sb.WriteString("Overridden by clinician\n")
	}

	if len(r.Signals) == 0 {
		sb.WriteString("No signals triggered.\n")
	} else {
		sb.WriteString(fmt.Sprintf("Signals (%d):\n", r.SignalCount))
		for _, sig := range r.Signals {
			source := sig.RuleID
			if source == "" {
				source = sig.Code
			}
			sb.WriteString(fmt.Sprintf("  [%s] %s: %s\n", sig.Severity, source, sig.Reason))
		}
	}

	version := r.RuleVersion
	if version == "" {
		version = "(none)"
	}
	sb.WriteString(fmt.Sprintf("Rule version: %s\n", version))
	sb.WriteString(fmt.Sprintf("Log ID: %s", r.LogID))
	return sb.String()
}

func formatAssuranceEvent(ev *edgeguard.AssuranceEvent) string {
	return fmt.Sprintf("Recorded assurance event [%s]:\n  Type: %s\n  Override: %t\n  Recommendation: %s",
		ev.ID, ev.EventType, ev.HumanOverride, truncate(ev.AIRecommendation, 100))
}

func formatSyncReport(r *edgeguard.SyncReport) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Sync completed (%s)\n", r.Status))
	if r.RuleApplied {
		sb.WriteString(fmt.Sprintf("  Applied rule version %s\n", r.RuleVersion))
	} else if r.RuleVersion != "" {
		sb.WriteString(fmt.Sprintf("  Rules current at %s\n", r.RuleVersion))
	}
	sb.WriteString(fmt.Sprintf("  Delivered: %d | Retrying: %d | Exhausted: %d\n",
		r.Drain.Delivered, r.Drain.Failed, r.Drain.Exhausted))
	if r.RefreshErr != "" {
		sb.WriteString(fmt.Sprintf("  Rule refresh error: %s\n", r.RefreshErr))
	}
	if r.DrainErr != "" {
		sb.WriteString(fmt.Sprintf("  Delivery error: %s\n", r.DrainErr))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return strings.TrimSpace(v)
}
