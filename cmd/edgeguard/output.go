package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/hyperengineering/edgeguard"
	"github.com/spf13/cobra"
)

// outputAsJSON writes any value as formatted JSON to the command's stdout.
func outputAsJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputError prints an error to stderr, ensuring no API keys are leaked.
func outputError(w io.Writer, err error) {
	msg := scrubSensitiveData(err.Error())
	if isTTY() {
		fmt.Fprintf(w, "%s %s\n", errorStyle.Render("Error:"), msg)
		return
	}
	fmt.Fprintf(w, "Error: %s\n", msg)
}

// scrubSensitiveData removes the configured API key from messages.
func scrubSensitiveData(msg string) string {
	if cfgAPIKey != "" && strings.Contains(msg, cfgAPIKey) {
		msg = strings.ReplaceAll(msg, cfgAPIKey, "[REDACTED]")
	}
	return msg
}

func outputEvaluation(cmd *cobra.Command, r *edgeguard.EvaluationResult) error {
	if outputJSON {
		return outputAsJSON(cmd, r)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Verdict: %s\n", renderVerdict(r.Color))
	if r.Overridden {
		printWarning(out, "Overridden by clinician")
	}
	for _, sig := range r.Signals {
		source := sig.RuleID
		if source == "" {
			source = sig.Code
		}
		fmt.Fprintf(out, "  [%s] %s: %s\n", sig.Severity, source, sig.Reason)
	}
	if r.RuleVersion != "" {
		printField(out, "Rule version", r.RuleVersion)
	}
	printField(out, "Evaluation", fmt.Sprintf("%.2fms", r.EvaluationMs))
	printMuted(out, "Log ID: %s", r.LogID)
	return nil
}

func outputPatientFact(cmd *cobra.Command, f *edgeguard.PatientFact) error {
	if outputJSON {
		return outputAsJSON(cmd, f)
	}

	out := cmd.OutOrStdout()
	printField(out, "Patient", f.PatientHash)
	printField(out, "Medications", joinOrNone(f.Medications))
	printField(out, "Allergies", joinOrNone(f.Allergies))
	printField(out, "Diagnoses", joinOrNone(f.Diagnoses))
	printField(out, "Updated", f.LastUpdated.Format(time.RFC3339))
	printField(out, "Expires", f.ExpiresAt.Format(time.RFC3339))
	return nil
}

func outputRuleVersions(cmd *cobra.Command, versions []edgeguard.RuleVersionRecord, changelog bool) error {
	if outputJSON {
		return outputAsJSON(cmd, versions)
	}

	out := cmd.OutOrStdout()
	if len(versions) == 0 {
		fmt.Fprintln(out, "No rule versions applied.")
		return nil
	}

	rows := make([][]string, 0, len(versions))
	for _, v := range versions {
		active := ""
		if v.IsActive {
			active = "*"
		}
		rows = append(rows, []string{active, v.Version, v.AppliedAt.Format(time.RFC3339), shortHash(v.Checksum)})
	}
	fmt.Fprintln(out, renderTable([]string{"", "VERSION", "APPLIED", "CHECKSUM"}, rows))

	if changelog {
		for _, v := range versions {
			if v.Changelog == "" {
				continue
			}
			fmt.Fprintf(out, "\n%s\n%s\n", v.Version, renderMarkdown(v.Changelog))
		}
	}
	return nil
}

func outputRules(cmd *cobra.Command, rules []edgeguard.RuleSnapshot) error {
	if outputJSON {
		return outputAsJSON(cmd, rules)
	}

	out := cmd.OutOrStdout()
	if len(rules) == 0 {
		fmt.Fprintln(out, "No active rules.")
		return nil
	}

	rows := make([][]string, 0, len(rules))
	for _, r := range rules {
		rows = append(rows, []string{r.RuleID, r.Category, r.RuleType, strconv.Itoa(r.Priority), r.Name})
	}
	fmt.Fprintln(out, renderTable([]string{"RULE", "CATEGORY", "TYPE", "PRIORITY", "NAME"}, rows))
	return nil
}

func outputOutboxItems(cmd *cobra.Command, items []edgeguard.OutboxItem) error {
	if outputJSON {
		return outputAsJSON(cmd, items)
	}

	out := cmd.OutOrStdout()
	if len(items) == 0 {
		fmt.Fprintln(out, "No failed outbox items.")
		return nil
	}

	rows := make([][]string, 0, len(items))
	for _, it := range items {
		rows = append(rows, []string{
			it.ID,
			it.Type,
			fmt.Sprintf("%d/%d", it.Attempts, it.MaxAttempts),
			truncate(it.LastError, 60),
		})
	}
	fmt.Fprintln(out, renderTable([]string{"ID", "TYPE", "ATTEMPTS", "LAST ERROR"}, rows))
	return nil
}

func outputOutboxItem(cmd *cobra.Command, it *edgeguard.OutboxItem) error {
	if outputJSON {
		return outputAsJSON(cmd, it)
	}

	out := cmd.OutOrStdout()
	printField(out, "ID", it.ID)
	printField(out, "Type", it.Type)
	printField(out, "Status", it.Status)
	printField(out, "Attempts", fmt.Sprintf("%d/%d", it.Attempts, it.MaxAttempts))
	printField(out, "Scheduled", it.ScheduledAt.Format(time.RFC3339))
	if it.LastError != "" {
		printField(out, "Last error", it.LastError)
	}
	return nil
}

func outputSyncReport(cmd *cobra.Command, r *edgeguard.SyncReport, took time.Duration) error {
	if outputJSON {
		return outputAsJSON(cmd, r)
	}

	out := cmd.OutOrStdout()
	printSuccess(out, "Sync complete (%s, took %s)", r.Status, took.Round(time.Millisecond))
	if r.RuleApplied {
		printInfo(out, "Applied rule version %s", r.RuleVersion)
	} else if r.RuleVersion != "" {
		printMuted(out, "Rules current at %s", r.RuleVersion)
	}
	printField(out, "Delivered", r.Drain.Delivered)
	printField(out, "Retrying", r.Drain.Failed)
	printField(out, "Exhausted", r.Drain.Exhausted)
	if r.RefreshErr != "" {
		printWarning(out, "Rule refresh: %s", scrubSensitiveData(r.RefreshErr))
	}
	if r.DrainErr != "" {
		printWarning(out, "Delivery: %s", scrubSensitiveData(r.DrainErr))
	}
	return nil
}

func outputStats(cmd *cobra.Command, s *edgeguard.NodeStats) {
	out := cmd.OutOrStdout()
	printField(out, "Clinic", s.Sync.ClinicID)
	printField(out, "Connection", s.Sync.ConnectionStatus)
	if s.RuleVersion != "" {
		printField(out, "Rule version", fmt.Sprintf("%s (%d rules)", s.RuleVersion, s.RuleCount))
	} else {
		printField(out, "Rule version", "none")
	}
	if s.Sync.LastSyncTime != nil {
		printField(out, "Last sync", fmt.Sprintf("%s (%s ago)",
			s.Sync.LastSyncTime.Format(time.RFC3339),
			time.Since(*s.Sync.LastSyncTime).Round(time.Minute)))
	} else {
		printField(out, "Last sync", "never")
	}
	printField(out, "Evaluations", s.EvaluationCount)
	printField(out, "Patient facts", s.PatientFacts)
	printField(out, "Assurance", s.AssuranceEvents)
	printField(out, "Outbox", fmt.Sprintf("%d pending, %d processing, %d failed, %d completed",
		s.Outbox.Pending, s.Outbox.Processing, s.Outbox.Failed, s.Outbox.Completed))
	printField(out, "Schema", s.SchemaVersion)
}

func outputHealth(cmd *cobra.Command, h edgeguard.HealthStatus) {
	out := cmd.OutOrStdout()
	if h.Healthy {
		printSuccess(out, "healthy")
	} else {
		printError(out, "unhealthy")
	}
	printField(out, "Store OK", h.StoreOK)
	printField(out, "Rules loaded", h.RulesLoaded)
	printField(out, "Cloud reachable", h.CloudReachable)
	printField(out, "Connection", h.Connection)
	if h.Error != "" {
		printField(out, "Error", scrubSensitiveData(h.Error))
	}
}

func joinOrNone(items []string) string {
	if len(items) == 0 {
		return "(none)"
	}
	return strings.Join(items, ", ")
}

func shortHash(s string) string {
	if len(s) > 12 {
		return s[:12]
	}
	return s
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
