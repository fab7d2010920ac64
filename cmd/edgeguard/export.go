package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/hyperengineering/edgeguard"
	"github.com/spf13/cobra"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the evaluation audit log",
	Long: `Write evaluation audit records as JSON lines, oldest first.

Records carry patient hashes only; raw identifiers are never stored.`,
	Example: `  edgeguard export --output audit.jsonl
  edgeguard export --since 2026-01-01T00:00:00Z --color red`,
	RunE: runExport,
}

var (
	exportOutput string
	exportSince  string
	exportUntil  string
	exportColor  string
)

func init() {
	f := exportCmd.Flags()
	f.StringVarP(&exportOutput, "output", "o", "", "Output file (default: stdout)")
	f.StringVar(&exportSince, "since", "", "Only records at or after this RFC 3339 time")
	f.StringVar(&exportUntil, "until", "", "Only records before this RFC 3339 time")
	f.StringVar(&exportColor, "color", "", "Only records with this verdict: green, yellow or red")
	rootCmd.AddCommand(exportCmd)
}

func parseExportFilter() (edgeguard.ExportFilter, error) {
	var filter edgeguard.ExportFilter
	var err error
	if exportSince != "" {
		if filter.Since, err = time.Parse(time.RFC3339, exportSince); err != nil {
			return filter, fmt.Errorf("--since: %w", err)
		}
	}
	if exportUntil != "" {
		if filter.Until, err = time.Parse(time.RFC3339, exportUntil); err != nil {
			return filter, fmt.Errorf("--until: %w", err)
		}
	}
	if exportColor != "" {
		c, ok := edgeguard.ParseColor(exportColor)
		if !ok {
			return filter, fmt.Errorf("--color: unknown verdict %q", exportColor)
		}
		filter.Color = c
	}
	return filter, nil
}

func runExport(cmd *cobra.Command, args []string) error {
	filter, err := parseExportFilter()
	if err != nil {
		return err
	}

	return withNode(cmd, func(ctx context.Context, node *edgeguard.Node) error {
		var w io.Writer = cmd.OutOrStdout()
		if exportOutput != "" {
			f, err := os.Create(exportOutput)
			if err != nil {
				return fmt.Errorf("create output file: %w", err)
			}
			defer f.Close()
			w = f
		}

		n, err := node.ExportEvaluations(ctx, w, filter)
		if err != nil {
			return fmt.Errorf("export: %w", err)
		}
		if exportOutput != "" {
			printSuccess(cmd.ErrOrStderr(), "Exported %d evaluations to %s", n, exportOutput)
		}
		return nil
	})
}
