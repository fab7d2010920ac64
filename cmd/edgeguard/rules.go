package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/hyperengineering/edgeguard"
	"github.com/spf13/cobra"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage the cached rule set",
	Long: `Inspect and manage the verified rule versions cached on this node.

Subcommands:
  apply     Verify and activate a rule bundle file
  export    Write the active rule version as a bundle
  versions  List applied rule versions
  list      List active rules`,
}

var rulesApplyCmd = &cobra.Command{
	Use:   "apply <bundle-file>",
	Short: "Verify and activate a rule bundle file",
	Long: `Apply a rule bundle (YAML or JSON, chosen by extension). Every rule's
checksum and logic is verified before the version is activated; on any
failure the previously active version stays in effect.

Bundles let air-gapped nodes receive rule updates without a cloud link.`,
	Example: `  edgeguard rules apply rules-v12.yaml`,
	Args:    cobra.ExactArgs(1),
	RunE:    runRulesApply,
}

var rulesExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the active rule version as a bundle",
	Example: `  edgeguard rules export --output rules.yaml
  edgeguard rules export --format json > rules.json`,
	RunE: runRulesExport,
}

var rulesVersionsCmd = &cobra.Command{
	Use:   "versions",
	Short: "List applied rule versions",
	RunE:  runRulesVersions,
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active rules",
	RunE:  runRulesList,
}

var (
	rulesExportOutput string
	rulesExportFormat string
	rulesChangelog    bool
	rulesCategory     string
)

func init() {
	rulesExportCmd.Flags().StringVarP(&rulesExportOutput, "output", "o", "", "Output file (default: stdout)")
	rulesExportCmd.Flags().StringVar(&rulesExportFormat, "format", "", "Bundle format for stdout: yaml or json (default: from --output extension, else yaml)")
	rulesVersionsCmd.Flags().BoolVar(&rulesChangelog, "changelog", false, "Show each version's changelog")
	rulesListCmd.Flags().StringVar(&rulesCategory, "category", "", "Only rules of this category")

	rulesCmd.AddCommand(rulesApplyCmd)
	rulesCmd.AddCommand(rulesExportCmd)
	rulesCmd.AddCommand(rulesVersionsCmd)
	rulesCmd.AddCommand(rulesListCmd)
	rootCmd.AddCommand(rulesCmd)
}

func runRulesApply(cmd *cobra.Command, args []string) error {
	bundle, err := edgeguard.LoadRuleBundle(args[0])
	if err != nil {
		return err
	}

	return withNode(cmd, func(ctx context.Context, node *edgeguard.Node) error {
		if err := node.ApplyRuleBundle(ctx, bundle); err != nil {
			return fmt.Errorf("apply rule bundle: %w", err)
		}
		if outputJSON {
			return outputAsJSON(cmd, map[string]any{
				"version": bundle.Version,
				"rules":   len(bundle.Rules),
			})
		}
		printSuccess(cmd.OutOrStdout(), "Activated rule version %s (%d rules)", bundle.Version, len(bundle.Rules))
		return nil
	})
}

// exportFormat picks the bundle format from --format, then the output
// file extension, then YAML.
func exportFormat() (edgeguard.BundleFormat, error) {
	switch rulesExportFormat {
	case "yaml", "yml":
		return edgeguard.BundleYAML, nil
	case "json":
		return edgeguard.BundleJSON, nil
	case "":
	default:
		return "", fmt.Errorf("unknown bundle format %q (want yaml or json)", rulesExportFormat)
	}
	if rulesExportOutput != "" {
		return edgeguard.BundleFormatFromPath(rulesExportOutput)
	}
	return edgeguard.BundleYAML, nil
}

func runRulesExport(cmd *cobra.Command, args []string) error {
	format, err := exportFormat()
	if err != nil {
		return err
	}

	return withNode(cmd, func(ctx context.Context, node *edgeguard.Node) error {
		bundle, err := node.ExportRuleBundle()
		if err != nil {
			return fmt.Errorf("export rules: %w", err)
		}

		var w io.Writer = cmd.OutOrStdout()
		if rulesExportOutput != "" {
			f, err := os.Create(rulesExportOutput)
			if err != nil {
				return fmt.Errorf("create output file: %w", err)
			}
			defer f.Close()
			w = f
		}

		if err := edgeguard.EncodeRuleBundle(w, format, bundle); err != nil {
			return err
		}
		if rulesExportOutput != "" {
			printSuccess(cmd.ErrOrStderr(), "Exported rule version %s to %s", bundle.Version, rulesExportOutput)
		}
		return nil
	})
}

func runRulesVersions(cmd *cobra.Command, args []string) error {
	return withNode(cmd, func(ctx context.Context, node *edgeguard.Node) error {
		versions, err := node.RuleVersions(ctx)
		if err != nil {
			return fmt.Errorf("list rule versions: %w", err)
		}
		return outputRuleVersions(cmd, versions, rulesChangelog)
	})
}

func runRulesList(cmd *cobra.Command, args []string) error {
	return withNode(cmd, func(ctx context.Context, node *edgeguard.Node) error {
		return outputRules(cmd, node.ActiveRules(rulesCategory))
	})
}
