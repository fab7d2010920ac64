package main

import (
	"fmt"
	"runtime"

	"github.com/hyperengineering/edgeguard"
	"github.com/hyperengineering/edgeguard/internal/cloud"
	"github.com/spf13/cobra"
)

// Build-time variables (set via ldflags)
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// versionInfo also reports the formats this binary reads and writes, so an
// operator can tell whether a rule bundle from another node will apply.
type versionInfo struct {
	Version      string `json:"version"`
	Commit       string `json:"commit"`
	Date         string `json:"date"`
	BundleFormat string `json:"bundle_format"`
	UserAgent    string `json:"user_agent"`
	Go           string `json:"go"`
	Platform     string `json:"platform"`
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Display the build version, supported rule bundle format and runtime platform.`,
	RunE:  runVersion,
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func currentVersion() versionInfo {
	return versionInfo{
		Version:      version,
		Commit:       commit,
		Date:         date,
		BundleFormat: edgeguard.BundleFormatVersion,
		UserAgent:    cloud.UserAgent,
		Go:           runtime.Version(),
		Platform:     runtime.GOOS + "/" + runtime.GOARCH,
	}
}

func runVersion(cmd *cobra.Command, args []string) error {
	info := currentVersion()
	if outputJSON {
		return outputAsJSON(cmd, info)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "edgeguard %s (%s, built %s)\n", info.Version, info.Commit, info.Date)
	printField(out, "Bundle format", info.BundleFormat)
	printField(out, "User agent", info.UserAgent)
	printField(out, "Go", info.Go)
	printField(out, "Platform", info.Platform)
	return nil
}
