package main

import (
	"github.com/hyperengineering/edgeguard/mcp"
	"github.com/spf13/cobra"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start an MCP server over stdio",
	Long: `Start a Model Context Protocol (MCP) server over stdio so host
applications and agents can request evaluations and record assurance
events.

Background sync runs while the server is up unless manual_sync is set.

Example host configuration:

  {
    "mcpServers": {
      "edgeguard": {
        "command": "edgeguard",
        "args": ["mcp"],
        "env": {
          "EDGEGUARD_CONFIG": "/etc/edgeguard/node.toml"
        }
      }
    }
  }`,
	RunE: runMCP,
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func runMCP(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// stdout carries the protocol; logs go to stderr.
	env, err := openNode(cmd.Context(), cfg, "warn")
	if err != nil {
		return err
	}
	defer env.Close()

	if err := env.node.Start(cmd.Context()); err != nil {
		return err
	}
	return mcp.NewServer(env.node).Run()
}
