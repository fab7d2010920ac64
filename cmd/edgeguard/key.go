package main

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/hyperengineering/edgeguard"
	"github.com/spf13/cobra"
)

// defaultKeyringService is used when --keyring-service is not given.
const defaultKeyringService = "edgeguard"

var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Manage the cloud API key in the OS keyring",
	Long: `Store the cloud API key in the operating system keyring so it never
sits in a config file. Nodes read it when keyring_service is configured.`,
}

var keySetCmd = &cobra.Command{
	Use:   "set",
	Short: "Store the API key (read from stdin)",
	Example: `  echo "$KEY" | edgeguard key set
  edgeguard key set --keyring-service edgeguard-north`,
	RunE: runKeySet,
}

var keyDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Remove the stored API key",
	RunE:  runKeyDelete,
}

func init() {
	keyCmd.AddCommand(keySetCmd)
	keyCmd.AddCommand(keyDeleteCmd)
	rootCmd.AddCommand(keyCmd)
}

func keyringService() string {
	if cfgKeyringService != "" {
		return cfgKeyringService
	}
	return defaultKeyringService
}

func runKeySet(cmd *cobra.Command, args []string) error {
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	key := strings.TrimSpace(line)
	if key == "" {
		if err != nil {
			return fmt.Errorf("read API key from stdin: %w", err)
		}
		return errors.New("empty API key")
	}

	service := keyringService()
	if err := edgeguard.SaveAPIKey(service, key); err != nil {
		return err
	}
	printSuccess(cmd.OutOrStdout(), "Stored API key in keyring service %q", service)
	return nil
}

func runKeyDelete(cmd *cobra.Command, args []string) error {
	service := keyringService()
	if err := edgeguard.DeleteAPIKey(service); err != nil {
		return err
	}
	printSuccess(cmd.OutOrStdout(), "Removed API key from keyring service %q", service)
	return nil
}
