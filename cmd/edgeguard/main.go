package main

import (
	"os"
)

func main() {
	// Styled help is applied after every command has registered.
	initHelp(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		outputError(os.Stderr, err)
		os.Exit(1)
	}
}
