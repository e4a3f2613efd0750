package main

import (
	"os"
)

func main() {
	rootCmd := newRootCmd()

	// Do not print usage when error occurs
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
