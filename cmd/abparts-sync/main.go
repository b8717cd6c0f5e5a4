// Copyright 2026 ABParts Authors
// SPDX-License-Identifier: Apache-2.0

// Package main provides the abparts-sync CLI, an operator tool over the local
// offline cache: inspect the mutation queue, force a sync cycle, retry or
// discard stuck entries, and wipe the cache on tenant switch.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// configFile is set by the --config flag.
	configFile string

	// env is the loaded CLI environment, initialized on startup.
	env *cliEnv
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "abparts-sync",
	Short: "Operator tool for the offline field-operations cache",
	Long: `abparts-sync inspects and drives the local offline cache used by the
field-operations client: pending mutation counts, manual sync cycles,
retry/discard of stuck entries, and cache wipes on logout or tenant switch.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		env, err = loadEnv(configFile)
		return err
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return closeEnv()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "",
		"config file (default: .abparts-sync.yaml or ~/.abparts/config.yaml)")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(pendingCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(discardCmd)
	rootCmd.AddCommand(clearCmd)
}
