// Copyright (c) 2025-2026, the ptfleet contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

// Overridden at build time via -ldflags.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "ptfleet",
		Short:        "Private tracker fleet manager",
		Long:         "ptfleet automates torrent lifecycle across a fleet of downloaders:\nRSS ingestion, announce-cycle upload speed control and rule-driven deletion.",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(RunVersionCommand())
	rootCmd.AddCommand(RunServeCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func RunVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Printf("ptfleet %s (commit %s, built %s, %s)\n", version, commit, date, runtime.Version())
		},
	}
}
