// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fetcharr/fetcharr/internal/buildinfo"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "fetcharr",
		Short: "Multi-source software discovery and retrieval engine",
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Bare invocation starts the server, matching the Docker
			// entrypoint.
			return runServer(configPath)
		},
	}
	rootCmd.Flags().StringVar(&configPath, "config", "", "Path to configuration file or directory")

	rootCmd.AddCommand(RunServeCommand())
	rootCmd.AddCommand(RunVersionCommand())
	rootCmd.AddCommand(RunCreateUserCommand())
	rootCmd.AddCommand(RunChangePasswordCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func RunVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Print(buildinfo.String())
		},
	}
}
