// SPDX-License-Identifier: AGPL-3.0-or-later

/*
buildforge is a Go service that drives AI-generated application specs through
a multi-stage build pipeline, routing model calls across providers with cost
control and live progress streaming.

Copyright (C) 2026  buildforge contributors

This program is free software licensed under the terms of the GNU AGPL v3 or later.
See https://www.gnu.org/licenses/ for license details.
*/

// Package cli wires together the buildforge root Cobra command and global
// CLI options.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"buildforge/internal/cli/commands"
)

// NewRootCommand constructs the buildforge root Cobra command.
func NewRootCommand() *cobra.Command {
	version := os.Getenv("BUILDFORGE_VERSION")
	if version == "" {
		version = "0.0.0-dev"
	}

	cmd := &cobra.Command{
		Use:           "buildforge",
		Short:         "buildforge – AI build-pipeline orchestration service",
		Long:          "buildforge drives AI-generated application specs through a multi-stage build pipeline, routing model calls across providers with cost control and live progress streaming.",
		SilenceUsage:  true, // don't dump usage on user errors
		SilenceErrors: true, // centralize error printing in main()
	}

	// Global flags - registered in lexicographic order for deterministic help output
	cmd.PersistentFlags().StringP("config", "c", "", "path to buildforge.yml")
	cmd.PersistentFlags().BoolP("verbose", "v", false, "enable verbose output")

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number of buildforge",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "buildforge version %s\n", version)
		},
	})

	// Subcommands - keep registrations in lexicographic order by .Use
	// to ensure deterministic help output.
	cmd.AddCommand(commands.NewMigrateCommand())
	cmd.AddCommand(commands.NewServeCommand())
	cmd.AddCommand(commands.NewWorkerCommand())

	return cmd
}
