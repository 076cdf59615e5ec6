// SPDX-License-Identifier: AGPL-3.0-or-later

/*
buildforge is a Go service that drives AI-generated application specs through
a multi-stage build pipeline, routing model calls across providers with cost
control and live progress streaming.

Copyright (C) 2026  buildforge contributors

This program is free software licensed under the terms of the GNU AGPL v3 or later.
See https://www.gnu.org/licenses/ for license details.
*/

// Package commands holds the buildforge subcommand implementations.
package commands

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"buildforge/internal/app"
	"buildforge/internal/store/pgbuildstore"
	"buildforge/pkg/config"
	"buildforge/pkg/logging"
)

// loadConfig resolves --config (falling back to the default path) and
// constructs the logger from --verbose.
func loadConfig(cmd *cobra.Command) (*config.Config, logging.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = config.DefaultConfigPath()
	}
	verbose, _ := cmd.Flags().GetBool("verbose")
	log := logging.NewLogger(verbose)

	cfg, err := config.Load(path)
	if errors.Is(err, config.ErrConfigNotFound) {
		log.Warn("config file not found, using built-in defaults", logging.NewField("path", path))
		defaults := config.Default()
		return &defaults, log, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

// NewServeCommand runs the full service: Control API plus orchestrator
// workers.
func NewServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the Control API and pipeline workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.Run(ctx)
		},
	}
}

// NewWorkerCommand runs only the pipeline workers, for deployments that
// separate the API tier from the execution tier.
func NewWorkerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run pipeline workers without the Control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.RunWorker(ctx)
		},
	}
}

// NewMigrateCommand applies the build store schema.
func NewMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the build record store schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Store.DatabaseURL == "" {
				return fmt.Errorf("migrate: store.database_url is not configured")
			}

			ctx := context.Background()
			store, err := pgbuildstore.New(ctx, cfg.Store.DatabaseURL, log)
			if err != nil {
				return err
			}
			defer store.Close()
			return store.Migrate(ctx)
		},
	}
}
