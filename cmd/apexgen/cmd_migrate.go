package main

import (
	"fmt"
	"strconv"

	"apex-codegen/internal/database"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage telemetry database migrations (postgres)",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRunner(func(r *database.MigrationRunner) error {
			if err := r.Up(); err != nil {
				return err
			}
			return printVersion(cmd, r)
		})
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the last migration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRunner(func(r *database.MigrationRunner) error {
			if err := r.Down(); err != nil {
				return err
			}
			return printVersion(cmd, r)
		})
	},
}

var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show the current migration version",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRunner(func(r *database.MigrationRunner) error {
			return printVersion(cmd, r)
		})
	},
}

var migrateForceCmd = &cobra.Command{
	Use:   "force <version>",
	Short: "Set the version without running migrations (clears a dirty state)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid version %q", args[0])
		}
		return withRunner(func(r *database.MigrationRunner) error {
			if err := r.Force(v); err != nil {
				return err
			}
			return printVersion(cmd, r)
		})
	},
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateVersionCmd, migrateForceCmd)
}

func withRunner(fn func(*database.MigrationRunner) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Telemetry.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is not set; sqlite databases migrate automatically")
	}
	r, err := database.NewMigrationRunner(cfg.Telemetry.DatabaseURL)
	if err != nil {
		return err
	}
	defer r.Close()
	return fn(r)
}

func printVersion(cmd *cobra.Command, r *database.MigrationRunner) error {
	st, err := r.Version()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "version %d dirty=%t\n", st.Version, st.Dirty)
	return nil
}
