package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/giantswarm/mcp-gatekeeper/internal/config"
	"github.com/giantswarm/mcp-gatekeeper/storage/sqlstore"
)

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the SQL schema of the sqlite and postgres backends",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(_ *cobra.Command, _ []string) error {
				cfg, logger, err := opts.load()
				if err != nil {
					return err
				}
				dialect, err := sqlDialect(cfg)
				if err != nil {
					return err
				}
				return sqlstore.Migrate(dialect, cfg.Storage.DSN, logger)
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back every migration, dropping all stored data",
			Args:  cobra.NoArgs,
			RunE: func(_ *cobra.Command, _ []string) error {
				cfg, _, err := opts.load()
				if err != nil {
					return err
				}
				dialect, err := sqlDialect(cfg)
				if err != nil {
					return err
				}
				return sqlstore.MigrateDown(dialect, cfg.Storage.DSN)
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the current schema version",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, _, err := opts.load()
				if err != nil {
					return err
				}
				dialect, err := sqlDialect(cfg)
				if err != nil {
					return err
				}
				v, dirty, err := sqlstore.MigrationVersion(dialect, cfg.Storage.DSN)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if dirty {
					fmt.Fprintf(out, "%d (dirty)\n", v)
					return nil
				}
				fmt.Fprintf(out, "%d\n", v)
				return nil
			},
		},
	)
	return cmd
}

func sqlDialect(cfg *config.Config) (sqlstore.Dialect, error) {
	switch cfg.Storage.Backend {
	case config.BackendSQLite, config.BackendPostgres:
		return sqlstore.Dialect(cfg.Storage.Backend), nil
	default:
		return "", fmt.Errorf("the %s backend has no schema to migrate", cfg.Storage.Backend)
	}
}
