package main

import (
	"github.com/prismhq/prism/internal/app"
	"github.com/prismhq/prism/internal/config"
	"github.com/spf13/cobra"
)

func newInitCmd(opts *rootOptions) *cobra.Command {
	var req app.InitRequest
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config file and prepare the database",
		Long: `Write a starter config file and prepare the database.

Examples:
  # SQLite next to the config file
  prism init --db-path ./prism.db

  # PostgreSQL
  prism init --db-type postgres --db-host localhost --db-user prism --db-name prism`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.Init(cmd.Context(), config.ResolveConfigPath(opts.configPath), req)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&req.DatabaseType, "db-type", "sqlite", "database type (sqlite or postgres)")
	flags.StringVar(&req.DatabasePath, "db-path", "", "sqlite database file")
	flags.StringVar(&req.DatabaseHost, "db-host", "", "postgres host")
	flags.IntVar(&req.DatabasePort, "db-port", 5432, "postgres port")
	flags.StringVar(&req.DatabaseUser, "db-user", "", "postgres user")
	flags.StringVar(&req.DatabasePassword, "db-password", "", "postgres password")
	flags.StringVar(&req.DatabaseName, "db-name", "", "postgres database name")
	flags.StringVar(&req.DatabaseSSLMode, "db-sslmode", "disable", "postgres sslmode")
	flags.BoolVar(&req.Force, "force", false, "overwrite an existing config file")
	return cmd
}
