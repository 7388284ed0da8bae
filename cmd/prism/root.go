package main

import (
	"github.com/prismhq/prism/internal/app"
	"github.com/prismhq/prism/internal/config"
	"github.com/prismhq/prism/internal/logging"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
	debug      bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "prism",
		Short: "Prism - local proxy for OpenAI and Anthropic compatible APIs",
		Long: `Prism forwards API requests to the active upstream profile, rewrites model
names per the profile's mapping mode, and records every request for the
dashboard served by the admin API.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file path (or env CONFIG_PATH)")
	root.PersistentFlags().BoolVar(&opts.debug, "debug", false, "enable debug logging")

	root.AddCommand(
		newServeCmd(opts),
		newMigrateCmd(opts),
		newInitCmd(opts),
		newVersionCmd(),
	)
	return root
}

// loadConfig resolves the config path, loads it, and sets up logging.
func (o *rootOptions) loadConfig() (config.Config, error) {
	cfg, err := config.Load(config.ResolveConfigPath(o.configPath))
	if err != nil {
		return config.Config{}, err
	}
	if o.debug {
		cfg.Debug = true
	}
	if errLog := logging.Setup(logging.Options{Debug: cfg.Debug, ToFile: cfg.LoggingToFile, Dir: cfg.LogDir}); errLog != nil {
		return config.Config{}, errLog
	}
	return cfg, nil
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the proxy and the admin API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}
}

func runServe(cmd *cobra.Command, opts *rootOptions) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	defer logging.Close()
	return app.RunServer(cmd.Context(), cfg)
}

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			defer logging.Close()
			return app.Migrate(cmd.Context(), cfg)
		},
	}
}
