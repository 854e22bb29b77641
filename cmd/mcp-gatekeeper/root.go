package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/giantswarm/mcp-gatekeeper/internal/config"
)

type rootOptions struct {
	configPath string
	envFiles   []string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "mcp-gatekeeper",
		Short: "OAuth 2.1 authorization server and resource gateway for MCP tool servers",
		Long: `mcp-gatekeeper issues OAuth 2.1 tokens to MCP clients (dynamic client
registration, authorization code with PKCE, refresh token rotation) and
fronts MCP tool servers with a bearer check that accepts those tokens or
static per-server API keys.`,
		SilenceUsage: true,
		Version:      version,
	}
	cmd.SetVersionTemplate(`{{printf "mcp-gatekeeper version %s\n" .Version}}`)

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to the YAML configuration file")
	cmd.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", nil, "dotenv files to load (default: ./.env when present)")

	cmd.AddCommand(
		newServeCmd(opts),
		newMigrateCmd(opts),
		newAPIKeyCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

// load reads the configuration and builds the process logger.
func (o *rootOptions) load() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(o.configPath, o.envFiles...)
	if err != nil {
		return nil, nil, fmt.Errorf("loading configuration: %w", err)
	}
	return cfg, cfg.Log.NewLogger(os.Stderr), nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of mcp-gatekeeper",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mcp-gatekeeper version %s\n", version)
		},
	}
}
