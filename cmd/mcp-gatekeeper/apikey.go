package main

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/giantswarm/mcp-gatekeeper/internal/config"
	"github.com/giantswarm/mcp-gatekeeper/security"
	"github.com/giantswarm/mcp-gatekeeper/server"
	"github.com/giantswarm/mcp-gatekeeper/storage"
)

func newAPIKeyCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage static API keys for tool servers",
	}
	cmd.AddCommand(newAPIKeyCreateCmd(opts), newAPIKeySetEnabledCmd(opts, false), newAPIKeySetEnabledCmd(opts, true))
	return cmd
}

func newAPIKeyCreateCmd(opts *rootOptions) *cobra.Command {
	var userID, serverName string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key bound to one user and one tool server",
		Long: `Create an API key bound to one user and one tool server.

The key is printed once and only its hash is stored.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withAPIKeyServer(cmd.Context(), opts, func(cfg *config.Config, srv *server.Server) error {
				if !slices.Contains(cfg.ToolServers, serverName) {
					return fmt.Errorf("unknown tool server %q", serverName)
				}
				key, err := srv.CreateAPIKey(cmd.Context(), userID, serverName)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), key)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "user the key acts as (required)")
	cmd.Flags().StringVar(&serverName, "server", "", "tool server the key is valid for (required)")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("server")
	return cmd
}

func newAPIKeySetEnabledCmd(opts *rootOptions, enabled bool) *cobra.Command {
	use, short := "disable KEY", "Disable an API key"
	if enabled {
		use, short = "enable KEY", "Re-enable a disabled API key"
	}

	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !security.IsAPIKey(args[0]) {
				return fmt.Errorf("not an API key: expected the %q prefix", security.APIKeyPrefix)
			}
			return withAPIKeyServer(cmd.Context(), opts, func(_ *config.Config, srv *server.Server) error {
				return srv.SetAPIKeyEnabled(cmd.Context(), args[0], enabled)
			})
		},
	}
}

// withAPIKeyServer opens the configured store and runs fn against a server
// core backed by it.
func withAPIKeyServer(ctx context.Context, opts *rootOptions, fn func(*config.Config, *server.Server) error) error {
	cfg, logger, err := opts.load()
	if err != nil {
		return err
	}
	if cfg.Storage.Backend == config.BackendMemory {
		return fmt.Errorf("API keys cannot be managed offline with the memory backend")
	}

	store, err := openStore(ctx, cfg.Storage, nil, logger)
	if err != nil {
		return err
	}
	defer closeStore(store, logger)

	srv, err := server.New(store, cfg.ServerConfig(), logger)
	if err != nil {
		return err
	}
	srv.SetAuditor(security.NewAuditor(logger, cfg.OAuth.AuditEnabled))
	return fn(cfg, srv)
}

func closeStore(store storage.Store, logger *slog.Logger) {
	if err := store.Close(); err != nil {
		logger.Warn("Closing storage failed", "error", err)
	}
}
