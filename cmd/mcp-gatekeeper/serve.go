package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	gatekeeper "github.com/giantswarm/mcp-gatekeeper"
	"github.com/giantswarm/mcp-gatekeeper/gateway"
	"github.com/giantswarm/mcp-gatekeeper/instrumentation"
	"github.com/giantswarm/mcp-gatekeeper/internal/config"
	"github.com/giantswarm/mcp-gatekeeper/internal/session"
	"github.com/giantswarm/mcp-gatekeeper/security"
	"github.com/giantswarm/mcp-gatekeeper/server"
)

const readHeaderTimeout = 10 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the authorization server and the tool server gateways",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	telemetry, err := instrumentation.New(instrumentation.Config{
		ServiceName:    cfg.Instrumentation.ServiceName,
		ServiceVersion: version,
		Enabled:        cfg.Instrumentation.Enabled,
		LogClientIPs:   cfg.Instrumentation.LogClientIPs,
	})
	if err != nil {
		return fmt.Errorf("initializing instrumentation: %w", err)
	}
	defer func() {
		if err := telemetry.Shutdown(context.Background()); err != nil {
			logger.Warn("Instrumentation shutdown failed", "error", err)
		}
	}()
	// nil keeps /metrics unmounted and skips span bookkeeping
	var inst *instrumentation.Instrumentation
	if cfg.Instrumentation.Enabled {
		inst = telemetry
	}

	store, err := openStore(ctx, cfg.Storage, inst, logger)
	if err != nil {
		return fmt.Errorf("opening %s storage: %w", cfg.Storage.Backend, err)
	}
	defer closeStore(store, logger)

	provider, err := newProvider(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("configuring %s provider: %w", cfg.Provider.Type, err)
	}

	auditor := security.NewAuditor(logger, cfg.OAuth.AuditEnabled)
	auditor.SetInstrumentation(inst)

	srv, err := server.New(store, cfg.ServerConfig(), logger)
	if err != nil {
		return err
	}
	srv.SetAuditor(auditor)
	srv.SetInstrumentation(inst)

	sessions, err := newSessionStore(cfg, logger)
	if err != nil {
		return err
	}

	h, err := gatekeeper.NewHandler(srv, sessions, provider, cfg.HandlerConfig(), logger)
	if err != nil {
		return err
	}
	defer h.Close()
	h.SetInstrumentation(inst)
	h.SetHealthChecker(store)

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	var toolLimiter *security.RateLimiter
	if cfg.RateLimit.ToolCallRate > 0 {
		toolLimiter = security.NewRateLimiterWithConfig(cfg.RateLimit.ToolCallRate, cfg.RateLimit.ToolCallBurst, cfg.RateLimit.MaxEntries, logger)
		defer toolLimiter.Stop()
	}

	handlerCfg := h.Config()
	for _, name := range cfg.ToolServers {
		gw, err := gateway.New(name, srv,
			gateway.WithLogger(logger),
			gateway.WithVersion(version),
			gateway.WithResourceMetadataURL(handlerCfg.ResourceMetadataURL(name)),
			gateway.WithInterceptors(
				gateway.RequireIdentity(),
				gateway.RateLimit(toolLimiter, auditor),
				gateway.Telemetry(inst),
				gateway.Audit(auditor),
			),
		)
		if err != nil {
			return fmt.Errorf("tool server %q: %w", name, err)
		}
		mux.Handle("/mcp/"+name, gw)
		logger.Info("Mounted tool server", "name", name, "resource", handlerCfg.ResourceURL(name))
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           security.RequestIDMiddleware(mux),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Listening", "addr", cfg.ListenAddr, "issuer", cfg.Issuer, "version", version)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down", "timeout", cfg.ShutdownTimeout)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// newSessionStore generates a throwaway signing key when none is configured.
func newSessionStore(cfg *config.Config, logger *slog.Logger) (*session.Store, error) {
	var generated []byte
	if cfg.Session.HashKey == "" {
		generated = make([]byte, 32)
		if _, err := rand.Read(generated); err != nil {
			return nil, fmt.Errorf("generating session key: %w", err)
		}
		logger.Warn("No session hash key configured; sign-in sessions will not survive a restart")
	}
	return session.New(cfg.SessionConfig(generated))
}
