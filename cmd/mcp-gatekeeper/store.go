package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/giantswarm/mcp-gatekeeper/instrumentation"
	"github.com/giantswarm/mcp-gatekeeper/internal/config"
	"github.com/giantswarm/mcp-gatekeeper/storage"
	"github.com/giantswarm/mcp-gatekeeper/storage/memory"
	"github.com/giantswarm/mcp-gatekeeper/storage/sqlstore"
	"github.com/giantswarm/mcp-gatekeeper/storage/valkey"
)

// openStore connects the configured backend. inst may be nil.
func openStore(ctx context.Context, cfg config.StorageConfig, inst *instrumentation.Instrumentation, logger *slog.Logger) (storage.Store, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		logger.Warn("Using in-memory storage; all clients and tokens are lost on restart")
		store := memory.New()
		store.SetLogger(logger)
		store.SetInstrumentation(inst)
		return store, nil

	case config.BackendSQLite, config.BackendPostgres:
		store, err := sqlstore.Open(ctx, sqlstore.Config{
			Dialect:      sqlstore.Dialect(cfg.Backend),
			DSN:          cfg.DSN,
			AutoMigrate:  cfg.AutoMigrate,
			MaxOpenConns: cfg.MaxOpenConns,
			QueryTimeout: cfg.QueryTimeout,
			Logger:       logger,
		})
		if err != nil {
			return nil, err
		}
		store.SetInstrumentation(inst)
		return store, nil

	case config.BackendValkey:
		store, err := valkey.New(valkey.Config{
			Address:   cfg.Valkey.Address,
			Password:  cfg.Valkey.Password,
			DB:        cfg.Valkey.DB,
			KeyPrefix: cfg.Valkey.KeyPrefix,
			Logger:    logger,
		})
		if err != nil {
			return nil, err
		}
		store.SetInstrumentation(inst)
		return store, nil

	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
