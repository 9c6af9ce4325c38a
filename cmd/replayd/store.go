// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/adiadia/visual-replay/internal/config"
	"github.com/adiadia/visual-replay/internal/kv"
	"github.com/adiadia/visual-replay/internal/persistence/postgres"
	"github.com/adiadia/visual-replay/internal/persistence/sqlite"
	httptransport "github.com/adiadia/visual-replay/internal/transport/http"
)

type sessionBackend struct {
	store  kv.Store
	health httptransport.HealthChecker
	close  func()
}

func openSessionStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (sessionBackend, error) {
	switch cfg.SessionBackend {
	case config.BackendMemory:
		logger.Warn("memory session backend: sessions will not survive a restart")
		return sessionBackend{store: kv.NewMemory(), close: func() {}}, nil

	case config.BackendPostgres:
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return sessionBackend{}, fmt.Errorf("db connect failed: %w", err)
		}
		if cfg.AutoMigrate {
			if err := postgres.EnsureSchema(ctx, pool, logger); err != nil {
				pool.Close()
				return sessionBackend{}, fmt.Errorf("migrate: %w", err)
			}
		}
		return sessionBackend{
			store:  postgres.NewStore(pool, cfg.UserID),
			health: postgres.NewSchemaChecker(pool),
			close:  pool.Close,
		}, nil

	default:
		s, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return sessionBackend{}, err
		}
		logger.Info("sqlite session backend", "path", cfg.SQLitePath)
		return sessionBackend{
			store:  s,
			health: httptransport.HealthCheckFunc(s.Ping),
			close: func() {
				if err := s.Close(); err != nil {
					logger.Warn("close sqlite failed", "error", err)
				}
			},
		}, nil
	}
}
