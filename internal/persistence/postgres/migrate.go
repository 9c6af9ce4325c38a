// SPDX-License-Identifier: Apache-2.0

package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	embeddedmigrations "github.com/adiadia/visual-replay/migrations"
)

const migrationLockID int64 = 0x5652505f4d494752 // "VRP_MIGR"

// requiredSchema maps each table the store needs to the columns it reads.
var requiredSchema = map[string][]string{
	"session_state": {"owner_id", "key", "value", "updated_at"},
}

// SchemaChecker reports whether the session schema is usable.
type SchemaChecker struct {
	pool *pgxpool.Pool
}

func NewSchemaChecker(pool *pgxpool.Pool) *SchemaChecker {
	return &SchemaChecker{pool: pool}
}

func (c *SchemaChecker) Check(ctx context.Context) error {
	return SchemaReady(ctx, c.pool)
}

// EnsureSchema applies pending embedded migrations under an advisory lock,
// so concurrent daemons starting against one database apply each file once.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) error {
	if pool == nil {
		return errors.New("nil database pool")
	}
	if logger == nil {
		logger = slog.Default()
	}

	started := time.Now()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection for migrations: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, migrationLockID); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.Exec(unlockCtx, `SELECT pg_advisory_unlock($1)`, migrationLockID); err != nil {
			logger.Error("migration unlock failed", "error", err)
		}
	}()

	if _, err := conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	files, err := embeddedmigrations.Ordered()
	if err != nil {
		return fmt.Errorf("load embedded migrations: %w", err)
	}
	if len(files) == 0 {
		return errors.New("no embedded migrations found")
	}

	done, err := appliedMigrations(ctx, conn)
	if err != nil {
		return err
	}

	pending := 0
	for _, file := range files {
		if done[file.Name] {
			continue
		}
		pending++
		logger.Info("applying migration", "file", file.Name)
		if err := pgx.BeginFunc(ctx, conn, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, file.SQL, pgx.QueryExecModeSimpleProtocol); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `INSERT INTO schema_migrations (filename) VALUES ($1)`, file.Name)
			return err
		}); err != nil {
			return fmt.Errorf("apply migration %s: %w", file.Name, err)
		}
	}

	logger.Info("session schema ready",
		"applied", pending,
		"already_applied", len(files)-pending,
		"duration_ms", time.Since(started).Milliseconds(),
	)

	return SchemaReady(ctx, pool)
}

func appliedMigrations(ctx context.Context, conn *pgxpool.Conn) (map[string]bool, error) {
	rows, err := conn.Query(ctx, `SELECT filename FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan applied migrations: %w", err)
	}

	done := make(map[string]bool, len(names))
	for _, n := range names {
		done[n] = true
	}
	return done, nil
}

// SchemaReady fails listing every missing table.column.
func SchemaReady(ctx context.Context, pool *pgxpool.Pool) error {
	if pool == nil {
		return errors.New("nil database pool")
	}

	rows, err := pool.Query(ctx, `
		SELECT table_name || '.' || column_name
		FROM information_schema.columns
		WHERE table_schema = 'public'
	`)
	if err != nil {
		return fmt.Errorf("inspect schema: %w", err)
	}
	present, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return fmt.Errorf("scan schema: %w", err)
	}
	have := make(map[string]bool, len(present))
	for _, p := range present {
		have[p] = true
	}

	var missing []string
	for table, columns := range requiredSchema {
		for _, col := range columns {
			if !have[table+"."+col] {
				missing = append(missing, table+"."+col)
			}
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("required columns missing: %s", strings.Join(missing, ", "))
	}
	return nil
}
