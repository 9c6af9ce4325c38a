// SPDX-License-Identifier: Apache-2.0

package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/adiadia/visual-replay/internal/kv"
)

// Store is a kv.Store over the session_state table. Keys are scoped by
// owner so several daemons can share one database.
type Store struct {
	pool  *pgxpool.Pool
	owner string
}

func NewStore(pool *pgxpool.Pool, owner string) *Store {
	return &Store{pool: pool, owner: owner}
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.pool.QueryRow(ctx, `
		SELECT value FROM session_state WHERE owner_id = $1 AND key = $2
	`, s.owner, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, kv.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return value, nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO session_state (owner_id, key, value, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (owner_id, key)
		DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
	`, s.owner, key, value); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, `
		DELETE FROM session_state WHERE owner_id = $1 AND key = $2
	`, s.owner, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}
