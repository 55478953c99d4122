package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/utafrali/gomarketplace/pkg/database"
	apperrors "github.com/utafrali/gomarketplace/pkg/errors"
)

const (
	getQuery = `SELECT value FROM kv_store WHERE key = $1`
	setQuery = `
		INSERT INTO kv_store (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`
)

// Store implements repository.KeyValueStore on the kv_store table.
type Store struct {
	db database.DBTX
}

// NewStore creates a PostgreSQL-backed key-value store.
func NewStore(db database.DBTX) *Store {
	return &Store{db: db}
}

// Get retrieves the value stored under key.
func (s *Store) Get(ctx context.Context, key string) (_ string, err error) {
	ctx, end := database.TraceOp(ctx, database.SystemPostgres, "Get", getQuery)
	defer func() { end(err) }()

	var value string
	if err := s.db.QueryRow(ctx, getQuery, key).Scan(&value); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", apperrors.NotFound("key", key)
		}
		return "", fmt.Errorf("get kv %s: %w", key, err)
	}
	return value, nil
}

// Set upserts value under key.
func (s *Store) Set(ctx context.Context, key, value string) (err error) {
	ctx, end := database.TraceOp(ctx, database.SystemPostgres, "Set", setQuery)
	defer func() { end(err) }()

	if _, err := s.db.Exec(ctx, setQuery, key, value); err != nil {
		return fmt.Errorf("set kv %s: %w", key, err)
	}
	return nil
}

// Ping checks connectivity to PostgreSQL.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}
