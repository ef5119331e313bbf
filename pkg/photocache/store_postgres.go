package photocache

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store using github.com/jackc/pgx/v5.
// It is designed to work with pgxpool, which suits long scoring runs where
// many workers write results concurrently.
type PostgresStore struct {
	pool      *pgxpool.Pool
	tableName string
}

// NewPostgresStore creates a new Postgres-backed store.
func NewPostgresStore(pool *pgxpool.Pool, tableName string) *PostgresStore {
	if tableName == "" {
		tableName = "photo_cache"
	}
	return &PostgresStore{
		pool:      pool,
		tableName: tableName,
	}
}

// InitSchema creates the necessary table if it doesn't exist.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			cache_key TEXT PRIMARY KEY,
			payload BYTEA,
			created_at TIMESTAMPTZ
		);
	`, s.tableName)

	_, err := s.pool.Exec(ctx, query)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	query := fmt.Sprintf("SELECT payload FROM %s WHERE cache_key = $1", s.tableName)

	var data []byte
	err := s.pool.QueryRow(ctx, query, key).Scan(&data)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get key %s: %w", key, err)
	}
	return data, nil
}

func (s *PostgresStore) Set(ctx context.Context, key string, data []byte) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (cache_key, payload, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT(cache_key) DO UPDATE SET
			payload = excluded.payload,
			created_at = excluded.created_at
	`, s.tableName)

	_, err := s.pool.Exec(ctx, query, key, data, time.Now())
	return err
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE cache_key = $1", s.tableName)
	_, err := s.pool.Exec(ctx, query, key)
	return err
}

func (s *PostgresStore) Clear(ctx context.Context) error {
	query := fmt.Sprintf("DELETE FROM %s", s.tableName)
	_, err := s.pool.Exec(ctx, query)
	return err
}

func (s *PostgresStore) Usage(ctx context.Context) (Usage, error) {
	query := fmt.Sprintf("SELECT COUNT(*), COALESCE(SUM(LENGTH(payload)), 0) FROM %s", s.tableName)

	var u Usage
	err := s.pool.QueryRow(ctx, query).Scan(&u.Entries, &u.Bytes)
	if err != nil {
		return Usage{}, fmt.Errorf("failed to read usage: %w", err)
	}
	return u, nil
}
