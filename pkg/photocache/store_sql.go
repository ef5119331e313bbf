package photocache

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SQLDialect defines the SQL syntax variant.
type SQLDialect string

const (
	DialectSQLite   SQLDialect = "sqlite"
	DialectPostgres SQLDialect = "postgres"
	DialectMySQL    SQLDialect = "mysql"
)

// SQLStore implements Store using database/sql.
// It supports SQLite, Postgres, and MySQL.
type SQLStore struct {
	db        *sql.DB
	tableName string
	dialect   SQLDialect
}

// NewSQLStore creates a new SQL-backed store.
// The user is responsible for opening the *sql.DB with their preferred driver.
func NewSQLStore(db *sql.DB, tableName string, dialect SQLDialect) *SQLStore {
	if tableName == "" {
		tableName = "photo_cache"
	}
	return &SQLStore{
		db:        db,
		tableName: tableName,
		dialect:   dialect,
	}
}

// InitSchema creates the necessary table if it doesn't exist.
// This is a helper for "migration-free" usage.
func (s *SQLStore) InitSchema(ctx context.Context) error {
	blobType := "BLOB"
	keyType := "TEXT"
	timestampType := "TIMESTAMP"

	if s.dialect == DialectPostgres {
		blobType = "BYTEA"
	} else if s.dialect == DialectMySQL {
		// MySQL cannot index an unbounded TEXT primary key.
		// Keys are fixed-width hex digests, so a VARCHAR fits exactly.
		keyType = "VARCHAR(64)"
		timestampType = "DATETIME"
	}

	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			cache_key %s PRIMARY KEY,
			payload %s,
			created_at %s
		);
	`, s.tableName, keyType, blobType, timestampType)

	_, err := s.db.ExecContext(ctx, query)
	return err
}

func (s *SQLStore) Get(ctx context.Context, key string) ([]byte, error) {
	// SQLite and MySQL: ?
	// Postgres: $1
	p1 := "?"
	if s.dialect == DialectPostgres {
		p1 = "$1"
	}

	query := fmt.Sprintf("SELECT payload FROM %s WHERE cache_key = %s", s.tableName, p1)

	var data []byte
	err := s.db.QueryRowContext(ctx, query, key).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get key %s: %w", key, err)
	}
	return data, nil
}

func (s *SQLStore) Set(ctx context.Context, key string, data []byte) error {
	placeholders := []string{"?", "?", "?"}
	if s.dialect == DialectPostgres {
		placeholders = []string{"$1", "$2", "$3"}
	}

	// Build upsert query based on dialect
	var query string
	if s.dialect == DialectMySQL {
		query = fmt.Sprintf(`
			INSERT INTO %s (cache_key, payload, created_at)
			VALUES (%s, %s, %s)
			ON DUPLICATE KEY UPDATE
				payload = VALUES(payload),
				created_at = VALUES(created_at)
		`, s.tableName, placeholders[0], placeholders[1], placeholders[2])
	} else {
		// SQLite and Postgres use ON CONFLICT
		query = fmt.Sprintf(`
			INSERT INTO %s (cache_key, payload, created_at)
			VALUES (%s, %s, %s)
			ON CONFLICT(cache_key) DO UPDATE SET
				payload = excluded.payload,
				created_at = excluded.created_at
		`, s.tableName, placeholders[0], placeholders[1], placeholders[2])
	}

	_, err := s.db.ExecContext(ctx, query, key, data, time.Now())
	return err
}

func (s *SQLStore) Delete(ctx context.Context, key string) error {
	p1 := "?"
	if s.dialect == DialectPostgres {
		p1 = "$1"
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE cache_key = %s", s.tableName, p1)
	_, err := s.db.ExecContext(ctx, query, key)
	return err
}

func (s *SQLStore) Clear(ctx context.Context) error {
	query := fmt.Sprintf("DELETE FROM %s", s.tableName)
	_, err := s.db.ExecContext(ctx, query)
	return err
}

func (s *SQLStore) Usage(ctx context.Context) (Usage, error) {
	// LENGTH counts bytes on BLOB and BYTEA columns in all three dialects.
	query := fmt.Sprintf("SELECT COUNT(*), COALESCE(SUM(LENGTH(payload)), 0) FROM %s", s.tableName)

	var u Usage
	err := s.db.QueryRowContext(ctx, query).Scan(&u.Entries, &u.Bytes)
	if err != nil {
		return Usage{}, fmt.Errorf("failed to read usage: %w", err)
	}
	return u, nil
}
