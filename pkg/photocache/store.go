// Package photocache provides a content-addressed result cache for image
// scoring runs. Keys are derived from the image bytes, the scoring
// configuration, and the model identifier, so a result is reused across
// renames and duplicate files and invalidated the moment any input changes.
//
// The package separates the Cache front (key derivation, entry envelope,
// hit/miss accounting) from the Store backends that hold the bytes. Backends
// exist for the local filesystem, plain database/sql (SQLite, Postgres,
// MySQL), pgx connection pools, Redis, and an in-memory map for tests.
package photocache

import "context"

// Usage summarizes what a store currently holds.
type Usage struct {
	Entries int64
	Bytes   int64
}

// Store is the persistence backend for cache entries.
// Implementations must be safe for concurrent use.
//
// Get returns (nil, nil) when the key is absent; errors are reserved for
// backend failures. Entries never expire, so implementations should not
// attach TTLs.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Usage(ctx context.Context) (Usage, error)
}
