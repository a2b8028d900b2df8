// Package genstore keeps a generation counter per entry file path.
//
// The hot entry cache reads the generation before reading a file and stores
// it with the cached bytes; every write or unlink through the store bumps it.
// A cached copy whose generation no longer matches is stale and re-read.
package genstore

import "context"

// GenStore abstracts where generations live.
// Use LocalGenStore (default) for in-process gens, or RedisGenStore to share
// them between processes that write the same cache directory.
type GenStore interface {
	// Snapshot returns the current generation; missing => 0.
	Snapshot(ctx context.Context, path string) (uint64, error)
	// Bump atomically increments and returns the new generation.
	Bump(ctx context.Context, path string) (uint64, error)
	// Close releases resources (no-op ok).
	Close(context.Context) error
}
