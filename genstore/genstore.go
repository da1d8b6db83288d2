// Package genstore keeps the per-entry read generation used to cancel
// in-flight reads.
//
// A query snapshots the generation of its entry before calling its fetcher
// and commits the result only if the generation is unchanged. A mutation that
// is about to write optimistically bumps the generation of every entry it
// touches, so a read that started earlier can no longer overwrite the
// optimistic value when it finally resolves.
package genstore

import (
	"context"
	"time"
)

// GenStore abstracts where generations live.
// LocalGenStore is the default; RedisGenStore shares generations between
// processes that share a redis value provider.
type GenStore interface {
	// Snapshot returns the current generation; missing => 0.
	Snapshot(ctx context.Context, storageKey string) (uint64, error)
	// Bump increments one generation and returns the new value.
	Bump(ctx context.Context, storageKey string) (uint64, error)
	// BumpMany increments every listed generation in one call.
	BumpMany(ctx context.Context, storageKeys []string) error
	// Cleanup prunes generations not bumped within retention (no-op for redis).
	Cleanup(retention time.Duration)
	Close(context.Context) error
}
