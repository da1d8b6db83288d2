// Package provider defines where the store keeps value bytes.
//
// The store owns the index (staleness, timestamps, observers, revisions) and
// hands providers opaque framed bytes under keys of the form "q/<segments>".
// Implementations MUST be byte-for-byte transparent and MUST make a successful
// Set visible to the next Get from the same process: the mutation engine
// snapshots, writes and restores values synchronously and relies on reading
// back exactly what it wrote.
//
// Providers may evict. An evicted value is reported to callers as a miss and
// the store drops the index entry.
package provider

import (
	"context"
	"time"
)

// Provider is a byte store with TTLs. Must be safe for concurrent use.
type Provider interface {
	// Get returns (value, true, nil) on hit; (nil, false, nil) on miss.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value. ttl <= 0 means no expiry. cost may be ignored.
	// ok=false means the store refused the write under pressure.
	Set(ctx context.Context, key string, value []byte, cost int64, ttl time.Duration) (ok bool, err error)

	// Del removes a key. Missing keys are not an error.
	Del(ctx context.Context, key string) error

	Close(ctx context.Context) error
}
