// Package cache provides the shared key-value cache used for hot-path lookups
// (API key info, plan limits). The cache is a best-effort accelerant: callers
// treat errors and misses identically and fall through to the store.
package cache

import (
	"context"
	"time"
)

// Cache is a byte-value cache with per-entry TTLs.
type Cache interface {
	// Get returns the value for key and whether it was present.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores value under key for ttl.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error
	// Close releases backend resources.
	Close() error
}
