// Package cache abstracts the shared key/value cache. The Redis
// implementation is the cross-replica coordination point; the in-memory
// implementation backs tests and single-node deployments.
package cache

import (
	"context"
	"time"
)

type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Scan returns up to limit keys matching a glob-style pattern without
	// blocking the store (cursor-based on Redis).
	Scan(ctx context.Context, pattern string, limit int) ([]string, error)
	// Incr increments a counter key, applying ttl only on first touch.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}
