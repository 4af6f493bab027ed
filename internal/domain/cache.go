package domain

import (
	"context"
	"time"
)

// Cache is a facility-scoped byte cache. The catalog uses it to avoid
// re-reading rule sets per visit; entries are invalidated on rule
// writes and on explicit reloads.
type Cache interface {
	// Get returns the cached value or nil on miss.
	Get(ctx context.Context, facilityID string, key string) ([]byte, error)

	// Set stores a value with a TTL. Zero TTL means no expiry.
	Set(ctx context.Context, facilityID string, key string, value []byte, ttl time.Duration) error

	// Delete removes a single key.
	Delete(ctx context.Context, facilityID string, key string) error

	// DeletePrefix removes every key of the facility with the prefix.
	DeletePrefix(ctx context.Context, facilityID string, prefix string) error

	Ping(ctx context.Context) error
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string

	// Memory settings
	LocalMaxSize int
	LocalTTL     time.Duration

	// Redis settings
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}
