package cache

import (
	"context"
	"time"
)

// Backend stores opaque values under fully-qualified keys
// ("<namespace>:<key>"). Expiry is the backend's job.
type Backend interface {
	Name() string
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) (int, error)
	// Keys lists live keys matching a glob pattern ('*' and '?').
	Keys(ctx context.Context, pattern string) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}

// Backend names reported by Layer.Backend.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)
