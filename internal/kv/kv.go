// Package kv provides the key-value storage used for client profiles and
// challenge secrets. Every entry carries a TTL; expiry is store-driven.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key is missing or has expired.
var ErrNotFound = errors.New("kv: key not found")

// Store is a minimal TTL key-value store. Implementations must be safe for
// concurrent use but are not required to provide anything stronger than
// per-call atomicity.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Take returns the value and deletes the key in one step.
	Take(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}

// Open returns a Redis-backed store when url is non-empty and an in-memory
// store otherwise.
func Open(url string) (Store, error) {
	if url == "" {
		return NewMemoryStore(time.Minute), nil
	}
	return NewRedisStore(url)
}
