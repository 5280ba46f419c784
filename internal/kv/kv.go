// Package kv provides a small key/value store with per-entry TTLs.
//
// It backs the volatile tier of the session cache and the quota counters.
// Single-key operations are atomic; there are no multi-key transactions.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get for missing or expired keys.
var ErrNotFound = errors.New("kv: key not found")

// Store is a key/value store with TTL. A ttl of zero means no expiry.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Incr adds one to the integer at key, creating it with the given ttl
	// if absent, and returns the new value.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}
