package driven

import (
	"context"
	"time"
)

// CounterStore is a shared counter cache. Entries expire after their TTL so a
// crashed worker cannot hold a slot forever. Implementations must be visible
// across every worker process.
type CounterStore interface {
	Get(ctx context.Context, key string) (int64, error)
	Set(ctx context.Context, key string, value int64, ttl time.Duration) error
	// Incr adds one and returns the new value. A missing or expired key starts
	// from zero and receives ttl; a live key keeps its expiry.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// Decr subtracts one, never going below zero, and returns the new value.
	Decr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// CountLive returns how many unexpired keys with a positive value start
	// with prefix.
	CountLive(ctx context.Context, prefix string) (int64, error)
	// PurgeExpired removes expired entries and returns how many were removed.
	PurgeExpired(ctx context.Context) (int64, error)
}
