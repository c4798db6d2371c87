// Package cache provides the snapshot read cache: an in-process LRU (L1)
// optionally layered over Redis (L2). The cache is purely an optimization;
// every read path falls back to the durable store on a miss, so cache loss
// is never a correctness problem.
package cache

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("cache: key not found")
	ErrExpired  = errors.New("cache: key expired")
)

// Cache is the interface shared by all cache levels.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
