package cache

import (
	"context"
	"sync/atomic"
	"time"
)

// MultiLevel layers an in-process LRU (L1) over an optional distributed
// cache (L2). L2 hits repopulate L1; writes go to both levels.
type MultiLevel struct {
	l1 *LRU
	l2 Cache // optional

	l1TTL time.Duration
	l2TTL time.Duration

	l1Hits   atomic.Int64
	l1Misses atomic.Int64
	l2Hits   atomic.Int64
	l2Misses atomic.Int64
}

// MultiLevelConfig holds multi-level cache configuration.
type MultiLevelConfig struct {
	L1MaxSize int
	L1TTL     time.Duration
	L2TTL     time.Duration
}

// DefaultMultiLevelConfig returns defaults suited to snapshot blobs.
func DefaultMultiLevelConfig() MultiLevelConfig {
	return MultiLevelConfig{
		L1MaxSize: 1024,
		L1TTL:     5 * time.Minute,
		L2TTL:     30 * time.Minute,
	}
}

// NewMultiLevel creates a multi-level cache. l2 may be nil.
func NewMultiLevel(cfg MultiLevelConfig, l2 Cache) *MultiLevel {
	if cfg.L1MaxSize <= 0 {
		cfg.L1MaxSize = 1024
	}
	if cfg.L1TTL <= 0 {
		cfg.L1TTL = 5 * time.Minute
	}
	if cfg.L2TTL <= 0 {
		cfg.L2TTL = 30 * time.Minute
	}
	return &MultiLevel{
		l1:    NewLRU(cfg.L1MaxSize),
		l2:    l2,
		l1TTL: cfg.L1TTL,
		l2TTL: cfg.L2TTL,
	}
}

func (c *MultiLevel) Get(ctx context.Context, key string) ([]byte, error) {
	if value, err := c.l1.Get(ctx, key); err == nil {
		c.l1Hits.Add(1)
		return value, nil
	}
	c.l1Misses.Add(1)

	if c.l2 != nil {
		if value, err := c.l2.Get(ctx, key); err == nil {
			c.l2Hits.Add(1)
			c.l1.Set(ctx, key, value, c.l1TTL)
			return value, nil
		}
		c.l2Misses.Add(1)
	}

	return nil, ErrNotFound
}

func (c *MultiLevel) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	l1TTL := ttl
	if l1TTL <= 0 || l1TTL > c.l1TTL {
		l1TTL = c.l1TTL
	}
	c.l1.Set(ctx, key, value, l1TTL)

	if c.l2 != nil {
		l2TTL := ttl
		if l2TTL <= 0 || l2TTL > c.l2TTL {
			l2TTL = c.l2TTL
		}
		return c.l2.Set(ctx, key, value, l2TTL)
	}
	return nil
}

func (c *MultiLevel) Delete(ctx context.Context, key string) error {
	c.l1.Delete(ctx, key)
	if c.l2 != nil {
		return c.l2.Delete(ctx, key)
	}
	return nil
}

// Stats reports hit/miss counters per level.
func (c *MultiLevel) Stats() (l1Hits, l1Misses, l2Hits, l2Misses int64) {
	return c.l1Hits.Load(), c.l1Misses.Load(), c.l2Hits.Load(), c.l2Misses.Load()
}
