package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// LRU is the in-process cache level: bounded capacity, per-entry TTL,
// least-recently-used eviction.
type LRU struct {
	capacity int
	items    map[string]*list.Element
	order    *list.List
	mu       sync.Mutex
}

type lruItem struct {
	key       string
	value     []byte
	expiresAt time.Time
}

// NewLRU creates an LRU cache holding at most capacity entries.
func NewLRU(capacity int) *LRU {
	if capacity <= 0 {
		capacity = 1024
	}
	return &LRU{
		capacity: capacity,
		items:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

func (c *LRU) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return nil, ErrNotFound
	}

	item := elem.Value.(*lruItem)
	if !item.expiresAt.IsZero() && time.Now().After(item.expiresAt) {
		c.order.Remove(elem)
		delete(c.items, key)
		return nil, ErrExpired
	}

	c.order.MoveToFront(elem)
	return item.value, nil
}

func (c *LRU) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	if elem, ok := c.items[key]; ok {
		c.order.MoveToFront(elem)
		item := elem.Value.(*lruItem)
		item.value = value
		item.expiresAt = expiresAt
		return nil
	}

	if c.order.Len() >= c.capacity {
		if back := c.order.Back(); back != nil {
			evicted := back.Value.(*lruItem)
			c.order.Remove(back)
			delete(c.items, evicted.key)
		}
	}

	elem := c.order.PushFront(&lruItem{key: key, value: value, expiresAt: expiresAt})
	c.items[key] = elem
	return nil
}

func (c *LRU) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.order.Remove(elem)
		delete(c.items, key)
	}
	return nil
}

// Len returns the number of live entries.
func (c *LRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
