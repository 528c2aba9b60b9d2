// Package cache is the content-addressed store for rendered and composited
// images. Per-key single flight collapses identical concurrent requests; a
// bounded LRU holds results in memory; an optional sqlite store keeps
// non-volatile entries across restarts.
package cache

import (
	"context"
	"fmt"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

type Cache struct {
	group singleflight.Group
	lru   *lru.Cache[string, []byte]
	store *Store // nil when persistence is off
}

// New creates a cache bounded to the given number of in-memory entries.
// store may be nil.
func New(entries int, store *Store) (*Cache, error) {
	l, err := lru.New[string, []byte](entries)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	return &Cache{lru: l, store: store}, nil
}

// GetOrCompute returns the cached value for key or computes it exactly once,
// no matter how many callers ask concurrently; all waiters receive the same
// value or the same error. Errors are never stored, so a later call retries.
//
// Volatile entries (anything keyed off the working state) stay out of the
// persistent store and can be dropped through Invalidate.
//
// fn runs detached from the caller's cancellation: a waiter that goes away
// stops waiting, but the computation finishes for the others. fn is expected
// to bound its own run time.
func (c *Cache) GetOrCompute(ctx context.Context, key string, volatile bool, fn func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	if data, ok := c.lru.Get(key); ok {
		return data, nil
	}
	if !volatile && c.store != nil {
		if data, ok := c.store.Get(key); ok {
			c.lru.Add(key, data)
			return data, nil
		}
	}

	resultCh := c.group.DoChan(key, func() (any, error) {
		data, err := fn(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		c.lru.Add(key, data)
		if !volatile && c.store != nil {
			if err := c.store.Put(key, data); err != nil {
				slog.Error("persist cache entry", slog.String("key", key), slog.Any("error", err))
			}
		}
		return data, nil
	})

	select {
	case result := <-resultCh:
		if result.Err != nil {
			return nil, result.Err
		}
		return result.Val.([]byte), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Invalidate drops every in-memory entry whose key matches. In-flight
// computations are untouched; they re-enter the LRU when they finish.
func (c *Cache) Invalidate(match func(key string) bool) int {
	dropped := 0
	for _, key := range c.lru.Keys() {
		if match(key) {
			c.lru.Remove(key)
			dropped++
		}
	}
	return dropped
}

// Len reports the number of in-memory entries.
func (c *Cache) Len() int { return c.lru.Len() }
