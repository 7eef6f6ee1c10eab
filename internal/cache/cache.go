// Package cache holds a small keyed cache whose misses are filled through a
// singleflight group, so concurrent callers share one fetch.
package cache

import (
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/sync/singleflight"
)

const DefaultTTL = 3 * time.Second

type entry[T any] struct {
	value     T
	fetchedAt time.Time
}

// TTL serves entries younger than its TTL directly. Older entries are
// still served, and refreshed in the background.
type TTL[T any] struct {
	entries *xsync.Map[string, entry[T]]
	sfg     singleflight.Group
	ttl     time.Duration
	now     func() time.Time
}

func NewTTL[T any](ttl time.Duration) *TTL[T] {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &TTL[T]{
		entries: xsync.NewMap[string, entry[T]](),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (c *TTL[T]) Get(key string, fn func() (T, error)) (T, error) {
	if e, ok := c.entries.Load(key); ok {
		if c.now().Sub(e.fetchedAt) > c.ttl {
			go c.sfg.Do(key, func() (any, error) {
				if res, err := fn(); err == nil {
					c.entries.Store(key, entry[T]{value: res, fetchedAt: c.now()})
				}
				return nil, nil
			})
		}
		return e.value, nil
	}

	v, err, _ := c.sfg.Do(key, func() (any, error) {
		if e, ok := c.entries.Load(key); ok {
			return e, nil
		}
		res, err := fn()
		if err != nil {
			return nil, err
		}
		e := entry[T]{value: res, fetchedAt: c.now()}
		c.entries.Store(key, e)
		return e, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(entry[T]).value, nil
}

func (c *TTL[T]) Delete(key string) {
	c.entries.Delete(key)
}

func (c *TTL[T]) Clear() {
	c.entries.Clear()
}

func (c *TTL[T]) Len() int {
	return c.entries.Size()
}
