package e2ee

import (
	"context"

	"github.com/puzpuzpuz/xsync/v4"
)

// keyedMutex hands out one mutex per key. Waiting honours ctx, so a
// cancelled operation never ends up holding a lock it no longer wants.
type keyedMutex[K comparable] struct {
	locks *xsync.Map[K, chan struct{}]
}

func newKeyedMutex[K comparable]() keyedMutex[K] {
	return keyedMutex[K]{locks: xsync.NewMap[K, chan struct{}]()}
}

func (m keyedMutex[K]) Lock(ctx context.Context, key K) (unlock func(), err error) {
	ch, _ := m.locks.LoadOrCompute(key, func() (chan struct{}, bool) {
		return make(chan struct{}, 1), false
	})
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
