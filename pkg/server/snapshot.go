package server

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/gabrielmiguelok/watchsync/pkg/metrics"
	"github.com/gabrielmiguelok/watchsync/pkg/session"
)

type snapshotLoader func(ctx context.Context, sessionID string) (session.Snapshot, error)

// snapshotCache keeps recent snapshots per session. Concurrent misses for
// the same session share one load.
type snapshotCache struct {
	load    snapshotLoader
	lru     *expirable.LRU[string, session.Snapshot]
	group   singleflight.Group
	gen     atomic.Uint64
	metrics *metrics.Metrics
}

func newSnapshotCache(load snapshotLoader, size int, ttl time.Duration, m *metrics.Metrics) *snapshotCache {
	if size <= 0 {
		size = 1024
	}
	c := &snapshotCache{load: load, metrics: m}
	if ttl > 0 {
		c.lru = expirable.NewLRU[string, session.Snapshot](size, nil, ttl)
	}
	return c
}

// Get returns the cached snapshot or loads it.
func (c *snapshotCache) Get(ctx context.Context, sessionID string) (session.Snapshot, error) {
	if c.lru == nil {
		return c.load(ctx, sessionID)
	}
	if snap, ok := c.lru.Get(sessionID); ok {
		c.record("hit")
		return snap, nil
	}
	c.record("miss")

	v, err, _ := c.group.Do(sessionID, func() (any, error) {
		gen := c.gen.Load()
		snap, err := c.load(context.WithoutCancel(ctx), sessionID)
		if err != nil {
			return session.Snapshot{}, err
		}
		// A change committed during the load may not be in snap.
		if c.gen.Load() == gen {
			c.lru.Add(sessionID, snap)
		}
		return snap, nil
	})
	if err != nil {
		return session.Snapshot{}, err
	}
	return v.(session.Snapshot), nil
}

// Invalidate drops the cached snapshot of sessionID.
func (c *snapshotCache) Invalidate(sessionID string) {
	if c.lru == nil {
		return
	}
	c.gen.Add(1)
	c.group.Forget(sessionID)
	c.lru.Remove(sessionID)
}

func (c *snapshotCache) record(result string) {
	if c.metrics != nil {
		c.metrics.SnapshotCache.WithLabelValues(result).Inc()
	}
}
