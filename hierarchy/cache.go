package hierarchy

import (
	"context"
	"strconv"
	"sync/atomic"

	"github.com/dgraph-io/ristretto/v2"
	"golang.org/x/sync/singleflight"
)

// rootKey is the cache key for the root listing.
const rootKey = "\x00roots"

// childrenEntry is a cached child listing stamped with the epoch it was read in.
type childrenEntry struct {
	epoch uint64
	nodes []*Node
}

// childrenCache is an advisory read-through cache of ListByParent results.
//
// Every local mutation bumps epoch before returning, and an entry is only
// served if it was loaded in the current epoch. Ristretto applies Sets
// asynchronously, so a load that raced a mutation can still land in the
// cache; the epoch check keeps it from ever being served.
type childrenCache struct {
	cache  *ristretto.Cache[string, childrenEntry]
	epoch  atomic.Uint64
	flight singleflight.Group
}

func newChildrenCache(size int64) (*childrenCache, error) {
	c, err := ristretto.NewCache(&ristretto.Config[string, childrenEntry]{
		NumCounters: size * 10,
		MaxCost:     size,
		BufferItems: 64,

		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, err
	}
	return &childrenCache{cache: c}, nil
}

func cacheKey(parentID string) string {
	if parentID == "" {
		return rootKey
	}
	return parentID
}

// load returns the children of parentID, filling the cache on a miss.
// Concurrent misses for the same parent in the same epoch share one
// persistence read. The shared read is detached from any one caller's
// cancellation; each caller still stops waiting when its own ctx ends.
func (c *childrenCache) load(ctx context.Context, parentID string, fetch func(context.Context) ([]*Node, error)) ([]*Node, error) {
	key := cacheKey(parentID)
	epoch := c.epoch.Load()

	if e, ok := c.cache.Get(key); ok && e.epoch == epoch {
		cacheLookups.WithLabelValues("hit").Inc()
		return cloneNodes(e.nodes), nil
	}
	cacheLookups.WithLabelValues("miss").Inc()

	flightKey := key + "@" + strconv.FormatUint(epoch, 10)
	loadCtx := context.WithoutCancel(ctx)
	ch := c.flight.DoChan(flightKey, func() (any, error) {
		// Capture the epoch before reading so a concurrent mutation
		// invalidates what we are about to store.
		loadEpoch := c.epoch.Load()
		nodes, err := fetch(loadCtx)
		if err != nil {
			return nil, err
		}
		c.cache.Set(key, childrenEntry{epoch: loadEpoch, nodes: nodes}, 1)
		return nodes, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return cloneNodes(res.Val.([]*Node)), nil
	}
}

// invalidate drops the listings of the given parents and retires every
// entry loaded before this call.
func (c *childrenCache) invalidate(parentIDs ...string) {
	c.epoch.Add(1)
	for _, id := range parentIDs {
		c.cache.Del(cacheKey(id))
	}
}

func (c *childrenCache) close() {
	c.cache.Close()
}

func cloneNodes(nodes []*Node) []*Node {
	out := make([]*Node, len(nodes))
	for i, n := range nodes {
		out[i] = n.Clone()
	}
	return out
}
