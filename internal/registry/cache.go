package registry

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// routeCache memoizes GetNextBroker results keyed by a hash of the (from,
// to) pair. Hashing first means a cache hit costs one map lookup on a
// uint64 key instead of two string compares against a [2]string — worth it
// because this cache sits on the message-dispatch hot path.
type routeCache struct {
	mu      sync.RWMutex
	entries map[uint64]routeEntry
}

type routeEntry struct {
	from, to, next string
}

func newRouteCache() *routeCache {
	return &routeCache{entries: map[uint64]routeEntry{}}
}

func routeKey(from, to string) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(from)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(to)
	return h.Sum64()
}

func (c *routeCache) get(from, to string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[routeKey(from, to)]
	if !ok || e.from != from || e.to != to {
		return "", false
	}
	return e.next, true
}

func (c *routeCache) add(from, to, next string) {
	if from == "" || to == "" || next == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[routeKey(from, to)] = routeEntry{from: from, to: to, next: next}
}

func (c *routeCache) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = map[uint64]routeEntry{}
}

// invalidateAllInvolving drops every entry whose from or to is brokerID,
// used when brokerID itself is removed from the registry.
func (c *routeCache) invalidateAllInvolving(brokerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if e.from == brokerID || e.to == brokerID {
			delete(c.entries, k)
		}
	}
}

// invalidateThrough drops every entry whose destination is "to" and whose
// memoized next-hop is "removedNeighbor" — the edge between them is gone,
// so any shortest path that used to leave "to" via "removedNeighbor" (in
// either cache-key position) may now be stale.
func (c *routeCache) invalidateThrough(to, removedNeighbor string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if (e.to == to || e.from == to) && e.next == removedNeighbor {
			delete(c.entries, k)
		}
	}
}
