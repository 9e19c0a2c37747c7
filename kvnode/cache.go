package kvnode

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheHitCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kvnode_cache_hits_total",
		Help: "Number of document reads served from the cache.",
	})
	cacheMissCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kvnode_cache_misses_total",
		Help: "Number of document reads that fell through to bolt.",
	})
)

// docCache is a write-through LRU in front of the bolt store, bounded by
// both entry count and total value bytes.
type docCache struct {
	lock     sync.Mutex
	entries  *lru.Cache
	maxBytes int
	curBytes int
}

func newDocCache(maxItems, maxBytes int) *docCache {
	c := &docCache{maxBytes: maxBytes}
	// The eviction callback keeps the byte budget accurate for entries
	// dropped by the item bound as well as by trimToBytes.
	cache, err := lru.NewWithEvict(maxItems, func(_ interface{}, value interface{}) {
		c.curBytes -= len(value.([]byte))
	})
	if err != nil {
		panic(err)
	}
	c.entries = cache
	return c
}

func (c *docCache) get(key string) ([]byte, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	v, ok := c.entries.Get(key)
	if !ok {
		cacheMissCount.Inc()
		return nil, false
	}
	cacheHitCount.Inc()
	return v.([]byte), true
}

func (c *docCache) put(key string, value []byte) {
	if len(value) > c.maxBytes {
		return
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	if prev, ok := c.entries.Peek(key); ok {
		c.curBytes -= len(prev.([]byte))
	}
	c.entries.Add(key, value)
	c.curBytes += len(value)
	for c.curBytes > c.maxBytes {
		if _, _, ok := c.entries.RemoveOldest(); !ok {
			break
		}
	}
}

func (c *docCache) purge() {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.entries.Purge()
	c.curBytes = 0
}

func (c *docCache) len() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.entries.Len()
}
