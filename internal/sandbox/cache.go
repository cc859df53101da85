package sandbox

import (
	"slices"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// NewProcessCache returns the bounded cache shared by every plugin in the
// process. Entries are evicted least-recently-used once capacity is reached.
// The caller starts and stops its expiry loop.
func NewProcessCache(capacity uint64, defaultTTL time.Duration) *ttlcache.Cache[string, []byte] {
	return ttlcache.New(
		ttlcache.WithCapacity[string, []byte](capacity),
		ttlcache.WithTTL[string, []byte](defaultTTL),
	)
}

type cacheCap struct {
	owner
	cache *ttlcache.Cache[string, []byte]
}

func (c *cacheCap) key(key string) string {
	return c.plugin + "\x00" + c.userID + "\x00" + key
}

// Get returns a copy of the cached value and whether it was present.
func (c *cacheCap) Get(key string) ([]byte, bool) {
	if c.cache == nil {
		return nil, false
	}
	item := c.cache.Get(c.key(key))
	if item == nil {
		return nil, false
	}
	return slices.Clone(item.Value()), true
}

// Set caches value for ttl. A zero ttl uses the process default.
func (c *cacheCap) Set(key string, value []byte, ttl time.Duration) {
	if c.cache == nil {
		return
	}
	if ttl <= 0 {
		ttl = ttlcache.DefaultTTL
	}
	c.cache.Set(c.key(key), slices.Clone(value), ttl)
}

// Delete evicts key.
func (c *cacheCap) Delete(key string) {
	if c.cache == nil {
		return
	}
	c.cache.Delete(c.key(key))
}
