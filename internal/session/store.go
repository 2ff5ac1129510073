package session

import (
	"time"

	"github.com/patrickmn/go-cache"
)

// Store is session-scoped key/value storage. Entries outlive a single
// request but not the process.
type Store interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte)
	Delete(key string)
}

// CacheStore implements Store in memory. Entries expire after sitting idle for ttl.
type CacheStore struct {
	entries *cache.Cache
	ttl     time.Duration
}

// NewCacheStore creates a CacheStore. A non-positive ttl keeps entries until deleted.
func NewCacheStore(ttl time.Duration) *CacheStore {
	if ttl <= 0 {
		return &CacheStore{entries: cache.New(cache.NoExpiration, 0), ttl: cache.NoExpiration}
	}
	return &CacheStore{entries: cache.New(ttl, ttl), ttl: ttl}
}

// Get returns a copy of the entry for key and refreshes its expiry
func (c *CacheStore) Get(key string) ([]byte, bool) {
	v, ok := c.entries.Get(key)
	if !ok {
		return nil, false
	}
	data := v.([]byte)
	c.entries.Set(key, data, c.ttl)
	return append([]byte(nil), data...), true
}

// Set stores a copy of value under key
func (c *CacheStore) Set(key string, value []byte) {
	c.entries.Set(key, append([]byte(nil), value...), c.ttl)
}

// Delete removes key
func (c *CacheStore) Delete(key string) {
	c.entries.Delete(key)
}
