package blob

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// CacheLimit is the largest payload kept in memory.
const CacheLimit = 10 << 20

const defaultCacheEntries = 64

// Cache keeps recently fetched remote blobs in memory.
type Cache struct {
	lru *lru.Cache[string, []byte]
}

func NewCache(entries int) (*Cache, error) {
	if entries <= 0 {
		entries = defaultCacheEntries
	}
	l, err := lru.New[string, []byte](entries)
	if err != nil {
		return nil, err
	}
	return &Cache{lru: l}, nil
}

// Get returns the cached blob for id.
func (c *Cache) Get(id string) ([]byte, bool) {
	return c.lru.Get(id)
}

// Put caches data unless it is at or above CacheLimit.
func (c *Cache) Put(id string, data []byte) bool {
	if len(data) >= CacheLimit {
		return false
	}
	c.lru.Add(id, data)
	return true
}

func (c *Cache) Len() int { return c.lru.Len() }
