package util

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// Cache is a thread-safe LRU of key -> content digest, used to recognise
// writes this process made itself when they come back as watcher events.
type Cache struct {
	cache *lru.Cache[string, string]
}

// NewCache creates a cache holding at most size entries
func NewCache(size int) (*Cache, error) {
	cache, err := lru.New[string, string](size)
	if err != nil {
		return nil, err
	}
	return &Cache{cache: cache}, nil
}

// Remember records digest as the latest known content for key
func (c *Cache) Remember(key, digest string) {
	c.cache.Add(key, digest)
}

// Seen reports whether key was last remembered with exactly this digest
func (c *Cache) Seen(key, digest string) bool {
	known, ok := c.cache.Get(key)
	return ok && known == digest
}

// Forget drops key
func (c *Cache) Forget(key string) {
	c.cache.Remove(key)
}

// Len returns the number of entries
func (c *Cache) Len() int {
	return c.cache.Len()
}
