package services

import "github.com/puzpuzpuz/xsync/v3"

// IdempotencyCache maps Idempotency-Key values to the id of the record the
// first request with that key created.
type IdempotencyCache struct {
	keys *xsync.MapOf[string, int64]
}

// NewIdempotencyCache creates an empty cache.
func NewIdempotencyCache() *IdempotencyCache {
	return &IdempotencyCache{keys: xsync.NewMapOf[string, int64]()}
}

// Lookup returns the id recorded for key. Empty keys never match.
func (c *IdempotencyCache) Lookup(key string) (int64, bool) {
	if key == "" {
		return 0, false
	}
	return c.keys.Load(key)
}

// Remember records id for key unless the key is empty or already taken.
// It returns the id now bound to key.
func (c *IdempotencyCache) Remember(key string, id int64) int64 {
	if key == "" {
		return id
	}
	actual, _ := c.keys.LoadOrStore(key, id)
	return actual
}
