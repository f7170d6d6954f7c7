package auth

import (
	"sync"
	"sync/atomic"
	"time"
)

// KeyCache is a TTL cache of verified API keys, keyed by the key's SHA-256
// digest so raw keys are never held. Reads are lock-free.
//
// Stale-while-revalidate: an expired entry is still returned, with
// NeedsRefresh set for exactly one caller, so no request blocks on bcrypt
// after a key's first use.
type KeyCache struct {
	store sync.Map // map[string]*cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	keyID      string
	expiresAt  time.Time
	refreshing atomic.Bool
}

// NewKeyCache creates a cache with the given TTL.
func NewKeyCache(ttl time.Duration) *KeyCache {
	return &KeyCache{ttl: ttl}
}

// GetResult holds the result of a cache lookup.
type GetResult struct {
	KeyID        string
	Hit          bool // a value was found, fresh or stale
	NeedsRefresh bool // stale, and this caller should refresh it
}

// Get looks up a key digest.
func (c *KeyCache) Get(digest string) GetResult {
	val, ok := c.store.Load(digest)
	if !ok {
		return GetResult{}
	}
	entry := val.(*cacheEntry)

	if time.Now().Before(entry.expiresAt) {
		return GetResult{KeyID: entry.keyID, Hit: true}
	}
	return GetResult{
		KeyID:        entry.keyID,
		Hit:          true,
		NeedsRefresh: entry.refreshing.CompareAndSwap(false, true),
	}
}

// Set stores a verified key id with the configured TTL.
func (c *KeyCache) Set(digest, keyID string) {
	c.store.Store(digest, &cacheEntry{
		keyID:     keyID,
		expiresAt: time.Now().Add(c.ttl),
	})
}

// Delete removes an entry.
func (c *KeyCache) Delete(digest string) {
	c.store.Delete(digest)
}
