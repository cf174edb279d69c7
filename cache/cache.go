// Package cache holds gateway responses in two TTL tiers: a volatile
// short tier for everything, and a persisted long tier for pages whose
// content is settled and can no longer change.
package cache

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	gocache "github.com/patrickmn/go-cache"

	"github.com/hkgpx/hkgpx/store"
)

// Tier identifies where a lookup hit.
type Tier int

const (
	TierNone Tier = iota
	TierShort
	TierLong
)

type longEntry struct {
	payload []byte
	expires time.Time
}

// Cache owns both tiers. A key lives in at most one tier at a time.
// Short-tier entries die on restart; long-tier entries are persisted
// through the store snapshot and carry a sliding expiry refreshed on
// every hit.
type Cache struct {
	mu      sync.Mutex
	short   *gocache.Cache
	long    map[string]*longEntry
	longTTL time.Duration
	clock   clock.Clock
	persist func()
}

// New seeds the long tier from the persisted state. Entries already past
// their expiry are dropped on load rather than resurrected.
func New(seed []store.CacheEntry, shortTTL, longTTL time.Duration, clk clock.Clock, persist func()) *Cache {
	if clk == nil {
		clk = clock.New()
	}
	if persist == nil {
		persist = func() {}
	}
	c := &Cache{
		short:   gocache.New(shortTTL, 2*shortTTL),
		long:    make(map[string]*longEntry),
		longTTL: longTTL,
		clock:   clk,
		persist: persist,
	}
	now := clk.Now()
	for _, e := range seed {
		if e.ExpiresAt.After(now) {
			c.long[e.Key] = &longEntry{payload: e.Payload, expires: e.ExpiresAt}
		}
	}
	return c
}

// Lookup returns the cached payload for key, if any. A long-tier hit
// slides its expiry forward and schedules a save; a short-tier hit does
// not touch its expiry.
func (c *Cache) Lookup(key string) ([]byte, Tier, bool) {
	c.mu.Lock()
	if e, ok := c.long[key]; ok {
		e.expires = c.clock.Now().Add(c.longTTL)
		c.mu.Unlock()
		c.persist()
		return e.payload, TierLong, true
	}
	c.mu.Unlock()

	if v, ok := c.short.Get(key); ok {
		return v.([]byte), TierShort, true
	}
	return nil, TierNone, false
}

// StoreShort caches a payload in the volatile tier with the default TTL.
// Eviction from the long tier happens under the same lock so the key
// never lives in both tiers.
func (c *Cache) StoreShort(key string, payload []byte) {
	c.mu.Lock()
	delete(c.long, key)
	c.short.SetDefault(key, payload)
	c.mu.Unlock()
}

// StoreLong caches a settled payload in the persisted tier and schedules
// a save.
func (c *Cache) StoreLong(key string, payload []byte) {
	c.mu.Lock()
	c.long[key] = &longEntry{payload: payload, expires: c.clock.Now().Add(c.longTTL)}
	c.short.Delete(key)
	c.mu.Unlock()
	c.persist()
}

// Invalidate removes key from whichever tier holds it and reports
// whether anything was deleted.
func (c *Cache) Invalidate(key string) bool {
	deleted := false

	c.mu.Lock()
	if _, ok := c.long[key]; ok {
		delete(c.long, key)
		deleted = true
	}
	if _, ok := c.short.Get(key); ok {
		c.short.Delete(key)
		deleted = true
	}
	c.mu.Unlock()

	if deleted {
		c.persist()
	}
	return deleted
}

// SweepLong reclaims long-tier entries whose slid expiry has lapsed and
// returns how many were removed.
func (c *Cache) SweepLong() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	removed := 0
	for key, e := range c.long {
		if !e.expires.After(now) {
			delete(c.long, key)
			removed++
		}
	}
	return removed
}

// Snapshot returns the long tier for persistence. The short tier is
// volatile by contract and never saved.
func (c *Cache) Snapshot() []store.CacheEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]store.CacheEntry, 0, len(c.long))
	for key, e := range c.long {
		out = append(out, store.CacheEntry{Key: key, Payload: e.payload, ExpiresAt: e.expires})
	}
	return out
}
