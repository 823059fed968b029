package marketdata

import (
	"sync"
	"time"

	"github.com/kestrelfin/optionsd/internal/domain"
)

// cache is the per-conid last-known-tick store. It survives normal
// disconnects (for display continuity) and is only cleared by ForceFullReconnect.
type cache struct {
	mu      sync.RWMutex
	entries map[int]domain.MarketDataEntry
	errors  map[int]string
}

func newCache() *cache {
	return &cache{
		entries: make(map[int]domain.MarketDataEntry),
		errors:  make(map[int]string),
	}
}

func (c *cache) get(conid int) (domain.MarketDataEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[conid]
	return e, ok
}

func (c *cache) all() map[int]domain.MarketDataEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[int]domain.MarketDataEntry, len(c.entries))
	for k, v := range c.entries {
		out[k] = v
	}
	return out
}

// apply merges a partial tick into the existing entry, keeping the previous
// value for any field the tick does not carry, and never rewinds Timestamp.
func (c *cache) apply(conid int, update func(*domain.MarketDataEntry)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[conid]
	e.Conid = conid
	update(&e)
	e.Timestamp = time.Now()
	c.entries[conid] = e
	delete(c.errors, conid)
}

// restore inserts an entry with an explicit timestamp, used only to rehydrate
// from persisted latest_prices at startup (normal ticks go through apply).
func (c *cache) restore(conid int, entry domain.MarketDataEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry.Conid = conid
	c.entries[conid] = entry
}

func (c *cache) setError(conid int, msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors[conid] = msg
}

func (c *cache) clearError(conid int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.errors, conid)
}

func (c *cache) hasError(conid int) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	msg, ok := c.errors[conid]
	return msg, ok
}

func (c *cache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[int]domain.MarketDataEntry)
	c.errors = make(map[int]string)
}
