package marketdata

import (
	"strings"
	"sync"
	"time"
)

// OscillatorCache holds the last known oscillator per symbol for one user
// session. The exit monitor seeds it with the previous session's close at
// the open, consults it before computing a live reading, and falls back to
// it when live readings are unavailable.
type OscillatorCache struct {
	mu      sync.RWMutex
	entries map[string]CachedReading
}

// CachedReading is one cached oscillator value. AsOf is the market time the
// value describes; CheckedAt is when it was stored.
type CachedReading struct {
	Value     float64
	AsOf      time.Time
	CheckedAt time.Time
}

// NewOscillatorCache returns an empty cache.
func NewOscillatorCache() *OscillatorCache {
	return &OscillatorCache{entries: make(map[string]CachedReading)}
}

// Get returns the cached reading for symbol.
func (c *OscillatorCache) Get(symbol string) (CachedReading, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.entries[strings.ToUpper(symbol)]
	return r, ok
}

// Set stores a reading.
func (c *OscillatorCache) Set(symbol string, value float64, asOf, checkedAt time.Time) {
	c.mu.Lock()
	c.entries[strings.ToUpper(symbol)] = CachedReading{Value: value, AsOf: asOf, CheckedAt: checkedAt}
	c.mu.Unlock()
}

// Reset drops every entry, typically at the start of a trading day.
func (c *OscillatorCache) Reset() {
	c.mu.Lock()
	c.entries = make(map[string]CachedReading)
	c.mu.Unlock()
}

// Len returns the number of cached symbols.
func (c *OscillatorCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
