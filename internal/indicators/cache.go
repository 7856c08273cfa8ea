package indicators

import (
	"fmt"
	"sync"
)

// Cache memoizes indicator series within a single scan so each indicator is
// computed at most once per (pair, timeframe, params). A fresh cache is
// created per scan and discarded afterwards.
type Cache struct {
	mu      sync.Mutex
	entries map[string]interface{}
}

// NewCache creates an empty scan-scoped cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]interface{})}
}

// Key builds a cache key from an indicator name, pair, timeframe in minutes,
// and parameter tuple.
func Key(name, pair string, timeframe int, params ...interface{}) string {
	return fmt.Sprintf("%s|%s|%d|%v", name, pair, timeframe, params)
}

// Series returns the memoized series for key, computing it on first use.
func (c *Cache) Series(key string, compute func() []float64) []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v, ok := c.entries[key]; ok {
		return v.([]float64)
	}
	s := compute()
	c.entries[key] = s
	return s
}

// Pair returns a memoized two-series result (for indicators like stochastic
// or MACD pairs), computing on first use.
func (c *Cache) Pair(key string, compute func() ([]float64, []float64)) ([]float64, []float64) {
	type pair struct{ a, b []float64 }

	c.mu.Lock()
	defer c.mu.Unlock()

	if v, ok := c.entries[key]; ok {
		p := v.(pair)
		return p.a, p.b
	}
	a, b := compute()
	c.entries[key] = pair{a, b}
	return a, b
}

// Size returns the number of memoized entries.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
