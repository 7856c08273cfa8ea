package market

import (
	"sync"
	"time"

	"novapulse/internal/metrics"
)

// ring is a fixed-capacity circular candle buffer. The newest bar may be
// in-progress; Closed reports whether the newest bar has closed.
type ring struct {
	buf    []Candle
	head   int // index of the oldest element
	count  int
	closed bool // newest bar closed
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]Candle, capacity)}
}

func (r *ring) append(c Candle) {
	if r.count < len(r.buf) {
		r.buf[(r.head+r.count)%len(r.buf)] = c
		r.count++
		return
	}
	r.buf[r.head] = c
	r.head = (r.head + 1) % len(r.buf)
}

func (r *ring) last() (Candle, bool) {
	if r.count == 0 {
		return Candle{}, false
	}
	return r.buf[(r.head+r.count-1)%len(r.buf)], true
}

func (r *ring) setLast(c Candle) {
	r.buf[(r.head+r.count-1)%len(r.buf)] = c
}

// view returns up to n newest candles, oldest first. It always copies so
// callers never observe writer mutation.
func (r *ring) view(n int) []Candle {
	if n > r.count {
		n = r.count
	}
	out := make([]Candle, n)
	start := r.head + r.count - n
	for i := 0; i < n; i++ {
		out[i] = r.buf[(start+i)%len(r.buf)]
	}
	return out
}

type pairData struct {
	candles      *ring
	ticker       Ticker
	hasTicker    bool
	book         BookSnapshot
	analysis     BookAnalysis
	hasAnalysis  bool
	lastUpdate   time.Time
	rejectedBars int64
}

// Cache is the shared market data cache. All methods are safe for concurrent
// use; the stream consumer is the only writer in practice.
type Cache struct {
	mu                sync.RWMutex
	pairs             map[string]*pairData
	capacity          int
	barInterval       time.Duration
	outlierDefault    float64
	outlierOverrides  map[string]float64
}

// NewCache creates a cache with the given ring capacity and base bar
// interval (normally one minute). outlierDefault is the fractional close
// deviation beyond which a closed bar is rejected.
func NewCache(capacity int, barInterval time.Duration, outlierDefault float64, overrides map[string]float64) *Cache {
	if capacity <= 0 {
		capacity = 1000
	}
	if barInterval <= 0 {
		barInterval = time.Minute
	}
	return &Cache{
		pairs:            make(map[string]*pairData),
		capacity:         capacity,
		barInterval:      barInterval,
		outlierDefault:   outlierDefault,
		outlierOverrides: overrides,
	}
}

func (c *Cache) pair(p string) *pairData {
	d, ok := c.pairs[p]
	if !ok {
		d = &pairData{candles: newRing(c.capacity)}
		c.pairs[p] = d
	}
	return d
}

func (c *Cache) outlierThreshold(pair string) float64 {
	if thr, ok := c.outlierOverrides[pair]; ok {
		return thr
	}
	return c.outlierDefault
}

// SeedCandles replaces a pair's buffer with warmup history, oldest first.
// All seeded bars are treated as closed.
func (c *Cache) SeedCandles(pair string, candles []Candle) {
	c.mu.Lock()
	defer c.mu.Unlock()

	d := c.pair(pair)
	d.candles = newRing(c.capacity)
	for _, cd := range candles {
		d.candles.append(cd)
	}
	d.candles.closed = true
	d.lastUpdate = time.Now()
}

// UpdateCandle applies a streamed bar. closed marks whether the bar has
// finished. In-progress updates overwrite the current bar slot; a new bar is
// appended only when its open time strictly advances by the bar interval.
// Closed bars deviating beyond the outlier threshold are rejected. Returns
// whether the update was accepted.
func (c *Cache) UpdateCandle(pair string, candle Candle, closed bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	d := c.pair(pair)
	d.lastUpdate = time.Now()

	last, ok := d.candles.last()
	if !ok {
		d.candles.append(candle)
		d.candles.closed = closed
		return true
	}

	switch {
	case candle.Time.Equal(last.Time):
		// In-progress refresh of the current bar.
		if closed {
			prev := c.previousClose(d)
			if prev > 0 && deviation(candle.Close, prev) > c.outlierThreshold(pair) {
				d.rejectedBars++
				metrics.OutlierBarsRejected.WithLabelValues(pair).Inc()
				return false
			}
		}
		d.candles.setLast(candle)
		d.candles.closed = closed
		return true

	case candle.Time.After(last.Time):
		if closed {
			ref := last.Close
			if !d.candles.closed {
				ref = c.previousClose(d)
			}
			if ref > 0 && deviation(candle.Close, ref) > c.outlierThreshold(pair) {
				d.rejectedBars++
				metrics.OutlierBarsRejected.WithLabelValues(pair).Inc()
				return false
			}
		}
		d.candles.append(candle)
		d.candles.closed = closed
		return true

	default:
		// Out of order.
		d.rejectedBars++
		return false
	}
}

// previousClose returns the close of the newest fully closed bar before the
// current slot.
func (c *Cache) previousClose(d *pairData) float64 {
	n := d.candles.count
	if d.candles.closed {
		if n < 1 {
			return 0
		}
		last, _ := d.candles.last()
		return last.Close
	}
	if n < 2 {
		return 0
	}
	v := d.candles.view(2)
	return v[0].Close
}

func deviation(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return diff / b
}

// UpdateTicker stores the latest ticker for a pair.
func (c *Cache) UpdateTicker(pair string, t Ticker) {
	c.mu.Lock()
	defer c.mu.Unlock()

	d := c.pair(pair)
	d.ticker = t
	d.hasTicker = true
	d.lastUpdate = time.Now()
}

// UpdateBook stores a book snapshot and recomputes its analysis. The
// analysis is computed exactly once per book tick.
func (c *Cache) UpdateBook(pair string, b BookSnapshot) {
	analysis := AnalyzeBook(b)

	c.mu.Lock()
	defer c.mu.Unlock()

	d := c.pair(pair)
	d.book = b
	d.analysis = analysis
	d.hasAnalysis = true
	d.lastUpdate = time.Now()
}

// GetCandles returns up to n newest candles oldest-first, including the
// in-progress bar if present.
func (c *Cache) GetCandles(pair string, n int) []Candle {
	c.mu.RLock()
	defer c.mu.RUnlock()

	d, ok := c.pairs[pair]
	if !ok {
		return nil
	}
	return d.candles.view(n)
}

// GetClosedCandles returns up to n newest fully closed candles oldest-first,
// excluding an in-progress newest bar.
func (c *Cache) GetClosedCandles(pair string, n int) []Candle {
	c.mu.RLock()
	defer c.mu.RUnlock()

	d, ok := c.pairs[pair]
	if !ok {
		return nil
	}
	if d.candles.closed {
		return d.candles.view(n)
	}
	v := d.candles.view(n + 1)
	if len(v) == 0 {
		return nil
	}
	return v[:len(v)-1]
}

// GetTicker returns the latest ticker for a pair.
func (c *Cache) GetTicker(pair string) (Ticker, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	d, ok := c.pairs[pair]
	if !ok || !d.hasTicker {
		return Ticker{}, false
	}
	return d.ticker, true
}

// GetBookAnalysis returns the most recent book analysis for a pair.
func (c *Cache) GetBookAnalysis(pair string) (BookAnalysis, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	d, ok := c.pairs[pair]
	if !ok || !d.hasAnalysis {
		return BookAnalysis{}, false
	}
	return d.analysis, true
}

// IsStale reports whether no update path has touched the pair within maxAge.
// Unknown pairs are stale.
func (c *Cache) IsStale(pair string, maxAge time.Duration) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	d, ok := c.pairs[pair]
	if !ok || d.lastUpdate.IsZero() {
		return true
	}
	return time.Since(d.lastUpdate) > maxAge
}

// LastUpdate returns the most recent update timestamp for a pair.
func (c *Cache) LastUpdate(pair string) time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if d, ok := c.pairs[pair]; ok {
		return d.lastUpdate
	}
	return time.Time{}
}

// Stats returns per-pair cache statistics for the status endpoint.
func (c *Cache) Stats() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := make(map[string]interface{}, len(c.pairs))
	for pair, d := range c.pairs {
		stats[pair] = map[string]interface{}{
			"candles":       d.candles.count,
			"rejected_bars": d.rejectedBars,
			"last_update":   d.lastUpdate,
			"has_ticker":    d.hasTicker,
			"has_book":      d.hasAnalysis,
		}
	}
	return stats
}
