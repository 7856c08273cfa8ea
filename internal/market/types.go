// Package market holds the in-memory market data cache: per-pair OHLCV ring
// buffers, ticker and order book snapshots, and staleness tracking. The
// stream consumer is the sole writer; scan and position loops read snapshots.
package market

import "time"

// Candle is one OHLCV bar. Time is the bar-open timestamp in UTC.
type Candle struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// Ticker is the latest best bid/ask and last trade price for a pair.
type Ticker struct {
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Last      float64   `json:"last"`
	Timestamp time.Time `json:"timestamp"`
}

// SpreadPct returns the bid/ask spread as a percentage of the mid price.
func (t Ticker) SpreadPct() float64 {
	if t.Bid <= 0 || t.Ask <= 0 {
		return 0
	}
	mid := (t.Bid + t.Ask) / 2
	return (t.Ask - t.Bid) / mid * 100
}

// BookLevel is one price level of an order book side.
type BookLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// BookSnapshot is a point-in-time order book: bids descending, asks ascending.
type BookSnapshot struct {
	Bids      []BookLevel `json:"bids"`
	Asks      []BookLevel `json:"asks"`
	Timestamp time.Time   `json:"timestamp"`
}

// BookAnalysis is the derived microstructure view of a book snapshot.
type BookAnalysis struct {
	OBI            float64   `json:"obi"`        // order book imbalance in [-1, 1]
	BookScore      float64   `json:"book_score"` // composite score in [-1, 1]
	SpreadPct      float64   `json:"spread_pct"`
	WhaleFlag      bool      `json:"whale_flag"`
	LiquidityScore float64   `json:"liquidity_score"` // [0, 1]
	Timestamp      time.Time `json:"timestamp"`
}
