// Package strategies implements the nine pattern detectors feeding the
// confluence engine. Each strategy evaluates closed candles and returns a
// typed signal; neutral is the inactionable base case.
package strategies

import (
	"math"
	"sync"

	"novapulse/internal/indicators"
	"novapulse/internal/market"
)

// Direction of a strategy signal.
type Direction string

const (
	Long    Direction = "long"
	Short   Direction = "short"
	Neutral Direction = "neutral"
)

// Opposite returns the opposing direction; neutral has no opposite.
func (d Direction) Opposite() Direction {
	switch d {
	case Long:
		return Short
	case Short:
		return Long
	}
	return Neutral
}

// Regime is the market regime classification attached to a scan.
type Regime struct {
	Trend        string  `json:"trend"` // "trend" or "range"
	Vol          string  `json:"vol"`   // "low", "mid", "high"
	VolLevel     float64 `json:"vol_level"`
	VolExpanding bool    `json:"vol_expanding"`
}

// Key returns the regime bucket used for result tagging.
func (r Regime) Key() string {
	return r.Trend + "/" + r.Vol
}

// Signal is one strategy's verdict for a pair.
type Signal struct {
	Strategy   string                 `json:"strategy"`
	Direction  Direction              `json:"direction"`
	Strength   float64                `json:"strength"`   // [0, 1]
	Confidence float64                `json:"confidence"` // [0, 1]
	EntryHint  float64                `json:"entry_hint,omitempty"`
	SLHint     float64                `json:"sl_hint,omitempty"`
	TPHint     float64                `json:"tp_hint,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Context carries everything a strategy needs for one evaluation.
type Context struct {
	Pair      string
	Timeframe int // minutes
	Candles   []market.Candle
	Cache     *indicators.Cache
	Book      *market.BookAnalysis
	Regime    Regime
}

// Strategy is the capability set every detector implements.
type Strategy interface {
	Name() string
	Evaluate(ctx Context) Signal
	RecordResult(regimeKey string, pnlPct float64)
	AdaptiveFactor(regimeKey string) float64
	WindowStats(n int) (trades int, winRate, profitFactor float64)
}

// resultWindowSize bounds the sliding trade-result history per strategy.
const resultWindowSize = 50

type tradeResult struct {
	regimeKey string
	pnlPct    float64
}

// base provides the shared result window and adaptive performance factor.
// Detectors embed it and implement Name/Evaluate.
type base struct {
	mu      sync.Mutex
	results []tradeResult
}

// RecordResult appends a closed-trade outcome tagged with its regime.
func (b *base) RecordResult(regimeKey string, pnlPct float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.results = append(b.results, tradeResult{regimeKey, pnlPct})
	if len(b.results) > resultWindowSize {
		b.results = b.results[len(b.results)-resultWindowSize:]
	}
}

// AdaptiveFactor returns a Sharpe-like performance multiplier in [0.5, 1.5]
// conditioned on the regime. With too few same-regime samples it falls back
// to the whole window; with too few samples overall it returns 1.0.
func (b *base) AdaptiveFactor(regimeKey string) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	matched := make([]float64, 0, len(b.results))
	for _, r := range b.results {
		if r.regimeKey == regimeKey {
			matched = append(matched, r.pnlPct)
		}
	}
	if len(matched) < 5 {
		matched = matched[:0]
		for _, r := range b.results {
			matched = append(matched, r.pnlPct)
		}
	}
	if len(matched) < 5 {
		return 1.0
	}

	var sum float64
	for _, v := range matched {
		sum += v
	}
	mean := sum / float64(len(matched))

	var variance float64
	for _, v := range matched {
		d := v - mean
		variance += d * d
	}
	sd := math.Sqrt(variance / float64(len(matched)))
	if sd < 1e-9 {
		sd = 1e-9
	}

	factor := 1.0 + clamp(mean/sd*0.25, -0.5, 0.5)
	return clamp(factor, 0.5, 1.5)
}

// WindowStats returns win rate and profit factor over the latest n results.
// Used by the confluence guardrails.
func (b *base) WindowStats(n int) (trades int, winRate, profitFactor float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	results := b.results
	if len(results) > n {
		results = results[len(results)-n:]
	}
	trades = len(results)
	if trades == 0 {
		return 0, 0, 0
	}

	var wins int
	var grossProfit, grossLoss float64
	for _, r := range results {
		if r.pnlPct > 0 {
			wins++
			grossProfit += r.pnlPct
		} else {
			grossLoss -= r.pnlPct
		}
	}
	winRate = float64(wins) / float64(trades)
	if grossLoss < 1e-9 {
		if grossProfit > 0 {
			profitFactor = math.Inf(1)
		}
		return trades, winRate, profitFactor
	}
	return trades, winRate, grossProfit / grossLoss
}

// neutral builds the inactionable base-case signal.
func neutral(name string) Signal {
	return Signal{Strategy: name, Direction: Neutral}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// lastClose returns the newest close, or 0 for empty input.
func lastClose(candles []market.Candle) float64 {
	if len(candles) == 0 {
		return 0
	}
	return candles[len(candles)-1].Close
}
