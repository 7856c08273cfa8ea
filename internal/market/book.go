package market

import (
	"math"
	"sort"
)

const bookDepth = 10

// AnalyzeBook derives the microstructure view from a raw book snapshot:
// order book imbalance over the top levels, spread, whale detection, a
// liquidity score, and a composite book score in [-1, 1].
func AnalyzeBook(b BookSnapshot) BookAnalysis {
	a := BookAnalysis{Timestamp: b.Timestamp}
	if len(b.Bids) == 0 || len(b.Asks) == 0 {
		return a
	}

	bids := b.Bids
	if len(bids) > bookDepth {
		bids = bids[:bookDepth]
	}
	asks := b.Asks
	if len(asks) > bookDepth {
		asks = asks[:bookDepth]
	}

	var bidVol, askVol float64
	sizes := make([]float64, 0, len(bids)+len(asks))
	for _, l := range bids {
		bidVol += l.Size
		sizes = append(sizes, l.Size)
	}
	for _, l := range asks {
		askVol += l.Size
		sizes = append(sizes, l.Size)
	}
	if bidVol+askVol > 0 {
		a.OBI = (bidVol - askVol) / (bidVol + askVol)
	}

	bestBid := bids[0].Price
	bestAsk := asks[0].Price
	mid := (bestBid + bestAsk) / 2
	if mid > 0 {
		a.SpreadPct = (bestAsk - bestBid) / mid * 100
	}

	// A whale is any single level holding at least 10x the median level size.
	med := median(sizes)
	if med > 0 {
		for _, s := range sizes {
			if s >= 10*med {
				a.WhaleFlag = true
				break
			}
		}
	}

	// Liquidity: total depth relative to a reference notional, with a spread
	// penalty. Saturates at 1.
	depthUSD := (bidVol + askVol) * mid
	a.LiquidityScore = math.Min(1, depthUSD/100000)
	if a.SpreadPct > 0.1 {
		a.LiquidityScore *= math.Max(0.2, 1-(a.SpreadPct-0.1))
	}

	// Composite: OBI dominates, damped by poor liquidity and wide spreads.
	score := a.OBI * (0.6 + 0.4*a.LiquidityScore)
	if a.SpreadPct > 0.2 {
		score *= 0.7
	}
	a.BookScore = clamp(score, -1, 1)
	return a
}

func median(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	s := make([]float64, len(vals))
	copy(s, vals)
	sort.Float64s(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
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
