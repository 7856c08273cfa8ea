package strategies

import (
	"math"

	"novapulse/internal/indicators"
)

// TrendStrategy fires when the fast EMA crosses the slow EMA while ADX
// confirms a trending market.
type TrendStrategy struct {
	base
	FastPeriod int
	SlowPeriod int
	ADXPeriod  int
	ADXMin     float64
}

// NewTrend creates the detector with its standard parameters.
func NewTrend() *TrendStrategy {
	return &TrendStrategy{FastPeriod: 9, SlowPeriod: 21, ADXPeriod: 14, ADXMin: 25}
}

func (s *TrendStrategy) Name() string { return "trend" }

func (s *TrendStrategy) Evaluate(ctx Context) Signal {
	candles := ctx.Candles
	if len(candles) < 2*s.ADXPeriod+s.SlowPeriod {
		return neutral(s.Name())
	}

	closes := indicators.Closes(candles)
	fast := ctx.Cache.Series(indicators.Key("ema", ctx.Pair, ctx.Timeframe, s.FastPeriod), func() []float64 {
		return indicators.EMA(closes, s.FastPeriod)
	})
	slow := ctx.Cache.Series(indicators.Key("ema", ctx.Pair, ctx.Timeframe, s.SlowPeriod), func() []float64 {
		return indicators.EMA(closes, s.SlowPeriod)
	})
	adx := ctx.Cache.Series(indicators.Key("adx", ctx.Pair, ctx.Timeframe, s.ADXPeriod), func() []float64 {
		return indicators.ADX(candles, s.ADXPeriod)
	})

	i := len(candles) - 1
	if math.IsNaN(fast[i]) || math.IsNaN(slow[i]) || math.IsNaN(fast[i-1]) || math.IsNaN(adx[i]) {
		return neutral(s.Name())
	}
	if adx[i] < s.ADXMin {
		return neutral(s.Name())
	}

	crossedUp := fast[i-1] <= slow[i-1] && fast[i] > slow[i]
	crossedDown := fast[i-1] >= slow[i-1] && fast[i] < slow[i]
	if !crossedUp && !crossedDown {
		return neutral(s.Name())
	}

	sep := math.Abs(fast[i]-slow[i]) / slow[i] * 100
	adxBoost := clamp((adx[i]-s.ADXMin)/50, 0, 0.3)
	sig := Signal{
		Strategy:   s.Name(),
		Strength:   clamp(0.55+sep*30, 0.55, 1.0),
		Confidence: clamp(0.55+adxBoost, 0.55, 0.9),
		EntryHint:  lastClose(candles),
		Metadata:   map[string]interface{}{"adx": adx[i], "fast": fast[i], "slow": slow[i]},
	}
	if crossedUp {
		sig.Direction = Long
	} else {
		sig.Direction = Short
	}
	return sig
}
