package strategies

import (
	"math"

	"novapulse/internal/indicators"
)

// VolSqueezeStrategy fires when Bollinger bands have been squeezed inside
// the Keltner channel for several bars and then release, taking the side of
// the momentum at the release.
type VolSqueezeStrategy struct {
	base
	Period      int
	BBMult      float64
	KCMult      float64
	MinSqueezeBars int
}

// NewVolSqueeze creates the detector with its standard parameters.
func NewVolSqueeze() *VolSqueezeStrategy {
	return &VolSqueezeStrategy{Period: 20, BBMult: 2.0, KCMult: 1.5, MinSqueezeBars: 6}
}

func (s *VolSqueezeStrategy) Name() string { return "vol_squeeze" }

func (s *VolSqueezeStrategy) Evaluate(ctx Context) Signal {
	candles := ctx.Candles
	if len(candles) < s.Period*2+s.MinSqueezeBars {
		return neutral(s.Name())
	}

	closes := indicators.Closes(candles)
	_, bbUp, bbLo := indicators.Bollinger(closes, s.Period, s.BBMult)
	_, kcUp, kcLo := indicators.Keltner(candles, s.Period, s.Period, s.KCMult)

	i := len(candles) - 1
	if math.IsNaN(bbUp[i]) || math.IsNaN(kcUp[i]) {
		return neutral(s.Name())
	}

	inSqueeze := func(j int) bool {
		return !math.IsNaN(bbUp[j]) && !math.IsNaN(kcUp[j]) && bbUp[j] < kcUp[j] && bbLo[j] > kcLo[j]
	}

	// Current bar must be a release after at least MinSqueezeBars of squeeze.
	if inSqueeze(i) {
		return neutral(s.Name())
	}
	squeezeLen := 0
	for j := i - 1; j >= 0 && inSqueeze(j); j-- {
		squeezeLen++
	}
	if squeezeLen < s.MinSqueezeBars {
		return neutral(s.Name())
	}

	// Momentum sign at release: close vs the midpoint of the squeeze range.
	start := i - squeezeLen
	hi, lo := candles[start].High, candles[start].Low
	for j := start; j < i; j++ {
		hi = math.Max(hi, candles[j].High)
		lo = math.Min(lo, candles[j].Low)
	}
	mid := (hi + lo) / 2
	price := candles[i].Close

	strength := clamp(0.5+float64(squeezeLen-s.MinSqueezeBars)*0.04, 0.5, 0.95)
	conf := clamp(0.55+math.Abs(price-mid)/mid*20, 0.55, 0.85)

	if price > hi {
		return Signal{
			Strategy: s.Name(), Direction: Long,
			Strength: strength, Confidence: conf, EntryHint: price,
			Metadata: map[string]interface{}{"squeeze_bars": squeezeLen, "range_high": hi},
		}
	}
	if price < lo {
		return Signal{
			Strategy: s.Name(), Direction: Short,
			Strength: strength, Confidence: conf, EntryHint: price,
			Metadata: map[string]interface{}{"squeeze_bars": squeezeLen, "range_low": lo},
		}
	}
	return neutral(s.Name())
}
