package strategies

import (
	"math"

	"novapulse/internal/indicators"
)

// StochDivergenceStrategy fires on a bullish or bearish divergence between
// price and the stochastic oscillator while the oscillator sits in an
// extreme zone.
type StochDivergenceStrategy struct {
	base
	KPeriod  int
	SmoothK  int
	DPeriod  int
	Lookback int
	LowZone  float64
	HighZone float64
}

// NewStochDivergence creates the detector with its standard parameters.
func NewStochDivergence() *StochDivergenceStrategy {
	return &StochDivergenceStrategy{KPeriod: 14, SmoothK: 3, DPeriod: 3, Lookback: 15, LowZone: 25, HighZone: 75}
}

func (s *StochDivergenceStrategy) Name() string { return "stoch_divergence" }

func (s *StochDivergenceStrategy) Evaluate(ctx Context) Signal {
	candles := ctx.Candles
	if len(candles) < s.KPeriod+s.SmoothK+s.DPeriod+s.Lookback {
		return neutral(s.Name())
	}

	k, _ := ctx.Cache.Pair(indicators.Key("stoch", ctx.Pair, ctx.Timeframe, s.KPeriod, s.SmoothK, s.DPeriod), func() ([]float64, []float64) {
		return indicators.Stochastic(candles, s.KPeriod, s.SmoothK, s.DPeriod)
	})

	i := len(candles) - 1
	if math.IsNaN(k[i]) {
		return neutral(s.Name())
	}

	// Find the prior swing extreme within the lookback window.
	priorLowIdx, priorHighIdx := -1, -1
	for j := i - s.Lookback; j < i-2; j++ {
		if j < 1 || math.IsNaN(k[j]) {
			continue
		}
		if candles[j].Low < candles[j-1].Low && candles[j].Low < candles[j+1].Low {
			if priorLowIdx < 0 || candles[j].Low < candles[priorLowIdx].Low {
				priorLowIdx = j
			}
		}
		if candles[j].High > candles[j-1].High && candles[j].High > candles[j+1].High {
			if priorHighIdx < 0 || candles[j].High > candles[priorHighIdx].High {
				priorHighIdx = j
			}
		}
	}

	cur := candles[i]

	// Bullish: lower price low, higher oscillator low, in the oversold zone.
	if priorLowIdx >= 0 && k[i] < s.LowZone {
		if cur.Low < candles[priorLowIdx].Low && k[i] > k[priorLowIdx] {
			gap := k[i] - k[priorLowIdx]
			return Signal{
				Strategy: s.Name(), Direction: Long,
				Strength:   clamp(0.5+gap/40, 0.5, 0.95),
				Confidence: clamp(0.55+(s.LowZone-k[i])/100, 0.55, 0.85),
				EntryHint:  cur.Close,
				Metadata:   map[string]interface{}{"k": k[i], "prior_k": k[priorLowIdx]},
			}
		}
	}
	// Bearish: higher price high, lower oscillator high, in the overbought zone.
	if priorHighIdx >= 0 && k[i] > s.HighZone {
		if cur.High > candles[priorHighIdx].High && k[i] < k[priorHighIdx] {
			gap := k[priorHighIdx] - k[i]
			return Signal{
				Strategy: s.Name(), Direction: Short,
				Strength:   clamp(0.5+gap/40, 0.5, 0.95),
				Confidence: clamp(0.55+(k[i]-s.HighZone)/100, 0.55, 0.85),
				EntryHint:  cur.Close,
				Metadata:   map[string]interface{}{"k": k[i], "prior_k": k[priorHighIdx]},
			}
		}
	}
	return neutral(s.Name())
}
