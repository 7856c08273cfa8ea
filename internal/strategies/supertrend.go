package strategies

import (
	"novapulse/internal/indicators"
)

// SupertrendStrategy fires on a supertrend direction flip confirmed by
// above-average volume.
type SupertrendStrategy struct {
	base
	Period       int
	Multiplier   float64
	VolumePeriod int
	VolumeMult   float64
}

// NewSupertrend creates the detector with its standard parameters.
func NewSupertrend() *SupertrendStrategy {
	return &SupertrendStrategy{Period: 10, Multiplier: 3.0, VolumePeriod: 20, VolumeMult: 1.3}
}

func (s *SupertrendStrategy) Name() string { return "supertrend" }

func (s *SupertrendStrategy) Evaluate(ctx Context) Signal {
	candles := ctx.Candles
	if len(candles) < s.Period+s.VolumePeriod+2 {
		return neutral(s.Name())
	}

	line, dir := indicators.Supertrend(candles, s.Period, s.Multiplier)

	i := len(candles) - 1
	if dir[i] == 0 || dir[i-1] == 0 || dir[i] == dir[i-1] {
		return neutral(s.Name())
	}

	// Volume confirmation against the trailing average.
	var avgVol float64
	for j := i - s.VolumePeriod; j < i; j++ {
		avgVol += candles[j].Volume
	}
	avgVol /= float64(s.VolumePeriod)
	if avgVol <= 0 || candles[i].Volume < avgVol*s.VolumeMult {
		return neutral(s.Name())
	}

	volRatio := candles[i].Volume / avgVol
	price := candles[i].Close
	sig := Signal{
		Strategy:   s.Name(),
		Strength:   clamp(0.55+(volRatio-s.VolumeMult)*0.15, 0.55, 1.0),
		Confidence: clamp(0.55+(volRatio-s.VolumeMult)*0.1, 0.55, 0.85),
		EntryHint:  price,
		SLHint:     line[i],
		Metadata:   map[string]interface{}{"volume_ratio": volRatio, "line": line[i]},
	}
	if dir[i] == 1 {
		sig.Direction = Long
	} else {
		sig.Direction = Short
	}
	return sig
}
