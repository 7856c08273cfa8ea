package strategies

import (
	"math"

	"novapulse/internal/indicators"
)

// ReversalStrategy fires on an extreme RSI reading followed by a run of
// confirmation candles in the reversal direction.
type ReversalStrategy struct {
	base
	RSIPeriod     int
	ExtremeLow    float64
	ExtremeHigh   float64
	ConfirmBars   int
}

// NewReversal creates the detector with its standard parameters.
func NewReversal() *ReversalStrategy {
	return &ReversalStrategy{RSIPeriod: 14, ExtremeLow: 20, ExtremeHigh: 80, ConfirmBars: 2}
}

func (s *ReversalStrategy) Name() string { return "reversal" }

func (s *ReversalStrategy) Evaluate(ctx Context) Signal {
	candles := ctx.Candles
	if len(candles) < s.RSIPeriod+s.ConfirmBars+3 {
		return neutral(s.Name())
	}

	closes := indicators.Closes(candles)
	rsi := ctx.Cache.Series(indicators.Key("rsi", ctx.Pair, ctx.Timeframe, s.RSIPeriod), func() []float64 {
		return indicators.RSI(closes, s.RSIPeriod)
	})

	i := len(candles) - 1
	extremeIdx := i - s.ConfirmBars
	if extremeIdx < 0 || math.IsNaN(rsi[extremeIdx]) {
		return neutral(s.Name())
	}

	// Long: RSI hit the extreme low, then ConfirmBars consecutive up closes.
	if rsi[extremeIdx] <= s.ExtremeLow {
		ok := true
		for j := extremeIdx + 1; j <= i; j++ {
			if candles[j].Close <= candles[j-1].Close {
				ok = false
				break
			}
		}
		if ok {
			return Signal{
				Strategy: s.Name(), Direction: Long,
				Strength:   clamp(0.55+(s.ExtremeLow-rsi[extremeIdx])/50, 0.55, 0.95),
				Confidence: clamp(0.55+float64(s.ConfirmBars)*0.05, 0.55, 0.85),
				EntryHint:  candles[i].Close,
				Metadata:   map[string]interface{}{"extreme_rsi": rsi[extremeIdx], "confirm_bars": s.ConfirmBars},
			}
		}
	}
	// Short: RSI hit the extreme high, then ConfirmBars consecutive down closes.
	if rsi[extremeIdx] >= s.ExtremeHigh {
		ok := true
		for j := extremeIdx + 1; j <= i; j++ {
			if candles[j].Close >= candles[j-1].Close {
				ok = false
				break
			}
		}
		if ok {
			return Signal{
				Strategy: s.Name(), Direction: Short,
				Strength:   clamp(0.55+(rsi[extremeIdx]-s.ExtremeHigh)/50, 0.55, 0.95),
				Confidence: clamp(0.55+float64(s.ConfirmBars)*0.05, 0.55, 0.85),
				EntryHint:  candles[i].Close,
				Metadata:   map[string]interface{}{"extreme_rsi": rsi[extremeIdx], "confirm_bars": s.ConfirmBars},
			}
		}
	}
	return neutral(s.Name())
}
