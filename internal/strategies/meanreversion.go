package strategies

import (
	"math"

	"novapulse/internal/indicators"
)

// MeanReversionStrategy fires on a Bollinger band extreme combined with an
// RSI cross back through 30 or 70.
type MeanReversionStrategy struct {
	base
	BBPeriod   int
	BBMult     float64
	RSIPeriod  int
	RSIOversold   float64
	RSIOverbought float64
}

// NewMeanReversion creates the detector with its standard parameters.
func NewMeanReversion() *MeanReversionStrategy {
	return &MeanReversionStrategy{BBPeriod: 20, BBMult: 2.0, RSIPeriod: 14, RSIOversold: 30, RSIOverbought: 70}
}

func (s *MeanReversionStrategy) Name() string { return "mean_reversion" }

func (s *MeanReversionStrategy) Evaluate(ctx Context) Signal {
	candles := ctx.Candles
	if len(candles) < s.BBPeriod+s.RSIPeriod+2 {
		return neutral(s.Name())
	}

	closes := indicators.Closes(candles)
	_, upper, lower := indicators.Bollinger(closes, s.BBPeriod, s.BBMult)
	rsi := ctx.Cache.Series(indicators.Key("rsi", ctx.Pair, ctx.Timeframe, s.RSIPeriod), func() []float64 {
		return indicators.RSI(closes, s.RSIPeriod)
	})

	i := len(candles) - 1
	if math.IsNaN(upper[i]) || math.IsNaN(rsi[i]) || math.IsNaN(rsi[i-1]) {
		return neutral(s.Name())
	}

	cur := candles[i]

	// Long: touched the lower band and RSI crossed back up through oversold.
	if cur.Low <= lower[i] && rsi[i-1] < s.RSIOversold && rsi[i] >= s.RSIOversold {
		stretch := (lower[i] - cur.Low) / cur.Low * 100
		return Signal{
			Strategy:   s.Name(),
			Direction:  Long,
			Strength:   clamp(0.5+stretch*8, 0.5, 1.0),
			Confidence: clamp(0.55+(s.RSIOversold-rsi[i-1])/80, 0.5, 0.85),
			EntryHint:  cur.Close,
			Metadata:   map[string]interface{}{"rsi_prev": rsi[i-1], "rsi": rsi[i]},
		}
	}
	// Short: touched the upper band and RSI crossed back down through overbought.
	if cur.High >= upper[i] && rsi[i-1] > s.RSIOverbought && rsi[i] <= s.RSIOverbought {
		stretch := (cur.High - upper[i]) / cur.High * 100
		return Signal{
			Strategy:   s.Name(),
			Direction:  Short,
			Strength:   clamp(0.5+stretch*8, 0.5, 1.0),
			Confidence: clamp(0.55+(rsi[i-1]-s.RSIOverbought)/80, 0.5, 0.85),
			EntryHint:  cur.Close,
			Metadata:   map[string]interface{}{"rsi_prev": rsi[i-1], "rsi": rsi[i]},
		}
	}
	return neutral(s.Name())
}
