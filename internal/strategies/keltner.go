package strategies

import (
	"math"

	"novapulse/internal/indicators"
)

// KeltnerStrategy fires when price rejects a Keltner channel band with the
// MACD histogram confirming the reversal and RSI clearing its threshold.
type KeltnerStrategy struct {
	base
	EMAPeriod  int
	ATRPeriod  int
	Multiplier float64
	RSIPeriod  int
}

// NewKeltner creates the detector with its standard parameters.
func NewKeltner() *KeltnerStrategy {
	return &KeltnerStrategy{EMAPeriod: 20, ATRPeriod: 10, Multiplier: 2.0, RSIPeriod: 14}
}

func (s *KeltnerStrategy) Name() string { return "keltner" }

func (s *KeltnerStrategy) Evaluate(ctx Context) Signal {
	candles := ctx.Candles
	if len(candles) < s.EMAPeriod+s.ATRPeriod+5 {
		return neutral(s.Name())
	}

	closes := indicators.Closes(candles)
	middle, upper, lower := indicators.Keltner(candles, s.EMAPeriod, s.ATRPeriod, s.Multiplier)
	rsi := ctx.Cache.Series(indicators.Key("rsi", ctx.Pair, ctx.Timeframe, s.RSIPeriod), func() []float64 {
		return indicators.RSI(closes, s.RSIPeriod)
	})
	_, _, hist := indicators.MACD(closes, 12, 26, 9)

	i := len(candles) - 1
	if math.IsNaN(upper[i]) || math.IsNaN(rsi[i]) || math.IsNaN(hist[i]) {
		return neutral(s.Name())
	}

	prev := candles[i-1]
	cur := candles[i]

	// Band rejection: previous bar pierced the band, current bar closed back
	// inside in the reversal direction.
	if prev.Low <= lower[i-1] && cur.Close > lower[i] && hist[i] > 0 && rsi[i] < 45 {
		depth := (lower[i-1] - prev.Low) / prev.Low * 100
		return Signal{
			Strategy:   s.Name(),
			Direction:  Long,
			Strength:   clamp(0.5+depth*10, 0.5, 1.0),
			Confidence: clamp(0.55+(45-rsi[i])/100, 0.5, 0.9),
			EntryHint:  cur.Close,
			Metadata:   map[string]interface{}{"band": "lower", "rsi": rsi[i], "kc_mid": middle[i]},
		}
	}
	if prev.High >= upper[i-1] && cur.Close < upper[i] && hist[i] < 0 && rsi[i] > 55 {
		depth := (prev.High - upper[i-1]) / prev.High * 100
		return Signal{
			Strategy:   s.Name(),
			Direction:  Short,
			Strength:   clamp(0.5+depth*10, 0.5, 1.0),
			Confidence: clamp(0.55+(rsi[i]-55)/100, 0.5, 0.9),
			EntryHint:  cur.Close,
			Metadata:   map[string]interface{}{"band": "upper", "rsi": rsi[i], "kc_mid": middle[i]},
		}
	}
	return neutral(s.Name())
}
