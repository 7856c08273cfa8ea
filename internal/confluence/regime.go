package confluence

import (
	"math"

	"novapulse/internal/indicators"
	"novapulse/internal/market"
	"novapulse/internal/strategies"
)

// RegimeConfig holds the classification thresholds.
type RegimeConfig struct {
	ADXTrendThreshold float64
	ATRPctHigh        float64
	ATRPctLow         float64
}

const (
	gkPercentileWindow = 100
	gkExpansionLookback = 10
	gkExpansionRatio    = 1.5
)

// DetectRegime classifies the market on the primary timeframe: trend vs
// range by ADX, volatility bucket by ATR%, volatility level by the
// Garman-Klass percentile, and expansion when current GK exceeds 1.5x its
// value ten bars ago.
func DetectRegime(candles []market.Candle, cfg RegimeConfig) strategies.Regime {
	regime := strategies.Regime{Trend: "range", Vol: "mid", VolLevel: 0.5}
	if len(candles) < 30 {
		return regime
	}

	adx := indicators.ADX(candles, 14)
	if v := indicators.Last(adx); !math.IsNaN(v) && v >= cfg.ADXTrendThreshold {
		regime.Trend = "trend"
	}

	atr := indicators.ATR(candles, 14)
	price := candles[len(candles)-1].Close
	if v := indicators.Last(atr); !math.IsNaN(v) && price > 0 {
		atrPct := v / price * 100
		switch {
		case atrPct < cfg.ATRPctLow:
			regime.Vol = "low"
		case atrPct > cfg.ATRPctHigh:
			regime.Vol = "high"
		}
	}

	gk := indicators.GarmanKlass(candles)
	cur := indicators.Last(gk)
	if !math.IsNaN(cur) {
		window := gk
		if len(window) > gkPercentileWindow {
			window = window[len(window)-gkPercentileWindow:]
		}
		regime.VolLevel = indicators.Percentile(window, cur)

		if len(gk) > gkExpansionLookback {
			past := gk[len(gk)-1-gkExpansionLookback]
			if !math.IsNaN(past) && past > 0 && cur > gkExpansionRatio*past {
				regime.VolExpanding = true
			}
		}
	}
	return regime
}
