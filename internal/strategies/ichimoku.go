package strategies

import "novapulse/internal/market"

// IchimokuStrategy fires on a Tenkan/Kijun cross confirmed by price relative
// to the cloud and the Chikou span clearing past price.
type IchimokuStrategy struct {
	base
	TenkanPeriod int
	KijunPeriod  int
	SenkouBPeriod int
}

// NewIchimoku creates the detector with its standard parameters.
func NewIchimoku() *IchimokuStrategy {
	return &IchimokuStrategy{TenkanPeriod: 9, KijunPeriod: 26, SenkouBPeriod: 52}
}

func (s *IchimokuStrategy) Name() string { return "ichimoku" }

// midpoint returns (max(high) + min(low)) / 2 over the last period bars
// ending at index i.
func midpoint(candles []market.Candle, i, period int) float64 {
	hi := candles[i].High
	lo := candles[i].Low
	for j := i - period + 1; j <= i; j++ {
		if candles[j].High > hi {
			hi = candles[j].High
		}
		if candles[j].Low < lo {
			lo = candles[j].Low
		}
	}
	return (hi + lo) / 2
}

func (s *IchimokuStrategy) Evaluate(ctx Context) Signal {
	candles := ctx.Candles
	need := s.SenkouBPeriod + s.KijunPeriod + 2
	if len(candles) < need {
		return neutral(s.Name())
	}

	i := len(candles) - 1
	tenkan := midpoint(candles, i, s.TenkanPeriod)
	kijun := midpoint(candles, i, s.KijunPeriod)
	tenkanPrev := midpoint(candles, i-1, s.TenkanPeriod)
	kijunPrev := midpoint(candles, i-1, s.KijunPeriod)

	// Cloud boundaries as projected 26 bars ago (so the cloud under the
	// current bar uses data from i-26).
	cloudIdx := i - s.KijunPeriod
	senkouA := (midpoint(candles, cloudIdx, s.TenkanPeriod) + midpoint(candles, cloudIdx, s.KijunPeriod)) / 2
	senkouB := midpoint(candles, cloudIdx, s.SenkouBPeriod)
	cloudTop := senkouA
	cloudBot := senkouB
	if cloudBot > cloudTop {
		cloudTop, cloudBot = cloudBot, cloudTop
	}

	price := candles[i].Close
	// Chikou: current close against price 26 bars ago.
	chikouRef := candles[i-s.KijunPeriod].Close

	crossedUp := tenkanPrev <= kijunPrev && tenkan > kijun
	crossedDown := tenkanPrev >= kijunPrev && tenkan < kijun

	if crossedUp && price > cloudTop && price > chikouRef {
		sep := (tenkan - kijun) / kijun * 100
		return Signal{
			Strategy:   s.Name(),
			Direction:  Long,
			Strength:   clamp(0.55+sep*20, 0.55, 1.0),
			Confidence: clamp(0.6+(price-cloudTop)/cloudTop*10, 0.6, 0.9),
			EntryHint:  price,
			Metadata:   map[string]interface{}{"tenkan": tenkan, "kijun": kijun, "cloud_top": cloudTop},
		}
	}
	if crossedDown && price < cloudBot && price < chikouRef {
		sep := (kijun - tenkan) / kijun * 100
		return Signal{
			Strategy:   s.Name(),
			Direction:  Short,
			Strength:   clamp(0.55+sep*20, 0.55, 1.0),
			Confidence: clamp(0.6+(cloudBot-price)/cloudBot*10, 0.6, 0.9),
			EntryHint:  price,
			Metadata:   map[string]interface{}{"tenkan": tenkan, "kijun": kijun, "cloud_bot": cloudBot},
		}
	}
	return neutral(s.Name())
}
