package strategies

import (
	"math"
	"testing"
	"time"

	"novapulse/internal/indicators"
	"novapulse/internal/market"
)

func synthCandles(closes []float64) []market.Candle {
	base := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	out := make([]market.Candle, len(closes))
	for i, c := range closes {
		out[i] = market.Candle{
			Time: base.Add(time.Duration(i) * time.Minute),
			Open: c * 0.999, High: c * 1.004, Low: c * 0.996, Close: c, Volume: 100,
		}
	}
	return out
}

func evalCtx(candles []market.Candle) Context {
	return Context{
		Pair:      "BTC/USD",
		Timeframe: 1,
		Candles:   candles,
		Cache:     indicators.NewCache(),
		Regime:    Regime{Trend: "range", Vol: "mid"},
	}
}

func TestAllStrategiesNeutralOnShortInput(t *testing.T) {
	candles := synthCandles([]float64{100, 101, 102})
	for name, s := range All() {
		sig := s.Evaluate(evalCtx(candles))
		if sig.Direction != Neutral {
			t.Errorf("%s: short input should be neutral, got %s", name, sig.Direction)
		}
		if sig.Strategy != name {
			t.Errorf("%s: signal carries strategy %q", name, sig.Strategy)
		}
	}
}

func TestTrendFiresOnEMACrossWithADX(t *testing.T) {
	// Long decline then a sharp sustained rally forces the fast EMA up
	// through the slow one while ADX stays elevated.
	closes := make([]float64, 120)
	for i := range closes {
		if i < 80 {
			closes[i] = 200 - float64(i)*0.5
		} else {
			closes[i] = 160 + float64(i-80)*3
		}
	}
	s := NewTrend()
	fired := false
	for end := 85; end <= len(closes); end++ {
		sig := s.Evaluate(evalCtx(synthCandles(closes[:end])))
		if sig.Direction == Long {
			fired = true
			if sig.Strength < 0.55 || sig.Confidence < 0.55 {
				t.Errorf("weak trend signal: %+v", sig)
			}
			break
		}
	}
	if !fired {
		t.Error("trend strategy never fired long across the rally")
	}
}

func TestSupertrendRequiresVolume(t *testing.T) {
	closes := make([]float64, 60)
	for i := range closes {
		if i < 40 {
			closes[i] = 100 - float64(i)*0.5
		} else {
			closes[i] = 80 + float64(i-40)*2.5
		}
	}
	candles := synthCandles(closes)

	s := NewSupertrend()
	// Walk forward looking for the flip bar with plain average volume.
	flipEnd := -1
	for end := 45; end <= len(candles); end++ {
		_, dir := indicators.Supertrend(candles[:end], s.Period, s.Multiplier)
		if len(dir) >= 2 && dir[len(dir)-1] == 1 && dir[len(dir)-2] == -1 {
			flipEnd = end
			break
		}
	}
	if flipEnd < 0 {
		t.Skip("no supertrend flip in synthetic path")
	}

	view := candles[:flipEnd]
	if sig := s.Evaluate(evalCtx(view)); sig.Direction != Neutral {
		t.Error("flip without volume surge should stay neutral")
	}

	boosted := make([]market.Candle, flipEnd)
	copy(boosted, view)
	boosted[flipEnd-1].Volume = 500
	if sig := s.Evaluate(evalCtx(boosted)); sig.Direction != Long {
		t.Errorf("flip with 5x volume should fire long, got %s", sig.Direction)
	}
}

func TestOrderFlowUsesBook(t *testing.T) {
	closes := make([]float64, 30)
	for i := range closes {
		closes[i] = 100 - float64(i)*0.2 // price near range low
	}
	ctx := evalCtx(synthCandles(closes))

	s := NewOrderFlow()
	if sig := s.Evaluate(ctx); sig.Direction != Neutral {
		t.Error("no book should be neutral")
	}

	ctx.Book = &market.BookAnalysis{BookScore: 0.5, SpreadPct: 0.05, LiquidityScore: 0.8, Timestamp: time.Now()}
	sig := s.Evaluate(ctx)
	if sig.Direction != Long {
		t.Errorf("strong buy pressure at range low should fire long, got %s", sig.Direction)
	}

	ctx.Book = &market.BookAnalysis{BookScore: 0.5, SpreadPct: 0.5, LiquidityScore: 0.8, Timestamp: time.Now()}
	if sig := s.Evaluate(ctx); sig.Direction != Neutral {
		t.Error("wide spread should suppress the signal")
	}
}

func TestReversalNeedsConfirmation(t *testing.T) {
	// A crash drives RSI to the extreme, then two green candles confirm.
	closes := make([]float64, 40)
	for i := range closes {
		closes[i] = 100 - float64(i)*1.5
	}
	closes[38] = closes[37] + 1
	closes[39] = closes[38] + 1

	s := NewReversal()
	sig := s.Evaluate(evalCtx(synthCandles(closes)))
	if sig.Direction != Long {
		t.Errorf("extreme RSI + 2 up closes should fire long, got %s", sig.Direction)
	}

	// Break the confirmation run.
	closes[39] = closes[38] - 1
	if sig := s.Evaluate(evalCtx(synthCandles(closes))); sig.Direction != Neutral {
		t.Error("broken confirmation should be neutral")
	}
}

func TestAdaptiveFactorClampAndRegime(t *testing.T) {
	var b base
	if got := b.AdaptiveFactor("trend/mid"); got != 1.0 {
		t.Errorf("empty window factor = %v, want 1.0", got)
	}

	for i := 0; i < 20; i++ {
		b.RecordResult("trend/mid", 2.0)
	}
	if got := b.AdaptiveFactor("trend/mid"); got <= 1.0 || got > 1.5 {
		t.Errorf("winning window factor = %v, want in (1.0, 1.5]", got)
	}

	var loser base
	for i := 0; i < 20; i++ {
		loser.RecordResult("range/low", -2.0)
	}
	if got := loser.AdaptiveFactor("range/low"); got < 0.5 || got >= 1.0 {
		t.Errorf("losing window factor = %v, want in [0.5, 1.0)", got)
	}
}

func TestResultWindowBounded(t *testing.T) {
	var b base
	for i := 0; i < 100; i++ {
		b.RecordResult("trend/mid", float64(i))
	}
	trades, _, _ := b.WindowStats(1000)
	if trades != resultWindowSize {
		t.Errorf("window holds %d results, want %d", trades, resultWindowSize)
	}
}

func TestWindowStats(t *testing.T) {
	var b base
	// 3 wins of +2, 7 losses of -1 over the last 10.
	for i := 0; i < 3; i++ {
		b.RecordResult("r", 2)
	}
	for i := 0; i < 7; i++ {
		b.RecordResult("r", -1)
	}
	trades, wr, pf := b.WindowStats(10)
	if trades != 10 {
		t.Fatalf("trades = %d, want 10", trades)
	}
	if math.Abs(wr-0.3) > 1e-9 {
		t.Errorf("win rate = %v, want 0.3", wr)
	}
	if math.Abs(pf-6.0/7.0) > 1e-9 {
		t.Errorf("profit factor = %v, want %v", pf, 6.0/7.0)
	}
}

func TestBuildSingleStrategyMode(t *testing.T) {
	set, err := Build("trend")
	if err != nil {
		t.Fatal(err)
	}
	if len(set) != 1 {
		t.Errorf("single mode enabled %d strategies, want 1", len(set))
	}
	if _, err := Build("nope"); err == nil {
		t.Error("unknown strategy should error")
	}

	all, err := Build("")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 9 {
		t.Errorf("full set has %d strategies, want 9", len(all))
	}
}

func TestDefaultWeightsCoverAllStrategies(t *testing.T) {
	weights := DefaultWeights()
	for name := range All() {
		if _, ok := weights[name]; !ok {
			t.Errorf("no default weight for %s", name)
		}
	}
}
