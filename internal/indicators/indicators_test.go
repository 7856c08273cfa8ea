package indicators

import (
	"math"
	"testing"
	"time"

	"novapulse/internal/market"
)

func candlesFromCloses(closes []float64) []market.Candle {
	base := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	out := make([]market.Candle, len(closes))
	for i, c := range closes {
		out[i] = market.Candle{
			Time: base.Add(time.Duration(i) * time.Minute),
			Open: c, High: c * 1.005, Low: c * 0.995, Close: c, Volume: 100,
		}
	}
	return out
}

func TestSMAWarmupAndValues(t *testing.T) {
	vals := []float64{1, 2, 3, 4, 5}
	got := SMA(vals, 3)
	for i := 0; i < 2; i++ {
		if !math.IsNaN(got[i]) {
			t.Errorf("SMA[%d] = %v, want NaN in warmup", i, got[i])
		}
	}
	want := []float64{2, 3, 4}
	for i, w := range want {
		if math.Abs(got[i+2]-w) > 1e-9 {
			t.Errorf("SMA[%d] = %v, want %v", i+2, got[i+2], w)
		}
	}
}

func TestEMAConvergesToConstant(t *testing.T) {
	vals := make([]float64, 100)
	for i := range vals {
		vals[i] = 42
	}
	got := EMA(vals, 10)
	if math.Abs(Last(got)-42) > 1e-9 {
		t.Errorf("EMA of constant series = %v, want 42", Last(got))
	}
}

func TestRSIExtremes(t *testing.T) {
	up := make([]float64, 30)
	for i := range up {
		up[i] = 100 + float64(i)
	}
	rsi := RSI(up, 14)
	if Last(rsi) != 100 {
		t.Errorf("all-gains RSI = %v, want 100", Last(rsi))
	}

	down := make([]float64, 30)
	for i := range down {
		down[i] = 100 - float64(i)
	}
	rsi = RSI(down, 14)
	if Last(rsi) > 1 {
		t.Errorf("all-losses RSI = %v, want near 0", Last(rsi))
	}
}

func TestMACDSignalIsProperEMA(t *testing.T) {
	vals := make([]float64, 120)
	for i := range vals {
		vals[i] = 100 + 5*math.Sin(float64(i)/8)
	}
	macd, signal, hist := MACD(vals, 12, 26, 9)

	// Signal warmup extends past the MACD warmup by the signal period.
	if !math.IsNaN(signal[25+7]) {
		t.Error("signal line should still be NaN during its own warmup")
	}
	last := len(vals) - 1
	if math.IsNaN(macd[last]) || math.IsNaN(signal[last]) {
		t.Fatal("MACD/signal should be finite at the end")
	}
	if math.Abs(hist[last]-(macd[last]-signal[last])) > 1e-9 {
		t.Error("histogram != macd - signal")
	}
}

func TestATRPositiveAndWarmup(t *testing.T) {
	candles := candlesFromCloses([]float64{100, 101, 99, 102, 103, 101, 104, 102, 105, 103, 106, 104, 107, 105, 108, 106})
	atr := ATR(candles, 14)
	for i := 0; i < 14; i++ {
		if !math.IsNaN(atr[i]) {
			t.Errorf("ATR[%d] should be NaN in warmup", i)
		}
	}
	if v := Last(atr); math.IsNaN(v) || v <= 0 {
		t.Errorf("ATR = %v, want positive finite", v)
	}
}

func TestBollingerBandsSymmetric(t *testing.T) {
	vals := []float64{10, 12, 11, 13, 12, 14, 13, 15, 14, 16, 15, 17, 16, 18, 17, 19, 18, 20, 19, 21}
	mid, up, lo := Bollinger(vals, 20, 2)
	i := len(vals) - 1
	if math.Abs((up[i]-mid[i])-(mid[i]-lo[i])) > 1e-9 {
		t.Error("bands not symmetric around the middle")
	}
}

func TestADXHighInStrongTrend(t *testing.T) {
	closes := make([]float64, 80)
	for i := range closes {
		closes[i] = 100 + float64(i)*2
	}
	candles := candlesFromCloses(closes)
	adx := ADX(candles, 14)
	if v := Last(adx); math.IsNaN(v) || v < 25 {
		t.Errorf("strong trend ADX = %v, want >= 25", v)
	}
}

func TestSupertrendFlips(t *testing.T) {
	closes := make([]float64, 60)
	for i := range closes {
		if i < 30 {
			closes[i] = 100 + float64(i)
		} else {
			closes[i] = 130 - float64(i-30)*2
		}
	}
	candles := candlesFromCloses(closes)
	_, dir := Supertrend(candles, 10, 3)
	if dir[29] != 1 {
		t.Errorf("uptrend direction = %d, want 1", dir[29])
	}
	if dir[len(dir)-1] != -1 {
		t.Errorf("after reversal direction = %d, want -1", dir[len(dir)-1])
	}
}

func TestGarmanKlassNonNegative(t *testing.T) {
	candles := candlesFromCloses([]float64{100, 102, 101, 105, 103})
	gk := GarmanKlass(candles)
	for i, v := range gk {
		if !math.IsNaN(v) && v < 0 {
			t.Errorf("GK[%d] = %v, want >= 0", i, v)
		}
	}
}

func TestComputeSLTPFloors(t *testing.T) {
	// ATR so small the floors must win.
	sl, tp, err := ComputeSLTP("long", 100, 0.01, 2, 3, 0.025, 0.05)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(sl-97.5) > 1e-9 {
		t.Errorf("floored SL = %v, want 97.5", sl)
	}
	if math.Abs(tp-105) > 1e-9 {
		t.Errorf("floored TP = %v, want 105", tp)
	}
}

func TestComputeSLTPOrdering(t *testing.T) {
	sl, tp, err := ComputeSLTP("long", 100, 2, 2, 3, 0.025, 0.05)
	if err != nil {
		t.Fatal(err)
	}
	if !(sl < 100 && 100 < tp) {
		t.Errorf("long ordering violated: sl=%v tp=%v", sl, tp)
	}

	sl, tp, err = ComputeSLTP("short", 100, 2, 2, 3, 0.025, 0.05)
	if err != nil {
		t.Fatal(err)
	}
	if !(tp < 100 && 100 < sl) {
		t.Errorf("short ordering violated: sl=%v tp=%v", sl, tp)
	}

	if _, _, err := ComputeSLTP("sideways", 100, 2, 2, 3, 0, 0); err == nil {
		t.Error("invalid direction should error")
	}
}

func TestComputeSLTPNaNATR(t *testing.T) {
	sl, tp, err := ComputeSLTP("long", 100, math.NaN(), 2, 3, 0.025, 0.05)
	if err != nil {
		t.Fatal(err)
	}
	if math.IsNaN(sl) || math.IsNaN(tp) {
		t.Error("NaN ATR must not leak into SL/TP")
	}
}

func TestCacheMemoizes(t *testing.T) {
	c := NewCache()
	calls := 0
	compute := func() []float64 {
		calls++
		return []float64{1, 2, 3}
	}
	key := Key("ema", "BTC/USD", 1, 20)
	c.Series(key, compute)
	c.Series(key, compute)
	if calls != 1 {
		t.Errorf("compute called %d times, want 1", calls)
	}
	if c.Size() != 1 {
		t.Errorf("cache size = %d, want 1", c.Size())
	}
}
