// Package indicators implements the technical indicators used by the
// strategy set. Every function takes closed candles oldest-first and returns
// arrays aligned to the input length, with NaN in the warmup region.
package indicators

import (
	"math"

	"novapulse/internal/market"
)

// =============================================================================
// MOVING AVERAGES
// =============================================================================

// SMA calculates the simple moving average of values.
func SMA(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	if period <= 0 || len(values) < period {
		return out
	}
	var sum float64
	for i, v := range values {
		sum += v
		if i >= period {
			sum -= values[i-period]
		}
		if i >= period-1 {
			out[i] = sum / float64(period)
		}
	}
	return out
}

// EMA calculates the exponential moving average of values. The first EMA
// value is the SMA of the first period values.
func EMA(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	if period <= 0 || len(values) < period {
		return out
	}
	var sum float64
	for i := 0; i < period; i++ {
		sum += values[i]
	}
	out[period-1] = sum / float64(period)

	k := 2.0 / float64(period+1)
	for i := period; i < len(values); i++ {
		out[i] = values[i]*k + out[i-1]*(1-k)
	}
	return out
}

// emaFrom runs an EMA over values treating NaN entries as warmup: the first
// window of finite values seeds with their SMA.
func emaFrom(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	start := -1
	for i, v := range values {
		if !math.IsNaN(v) {
			start = i
			break
		}
	}
	if start < 0 || len(values)-start < period {
		return out
	}
	var sum float64
	for i := start; i < start+period; i++ {
		sum += values[i]
	}
	out[start+period-1] = sum / float64(period)

	k := 2.0 / float64(period+1)
	for i := start + period; i < len(values); i++ {
		out[i] = values[i]*k + out[i-1]*(1-k)
	}
	return out
}

// =============================================================================
// OSCILLATORS
// =============================================================================

// RSI calculates the relative strength index using Wilder's smoothing.
func RSI(closes []float64, period int) []float64 {
	out := nanSlice(len(closes))
	if period <= 0 || len(closes) < period+1 {
		return out
	}

	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		d := closes[i] - closes[i-1]
		if d > 0 {
			avgGain += d
		} else {
			avgLoss -= d
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)
	out[period] = rsiValue(avgGain, avgLoss)

	for i := period + 1; i < len(closes); i++ {
		d := closes[i] - closes[i-1]
		gain, loss := 0.0, 0.0
		if d > 0 {
			gain = d
		} else {
			loss = -d
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
		out[i] = rsiValue(avgGain, avgLoss)
	}
	return out
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// MACD calculates the MACD line, signal line, and histogram. The signal line
// is a proper EMA of the MACD line seeded after its own warmup.
func MACD(closes []float64, fast, slow, signal int) (macd, signalLine, histogram []float64) {
	n := len(closes)
	macd = nanSlice(n)
	fastEMA := EMA(closes, fast)
	slowEMA := EMA(closes, slow)
	for i := 0; i < n; i++ {
		if !math.IsNaN(fastEMA[i]) && !math.IsNaN(slowEMA[i]) {
			macd[i] = fastEMA[i] - slowEMA[i]
		}
	}
	signalLine = emaFrom(macd, signal)
	histogram = nanSlice(n)
	for i := 0; i < n; i++ {
		if !math.IsNaN(macd[i]) && !math.IsNaN(signalLine[i]) {
			histogram[i] = macd[i] - signalLine[i]
		}
	}
	return macd, signalLine, histogram
}

// Stochastic calculates the %K and %D lines. %K is smoothed by smoothK and
// %D is an SMA of %K over dPeriod.
func Stochastic(candles []market.Candle, kPeriod, smoothK, dPeriod int) (k, d []float64) {
	n := len(candles)
	rawK := nanSlice(n)
	for i := kPeriod - 1; i < n; i++ {
		hi, lo := candles[i].High, candles[i].Low
		for j := i - kPeriod + 1; j <= i; j++ {
			hi = math.Max(hi, candles[j].High)
			lo = math.Min(lo, candles[j].Low)
		}
		if hi > lo {
			rawK[i] = (candles[i].Close - lo) / (hi - lo) * 100
		} else {
			rawK[i] = 50
		}
	}
	k = smaFrom(rawK, smoothK)
	d = smaFrom(k, dPeriod)
	return k, d
}

func smaFrom(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	if period <= 1 {
		copy(out, values)
		return out
	}
	for i := range values {
		if i < period-1 {
			continue
		}
		sum := 0.0
		ok := true
		for j := i - period + 1; j <= i; j++ {
			if math.IsNaN(values[j]) {
				ok = false
				break
			}
			sum += values[j]
		}
		if ok {
			out[i] = sum / float64(period)
		}
	}
	return out
}

// =============================================================================
// VOLATILITY
// =============================================================================

// TrueRange calculates the true range series. The first element is high-low.
func TrueRange(candles []market.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		hl := c.High - c.Low
		if i == 0 {
			out[i] = hl
			continue
		}
		prev := candles[i-1].Close
		out[i] = math.Max(hl, math.Max(math.Abs(c.High-prev), math.Abs(c.Low-prev)))
	}
	return out
}

// ATR calculates the average true range using Wilder's smoothing.
func ATR(candles []market.Candle, period int) []float64 {
	out := nanSlice(len(candles))
	if period <= 0 || len(candles) < period+1 {
		return out
	}
	tr := TrueRange(candles)
	var sum float64
	for i := 1; i <= period; i++ {
		sum += tr[i]
	}
	out[period] = sum / float64(period)
	for i := period + 1; i < len(candles); i++ {
		out[i] = (out[i-1]*float64(period-1) + tr[i]) / float64(period)
	}
	return out
}

// Bollinger calculates the middle, upper, and lower Bollinger bands using
// population standard deviation.
func Bollinger(closes []float64, period int, mult float64) (middle, upper, lower []float64) {
	n := len(closes)
	middle = SMA(closes, period)
	upper = nanSlice(n)
	lower = nanSlice(n)
	for i := period - 1; i < n; i++ {
		mean := middle[i]
		var variance float64
		for j := i - period + 1; j <= i; j++ {
			d := closes[j] - mean
			variance += d * d
		}
		sd := math.Sqrt(variance / float64(period))
		upper[i] = mean + mult*sd
		lower[i] = mean - mult*sd
	}
	return middle, upper, lower
}

// Keltner calculates the Keltner channel: EMA midline with ATR bands.
func Keltner(candles []market.Candle, emaPeriod, atrPeriod int, mult float64) (middle, upper, lower []float64) {
	n := len(candles)
	closes := Closes(candles)
	middle = EMA(closes, emaPeriod)
	atr := ATR(candles, atrPeriod)
	upper = nanSlice(n)
	lower = nanSlice(n)
	for i := 0; i < n; i++ {
		if !math.IsNaN(middle[i]) && !math.IsNaN(atr[i]) {
			upper[i] = middle[i] + mult*atr[i]
			lower[i] = middle[i] - mult*atr[i]
		}
	}
	return middle, upper, lower
}

// GarmanKlass calculates the Garman-Klass volatility estimate per bar.
func GarmanKlass(candles []market.Candle) []float64 {
	out := nanSlice(len(candles))
	for i, c := range candles {
		if c.Open <= 0 || c.Low <= 0 {
			continue
		}
		hl := math.Log(c.High / c.Low)
		co := math.Log(c.Close / c.Open)
		v := 0.5*hl*hl - (2*math.Log(2)-1)*co*co
		if v < 0 {
			v = 0
		}
		out[i] = math.Sqrt(v)
	}
	return out
}

// =============================================================================
// TREND
// =============================================================================

// ADX calculates the average directional index with Wilder's smoothing.
func ADX(candles []market.Candle, period int) []float64 {
	n := len(candles)
	out := nanSlice(n)
	if period <= 0 || n < 2*period+1 {
		return out
	}

	tr := TrueRange(candles)
	plusDM := make([]float64, n)
	minusDM := make([]float64, n)
	for i := 1; i < n; i++ {
		up := candles[i].High - candles[i-1].High
		down := candles[i-1].Low - candles[i].Low
		if up > down && up > 0 {
			plusDM[i] = up
		}
		if down > up && down > 0 {
			minusDM[i] = down
		}
	}

	var trS, plusS, minusS float64
	for i := 1; i <= period; i++ {
		trS += tr[i]
		plusS += plusDM[i]
		minusS += minusDM[i]
	}

	dx := nanSlice(n)
	dx[period] = dxValue(plusS, minusS, trS)
	for i := period + 1; i < n; i++ {
		trS = trS - trS/float64(period) + tr[i]
		plusS = plusS - plusS/float64(period) + plusDM[i]
		minusS = minusS - minusS/float64(period) + minusDM[i]
		dx[i] = dxValue(plusS, minusS, trS)
	}

	var sum float64
	for i := period; i < 2*period; i++ {
		sum += dx[i]
	}
	out[2*period-1] = sum / float64(period)
	for i := 2 * period; i < n; i++ {
		out[i] = (out[i-1]*float64(period-1) + dx[i]) / float64(period)
	}
	return out
}

func dxValue(plusS, minusS, trS float64) float64 {
	if trS == 0 {
		return 0
	}
	pdi := 100 * plusS / trS
	mdi := 100 * minusS / trS
	if pdi+mdi == 0 {
		return 0
	}
	return 100 * math.Abs(pdi-mdi) / (pdi + mdi)
}

// Supertrend calculates the supertrend line and direction flag. direction is
// +1 when price is above the line (bullish) and -1 below.
func Supertrend(candles []market.Candle, period int, mult float64) (line []float64, direction []int) {
	n := len(candles)
	line = nanSlice(n)
	direction = make([]int, n)
	atr := ATR(candles, period)

	upper := nanSlice(n)
	lower := nanSlice(n)
	for i := 0; i < n; i++ {
		if math.IsNaN(atr[i]) {
			continue
		}
		mid := (candles[i].High + candles[i].Low) / 2
		basicUpper := mid + mult*atr[i]
		basicLower := mid - mult*atr[i]

		if i > 0 && !math.IsNaN(upper[i-1]) {
			if basicUpper < upper[i-1] || candles[i-1].Close > upper[i-1] {
				upper[i] = basicUpper
			} else {
				upper[i] = upper[i-1]
			}
			if basicLower > lower[i-1] || candles[i-1].Close < lower[i-1] {
				lower[i] = basicLower
			} else {
				lower[i] = lower[i-1]
			}
		} else {
			upper[i] = basicUpper
			lower[i] = basicLower
		}

		if i == 0 || direction[i-1] == 0 {
			direction[i] = 1
			line[i] = lower[i]
			continue
		}
		if direction[i-1] == 1 {
			if candles[i].Close < lower[i] {
				direction[i] = -1
				line[i] = upper[i]
			} else {
				direction[i] = 1
				line[i] = lower[i]
			}
		} else {
			if candles[i].Close > upper[i] {
				direction[i] = 1
				line[i] = lower[i]
			} else {
				direction[i] = -1
				line[i] = upper[i]
			}
		}
	}
	return line, direction
}

// =============================================================================
// HELPERS
// =============================================================================

// Closes extracts the close series from candles.
func Closes(candles []market.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// Volumes extracts the volume series from candles.
func Volumes(candles []market.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Volume
	}
	return out
}

// Percentile returns the fraction of values strictly below x, over the
// finite entries of values. Returns 0.5 when no finite values exist.
func Percentile(values []float64, x float64) float64 {
	var below, total int
	for _, v := range values {
		if math.IsNaN(v) {
			continue
		}
		total++
		if v < x {
			below++
		}
	}
	if total == 0 {
		return 0.5
	}
	return float64(below) / float64(total)
}

func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

// Last returns the final element of a series, or NaN for an empty series.
func Last(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	return values[len(values)-1]
}
