package confluence

import (
	"time"

	"novapulse/internal/market"
)

// Resample aggregates 1-minute candles into k-minute buckets aligned to
// bucket boundaries: open from the first bar, high/low extremes, close from
// the last bar, summed volume. Input must be oldest-first; output is
// deterministic for identical input.
func Resample(candles []market.Candle, minutes int) []market.Candle {
	if minutes <= 1 || len(candles) == 0 {
		out := make([]market.Candle, len(candles))
		copy(out, candles)
		return out
	}

	bucket := time.Duration(minutes) * time.Minute
	var out []market.Candle
	var cur market.Candle
	var curStart time.Time
	open := false

	for _, c := range candles {
		start := c.Time.Truncate(bucket)
		if !open || !start.Equal(curStart) {
			if open {
				out = append(out, cur)
			}
			curStart = start
			cur = market.Candle{Time: start, Open: c.Open, High: c.High, Low: c.Low, Close: c.Close, Volume: c.Volume}
			open = true
			continue
		}
		if c.High > cur.High {
			cur.High = c.High
		}
		if c.Low < cur.Low {
			cur.Low = c.Low
		}
		cur.Close = c.Close
		cur.Volume += c.Volume
	}
	if open {
		out = append(out, cur)
	}
	return out
}

// DropIncomplete removes the final resampled bucket when the source does not
// cover the full bucket, so only closed higher-timeframe bars are evaluated.
func DropIncomplete(resampled []market.Candle, minutes int, lastSource time.Time) []market.Candle {
	if len(resampled) == 0 || minutes <= 1 {
		return resampled
	}
	last := resampled[len(resampled)-1]
	bucketEnd := last.Time.Add(time.Duration(minutes) * time.Minute)
	// The bucket is complete once a source bar at or past its end exists.
	if lastSource.Add(time.Minute).Before(bucketEnd) {
		return resampled[:len(resampled)-1]
	}
	return resampled
}
