package executor

// Trailing step tightening: once a position runs deep into profit, the
// trailing distance shrinks so more of the move is locked in. The tier is
// selected from the profit level at the previous extreme, so a single large
// tick trails at the distance that was in force when the move started.
const (
	tightenAbovePct  = 3.0
	tightenFactorMid = 0.5
	deepAbovePct     = 5.0
	tightenFactorTop = 0.3
)

// updateTrailing advances the trailing state for the latest price and
// reports whether the stop moved. The stop is monotone: it only ever
// tightens toward price.
func updateTrailing(t *Trade, price, activationPct, stepPct, breakevenPct float64) bool {
	ts := &t.Trailing
	moved := false
	unrealized := t.UnrealizedPct(price)

	// Breakeven pin.
	if !ts.BreakevenActivated && unrealized >= breakevenPct {
		ts.BreakevenActivated = true
		if tighter(t, t.EntryPrice, ts.CurrentSL) {
			ts.CurrentSL = t.EntryPrice
			moved = true
		}
	}

	if !ts.TrailingActivated && unrealized > activationPct {
		ts.TrailingActivated = true
		if t.IsLong() {
			ts.TrailingHigh = t.EntryPrice
		} else {
			ts.TrailingLow = t.EntryPrice
		}
	}
	if !ts.TrailingActivated {
		return moved
	}

	if t.IsLong() {
		if price > ts.TrailingHigh {
			step := stepPct * stepFactor(t.UnrealizedPct(ts.TrailingHigh))
			ts.TrailingHigh = price
			candidate := price * (1 - step/100)
			if tighter(t, candidate, ts.CurrentSL) {
				ts.CurrentSL = candidate
				moved = true
			}
		}
	} else {
		if ts.TrailingLow == 0 || price < ts.TrailingLow {
			step := stepPct * stepFactor(t.UnrealizedPct(ts.TrailingLow))
			ts.TrailingLow = price
			candidate := price * (1 + step/100)
			if tighter(t, candidate, ts.CurrentSL) {
				ts.CurrentSL = candidate
				moved = true
			}
		}
	}
	return moved
}

func stepFactor(unrealizedPct float64) float64 {
	switch {
	case unrealizedPct > deepAbovePct:
		return tightenFactorTop
	case unrealizedPct > tightenAbovePct:
		return tightenFactorMid
	default:
		return 1.0
	}
}

// tighter reports whether candidate is closer to price than current for the
// trade's direction.
func tighter(t *Trade, candidate, current float64) bool {
	if t.IsLong() {
		return candidate > current
	}
	return candidate < current
}

// stopHit reports whether the latest price crossed the active stop.
func stopHit(t *Trade, price float64) bool {
	if t.IsLong() {
		return price <= t.Trailing.CurrentSL
	}
	return price >= t.Trailing.CurrentSL
}

// tpHit reports whether the take profit level was reached.
func tpHit(t *Trade, price float64) bool {
	if t.TakeProfit <= 0 {
		return false
	}
	if t.IsLong() {
		return price >= t.TakeProfit
	}
	return price <= t.TakeProfit
}
