package risk

import "math"

// computeSizeLocked derives the position notional for an approved intent:
// fractional base sizing, Kelly as an upper bound only, then multiplicative
// adjustment factors floored at 0.30, then the hard caps. Caller holds mu.
func (m *Manager) computeSizeLocked(intent Intent, slDistPct float64) float64 {
	riskUSD := m.bankroll * m.cfg.MaxRiskPerTrade
	size := riskUSD / slDistPct

	// Kelly upper bound: only with enough history and a positive edge, and
	// never inflating the base size.
	if kelly, ok := m.kellyBoundLocked(intent.Confidence); ok {
		size = math.Min(size, kelly*m.bankroll)
	}

	factor := m.drawdownFactorLocked() *
		m.streakFactorLocked() *
		spreadFactor(intent.SpreadPct) *
		volFactor(intent.Regime.Vol, intent.Regime.VolLevel, intent.Regime.VolExpanding)
	if factor < 0.30 {
		factor = 0.30
	}
	size *= factor

	maxPos := m.cfg.MaxPositionUSD
	if m.cfg.Canary {
		maxPos *= 0.5
	}
	return math.Min(size, maxPos)
}

// kellyBoundLocked returns the effective Kelly fraction of bankroll, or
// ok=false when there is not enough history or no positive edge.
func (m *Manager) kellyBoundLocked(confidence float64) (float64, bool) {
	if len(m.history) < 50 {
		return 0, false
	}
	var wins, losses int
	var grossWin, grossLoss float64
	for _, t := range m.history {
		if t.pnl > 0 {
			wins++
			grossWin += t.pnl
		} else {
			losses++
			grossLoss -= t.pnl
		}
	}
	if wins == 0 || losses == 0 || grossLoss <= 0 {
		return 0, false
	}
	p := float64(wins) / float64(len(m.history))
	q := 1 - p
	b := (grossWin / float64(wins)) / (grossLoss / float64(losses))
	if b <= 0 {
		return 0, false
	}
	k := (p*b - q) / b
	if k <= 0 {
		return 0, false
	}
	eff := math.Min(m.cfg.MaxKellySize, m.cfg.KellyFraction*k*confidence)
	return eff, true
}

// drawdownFactorLocked tiers the size down as the peak-to-current drawdown
// deepens.
func (m *Manager) drawdownFactorLocked() float64 {
	dd := m.drawdownPctLocked()
	switch {
	case dd >= 18:
		return 0.15
	case dd >= 12:
		return 0.35
	case dd >= 7:
		return 0.60
	case dd >= 3:
		return 0.80
	default:
		return 1.0
	}
}

// streakFactorLocked shrinks size on losing streaks and modestly grows it on
// winning streaks.
func (m *Manager) streakFactorLocked() float64 {
	if m.consecutiveLosses >= 3 {
		f := 1.0 - 0.15*float64(m.consecutiveLosses-2)
		return math.Max(0.40, f)
	}
	if m.consecutiveWins >= 3 {
		f := 1.0 + 0.05*float64(m.consecutiveWins-2)
		return math.Min(1.20, f)
	}
	return 1.0
}

// spreadFactor penalizes wide spreads. spreadPct is in percent.
func spreadFactor(spreadPct float64) float64 {
	spread := spreadPct / 100
	if spread <= 0.001 {
		return 1.0
	}
	return math.Max(0.5, 1-(spread-0.001)*50)
}

// volFactor adjusts for the volatility regime: calm markets size up
// slightly, hot markets tier down, expansion cuts an additional 40%.
func volFactor(vol string, volLevel float64, expanding bool) float64 {
	f := 1.0
	switch vol {
	case "low":
		if volLevel < 0.3 {
			f = 1.15
		}
	case "high":
		switch {
		case volLevel > 0.9:
			f = 0.60
		case volLevel > 0.7:
			f = 0.70
		default:
			f = 0.80
		}
	}
	if expanding {
		f *= 0.60
	}
	return f
}

// riskOfRuinLocked estimates the probability of bankroll ruin under the
// current edge. Returns 0 with fewer than 50 trades and 1 on negative edge.
// Caller holds mu.
func (m *Manager) riskOfRuinLocked() float64 {
	if len(m.history) < 50 {
		return 0.0
	}
	var sumPnL, sumBet float64
	for _, t := range m.history {
		sumPnL += t.pnl
		sumBet += t.notional
	}
	avgBet := sumBet / float64(len(m.history))
	if avgBet <= 0 {
		return 0.0
	}
	edge := sumPnL / float64(len(m.history))
	if edge <= 0 {
		return 1.0
	}
	edgeRatio := edge / avgBet
	if edgeRatio >= 1 {
		return 0.0
	}
	units := m.bankroll / avgBet
	return math.Pow((1-edgeRatio)/(1+edgeRatio), units)
}

// RiskOfRuin exposes the current estimate.
func (m *Manager) RiskOfRuin() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.riskOfRuinLocked()
}
