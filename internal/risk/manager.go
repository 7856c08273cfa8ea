// Package risk implements the pre-trade gate chain, position sizing, and
// bankroll accounting. Every rejection carries a machine-readable reason.
package risk

import (
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"novapulse/internal/metrics"
	"novapulse/internal/strategies"
)

// Config holds all risk parameters.
type Config struct {
	MaxRiskPerTrade        float64
	MaxDailyLoss           float64
	MaxDailyTrades         int
	MaxPositionUSD         float64
	MinPositionUSD         float64
	InitialBankroll        float64
	KellyFraction          float64
	MaxKellySize           float64
	RiskOfRuinThreshold    float64
	MaxTotalExposurePct    float64
	GlobalCooldownOnLoss   time.Duration
	PairCooldown           time.Duration
	StrategyCooldown       time.Duration
	MaxConcurrentPositions int
	MaxTradesPerHour       int
	QuietHoursUTC          []int
	MinRiskReward          float64
	MinConfidence          float64
	MaxSignalAge           time.Duration
	CorrelationGroups      map[string][]string
	MaxPerCorrelationGroup int
	Canary                 bool
}

// EngineFlags is the supervisor state consulted by the first gate.
type EngineFlags struct {
	Killed     bool
	Paused     bool
	AutoPaused bool
}

// Intent is a proposed entry handed to the gate chain.
type Intent struct {
	Pair       string
	Direction  strategies.Direction
	Strategy   string
	Confidence float64
	SignalTime time.Time
	Entry      float64
	StopLoss   float64
	TakeProfit float64
	SpreadPct  float64
	Regime     strategies.Regime
	IsSureFire bool
}

// Approval is the gate chain verdict. SizeUSD and Quantity are set only when
// approved.
type Approval struct {
	Approved bool
	Reason   string
	SizeUSD  float64
	Quantity float64
}

type openPosition struct {
	pair    string
	sizeUSD float64
	group   string
}

type closedTrade struct {
	pnl      float64
	notional float64
}

// Manager owns the risk state. All public methods are safe for concurrent
// use; the supervisor serializes open/close accounting in practice.
type Manager struct {
	cfg    Config
	logger zerolog.Logger

	mu                  sync.Mutex
	bankroll            float64
	peakBankroll        float64
	dailyPnL            float64
	dailyDay            string // "2006-01-02" UTC
	dailyTrades         int
	consecutiveWins     int
	consecutiveLosses   int
	globalCooldownUntil time.Time
	pairCooldownUntil   map[string]time.Time
	stratCooldownUntil  map[string]time.Time
	open                map[string]openPosition
	history             []closedTrade // sliding window for Kelly and RoR
	hourlyEntries       []time.Time
	pairGroup           map[string]string
}

const historyWindow = 200

// NewManager creates a manager with a fresh bankroll.
func NewManager(cfg Config, logger zerolog.Logger) *Manager {
	pairGroup := make(map[string]string)
	for group, pairs := range cfg.CorrelationGroups {
		for _, p := range pairs {
			pairGroup[p] = group
		}
	}
	return &Manager{
		cfg:                cfg,
		logger:             logger,
		bankroll:           cfg.InitialBankroll,
		peakBankroll:       cfg.InitialBankroll,
		dailyDay:           time.Now().UTC().Format("2006-01-02"),
		pairCooldownUntil:  make(map[string]time.Time),
		stratCooldownUntil: make(map[string]time.Time),
		open:               make(map[string]openPosition),
		pairGroup:          pairGroup,
	}
}

// RestoreBankroll replaces the bankroll and peak from a persisted snapshot.
func (m *Manager) RestoreBankroll(bankroll, peak float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if bankroll > 0 {
		m.bankroll = bankroll
	}
	if peak > m.bankroll {
		m.peakBankroll = peak
	} else {
		m.peakBankroll = m.bankroll
	}
}

// Approve runs the gate chain in order and sizes the trade on success.
func (m *Manager) Approve(intent Intent, flags EngineFlags, now time.Time) Approval {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rollDay(now)

	reject := func(reason string) Approval {
		metrics.RiskRejections.WithLabelValues(reason).Inc()
		m.logger.Debug().Str("pair", intent.Pair).Str("reason", reason).Msg("trade rejected")
		return Approval{Reason: reason}
	}

	// Gate 1: engine state.
	if flags.Killed {
		return reject("killed")
	}
	if flags.Paused {
		return reject("paused")
	}
	if flags.AutoPaused {
		return reject("auto_paused")
	}

	// Gate 2: bankroll.
	if m.bankroll <= 0 {
		return reject("bankroll_depleted")
	}

	// Gate 3: daily loss limit.
	if m.dailyPnL <= -(m.cfg.InitialBankroll * m.cfg.MaxDailyLoss) {
		return reject("daily_loss_limit")
	}

	// Gate 4: cooldowns.
	if now.Before(m.globalCooldownUntil) {
		return reject("global_cooldown")
	}
	if until, ok := m.pairCooldownUntil[intent.Pair]; ok && now.Before(until) {
		return reject("pair_cooldown")
	}
	if until, ok := m.stratCooldownUntil[intent.Strategy]; ok && now.Before(until) {
		return reject("strategy_cooldown")
	}

	// Gate 5: concurrent positions, one open trade per pair.
	if len(m.open) >= m.cfg.MaxConcurrentPositions {
		return reject("max_concurrent_positions")
	}
	if _, ok := m.open[intent.Pair]; ok {
		return reject("pair_already_open")
	}

	// Gate 6: daily trade cap.
	if m.cfg.MaxDailyTrades > 0 && m.dailyTrades >= m.cfg.MaxDailyTrades {
		return reject("max_daily_trades")
	}

	// Gate 7: quiet hours.
	hour := now.UTC().Hour()
	for _, q := range m.cfg.QuietHoursUTC {
		if hour == q {
			return reject("quiet_hours")
		}
	}

	// Gate 8: hourly rate throttle.
	m.pruneHourly(now)
	if m.cfg.MaxTradesPerHour > 0 && len(m.hourlyEntries) >= m.cfg.MaxTradesPerHour {
		return reject("hourly_rate_limit")
	}

	// Gate 9: correlation group cap.
	if group, ok := m.pairGroup[intent.Pair]; ok {
		count := 0
		for _, p := range m.open {
			if p.group == group {
				count++
			}
		}
		if count >= m.cfg.MaxPerCorrelationGroup {
			return reject("correlation_group_limit")
		}
	}

	// Gate 10: stop distance and risk/reward.
	if intent.Entry <= 0 {
		return reject("sl_distance")
	}
	slDistPct := math.Abs(intent.Entry-intent.StopLoss) / intent.Entry
	if slDistPct <= 0 || slDistPct > 0.10 {
		return reject("sl_distance")
	}
	if math.Abs(intent.TakeProfit-intent.Entry)/math.Abs(intent.Entry-intent.StopLoss) < m.cfg.MinRiskReward {
		return reject("risk_reward")
	}

	// Gate 11: freshness and confidence, canary-tightened.
	if m.cfg.MaxSignalAge > 0 && now.Sub(intent.SignalTime) > m.cfg.MaxSignalAge {
		return reject("signal_stale")
	}
	minConf := m.cfg.MinConfidence
	if m.cfg.Canary {
		minConf += 0.05
	}
	if intent.Confidence < minConf {
		return reject("low_confidence")
	}

	// Sizing, then the exposure gates against the proposed size.
	sizeUSD := m.computeSizeLocked(intent, slDistPct)

	// Gate 12: portfolio heat. Shrink into the remaining headroom first.
	headroom := m.bankroll*m.cfg.MaxTotalExposurePct - m.totalExposureLocked()
	if sizeUSD > headroom {
		sizeUSD = headroom
	}
	if sizeUSD < m.cfg.MinPositionUSD {
		return reject("portfolio_heat")
	}

	// Gate 13: risk of ruin.
	if len(m.history) >= 50 {
		if ror := m.riskOfRuinLocked(); ror > m.cfg.RiskOfRuinThreshold {
			return reject("risk_of_ruin")
		}
	}

	return Approval{
		Approved: true,
		SizeUSD:  sizeUSD,
		Quantity: sizeUSD / intent.Entry,
	}
}

// RegisterOpen records a confirmed entry. isRestart skips daily and hourly
// counters so rehydrated positions do not double-count.
func (m *Manager) RegisterOpen(pair, strategy string, sizeUSD float64, now time.Time, isRestart bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.open[pair] = openPosition{pair: pair, sizeUSD: sizeUSD, group: m.pairGroup[pair]}
	if !isRestart {
		m.rollDay(now)
		m.dailyTrades++
		m.hourlyEntries = append(m.hourlyEntries, now)
	}
	metrics.OpenPositions.Set(float64(len(m.open)))
}

// ClosePosition records a closed trade: bankroll, peak, daily PnL, streaks,
// cooldowns, and the Kelly/RoR history window.
func (m *Manager) ClosePosition(pair, strategy string, pnl float64, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.open[pair]
	if !ok {
		return
	}
	delete(m.open, pair)
	metrics.OpenPositions.Set(float64(len(m.open)))

	m.rollDay(now)
	m.bankroll += pnl
	if m.bankroll > m.peakBankroll {
		m.peakBankroll = m.bankroll
	}
	m.dailyPnL += pnl

	if pnl > 0 {
		m.consecutiveWins++
		m.consecutiveLosses = 0
	} else {
		m.consecutiveLosses++
		m.consecutiveWins = 0
		m.globalCooldownUntil = now.Add(m.cfg.GlobalCooldownOnLoss)
		if m.cfg.StrategyCooldown > 0 && strategy != "" {
			m.stratCooldownUntil[strategy] = now.Add(m.cfg.StrategyCooldown)
		}
	}
	if m.cfg.PairCooldown > 0 {
		m.pairCooldownUntil[pair] = now.Add(m.cfg.PairCooldown)
	}

	m.history = append(m.history, closedTrade{pnl: pnl, notional: pos.sizeUSD})
	if len(m.history) > historyWindow {
		m.history = m.history[len(m.history)-historyWindow:]
	}
}

// rollDay resets daily counters at the first UTC day change. Caller holds mu.
func (m *Manager) rollDay(now time.Time) {
	day := now.UTC().Format("2006-01-02")
	if day != m.dailyDay {
		m.dailyDay = day
		m.dailyPnL = 0
		m.dailyTrades = 0
	}
}

func (m *Manager) pruneHourly(now time.Time) {
	cutoff := now.Add(-time.Hour)
	kept := m.hourlyEntries[:0]
	for _, t := range m.hourlyEntries {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	m.hourlyEntries = kept
}

func (m *Manager) totalExposureLocked() float64 {
	var total float64
	for _, p := range m.open {
		total += p.sizeUSD
	}
	return total
}

// ConsecutiveLosses returns the current losing streak.
func (m *Manager) ConsecutiveLosses() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consecutiveLosses
}

// DrawdownPct returns the peak-to-current drawdown percentage.
func (m *Manager) DrawdownPct() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.drawdownPctLocked()
}

func (m *Manager) drawdownPctLocked() float64 {
	if m.peakBankroll <= 0 {
		return 0
	}
	dd := (m.peakBankroll - m.bankroll) / m.peakBankroll * 100
	if dd < 0 {
		return 0
	}
	return dd
}

// Bankroll returns the current bankroll.
func (m *Manager) Bankroll() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bankroll
}

// Peak returns the high-water bankroll the drawdown is measured from.
func (m *Manager) Peak() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peakBankroll
}

// OpenCount returns the number of registered open positions.
func (m *Manager) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.open)
}

// Stats returns a snapshot of the risk state for the status endpoint.
func (m *Manager) Stats() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	return map[string]interface{}{
		"bankroll":           m.bankroll,
		"peak_bankroll":      m.peakBankroll,
		"daily_pnl":          m.dailyPnL,
		"daily_trades":       m.dailyTrades,
		"drawdown_pct":       m.drawdownPctLocked(),
		"consecutive_wins":   m.consecutiveWins,
		"consecutive_losses": m.consecutiveLosses,
		"open_positions":     len(m.open),
		"total_exposure_usd": m.totalExposureLocked(),
		"closed_trades":      len(m.history),
		"risk_of_ruin":       m.riskOfRuinLocked(),
	}
}
