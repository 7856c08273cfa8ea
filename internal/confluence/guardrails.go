package confluence

import (
	"sync"
	"time"

	"novapulse/internal/strategies"
)

// GuardrailConfig holds the runtime-disable thresholds.
type GuardrailConfig struct {
	WindowTrades   int
	MinTrades      int
	WinRate        float64
	ProfitFactor   float64
	DisableMinutes int
}

// guardrails tracks strategies runtime-disabled for sustained underperformance.
// A strategy is disabled when, over its latest window, win rate falls below
// the threshold AND profit factor falls below its threshold. Re-enables on
// expiry.
type guardrails struct {
	mu       sync.Mutex
	cfg      GuardrailConfig
	disabled map[string]time.Time // strategy -> disabled until
}

func newGuardrails(cfg GuardrailConfig) *guardrails {
	return &guardrails{cfg: cfg, disabled: make(map[string]time.Time)}
}

// check re-evaluates a strategy after a recorded result and returns true if
// it just became disabled.
func (g *guardrails) check(name string, s strategies.Strategy, now time.Time) bool {
	trades, winRate, pf := s.WindowStats(g.cfg.WindowTrades)
	if trades < g.cfg.MinTrades {
		return false
	}
	if winRate >= g.cfg.WinRate || pf >= g.cfg.ProfitFactor {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if until, ok := g.disabled[name]; ok && now.Before(until) {
		return false
	}
	g.disabled[name] = now.Add(time.Duration(g.cfg.DisableMinutes) * time.Minute)
	return true
}

// isDisabled reports whether a strategy is currently runtime-disabled.
func (g *guardrails) isDisabled(name string, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	until, ok := g.disabled[name]
	if !ok {
		return false
	}
	if now.Before(until) {
		return true
	}
	delete(g.disabled, name)
	return false
}

// snapshot returns the currently disabled strategies and their expiries.
func (g *guardrails) snapshot(now time.Time) map[string]time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make(map[string]time.Time)
	for name, until := range g.disabled {
		if now.Before(until) {
			out[name] = until
		}
	}
	return out
}
