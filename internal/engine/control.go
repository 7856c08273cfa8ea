package engine

import (
	"context"
	"time"

	"novapulse/internal/executor"
)

// Pause stops new entries while keeping position management running.
func (e *Engine) Pause(ctx context.Context) {
	e.mu.Lock()
	already := e.paused
	e.paused = true
	e.mu.Unlock()
	if already {
		return
	}
	e.logger.Warn().Msg("paused by operator")
	e.thought(ctx, "control", "", "paused by operator", nil)
}

// Resume clears both the operator pause and any auto-pause.
func (e *Engine) Resume(ctx context.Context) {
	e.mu.Lock()
	e.paused = false
	e.autoPaused = false
	e.autoPauseReason = ""
	for pair := range e.staleChecks {
		e.staleChecks[pair] = 0
	}
	e.mu.Unlock()
	e.logger.Info().Msg("resumed by operator")
	e.thought(ctx, "control", "", "resumed by operator", nil)
}

// CloseAll flattens every open position at market and reports how many
// closed cleanly.
func (e *Engine) CloseAll(ctx context.Context) int {
	e.logger.Warn().Msg("close-all requested by operator")
	e.thought(ctx, "control", "", "close-all requested by operator", nil)
	return e.exec.CloseAll(ctx, executor.ExitOperator, time.Now().UTC())
}

// Kill flattens everything and then drains the engine to a clean stop.
func (e *Engine) Kill(ctx context.Context) {
	e.mu.Lock()
	if e.killed {
		e.mu.Unlock()
		return
	}
	e.killed = true
	cancel := e.cancel
	e.mu.Unlock()

	e.logger.Warn().Msg("kill switch engaged")
	e.thought(ctx, "control", "", "kill switch engaged", nil)
	e.exec.CloseAll(ctx, executor.ExitOperator, time.Now().UTC())
	if cancel != nil {
		cancel()
	}
}

// Status returns an operator-facing snapshot of the whole system.
func (e *Engine) Status() map[string]interface{} {
	e.mu.Lock()
	state := e.state
	killed := e.killed
	paused := e.paused
	autoPaused := e.autoPaused
	autoReason := e.autoPauseReason
	startedAt := e.startedAt
	e.mu.Unlock()

	now := time.Now().UTC()
	var uptime float64
	if !startedAt.IsZero() {
		uptime = now.Sub(startedAt).Seconds()
	}

	open := e.exec.OpenTrades()
	positions := make([]map[string]interface{}, 0, len(open))
	for _, t := range open {
		positions = append(positions, map[string]interface{}{
			"trade_id":   t.ID,
			"pair":       t.Pair,
			"side":       t.Side,
			"entry":      t.EntryPrice,
			"quantity":   t.Quantity,
			"stop":       t.Trailing.CurrentSL,
			"opened_at":  t.EntryTime,
			"strategies": t.Metadata.Strategies,
		})
	}

	disabled := make([]string, 0)
	for name := range e.conf.DisabledStrategies(now) {
		disabled = append(disabled, name)
	}

	return map[string]interface{}{
		"state":               string(state),
		"mode":                e.cfg.Mode.TradingMode,
		"killed":              killed,
		"paused":              paused,
		"auto_paused":         autoPaused,
		"auto_pause_reason":   autoReason,
		"uptime_seconds":      uptime,
		"ws_connected":        e.stream.IsConnected(),
		"pending_scans":       e.queue.Len(),
		"open_positions":      positions,
		"disabled_strategies": disabled,
		"risk":                e.riskM.Stats(),
		"cache":               e.cache.Stats(),
	}
}
