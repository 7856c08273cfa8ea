package engine

import (
	"context"
	"time"

	"novapulse/internal/executor"
	"novapulse/internal/metrics"
)

// Auto-pause reasons reported through Status.
const (
	PauseStaleData    = "stale_data"
	PauseWSDisconnect = "ws_disconnect"
	PauseLossStreak   = "consecutive_losses"
	PauseDrawdown     = "drawdown"
)

// healthMonitor evaluates the circuit breakers on a fixed cadence. An
// auto-pause blocks new entries but never interrupts in-flight closes.
func (e *Engine) healthMonitor(ctx context.Context) {
	interval := time.Duration(e.cfg.Monitoring.HealthIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.checkHealth(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) checkHealth(ctx context.Context) {
	now := time.Now().UTC()
	maxAge := time.Duration(e.cfg.Monitoring.StaleDataMaxAgeSeconds) * time.Second

	// Stale data: consecutive failing checks on any pair.
	staleTripped := false
	anyStale := false
	e.mu.Lock()
	for _, pair := range e.cfg.Trading.Pairs {
		if e.cache.IsStale(pair, maxAge) {
			anyStale = true
			e.staleChecks[pair]++
			if e.staleChecks[pair] >= e.cfg.Monitoring.StaleDataPauseAfterChecks {
				staleTripped = true
			}
		} else {
			e.staleChecks[pair] = 0
		}
	}

	// WS disconnect duration.
	wsTripped := false
	if e.stream.IsConnected() {
		e.wsDownSince = time.Time{}
	} else {
		if e.wsDownSince.IsZero() {
			e.wsDownSince = now
		}
		downFor := now.Sub(e.wsDownSince)
		if downFor >= time.Duration(e.cfg.Monitoring.WSDisconnectPauseAfterSeconds)*time.Second {
			wsTripped = true
		}
	}
	alreadyPaused := e.autoPaused
	reason := e.autoPauseReason
	e.mu.Unlock()

	lossTripped := e.riskM.ConsecutiveLosses() >= e.cfg.Monitoring.ConsecutiveLossesPauseThreshold
	ddTripped := e.riskM.DrawdownPct() >= e.cfg.Monitoring.DrawdownPausePct

	switch {
	case staleTripped:
		e.autoPause(ctx, PauseStaleData)
	case wsTripped:
		e.autoPause(ctx, PauseWSDisconnect)
	case lossTripped:
		e.autoPause(ctx, PauseLossStreak)
	case ddTripped:
		e.autoPause(ctx, PauseDrawdown)
	default:
		// Data-driven pauses may clear themselves when the feed recovers;
		// risk-driven pauses always wait for the operator.
		if alreadyPaused && e.cfg.Monitoring.AutoResumeOnRecovery &&
			(reason == PauseStaleData || reason == PauseWSDisconnect) && !anyStale {
			e.clearAutoPause(ctx)
		}
	}
}

func (e *Engine) autoPause(ctx context.Context, reason string) {
	e.mu.Lock()
	if e.autoPaused {
		e.mu.Unlock()
		return
	}
	e.autoPaused = true
	e.autoPauseReason = reason
	e.mu.Unlock()

	metrics.BreakerTrips.WithLabelValues(reason).Inc()
	e.logger.Warn().Str("reason", reason).Msg("auto-pause engaged")
	e.thought(ctx, "circuit_breaker", "", "auto-pause: "+reason, map[string]interface{}{"reason": reason})

	if e.cfg.Monitoring.EmergencyCloseOnAutoPause {
		closed := e.exec.CloseAll(ctx, executor.ExitBreaker, time.Now().UTC())
		e.logger.Warn().Int("closed", closed).Msg("emergency close-all executed")
	}
}

func (e *Engine) clearAutoPause(ctx context.Context) {
	e.mu.Lock()
	reason := e.autoPauseReason
	e.autoPaused = false
	e.autoPauseReason = ""
	e.mu.Unlock()

	e.logger.Info().Str("reason", reason).Msg("auto-pause cleared, feed recovered")
	e.thought(ctx, "circuit_breaker", "", "auto-pause cleared: "+reason, nil)
}
