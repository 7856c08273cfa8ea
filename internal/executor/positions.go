package executor

import (
	"context"
	"fmt"
	"math"
	"time"

	"novapulse/internal/exchange"
	"novapulse/internal/metrics"
)

// Exit reasons recorded on close.
const (
	ExitStop     = "stop_loss"
	ExitTP       = "take_profit"
	ExitSmart    = "smart_exit"
	ExitDuration = "max_duration"
	ExitOperator = "operator"
	ExitBreaker  = "circuit_breaker"
)

// CheckPositions runs one position-loop pass over every open trade:
// staleness guard, duration limit, trailing update, stop/TP checks,
// smart-exit tiers, and native stop amendment. The sweep visits every
// trade; the first error is returned so the supervisor can act on store
// faults.
func (e *Executor) CheckPositions(ctx context.Context, now time.Time) error {
	var firstErr error
	for _, t := range e.OpenTrades() {
		if err := e.checkOne(ctx, t.ID, now); err != nil {
			e.logger.Error().Err(err).Str("trade_id", t.ID).Msg("position check failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (e *Executor) checkOne(ctx context.Context, tradeID string, now time.Time) error {
	e.mu.Lock()
	t, ok := e.open[tradeID]
	if !ok {
		e.mu.Unlock()
		return nil
	}
	pair := t.Pair
	entryTime := t.EntryTime
	e.mu.Unlock()

	// Stale data: skip this trade for the cycle rather than act on old prices.
	if e.cache.IsStale(pair, e.cfg.StaleAfter) {
		e.logger.Warn().Str("trade_id", tradeID).Str("pair", pair).Msg("pair data stale, skipping check")
		return nil
	}
	ticker, ok := e.cache.GetTicker(pair)
	if !ok {
		return nil
	}
	price := ticker.Last

	if e.cfg.MaxTradeDuration > 0 && now.Sub(entryTime) >= e.cfg.MaxTradeDuration {
		return e.closeTrade(ctx, t, price, ExitDuration, now)
	}

	// Trailing update and the exit decisions read the same fields the update
	// mutates, so both happen under the lock; persistence uses the snapshot
	// taken while locked.
	e.mu.Lock()
	moved := updateTrailing(t, price,
		e.cfg.TrailingActivationPct, e.cfg.TrailingStepPct, e.cfg.BreakevenActivationPct)
	stopTriggered := stopHit(t, price)
	stopPrice := t.Trailing.CurrentSL
	tpTriggered := tpHit(t, price)
	tpPrice := t.TakeProfit
	snapshot := *t
	e.mu.Unlock()

	if stopTriggered {
		return e.closeTrade(ctx, t, stopPrice, ExitStop, now)
	}
	if tpTriggered {
		return e.closeTrade(ctx, t, tpPrice, ExitTP, now)
	}

	if done, err := e.applySmartExits(ctx, t, price, now); err != nil {
		return err
	} else if done {
		return nil
	}

	if moved {
		if e.cfg.Live {
			e.maybeAmendStop(ctx, t, price, now)
		}
		if err := e.store.UpdateTrade(ctx, &snapshot); err != nil {
			return fmt.Errorf("persisting trailing state: %w", err)
		}
	}
	return nil
}

// applySmartExits closes tier fractions as price reaches each partial level.
// Returns done=true when the final tier consumed the whole position. Each
// tier's plan is computed under the lock, the venue call runs unlocked, and
// the mutation re-locks; persistence uses a locked snapshot.
func (e *Executor) applySmartExits(ctx context.Context, t *Trade, price float64, now time.Time) (bool, error) {
	if len(e.cfg.SmartExitTiers) == 0 {
		return false, nil
	}

	changed := false
	for {
		e.mu.Lock()
		tpDist := t.TPDistance()
		i := t.Metadata.TiersDone
		if tpDist <= 0 || i >= len(e.cfg.SmartExitTiers) {
			e.mu.Unlock()
			break
		}
		tier := e.cfg.SmartExitTiers[i]
		var target float64
		if t.IsLong() {
			target = t.EntryPrice + tpDist*tier.TPMultiple
		} else {
			target = t.EntryPrice - tpDist*tier.TPMultiple
		}
		reached := (t.IsLong() && price >= target) || (!t.IsLong() && price <= target)
		closeQty := t.Quantity * tier.Fraction
		partialPnL := pnlFor(t, target, closeQty)
		fee := target * closeQty * e.cfg.TakerFee
		e.mu.Unlock()

		if !reached {
			break
		}

		if e.cfg.Live {
			if err := e.marketExit(ctx, t, closeQty, now); err != nil {
				return false, fmt.Errorf("smart exit tier %d: %w", i, err)
			}
		}

		e.mu.Lock()
		t.Quantity -= closeQty
		t.Fees += fee
		t.Metadata.PartialPnL += partialPnL - fee
		t.Metadata.TiersDone = i + 1
		t.Metadata.PartialExits = append(t.Metadata.PartialExits, PartialExit{
			Time: now, Price: target, Quantity: closeQty,
			PnL: partialPnL - fee, TPMultiple: tier.TPMultiple,
		})
		remaining := t.Quantity
		e.mu.Unlock()
		changed = true

		e.logger.Info().Str("trade_id", t.ID).Int("tier", i+1).
			Float64("price", target).Float64("qty", closeQty).
			Float64("partial_pnl", partialPnL-fee).Msg("smart exit tier filled")

		if remaining*target < 1 { // dust left, finish the trade
			return true, e.closeTrade(ctx, t, target, ExitSmart, now)
		}
	}
	if changed {
		e.mu.Lock()
		snapshot := *t
		e.mu.Unlock()
		if err := e.store.UpdateTrade(ctx, &snapshot); err != nil {
			return false, fmt.Errorf("persisting partial exit: %w", err)
		}
	}
	return false, nil
}

func pnlFor(t *Trade, price, qty float64) float64 {
	if t.IsLong() {
		return (price - t.EntryPrice) * qty
	}
	return (t.EntryPrice - price) * qty
}

// maybeAmendStop re-arms the exchange-native stop when the software stop has
// drifted far enough from the armed level.
func (e *Executor) maybeAmendStop(ctx context.Context, t *Trade, price float64, now time.Time) {
	e.mu.Lock()
	last := t.Metadata.LastStopAmendPrice
	current := t.Trailing.CurrentSL
	stopID := t.Metadata.StopOrderID
	e.mu.Unlock()

	if price <= 0 || math.Abs(current-last)/price*100 < e.cfg.StopAmendThresholdPct {
		return
	}
	if stopID != "" {
		if err := e.client.CancelOrder(ctx, stopID); err != nil {
			e.logger.Warn().Err(err).Str("trade_id", t.ID).Msg("stop cancel for amend failed")
			return
		}
	}
	e.placeNativeStop(ctx, t, now)
}

// Close closes one trade by operator or breaker request.
func (e *Executor) Close(ctx context.Context, tradeID, reason string, now time.Time) error {
	e.mu.Lock()
	t, ok := e.open[tradeID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("trade %s not open", tradeID)
	}
	ticker, tok := e.cache.GetTicker(t.Pair)
	price := t.EntryPrice
	if tok {
		price = ticker.Last
	}
	return e.closeTrade(ctx, t, price, reason, now)
}

// CloseAll closes every open trade; errors on individual trades do not stop
// the sweep.
func (e *Executor) CloseAll(ctx context.Context, reason string, now time.Time) int {
	closed := 0
	for _, t := range e.OpenTrades() {
		if err := e.Close(ctx, t.ID, reason, now); err != nil {
			e.logger.Error().Err(err).Str("trade_id", t.ID).Msg("close-all failed for trade")
			continue
		}
		closed++
	}
	return closed
}

// closeTrade runs the exit flow: cancel the native stop, exit the remaining
// quantity with bounded retries, settle PnL, persist, and feed back.
func (e *Executor) closeTrade(ctx context.Context, t *Trade, exitPrice float64, reason string, now time.Time) error {
	e.mu.Lock()
	stopID := t.Metadata.StopOrderID
	remaining := t.Quantity
	e.mu.Unlock()

	if e.cfg.Live && stopID != "" {
		if err := e.client.CancelOrder(ctx, stopID); err != nil {
			e.logger.Warn().Err(err).Str("trade_id", t.ID).Msg("native stop cancel failed")
		}
	}

	if e.cfg.Live {
		if err := e.marketExit(ctx, t, remaining, now); err != nil {
			return e.markError(ctx, t, reason, err, now)
		}
	}

	e.mu.Lock()
	exitFee := exitPrice * t.Quantity * e.cfg.TakerFee
	entryFee := t.Fees - sumPartialFees(t) // partial fees are already netted into PartialPnL
	gross := pnlFor(t, exitPrice, t.Quantity)
	net := gross - entryFee - exitFee + t.Metadata.PartialPnL
	notional := t.EntryPrice*t.Quantity + partialNotional(t)

	t.Status = TradeClosed
	t.ExitPrice = exitPrice
	t.ExitTime = now
	t.Fees += exitFee
	t.PnL = net
	if notional > 0 {
		t.PnLPct = net / notional * 100
	}
	t.Metadata.ExitReason = reason
	snapshot := *t
	e.mu.Unlock()

	transitioned, err := e.store.CloseTrade(ctx, &snapshot)
	if err != nil {
		return fmt.Errorf("persisting close: %w", err)
	}
	if !transitioned {
		// Another path already closed it; nothing further to do.
		e.forget(snapshot.ID)
		return nil
	}

	e.riskM.ClosePosition(snapshot.Pair, snapshot.Strategy, snapshot.PnL, now)
	for _, name := range snapshot.Metadata.Strategies {
		e.sink.RecordTradeResult(name, snapshot.Metadata.RegimeAtEntry, snapshot.PnLPct, snapshot.EntryTime, now)
	}
	e.forget(snapshot.ID)

	e.logger.Info().Str("trade_id", snapshot.ID).Str("pair", snapshot.Pair).Str("reason", reason).
		Float64("exit", exitPrice).Float64("pnl", snapshot.PnL).Float64("pnl_pct", snapshot.PnLPct).
		Msg("position closed")
	e.thought(ctx, "exit", snapshot.Pair,
		fmt.Sprintf("closed %s at %.4f (%s), pnl %.2f", snapshot.Pair, exitPrice, reason, snapshot.PnL),
		map[string]interface{}{"trade_id": snapshot.ID, "reason": reason, "pnl": snapshot.PnL})
	return nil
}

func sumPartialFees(t *Trade) float64 {
	// Partial exit fees were already netted into PartialPnL; t.Fees holds
	// entry fee plus partial fees, so back the partial fees out here.
	var total float64
	for _, p := range t.Metadata.PartialExits {
		total += p.Price * p.Quantity * t.Metadata.TakerFeeRate
	}
	return total
}

func partialNotional(t *Trade) float64 {
	var total float64
	for _, p := range t.Metadata.PartialExits {
		total += t.EntryPrice * p.Quantity
	}
	return total
}

func (e *Executor) forget(tradeID string) {
	e.mu.Lock()
	delete(e.open, tradeID)
	e.mu.Unlock()
}

// marketExit submits the exit market order with the bounded retry ladder:
// auth and invalid-order faults are terminal, throttles honor the server
// hint, everything else backs off exponentially, at most ExitMaxAttempts.
func (e *Executor) marketExit(ctx context.Context, t *Trade, qty float64, now time.Time) error {
	side := "sell"
	if !t.IsLong() {
		side = "buy"
	}

	var lastErr error
	for attempt := 1; attempt <= e.cfg.ExitMaxAttempts; attempt++ {
		e.mu.Lock()
		t.Metadata.ExitAttempts++
		e.mu.Unlock()

		clientID := e.ids.Next(ctx, exchange.IDTypeExit, now)
		ref := t.EntryPrice
		if ticker, ok := e.cache.GetTicker(t.Pair); ok {
			ref = ticker.Last
		}
		_, err := e.client.PlaceOrder(ctx, exchange.OrderRequest{
			Pair:          t.Pair,
			Side:          exchange.OrderSide(side),
			Kind:          exchange.Market,
			Quantity:      qty,
			Price:         ref,
			ClientOrderID: clientID,
		})
		if err == nil {
			return nil
		}
		lastErr = err

		switch exchange.KindOf(err) {
		case exchange.KindAuth, exchange.KindInvalidOrder:
			return err
		case exchange.KindRateLimited:
			delay := exchange.RetryAfterOf(err)
			if delay <= 0 {
				delay = e.cfg.ExitRetryBase
			}
			if serr := e.sleep(ctx, delay); serr != nil {
				return serr
			}
		default:
			delay := e.cfg.ExitRetryBase * time.Duration(1<<uint(attempt-1))
			if serr := e.sleep(ctx, delay); serr != nil {
				return serr
			}
		}
	}
	return fmt.Errorf("exit retries exhausted: %w", lastErr)
}

// markError parks a trade in the error state after a failed exit; manual
// intervention is required.
func (e *Executor) markError(ctx context.Context, t *Trade, reason string, cause error, now time.Time) error {
	e.mu.Lock()
	t.Status = TradeError
	t.ExitTime = now
	t.Metadata.ExitReason = reason
	snapshot := *t
	e.mu.Unlock()

	metrics.OrdersFailed.WithLabelValues(exchange.KindOf(cause).String()).Inc()
	if _, err := e.store.CloseTrade(ctx, &snapshot); err != nil {
		e.logger.Error().Err(err).Str("trade_id", snapshot.ID).Msg("persisting error state failed")
	}
	e.forget(snapshot.ID)

	e.logger.Error().Err(cause).Str("trade_id", snapshot.ID).Str("pair", snapshot.Pair).
		Msg("CRITICAL: exit failed, trade marked error, manual intervention required")
	e.thought(ctx, "exit_error", snapshot.Pair,
		fmt.Sprintf("exit failed for %s: %v", snapshot.ID, cause),
		map[string]interface{}{"trade_id": snapshot.ID, "error": cause.Error()})
	return fmt.Errorf("exit failed for trade %s: %w", snapshot.ID, cause)
}

// Rehydrate reloads open trades from the ledger after a restart, registering
// each with the risk manager without touching the daily counters. Trailing
// state and native stop ids come back from metadata, so no duplicate stop is
// armed.
func (e *Executor) Rehydrate(ctx context.Context, now time.Time) (int, error) {
	trades, err := e.store.OpenTrades(ctx)
	if err != nil {
		return 0, fmt.Errorf("loading open trades: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range trades {
		e.open[t.ID] = t
		e.riskM.RegisterOpen(t.Pair, t.Strategy, t.Metadata.SizeUSD, now, true)
		if t.Metadata.ClientOrderID != "" {
			e.ids.Remember(ctx, t.Metadata.ClientOrderID)
		}
		e.logger.Info().Str("trade_id", t.ID).Str("pair", t.Pair).
			Float64("current_sl", t.Trailing.CurrentSL).Msg("trade rehydrated")
	}
	return len(trades), nil
}
