package engine

import (
	"context"
	"math"
	"time"

	"novapulse/internal/exchange"
	"novapulse/internal/market"
	"novapulse/internal/metrics"
)

// scanStaleMaxAge is the staleness cutoff for opening new positions. The
// scan loop tolerates older data than the position loop, which uses the
// configured monitoring cutoff to manage what is already open.
const scanStaleMaxAge = 180 * time.Second

// streamConsumer is the sole market data writer: it drains normalized
// events into the cache and turns bar closes and price moves into scan
// triggers.
func (e *Engine) streamConsumer(ctx context.Context) {
	for {
		select {
		case ev, ok := <-e.stream.Events():
			if !ok {
				return
			}
			e.consumeEvent(ev)
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) consumeEvent(ev exchange.Event) {
	switch {
	case ev.Ticker != nil:
		e.cache.UpdateTicker(ev.Pair, *ev.Ticker)
		if e.priceMoved(ev.Pair, ev.Ticker.Last) {
			e.queue.Enqueue(ev.Pair)
		}
	case ev.Candle != nil:
		e.cache.UpdateCandle(ev.Pair, ev.Candle.Candle, ev.Candle.Closed)
		if ev.Candle.Closed {
			e.queue.Enqueue(ev.Pair)
		}
	case ev.Book != nil:
		e.cache.UpdateBook(ev.Pair, *ev.Book)
	}
}

// priceMoved reports whether price drifted beyond the event threshold since
// the pair's last scan.
func (e *Engine) priceMoved(pair string, price float64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	last, ok := e.lastScanPrice[pair]
	if !ok || last <= 0 {
		return false
	}
	return math.Abs(price-last)/last*100 >= e.cfg.Trading.EventPriceMovePct
}

// scanLoop blocks on the dedup queue; a fallback timer enqueues every pair
// at the scan interval so progress is guaranteed even without events.
func (e *Engine) scanLoop(ctx context.Context) {
	fallback := time.NewTicker(e.cfg.ScanInterval())
	defer fallback.Stop()

	for {
		select {
		case pair := <-e.queue.C():
			e.scanPair(ctx, pair)
			e.queue.Done(pair)
		case <-fallback.C:
			for _, pair := range e.cfg.Trading.Pairs {
				e.queue.Enqueue(pair)
			}
		case <-ctx.Done():
			return
		}
	}
}

// scanPair runs the confluence pipeline for one pair and hands any signal
// to the executor. Scan failures are logged and skipped.
func (e *Engine) scanPair(ctx context.Context, pair string) {
	now := time.Now().UTC()
	metrics.ScansTotal.WithLabelValues(pair).Inc()

	if e.cache.IsStale(pair, scanStaleMaxAge) {
		e.logger.Debug().Str("pair", pair).Msg("skipping scan, data stale")
		return
	}

	if ticker, ok := e.cache.GetTicker(pair); ok {
		e.mu.Lock()
		e.lastScanPrice[pair] = ticker.Last
		e.mu.Unlock()

		if ticker.SpreadPct() > e.cfg.Trading.MaxSpreadPct {
			e.logger.Debug().Str("pair", pair).Float64("spread_pct", ticker.SpreadPct()).
				Msg("skipping scan, spread too wide")
			return
		}
	}

	candles := e.cache.GetCandles(pair, e.cfg.Trading.CandleCapacity)
	if e.cfg.Trading.UseClosedCandlesOnly {
		candles = e.cache.GetClosedCandles(pair, e.cfg.Trading.CandleCapacity)
	}
	if len(candles) < 50 {
		return
	}

	var book *market.BookAnalysis
	if analysis, ok := e.cache.GetBookAnalysis(pair); ok {
		book = &analysis
	}

	sig, err := e.conf.Evaluate(ctx, pair, candles, book, now)
	if err != nil {
		e.logger.Warn().Err(err).Str("pair", pair).Msg("scan failed")
		return
	}
	if sig == nil {
		return
	}

	if err := e.ledger.InsertSignal(ctx, sig.Pair, string(sig.Direction), sig.Confidence,
		sig.Strength, sig.ConfluenceCount, sig.Strategies); err != nil {
		if e.escalate(err) {
			return
		}
		e.logger.Warn().Err(err).Msg("signal persist failed")
	}

	flags := e.flags()
	trade, err := e.exec.OpenFromSignal(ctx, sig, flags, now)
	if err != nil {
		if e.escalate(err) {
			return
		}
		e.logger.Error().Err(err).Str("pair", pair).Msg("entry failed")
		return
	}
	if trade != nil {
		e.logger.Info().Str("pair", pair).Str("trade_id", trade.ID).Msg("scan produced a trade")
	}
}

// positionLoop ticks the executor's position checks.
func (e *Engine) positionLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.PositionCheckInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := e.exec.CheckPositions(ctx, time.Now().UTC()); err != nil && !e.escalate(err) {
				e.logger.Warn().Err(err).Msg("position check pass failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

// reconcileLoop compares ledger truth to exchange truth on a fixed cadence.
func (e *Engine) reconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := e.exec.Reconcile(ctx, time.Now().UTC()); err != nil {
				e.logger.Warn().Err(err).Msg("reconciliation failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

// cleanupLoop persists rollups and adaptive state hourly.
func (e *Engine) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now().UTC()
			if err := e.ledger.UpsertDailySummary(ctx, now); err != nil {
				if e.escalate(err) {
					return
				}
				e.logger.Warn().Err(err).Msg("daily summary failed")
			}
			// The first run after midnight also finalizes yesterday.
			if now.Hour() == 0 {
				if err := e.ledger.UpsertDailySummary(ctx, now.AddDate(0, 0, -1)); err != nil {
					e.logger.Warn().Err(err).Msg("daily summary backfill failed")
				}
			}
			if err := e.ledger.RecordMetric(ctx, "bankroll_usd", e.riskM.Bankroll(), nil); err != nil {
				e.logger.Warn().Err(err).Msg("bankroll metric failed")
			}
			if err := e.ledger.RecordMetric(ctx, "drawdown_pct", e.riskM.DrawdownPct(), nil); err != nil {
				e.logger.Warn().Err(err).Msg("drawdown metric failed")
			}
			e.persistState(ctx)
		case <-ctx.Done():
			return
		}
	}
}
