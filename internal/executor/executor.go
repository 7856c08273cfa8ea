package executor

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"novapulse/internal/confluence"
	"novapulse/internal/exchange"
	"novapulse/internal/market"
	"novapulse/internal/risk"
	"novapulse/internal/strategies"
)

// Store is the durable surface the executor needs from the ledger.
type Store interface {
	InsertTrade(ctx context.Context, t *Trade) error
	UpdateTrade(ctx context.Context, t *Trade) error
	// CloseTrade transitions open -> closed|error exactly once; the bool
	// reports whether this call performed the transition.
	CloseTrade(ctx context.Context, t *Trade) (bool, error)
	OpenTrades(ctx context.Context) ([]*Trade, error)
	LogThought(ctx context.Context, category, pair, message string, data map[string]interface{}) error
	InsertMLFeatures(ctx context.Context, tradeID string, features map[string]float64) error
	InsertBookSnapshot(ctx context.Context, tradeID, pair string, a market.BookAnalysis) error
}

// ResultSink receives closed-trade feedback; the confluence engine
// implements it.
type ResultSink interface {
	RecordTradeResult(strategy, regimeKey string, pnlPct float64, entryTime, now time.Time)
	MarkEntry(strategyNames []string, pair string, dir strategies.Direction, now time.Time)
}

// Config holds the executor parameters.
type Config struct {
	Live                   bool
	MakerFee               float64
	TakerFee               float64
	PostOnly               bool
	ChaseAttempts          int
	ChaseDelay             time.Duration
	FallbackToMarket       bool
	TrailingActivationPct  float64
	TrailingStepPct        float64
	BreakevenActivationPct float64
	SmartExitTiers         []Tier
	MaxTradeDuration       time.Duration // 0 = unlimited
	StaleAfter             time.Duration
	StopAmendThresholdPct  float64 // min stop move, pct of price, to amend
	ExitMaxAttempts        int
	ExitRetryBase          time.Duration
}

// Tier is one smart-exit level.
type Tier struct {
	TPMultiple float64
	Fraction   float64
}

// Executor drives trades through their lifecycle. The supervisor calls
// OpenFromSignal from the scan loop and CheckPositions from the position
// loop; all mutation of open trades happens here.
type Executor struct {
	cfg    Config
	client exchange.Client
	cache  *market.Cache
	riskM  *risk.Manager
	sink   ResultSink
	store  Store
	ids    *exchange.IDGenerator
	logger zerolog.Logger

	mu   sync.Mutex
	open map[string]*Trade // trade id -> trade

	sleep func(context.Context, time.Duration) error
}

// New builds the executor.
func New(cfg Config, client exchange.Client, cache *market.Cache, riskM *risk.Manager,
	sink ResultSink, store Store, ids *exchange.IDGenerator, logger zerolog.Logger) *Executor {
	if cfg.ExitMaxAttempts == 0 {
		cfg.ExitMaxAttempts = 3
	}
	if cfg.ExitRetryBase == 0 {
		cfg.ExitRetryBase = 500 * time.Millisecond
	}
	if cfg.StopAmendThresholdPct == 0 {
		cfg.StopAmendThresholdPct = 0.5
	}
	if cfg.StaleAfter == 0 {
		cfg.StaleAfter = 120 * time.Second
	}
	return &Executor{
		cfg:    cfg,
		client: client,
		cache:  cache,
		riskM:  riskM,
		sink:   sink,
		store:  store,
		ids:    ids,
		logger: logger.With().Str("component", "executor").Logger(),
		open:   make(map[string]*Trade),
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OpenTrades returns a snapshot of the open trades.
func (e *Executor) OpenTrades() []*Trade {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Trade, 0, len(e.open))
	for _, t := range e.open {
		cp := *t
		out = append(out, &cp)
	}
	return out
}

// OpenFromSignal runs the entry flow for an approved-quality signal. It
// gates through the risk manager, fills (paper or live), persists the
// trade, and arms the exchange-native stop in live mode. A nil trade with
// nil error means the risk manager rejected the intent.
func (e *Executor) OpenFromSignal(ctx context.Context, sig *confluence.Signal, flags risk.EngineFlags, now time.Time) (*Trade, error) {
	ticker, ok := e.cache.GetTicker(sig.Pair)
	if !ok {
		return nil, fmt.Errorf("no ticker for %s", sig.Pair)
	}

	intent := risk.Intent{
		Pair:       sig.Pair,
		Direction:  sig.Direction,
		Strategy:   strings.Join(sig.Strategies, "+"),
		Confidence: sig.Confidence,
		SignalTime: sig.Timestamp,
		Entry:      sig.Entry,
		StopLoss:   sig.StopLoss,
		TakeProfit: sig.TakeProfit,
		SpreadPct:  ticker.SpreadPct(),
		Regime:     sig.Regime,
		IsSureFire: sig.IsSureFire,
	}
	approval := e.riskM.Approve(intent, flags, now)
	if !approval.Approved {
		e.thought(ctx, "risk_reject", sig.Pair,
			fmt.Sprintf("entry rejected: %s", approval.Reason),
			map[string]interface{}{"reason": approval.Reason, "confidence": sig.Confidence})
		return nil, nil
	}

	side := "buy"
	plannedEntry := ticker.Ask
	if sig.Direction == strategies.Short {
		side = "sell"
		plannedEntry = ticker.Bid
	}
	qty := approval.SizeUSD / plannedEntry

	var fillPrice, entryFee float64
	var orderID, clientID string
	var err error
	if e.cfg.Live {
		fillPrice, orderID, clientID, err = e.liveEntry(ctx, sig.Pair, side, qty, plannedEntry)
		if err != nil {
			e.thought(ctx, "entry_failed", sig.Pair, err.Error(), nil)
			return nil, err
		}
		entryFee = fillPrice * qty * e.cfg.TakerFee
	} else {
		fillPrice = paperFill(side, ticker)
		entryFee = fillPrice * qty * e.cfg.TakerFee
	}

	// Shift SL/TP by the fill delta so absolute distances match the intent.
	delta := fillPrice - plannedEntry
	sl := sig.StopLoss + delta
	tp := sig.TakeProfit + delta

	trade := &Trade{
		ID:         NewTradeID(),
		Pair:       sig.Pair,
		Side:       side,
		Status:     TradeOpen,
		EntryPrice: fillPrice,
		Quantity:   qty,
		Fees:       entryFee,
		Strategy:   intent.Strategy,
		Confidence: sig.Confidence,
		StopLoss:   sl,
		TakeProfit: tp,
		Trailing: TrailingState{
			InitialSL: sl,
			CurrentSL: sl,
		},
		EntryTime: now,
		Metadata: Metadata{
			PlannedEntry:    plannedEntry,
			FilledEntry:     fillPrice,
			OrderID:         orderID,
			ClientOrderID:   clientID,
			MakerFeeRate:    e.cfg.MakerFee,
			TakerFeeRate:    e.cfg.TakerFee,
			RegimeAtEntry:   sig.Regime.Key(),
			Strategies:      sig.Strategies,
			SizeUSD:         approval.SizeUSD,
			Confidence:      sig.Confidence,
			ConfluenceCount: sig.ConfluenceCount,
			SureFire:        sig.IsSureFire,
		},
	}

	if err := e.store.InsertTrade(ctx, trade); err != nil {
		return nil, fmt.Errorf("persisting trade: %w", err)
	}
	e.riskM.RegisterOpen(trade.Pair, trade.Strategy, approval.SizeUSD, now, false)
	e.sink.MarkEntry(sig.Strategies, sig.Pair, sig.Direction, now)

	e.mu.Lock()
	e.open[trade.ID] = trade
	e.mu.Unlock()

	if e.cfg.Live {
		e.placeNativeStop(ctx, trade, now)
	}
	e.captureArtifacts(trade, sig)

	e.logger.Info().Str("trade_id", trade.ID).Str("pair", trade.Pair).
		Str("side", side).Float64("entry", fillPrice).Float64("qty", qty).
		Float64("sl", sl).Float64("tp", tp).Msg("position opened")
	e.thought(ctx, "entry", trade.Pair,
		fmt.Sprintf("opened %s %s at %.4f", side, trade.Pair, fillPrice),
		map[string]interface{}{"trade_id": trade.ID, "size_usd": approval.SizeUSD})
	return trade, nil
}

// paperFill synthesizes a fill at the touch with a symmetric micro-slippage
// draw bounded by a tenth of the spread.
func paperFill(side string, ticker market.Ticker) float64 {
	price := ticker.Ask
	if side == "sell" {
		price = ticker.Bid
	}
	spread := ticker.Ask - ticker.Bid
	if spread > 0 {
		price += (rand.Float64()*2 - 1) * spread / 10
	}
	return price
}

// liveEntry places a limit order at the touch and chases the quote, falling
// back to a market order when configured.
func (e *Executor) liveEntry(ctx context.Context, pair, side string, qty, initialPrice float64) (fill float64, orderID, clientID string, err error) {
	price := initialPrice
	for attempt := 0; attempt < e.cfg.ChaseAttempts; attempt++ {
		clientID = e.ids.Next(ctx, exchange.IDTypeEntry, time.Now())
		orderID, err = e.client.PlaceOrder(ctx, exchange.OrderRequest{
			Pair:          pair,
			Side:          exchange.OrderSide(side),
			Kind:          exchange.Limit,
			Quantity:      qty,
			Price:         price,
			PostOnly:      e.cfg.PostOnly,
			ClientOrderID: clientID,
		})
		if err != nil {
			return 0, "", "", err
		}

		filled, avg, werr := e.waitForFill(ctx, orderID)
		if werr != nil {
			return 0, "", "", werr
		}
		if filled {
			return avg, orderID, clientID, nil
		}

		if cerr := e.client.CancelOrder(ctx, orderID); cerr != nil {
			e.logger.Warn().Err(cerr).Str("order_id", orderID).Msg("chase cancel failed")
		}
		// The order may have filled in the cancel race.
		if info, ierr := e.client.OrderInfo(ctx, orderID); ierr == nil && info != nil && info.Status == exchange.StatusFilled {
			return info.AvgFillPrice, orderID, clientID, nil
		}

		ticker, ok := e.cache.GetTicker(pair)
		if ok {
			if side == "buy" {
				price = ticker.Ask
			} else {
				price = ticker.Bid
			}
		}
	}

	if e.cfg.FallbackToMarket && !e.cfg.PostOnly {
		clientID = e.ids.Next(ctx, exchange.IDTypeEntry, time.Now())
		orderID, err = e.client.PlaceOrder(ctx, exchange.OrderRequest{
			Pair:          pair,
			Side:          exchange.OrderSide(side),
			Kind:          exchange.Market,
			Quantity:      qty,
			Price:         price, // reference for notional validation
			ClientOrderID: clientID,
		})
		if err != nil {
			return 0, "", "", err
		}
		info, ierr := e.client.OrderInfo(ctx, orderID)
		if ierr == nil && info != nil && info.AvgFillPrice > 0 {
			return info.AvgFillPrice, orderID, clientID, nil
		}
		return price, orderID, clientID, nil
	}
	return 0, "", "", fmt.Errorf("limit chase exhausted after %d attempts", e.cfg.ChaseAttempts)
}

// waitForFill polls the order until it fills or the chase window elapses.
func (e *Executor) waitForFill(ctx context.Context, orderID string) (bool, float64, error) {
	deadline := time.Now().Add(e.cfg.ChaseDelay)
	for time.Now().Before(deadline) {
		info, err := e.client.OrderInfo(ctx, orderID)
		if err != nil {
			if !exchange.IsRetryable(err) {
				return false, 0, err
			}
		} else if info != nil && info.Status == exchange.StatusFilled {
			return true, info.AvgFillPrice, nil
		}
		if serr := e.sleep(ctx, 500*time.Millisecond); serr != nil {
			return false, 0, serr
		}
	}
	return false, 0, nil
}

// placeNativeStop arms the exchange-side stop. Failure is non-fatal; the
// position loop remains the software backstop.
func (e *Executor) placeNativeStop(ctx context.Context, t *Trade, now time.Time) {
	e.mu.Lock()
	side := "sell"
	if !t.IsLong() {
		side = "buy"
	}
	pair := t.Pair
	qty := t.Quantity
	stopPrice := t.Trailing.CurrentSL
	e.mu.Unlock()

	clientID := e.ids.Next(ctx, exchange.IDTypeStop, now)
	stopID, err := e.client.PlaceOrder(ctx, exchange.OrderRequest{
		Pair:          pair,
		Side:          exchange.OrderSide(side),
		Kind:          exchange.StopLoss,
		Quantity:      qty,
		Price:         stopPrice,
		ClientOrderID: clientID,
	})
	if err != nil {
		e.logger.Warn().Err(err).Str("trade_id", t.ID).Msg("native stop placement failed")
		return
	}
	e.mu.Lock()
	t.Metadata.StopOrderID = stopID
	t.Metadata.LastStopAmendPrice = stopPrice
	e.mu.Unlock()
}

// captureArtifacts records the ML feature row and the book snapshot for the
// trade. Best effort; failures never block trading.
func (e *Executor) captureArtifacts(t *Trade, sig *confluence.Signal) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		features := map[string]float64{
			"confidence":          sig.Confidence,
			"strength":            sig.Strength,
			"confluence_count":    float64(sig.ConfluenceCount),
			"timeframe_agreement": sig.TimeframeAgreement,
			"entry":               t.EntryPrice,
			"sl_distance_pct":     (t.EntryPrice - t.Trailing.InitialSL) / t.EntryPrice,
		}
		if err := e.store.InsertMLFeatures(ctx, t.ID, features); err != nil {
			e.logger.Debug().Err(err).Msg("ml feature capture failed")
		}
		if book, ok := e.cache.GetBookAnalysis(t.Pair); ok {
			if err := e.store.InsertBookSnapshot(ctx, t.ID, t.Pair, book); err != nil {
				e.logger.Debug().Err(err).Msg("book snapshot capture failed")
			}
		}
	}()
}

func (e *Executor) thought(ctx context.Context, category, pair, msg string, data map[string]interface{}) {
	if err := e.store.LogThought(ctx, category, pair, msg, data); err != nil {
		e.logger.Debug().Err(err).Msg("thought log write failed")
	}
}
