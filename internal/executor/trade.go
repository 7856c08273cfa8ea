// Package executor owns the position lifecycle: entry fills (paper and
// live), trailing stop and smart-exit management, exit retries, and
// reconciliation against exchange truth.
package executor

import (
	"time"

	"github.com/google/uuid"
)

// TradeStatus is the durable lifecycle state of a trade.
type TradeStatus string

const (
	TradeOpen      TradeStatus = "open"
	TradeClosed    TradeStatus = "closed"
	TradeCancelled TradeStatus = "cancelled"
	TradeError     TradeStatus = "error"
)

// TrailingState tracks the stop as it tightens toward price. CurrentSL only
// ever moves toward price: up for longs, down for shorts.
type TrailingState struct {
	InitialSL          float64 `json:"initial_sl"`
	CurrentSL          float64 `json:"current_sl"`
	BreakevenActivated bool    `json:"breakeven_activated"`
	TrailingActivated  bool    `json:"trailing_activated"`
	TrailingHigh       float64 `json:"trailing_high"`
	TrailingLow        float64 `json:"trailing_low"`
}

// PartialExit records one smart-exit tier fill.
type PartialExit struct {
	Time       time.Time `json:"time"`
	Price      float64   `json:"price"`
	Quantity   float64   `json:"quantity"`
	PnL        float64   `json:"pnl"`
	TPMultiple float64   `json:"tp_multiple"`
}

// Metadata carries the non-queryable trade context: planned vs filled
// prices, order identifiers, partial-exit log, fee rates, and entry regime.
type Metadata struct {
	PlannedEntry       float64       `json:"planned_entry"`
	FilledEntry        float64       `json:"filled_entry"`
	OrderID            string        `json:"order_id,omitempty"`
	ClientOrderID      string        `json:"client_order_id,omitempty"`
	StopOrderID        string        `json:"stop_order_id,omitempty"`
	PartialExits       []PartialExit `json:"partial_exits,omitempty"`
	PartialPnL         float64       `json:"partial_pnl"`
	TiersDone          int           `json:"tiers_done"`
	MakerFeeRate       float64       `json:"maker_fee_rate"`
	TakerFeeRate       float64       `json:"taker_fee_rate"`
	RegimeAtEntry      string        `json:"regime_at_entry"`
	Strategies         []string      `json:"strategies"`
	SizeUSD            float64       `json:"size_usd"`
	ExitAttempts       int           `json:"exit_attempts"`
	ExitReason         string        `json:"exit_reason,omitempty"`
	LastStopAmendPrice float64       `json:"last_stop_amend_price"`
	Confidence         float64       `json:"confidence"`
	ConfluenceCount    int           `json:"confluence_count"`
	SureFire           bool          `json:"sure_fire"`
}

// Trade is the durable trade record. Created on confirmed entry, mutated by
// the position loop, closed exactly once.
type Trade struct {
	ID         string        `json:"trade_id"`
	Pair       string        `json:"pair"`
	Side       string        `json:"side"` // "buy" (long) or "sell" (short)
	Status     TradeStatus   `json:"status"`
	EntryPrice float64       `json:"entry_price"`
	ExitPrice  float64       `json:"exit_price,omitempty"`
	Quantity   float64       `json:"quantity"` // remaining after partials
	Fees       float64       `json:"fees"`
	PnL        float64       `json:"pnl"`
	PnLPct     float64       `json:"pnl_pct"`
	Strategy   string        `json:"strategy"`
	Confidence float64       `json:"confidence"`
	StopLoss   float64       `json:"stop_loss"`
	TakeProfit float64       `json:"take_profit"`
	Trailing   TrailingState `json:"trailing_state"`
	EntryTime  time.Time     `json:"entry_time"`
	ExitTime   time.Time     `json:"exit_time,omitempty"`
	Metadata   Metadata      `json:"metadata"`
}

// NewTradeID mints a globally unique opaque trade id.
func NewTradeID() string {
	return uuid.NewString()
}

// IsLong reports trade direction.
func (t *Trade) IsLong() bool { return t.Side == "buy" }

// UnrealizedPct is the open pnl as a percentage of entry at the given price.
func (t *Trade) UnrealizedPct(price float64) float64 {
	if t.EntryPrice <= 0 {
		return 0
	}
	if t.IsLong() {
		return (price - t.EntryPrice) / t.EntryPrice * 100
	}
	return (t.EntryPrice - price) / t.EntryPrice * 100
}

// TPDistance is the absolute distance between entry and take profit.
func (t *Trade) TPDistance() float64 {
	d := t.TakeProfit - t.EntryPrice
	if d < 0 {
		d = -d
	}
	return d
}
