package exchange

import (
	"context"
	"strings"
	"time"

	"novapulse/internal/market"
)

// OrderSide is buy or sell.
type OrderSide string

const (
	Buy  OrderSide = "buy"
	Sell OrderSide = "sell"
)

// OrderKind is the order type.
type OrderKind string

const (
	Market   OrderKind = "market"
	Limit    OrderKind = "limit"
	StopLoss OrderKind = "stop-loss"
)

// OrderStatus is the exchange-reported lifecycle state.
type OrderStatus string

const (
	StatusOpen      OrderStatus = "open"
	StatusFilled    OrderStatus = "filled"
	StatusCancelled OrderStatus = "cancelled"
	StatusRejected  OrderStatus = "rejected"
)

// OrderRequest is a new order submission.
type OrderRequest struct {
	Pair          string
	Side          OrderSide
	Kind          OrderKind
	Quantity      float64
	Price         float64 // limit or stop trigger price; ignored for market
	PostOnly      bool
	ClientOrderID string
}

// Order is the exchange view of an order.
type Order struct {
	OrderID       string
	ClientOrderID string
	Pair          string
	Side          OrderSide
	Kind          OrderKind
	Status        OrderStatus
	Price         float64
	Quantity      float64
	FilledQty     float64
	AvgFillPrice  float64
	Fee           float64
	CreatedAt     time.Time
}

// Fill is one executed trade from history.
type Fill struct {
	OrderID  string
	Pair     string
	Side     OrderSide
	Price    float64
	Quantity float64
	Fee      float64
	Time     time.Time
}

// Channel names for stream subscriptions.
const (
	ChannelTicker = "ticker"
	ChannelOHLC   = "ohlc"
	ChannelBook   = "book"
	ChannelTrade  = "trade"
)

// Event is a normalized stream event. Exactly one payload field is set.
type Event struct {
	Pair   string
	Ticker *market.Ticker
	Candle *CandleEvent
	Book   *market.BookSnapshot
}

// CandleEvent is a streamed bar update; Closed marks bar completion.
type CandleEvent struct {
	Candle market.Candle
	Closed bool
}

// Client is the REST order surface consumed by the executor and supervisor.
type Client interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (string, error)
	CancelOrder(ctx context.Context, orderID string) error
	FetchOHLC(ctx context.Context, pair string, timeframe int, since time.Time, limit int) ([]market.Candle, error)
	OpenOrders(ctx context.Context) ([]Order, error)
	OrderInfo(ctx context.Context, orderID string) (*Order, error)
	TradeHistory(ctx context.Context, start, end time.Time) ([]Fill, error)
}

// Streamer is the market data stream surface.
type Streamer interface {
	Subscribe(pair string, channels []string) error
	Events() <-chan Event
	IsConnected() bool
	Close() error
}

// NativeSymbol maps canonical "BASE/QUOTE" to the venue's concatenated form.
func NativeSymbol(pair string) string {
	return strings.ReplaceAll(pair, "/", "")
}

// symbolMap resolves native symbols back to canonical pairs for the set of
// configured pairs.
type symbolMap struct {
	toCanonical map[string]string
}

func newSymbolMap(pairs []string) *symbolMap {
	m := &symbolMap{toCanonical: make(map[string]string, len(pairs))}
	for _, p := range pairs {
		m.toCanonical[NativeSymbol(p)] = p
	}
	return m
}

// Canonical returns the "BASE/QUOTE" form for a native symbol; unknown
// symbols pass through unchanged.
func (m *symbolMap) Canonical(native string) string {
	if p, ok := m.toCanonical[native]; ok {
		return p
	}
	return native
}
