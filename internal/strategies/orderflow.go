package strategies

import (
	"math"

	"novapulse/internal/indicators"
)

// OrderFlowStrategy fires when the order book score breaks its threshold
// with a tight spread, in the context of price sitting near a short-term
// extreme in the score's direction.
type OrderFlowStrategy struct {
	base
	ScoreThreshold float64
	MaxSpreadPct   float64
	LookbackBars   int
}

// NewOrderFlow creates the detector with its standard parameters.
func NewOrderFlow() *OrderFlowStrategy {
	return &OrderFlowStrategy{ScoreThreshold: 0.3, MaxSpreadPct: 0.15, LookbackBars: 20}
}

func (s *OrderFlowStrategy) Name() string { return "order_flow" }

func (s *OrderFlowStrategy) Evaluate(ctx Context) Signal {
	if ctx.Book == nil || len(ctx.Candles) < s.LookbackBars {
		return neutral(s.Name())
	}
	book := *ctx.Book
	if math.Abs(book.BookScore) < s.ScoreThreshold || book.SpreadPct > s.MaxSpreadPct {
		return neutral(s.Name())
	}

	candles := ctx.Candles
	price := lastClose(candles)
	closes := indicators.Closes(candles[len(candles)-s.LookbackBars:])
	lo, hi := closes[0], closes[0]
	for _, c := range closes {
		lo = math.Min(lo, c)
		hi = math.Max(hi, c)
	}
	if hi <= lo {
		return neutral(s.Name())
	}
	// Position of price in the recent range, 0 = low, 1 = high.
	pos := (price - lo) / (hi - lo)

	strength := clamp(math.Abs(book.BookScore)*1.2, 0.5, 1.0)
	conf := clamp(0.5+math.Abs(book.BookScore)/2+book.LiquidityScore/5, 0.5, 0.9)

	// Buy pressure near the bottom of the range, sell pressure near the top.
	if book.BookScore > 0 && pos < 0.4 {
		return Signal{
			Strategy: s.Name(), Direction: Long,
			Strength: strength, Confidence: conf, EntryHint: price,
			Metadata: map[string]interface{}{"book_score": book.BookScore, "range_pos": pos, "whale": book.WhaleFlag},
		}
	}
	if book.BookScore < 0 && pos > 0.6 {
		return Signal{
			Strategy: s.Name(), Direction: Short,
			Strength: strength, Confidence: conf, EntryHint: price,
			Metadata: map[string]interface{}{"book_score": book.BookScore, "range_pos": pos, "whale": book.WhaleFlag},
		}
	}
	return neutral(s.Name())
}
