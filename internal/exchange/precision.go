package exchange

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// PairSpec carries per-pair precision and minimum size constraints.
type PairSpec struct {
	PricePrecision int     // decimal places for prices
	QtyPrecision   int     // decimal places for quantities
	MinQty         float64 // smallest accepted order quantity
	MinNotional    float64 // smallest accepted order value in quote
}

// DefaultPairSpecs cover the majors; unknown pairs fall back to 8/8.
var DefaultPairSpecs = map[string]PairSpec{
	"BTC/USD":  {PricePrecision: 1, QtyPrecision: 8, MinQty: 0.0001, MinNotional: 5},
	"ETH/USD":  {PricePrecision: 2, QtyPrecision: 8, MinQty: 0.002, MinNotional: 5},
	"SOL/USD":  {PricePrecision: 2, QtyPrecision: 8, MinQty: 0.02, MinNotional: 5},
	"LINK/USD": {PricePrecision: 3, QtyPrecision: 8, MinQty: 0.1, MinNotional: 5},
	"XRP/USD":  {PricePrecision: 5, QtyPrecision: 8, MinQty: 2, MinNotional: 5},
}

func specFor(pair string) PairSpec {
	if s, ok := DefaultPairSpecs[pair]; ok {
		return s
	}
	return PairSpec{PricePrecision: 8, QtyPrecision: 8}
}

// RoundPrice snaps a price to the pair's tick grid. Buy prices round down,
// sell prices round up, so the rounded order never crosses tighter than
// intended.
func RoundPrice(pair string, price float64, side OrderSide) float64 {
	spec := specFor(pair)
	d := decimal.NewFromFloat(price)
	var r decimal.Decimal
	if side == Buy {
		r = d.RoundFloor(int32(spec.PricePrecision))
	} else {
		r = d.RoundCeil(int32(spec.PricePrecision))
	}
	f, _ := r.Float64()
	return f
}

// RoundQty truncates a quantity to the pair's lot grid. Always rounds down
// so the order never exceeds the sized notional.
func RoundQty(pair string, qty float64) float64 {
	spec := specFor(pair)
	f, _ := decimal.NewFromFloat(qty).RoundFloor(int32(spec.QtyPrecision)).Float64()
	return f
}

// ValidateOrderSize checks the minimum quantity and notional constraints
// after rounding.
func ValidateOrderSize(pair string, qty, price float64) error {
	spec := specFor(pair)
	if qty < spec.MinQty {
		return NewError(KindInvalidOrder,
			fmt.Sprintf("%s qty %.8f below minimum %.8f", pair, qty, spec.MinQty), nil)
	}
	if notional := qty * price; spec.MinNotional > 0 && notional < spec.MinNotional {
		return NewError(KindInvalidOrder,
			fmt.Sprintf("%s notional %.2f below minimum %.2f", pair, notional, spec.MinNotional), nil)
	}
	return nil
}

// FormatPrice renders a price with the pair's precision for REST payloads.
func FormatPrice(pair string, price float64) string {
	spec := specFor(pair)
	return decimal.NewFromFloat(price).Round(int32(spec.PricePrecision)).StringFixed(int32(spec.PricePrecision))
}

// FormatQty renders a quantity with the pair's precision for REST payloads.
func FormatQty(pair string, qty float64) string {
	spec := specFor(pair)
	return decimal.NewFromFloat(qty).RoundFloor(int32(spec.QtyPrecision)).String()
}
