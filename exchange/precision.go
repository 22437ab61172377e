package exchange

import "github.com/shopspring/decimal"

// RoundAmount rounds a contract quantity to the venue's declared
// amount precision using round-half-to-even (banker's rounding), the
// mode decimal.Decimal's RoundBank implements.
func RoundAmount(amount float64, precision int) float64 {
	d := decimal.NewFromFloat(amount)
	rounded := d.RoundBank(int32(precision))
	f, _ := rounded.Float64()
	return f
}

// RoundPrice rounds a price to the venue's declared price precision,
// flooring for buy-side orders and ceiling for sell-side orders so
// that a resting order never crosses the requested price in the
// trader's favor.
func RoundPrice(price float64, precision int, isBuy bool) float64 {
	d := decimal.NewFromFloat(price)
	var rounded decimal.Decimal
	if isBuy {
		rounded = d.RoundFloor(int32(precision))
	} else {
		rounded = d.RoundCeil(int32(precision))
	}
	f, _ := rounded.Float64()
	return f
}

// NotionalToQuantity converts a quote-currency notional into a
// contract quantity at the given mark price, rounded to the venue's
// amount precision.
func NotionalToQuantity(notional, mark float64, precision int) float64 {
	if mark <= 0 {
		return 0
	}
	return RoundAmount(notional/mark, precision)
}
