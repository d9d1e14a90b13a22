package decision

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// SizingConfig is the stateless notional policy applied after the action is
// fixed.
type SizingConfig struct {
	PositionRatio  float64 // fraction of balance committed per entry
	MinNotionalUSD float64 // floor so tiny accounts still clear venue minimums
}

// Notional returns the quote-currency value to deploy.
func Notional(cfg SizingConfig, balance float64) float64 {
	n := balance * cfg.PositionRatio
	if n < cfg.MinNotionalUSD {
		n = cfg.MinNotionalUSD
	}
	return n
}

// Quantity converts a notional into a base quantity rounded DOWN to the
// venue's step size. Rounding up could exceed available margin, so the floor
// is the only safe direction.
func Quantity(notional, price, step, minQty float64) (float64, error) {
	if price <= 0 {
		return 0, fmt.Errorf("invalid price %v", price)
	}
	q := decimal.NewFromFloat(notional).Div(decimal.NewFromFloat(price))
	if step > 0 {
		s := decimal.NewFromFloat(step)
		q = q.Div(s).Floor().Mul(s)
	}
	qty, _ := q.Float64()
	if qty <= 0 || qty < minQty {
		return 0, fmt.Errorf("quantity %v below venue minimum %v", qty, minQty)
	}
	return qty, nil
}
