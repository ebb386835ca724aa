package grid

import (
	"github.com/shopspring/decimal"

	"github.com/gpboyer2/ppll-native-client-sub002/internal/core"
)

// Thresholds are the next trigger prices. Both are undefined until the first fill.
type Thresholds struct {
	Rise decimal.NullDecimal
	Fall decimal.NullDecimal
}

func (t Thresholds) Defined() bool {
	return t.Rise.Valid && t.Fall.Valid
}

// nextThresholds recomputes the triggers around fill price p. The fall-prevention
// term widens the gap on the adding side as the position approaches its maximum:
// below the fill for LONG, above it for SHORT.
func nextThresholds(side core.PositionSide, p, spacing, position decimal.Decimal, maxQty decimal.NullDecimal, coefficient decimal.Decimal) Thresholds {
	adj := decimal.Zero
	if maxQty.Valid && maxQty.Decimal.Sign() > 0 {
		adj = spacing.Mul(position.Div(maxQty.Decimal)).Mul(coefficient)
	}
	if side == core.Short {
		return Thresholds{
			Rise: some(p.Add(spacing).Add(adj)),
			Fall: some(p.Sub(spacing)),
		}
	}
	return Thresholds{
		Rise: some(p.Add(spacing)),
		Fall: some(p.Sub(spacing).Sub(adj)),
	}
}

func some(d decimal.Decimal) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: d, Valid: true}
}
