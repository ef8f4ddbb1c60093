package history

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

// PercentChange returns (current-baseline)/baseline*100. Callers ensure baseline is positive.
func PercentChange(baseline, current decimal.Decimal) decimal.Decimal {
	return current.Sub(baseline).Div(baseline).Mul(hundred)
}
