package domain

import "github.com/shopspring/decimal"

// CommissionRate is charged on the notional of every buy and sell.
var CommissionRate = decimal.NewFromFloat(0.001)

// RoundCents rounds a cash amount to two decimal places, half away from zero.
// All amounts that reach the ledger pass through this; cost basis does not.
func RoundCents(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// Commission computes the fee for the given notional amount.
func Commission(notional decimal.Decimal) decimal.Decimal {
	return RoundCents(notional.Mul(CommissionRate))
}
