package position

import "github.com/shopspring/decimal"

// SizeShares returns the whole number of shares affordable at price when spending at most
// pct percent of cash and never more than maxNotional. A zero maxNotional means no cap.
func SizeShares(cash, price, pct, maxNotional decimal.Decimal) decimal.Decimal {
	if !price.IsPositive() || !cash.IsPositive() || !pct.IsPositive() {
		return decimal.Zero
	}
	budget := cash.Mul(pct).Div(decimal.NewFromInt(100))
	if maxNotional.IsPositive() && budget.GreaterThan(maxNotional) {
		budget = maxNotional
	}
	if budget.GreaterThan(cash) {
		budget = cash
	}
	return budget.Div(price).Floor()
}
