package domain

import "github.com/shopspring/decimal"

// LineTotal is unitPrice * quantity for a single line.
func LineTotal(item CartItem) decimal.Decimal {
	return item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity)))
}

// CartTotal sums line totals. Zero for an empty or absent cart.
func CartTotal(items []CartItem) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(LineTotal(item))
	}
	return total
}
