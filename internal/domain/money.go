package domain

import "github.com/shopspring/decimal"

// RoundFiat rounds a fiat amount to 2 decimal places using banker's rounding
// (half to even). Applied at every assignment so stored amounts never carry
// sub-cent residue.
func RoundFiat(d decimal.Decimal) decimal.Decimal {
	return d.RoundBank(2)
}

