package payment

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/chatmarket/chatmarket/internal/domain"
)

// Verdict is the closed classification of an inbound confirmed payment.
type Verdict string

const (
	VerdictCurrencyMismatch Verdict = "CURRENCY_MISMATCH"
	VerdictLatePayment      Verdict = "LATE_PAYMENT"
	VerdictExactMatch       Verdict = "EXACT_MATCH"
	VerdictMinorOverpayment Verdict = "MINOR_OVERPAYMENT"
	VerdictOverpayment      Verdict = "OVERPAYMENT"
	VerdictUnderpayment     Verdict = "UNDERPAYMENT"
)

// Classify compares a paid amount against the invoice requirement. Both
// amounts must already be normalized to the currency's smallest unit;
// comparisons never happen on floats. tolerancePercent separates minor
// (forfeited) from significant (wallet-credited) overpayment.
func Classify(paid, required decimal.Decimal, paidCurrency, requiredCurrency domain.CryptoCurrency,
	now, deadline time.Time, tolerancePercent decimal.Decimal) Verdict {

	if paidCurrency != requiredCurrency {
		return VerdictCurrencyMismatch
	}
	if now.After(deadline) {
		return VerdictLatePayment
	}
	if paid.Equal(required) {
		return VerdictExactMatch
	}
	if paid.LessThan(required) {
		return VerdictUnderpayment
	}
	ceiling := required.Mul(decimal.NewFromInt(100).Add(tolerancePercent)).Div(decimal.NewFromInt(100))
	if paid.LessThanOrEqual(ceiling) {
		return VerdictMinorOverpayment
	}
	return VerdictOverpayment
}
