package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// CryptoCurrency enumerates the currencies the payment processor settles in.
type CryptoCurrency string

const (
	BTC       CryptoCurrency = "BTC"
	LTC       CryptoCurrency = "LTC"
	ETH       CryptoCurrency = "ETH"
	SOL       CryptoCurrency = "SOL"
	BNB       CryptoCurrency = "BNB"
	USDTTRC20 CryptoCurrency = "USDT_TRC20"
	USDTERC20 CryptoCurrency = "USDT_ERC20"
	USDCERC20 CryptoCurrency = "USDC_ERC20"

	// CryptoPendingSelection marks an order whose buyer has not picked a
	// settlement currency yet. Invoice creation rejects it.
	CryptoPendingSelection CryptoCurrency = "PENDING_SELECTION"
)

func (c CryptoCurrency) String() string { return string(c) }

// defaultDecimals is the smallest-unit exponent per currency (satoshi,
// lamport, wei, 6-decimal token units). Overridable via CRYPTO_DECIMALS_*.
var defaultDecimals = map[CryptoCurrency]int32{
	BTC:       8,
	LTC:       8,
	ETH:       18,
	SOL:       9,
	BNB:       18,
	USDTTRC20: 6,
	USDTERC20: 6,
	USDCERC20: 6,
}

// Decimals returns the smallest-unit exponent for the currency.
func (c CryptoCurrency) Decimals() int32 {
	if d, ok := defaultDecimals[c]; ok {
		return d
	}
	return 8
}

// SetDecimals overrides the smallest-unit exponent, applied once at startup
// from configuration.
func SetDecimals(c CryptoCurrency, places int32) {
	defaultDecimals[c] = places
}

// ParseCryptoCurrency validates a wire-format currency code.
func ParseCryptoCurrency(s string) (CryptoCurrency, error) {
	c := CryptoCurrency(s)
	switch c {
	case BTC, LTC, ETH, SOL, BNB, USDTTRC20, USDTERC20, USDCERC20:
		return c, nil
	}
	return "", fmt.Errorf("unknown crypto currency %q", s)
}

// NormalizeCrypto converts a human-scale amount to an integral count of the
// currency's smallest unit. Comparisons between paid and required amounts
// must happen on these normalized values, never on floats.
func NormalizeCrypto(amount decimal.Decimal, c CryptoCurrency) decimal.Decimal {
	return amount.Shift(c.Decimals()).Truncate(0)
}

// DenormalizeCrypto is the inverse of NormalizeCrypto.
func DenormalizeCrypto(units decimal.Decimal, c CryptoCurrency) decimal.Decimal {
	return units.Shift(-c.Decimals())
}

// PaymentType distinguishes the two payment-processor webhook flavors.
type PaymentType string

const (
	PaymentTypeDeposit PaymentType = "DEPOSIT"
	PaymentTypePayment PaymentType = "PAYMENT"
)
