package order

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/chatmarket/chatmarket/internal/domain"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestCalculatePenalty(t *testing.T) {
	penalty, remainder := CalculatePenalty(dec("100.00"), dec("10"))
	assert.True(t, dec("10.00").Equal(penalty), "penalty %s", penalty)
	assert.True(t, dec("90.00").Equal(remainder), "remainder %s", remainder)

	// Banker's rounding at the cent boundary.
	penalty, remainder = CalculatePenalty(dec("0.25"), dec("10"))
	assert.True(t, dec("0.02").Equal(penalty), "penalty %s", penalty)
	assert.True(t, dec("0.23").Equal(remainder), "remainder %s", remainder)
}

func TestCalculatePartialRefundMixedOrder(t *testing.T) {
	items := []domain.Item{
		{Price: dec("10.00"), IsPhysical: false},
		{Price: dec("20.00"), IsPhysical: true, ShippingCost: dec("3.00")},
	}

	b := CalculatePartialRefund(items, dec("3.00"), dec("10"), false)

	assert.True(t, b.IsMixed)
	assert.True(t, dec("10.00").Equal(b.DigitalAmount))
	assert.True(t, dec("20.00").Equal(b.PhysicalAmount))
	assert.True(t, dec("23.00").Equal(b.RefundableBase))
	assert.True(t, dec("23.00").Equal(b.FinalRefund))
	assert.True(t, b.PenaltyAmount.IsZero())
}

func TestCalculatePartialRefundMixedOrderWithPenalty(t *testing.T) {
	items := []domain.Item{
		{Price: dec("10.00"), IsPhysical: false},
		{Price: dec("20.00"), IsPhysical: true, ShippingCost: dec("3.00")},
	}

	b := CalculatePartialRefund(items, dec("3.00"), dec("10"), true)

	assert.True(t, dec("2.30").Equal(b.PenaltyAmount), "penalty %s", b.PenaltyAmount)
	assert.True(t, dec("20.70").Equal(b.FinalRefund), "refund %s", b.FinalRefund)
}

func TestCalculatePartialRefundDigitalOnly(t *testing.T) {
	items := []domain.Item{{Price: dec("10.00")}}

	b := CalculatePartialRefund(items, decimal.Zero, dec("10"), true)

	assert.False(t, b.IsMixed)
	assert.True(t, b.HasDigital)
	assert.False(t, b.HasPhysical)
	// Shipping is not refundable without physical items.
	assert.True(t, b.RefundableBase.IsZero())
	assert.True(t, b.FinalRefund.IsZero())
}

func TestCalculatePartialRefundPhysicalOnly(t *testing.T) {
	items := []domain.Item{
		{Price: dec("20.00"), IsPhysical: true, ShippingCost: dec("3.00")},
		{Price: dec("15.00"), IsPhysical: true, ShippingCost: dec("2.00")},
	}

	b := CalculatePartialRefund(items, dec("3.00"), dec("10"), false)

	assert.False(t, b.IsMixed)
	assert.True(t, dec("38.00").Equal(b.RefundableBase), "base %s", b.RefundableBase)
}
