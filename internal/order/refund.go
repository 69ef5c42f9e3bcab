package order

import (
	"github.com/shopspring/decimal"

	"github.com/chatmarket/chatmarket/internal/domain"
)

// RefundBreakdown is the serialized refund calculation persisted with a
// cancelled order so post-termination views stay readable after restock.
type RefundBreakdown struct {
	DigitalAmount  decimal.Decimal `json:"digitalAmount"`
	PhysicalAmount decimal.Decimal `json:"physicalAmount"`
	ShippingCost   decimal.Decimal `json:"shippingCost"`
	RefundableBase decimal.Decimal `json:"refundableBase"`
	PenaltyPercent decimal.Decimal `json:"penaltyPercent"`
	PenaltyAmount  decimal.Decimal `json:"penaltyAmount"`
	FinalRefund    decimal.Decimal `json:"finalRefund"`
	HasDigital     bool            `json:"hasDigitalItems"`
	HasPhysical    bool            `json:"hasPhysicalItems"`
	IsMixed        bool            `json:"isMixedOrder"`
}

// CalculatePenalty splits a base amount into (penalty, remainder) for the
// given percentage. Both halves are rounded to cents.
func CalculatePenalty(base, percent decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	penalty := domain.RoundFiat(base.Mul(percent).Div(decimal.NewFromInt(100)))
	return penalty, domain.RoundFiat(base.Sub(penalty))
}

// CalculatePartialRefund computes the refund for an order's item set.
// Digital items are treated as delivered and non-refundable; the refundable
// base is the physical total plus shipping, and the penalty applies only to
// that base.
func CalculatePartialRefund(items []domain.Item, shippingCost, penaltyPercent decimal.Decimal, applyPenalty bool) RefundBreakdown {
	b := RefundBreakdown{
		DigitalAmount:  decimal.Zero,
		PhysicalAmount: decimal.Zero,
		ShippingCost:   domain.RoundFiat(shippingCost),
		PenaltyPercent: decimal.Zero,
		PenaltyAmount:  decimal.Zero,
	}

	for _, it := range items {
		if it.IsPhysical {
			b.PhysicalAmount = domain.RoundFiat(b.PhysicalAmount.Add(it.Price))
			b.HasPhysical = true
		} else {
			b.DigitalAmount = domain.RoundFiat(b.DigitalAmount.Add(it.Price))
			b.HasDigital = true
		}
	}
	b.IsMixed = b.HasDigital && b.HasPhysical

	b.RefundableBase = b.PhysicalAmount
	if b.HasPhysical {
		b.RefundableBase = domain.RoundFiat(b.RefundableBase.Add(b.ShippingCost))
	}

	if applyPenalty {
		b.PenaltyPercent = penaltyPercent
		b.PenaltyAmount, b.FinalRefund = CalculatePenalty(b.RefundableBase, penaltyPercent)
	} else {
		b.FinalRefund = b.RefundableBase
	}
	return b
}
